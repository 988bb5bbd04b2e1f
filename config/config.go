// Package config loads the site configuration: the site identity, the
// provider table binding api classes to adapter implementations, and the
// blob storage each provider materializes large outputs into. The
// configuration is read once at service start and immutable afterwards.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// SiteConfig is the root of the site YAML document. Unknown keys are
	// rejected.
	SiteConfig struct {
		// Site is the site name reported by version and status responses.
		Site string `yaml:"site"`
		// Contact is an operator contact surfaced by discovery.
		Contact string `yaml:"contact,omitempty"`
		// HeartbeatInterval paces the per-request heartbeat envelopes.
		HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
		// Providers maps provider names to their configuration.
		Providers map[string]ProviderConfig `yaml:"providers"`
	}

	// ProviderConfig describes one provider namespace.
	ProviderConfig struct {
		// Description is shown to clients by the discover operation.
		Description string `yaml:"description,omitempty"`
		// Blob configures where the provider's adapters materialize large
		// outputs. Optional.
		Blob *BlobConfig `yaml:"blob,omitempty"`
		// Interface binds api classes to adapter implementations.
		Interface map[string]AdapterBinding `yaml:"interface"`
	}

	// AdapterBinding selects an adapter implementation for an api class and
	// carries its static settings.
	AdapterBinding struct {
		// Adapter is the registered adapter implementation name. Defaults
		// to the api class itself.
		Adapter string `yaml:"adapter,omitempty"`
		// Settings holds adapter-specific static configuration.
		Settings map[string]any `yaml:"settings,omitempty"`
	}

	// BlobConfig describes a blob filesystem target.
	BlobConfig struct {
		// Protocol selects the store implementation. "file" is built in.
		Protocol string `yaml:"protocol"`
		// BaseURL is the store root, e.g. a directory path.
		BaseURL string `yaml:"base_url"`
		// Options carries protocol-specific settings.
		Options map[string]string `yaml:"options,omitempty"`
	}

	// Duration is a time.Duration that unmarshals from YAML strings such as
	// "5s" or "2m30s".
	Duration time.Duration
)

// DefaultHeartbeatInterval applies when the site YAML omits one.
const DefaultHeartbeatInterval = 5 * time.Second

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads and validates a site configuration file.
func Load(path string) (*SiteConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open site config %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("site config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a site configuration document, rejecting unknown keys and
// applying defaults.
func Parse(r io.Reader) (*SiteConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg SiteConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Site == "" {
		return nil, fmt.Errorf("site name is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	for name, p := range cfg.Providers {
		if p.Blob != nil && p.Blob.Protocol == "" {
			return nil, fmt.Errorf("provider %s: blob protocol is required", name)
		}
	}
	return &cfg, nil
}

// Offers reports whether the named provider binds the api class. Implements
// the verifier's provider table.
func (c *SiteConfig) Offers(provider, apiClass string) bool {
	p, ok := c.Providers[provider]
	if !ok {
		return false
	}
	_, ok = p.Interface[apiClass]
	return ok
}

// Binding resolves the adapter binding for a provider and api class.
func (c *SiteConfig) Binding(provider, apiClass string) (AdapterBinding, bool) {
	p, ok := c.Providers[provider]
	if !ok {
		return AdapterBinding{}, false
	}
	b, ok := p.Interface[apiClass]
	if !ok {
		return AdapterBinding{}, false
	}
	if b.Adapter == "" {
		b.Adapter = apiClass
	}
	return b, true
}
