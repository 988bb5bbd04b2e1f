package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
site: test-site
contact: ops@example.com
heartbeat_interval: 2s
providers:
  dfm:
    description: Builtin functions
    blob:
      protocol: file
      base_url: /tmp/blobs
    interface:
      dfm.Constant: {}
      dfm.GreetMe:
        settings:
          greeting: Hi
  acme:
    interface:
      acme.Forecast:
        adapter: acme.forecast-v2
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "test-site", cfg.Site)
	require.Equal(t, "ops@example.com", cfg.Contact)
	require.Equal(t, 2*time.Second, time.Duration(cfg.HeartbeatInterval))
	require.Len(t, cfg.Providers, 2)
	require.Equal(t, "file", cfg.Providers["dfm"].Blob.Protocol)
	require.Equal(t, "/tmp/blobs", cfg.Providers["dfm"].Blob.BaseURL)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader("site: s\nproviders: {}\n"))
	require.NoError(t, err)
	require.Equal(t, DefaultHeartbeatInterval, time.Duration(cfg.HeartbeatInterval))
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing site", "providers: {}\n"},
		{"unknown key", "site: s\nbogus: 1\n"},
		{"blob without protocol", "site: s\nproviders:\n  p:\n    blob:\n      base_url: /x\n    interface: {}\n"},
		{"bad duration", "site: s\nheartbeat_interval: soon\nproviders: {}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestOffers(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	require.True(t, cfg.Offers("dfm", "dfm.Constant"))
	require.False(t, cfg.Offers("dfm", "acme.Forecast"))
	require.False(t, cfg.Offers("ghost", "dfm.Constant"))
}

func TestBinding(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	b, ok := cfg.Binding("dfm", "dfm.GreetMe")
	require.True(t, ok)
	require.Equal(t, "dfm.GreetMe", b.Adapter)
	require.Equal(t, "Hi", b.Settings["greeting"])

	b, ok = cfg.Binding("acme", "acme.Forecast")
	require.True(t, ok)
	require.Equal(t, "acme.forecast-v2", b.Adapter)

	_, ok = cfg.Binding("dfm", "nope")
	require.False(t, ok)
}
