// Package adapter defines the extension seam of the execution runtime. An
// adapter wraps one function (api class) of one provider and runs as a
// cooperative producer: the executor drives Body, which emits zero or more
// values and returns when the stream is complete.
//
// Adapter implementations are registered by name in a Registry; the site
// configuration binds (provider, api class) pairs to those names together
// with static settings. Builtin adapters live in the builtin subpackage.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dfmesh/dfm/cache"
	"github.com/dfmesh/dfm/pipeline"
)

type (
	// Emit delivers one produced value to the runtime. The runtime fans the
	// value out to the cache, the response queue (for output nodes), and
	// downstream input buffers.
	Emit func(ctx context.Context, value json.RawMessage) error

	// Stream is one upstream value stream in port order. Next blocks until
	// a value arrives; ok is false once the upstream closed the port.
	Stream interface {
		Next(ctx context.Context) (value json.RawMessage, ok bool, err error)
	}

	// Adapter produces the values of one node activation. Body may await
	// external I/O freely; it must honor ctx cancellation at await points.
	// Side effects should be idempotent since a node may be retried.
	Adapter interface {
		Body(ctx context.Context, emit Emit) error
	}

	// Invocation carries everything an adapter factory needs to build one
	// activation.
	Invocation struct {
		// Node is the pipeline node being executed.
		Node pipeline.Node
		// Params is the node's dynamic parameter record.
		Params json.RawMessage
		// Settings is the adapter's static configuration from the site
		// YAML.
		Settings map[string]any
		// Provider describes the resolved provider namespace.
		Provider ProviderInfo
		// Inputs are the upstream value streams, one per input port.
		Inputs []Stream
		// Request is the handle for responses, scheduling, and mailboxes.
		Request *RequestHandle
		// Continuation is the opaque blob a previous activation persisted
		// through ScheduleAfter, or nil on first activation.
		Continuation []byte
	}

	// ProviderInfo is the read-only view of a provider an adapter sees.
	ProviderInfo struct {
		// Name is the provider namespace.
		Name string
		// Description is the operator-supplied provider description.
		Description string
		// Blobs materializes large payloads when the provider configures a
		// blob store. Nil otherwise.
		Blobs cache.BlobStore
	}

	// Factory builds an adapter for one activation.
	Factory func(inv Invocation) (Adapter, error)

	// Registry maps adapter implementation names to factories. Populated at
	// startup, read-only afterwards.
	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
	}
)

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds an implementation name to a factory.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("register adapter: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("adapter %s already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Lookup resolves a factory by implementation name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered implementation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecodeParams unmarshals the invocation params into out. A nil params
// record decodes into the zero value.
func (inv Invocation) DecodeParams(out any) error {
	if len(inv.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(inv.Params, out); err != nil {
		return BadInput("decode params of %s: %v", inv.Node.APIClass, err)
	}
	return nil
}

// DecodeSettings maps the static adapter settings into out through JSON.
func (inv Invocation) DecodeSettings(out any) error {
	if len(inv.Settings) == 0 {
		return nil
	}
	raw, err := json.Marshal(inv.Settings)
	if err != nil {
		return fmt.Errorf("encode settings of %s: %w", inv.Node.APIClass, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode settings of %s: %w", inv.Node.APIClass, err)
	}
	return nil
}

// Sentinel errors adapters raise to steer the executor's failure handling.
var (
	// ErrSuspended signals that the adapter scheduled a delayed follow-up
	// through ScheduleAfter and released its worker. The node is not
	// terminal; the scheduler re-activates it.
	ErrSuspended = errors.New("adapter suspended for delayed follow-up")
	// ErrBadInput marks params the adapter rejected at run time. The node
	// fails immediately without retry.
	ErrBadInput = errors.New("adapter rejected input")
	// ErrUpstreamUnavailable marks an unreachable external collaborator.
	// The activation is retried with backoff before failing.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// BadInput builds an error wrapping ErrBadInput.
func BadInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadInput, fmt.Sprintf(format, args...))
}

// Unavailable builds an error wrapping ErrUpstreamUnavailable.
func Unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, fmt.Sprintf(format, args...))
}
