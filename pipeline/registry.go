package pipeline

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Arity declares how many upstream value streams a function consumes.
	Arity int

	// Descriptor registers one api class: its parameter schema, its arity,
	// and a human-readable description surfaced by discovery.
	Descriptor struct {
		// APIClass is the registry tag, e.g. "dfm.Constant".
		APIClass string
		// Description is shown to clients by the discover operation.
		Description string
		// Arity constrains the node's inputs list.
		Arity Arity
		// NumInputs pins the exact input count for NAry functions.
		// Zero means any count of two or more.
		NumInputs int
		// ParamSchema is the JSON schema source for the node's params.
		// Empty means params must be absent or an empty object.
		ParamSchema string

		compiled *jsonschema.Schema
	}

	// Registry is the closed set of api classes known to a site. It is
	// populated at startup and read-only afterwards; lookups are safe for
	// concurrent use.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*Descriptor
	}
)

const (
	// Nullary functions consume no upstream values.
	Nullary Arity = iota
	// Unary functions consume exactly one upstream stream.
	Unary
	// NAry functions consume two or more upstream streams in port order.
	NAry
)

// String returns the arity name used in error messages.
func (a Arity) String() string {
	switch a {
	case Nullary:
		return "nullary"
	case Unary:
		return "unary"
	case NAry:
		return "n-ary"
	default:
		return fmt.Sprintf("arity(%d)", int(a))
	}
}

// NewRegistry returns an empty api class registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Descriptor)}
}

// Register adds a descriptor, compiling its parameter schema. It fails on
// duplicate api classes and on invalid schemas.
func (r *Registry) Register(d Descriptor) error {
	if d.APIClass == "" {
		return fmt.Errorf("register api class: empty name")
	}
	if d.ParamSchema != "" {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(d.ParamSchema)))
		if err != nil {
			return fmt.Errorf("parse schema for %s: %w", d.APIClass, err)
		}
		c := jsonschema.NewCompiler()
		res := "schema.json"
		if err := c.AddResource(res, doc); err != nil {
			return fmt.Errorf("add schema for %s: %w", d.APIClass, err)
		}
		sch, err := c.Compile(res)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", d.APIClass, err)
		}
		d.compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[d.APIClass]; ok {
		return fmt.Errorf("api class %s already registered", d.APIClass)
	}
	r.entries[d.APIClass] = &d
	return nil
}

// MustRegister is Register that panics on error. Intended for builtin
// registration at startup.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for an api class, or false when unknown.
func (r *Registry) Lookup(apiClass string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[apiClass]
	return d, ok
}

// APIClasses returns all registered api class names, sorted.
func (r *Registry) APIClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidateParams checks a parameter record against the descriptor's schema.
// Descriptors without a schema accept absent params and empty objects only.
func (d *Descriptor) ValidateParams(params []byte) error {
	if d.compiled == nil {
		if len(params) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("{}")) || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
			return nil
		}
		return fmt.Errorf("%s takes no params", d.APIClass)
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	if err := d.compiled.Validate(v); err != nil {
		return fmt.Errorf("params for %s: %w", d.APIClass, err)
	}
	return nil
}

// CheckArity verifies that an input count satisfies the descriptor.
func (d *Descriptor) CheckArity(numInputs int) error {
	switch d.Arity {
	case Nullary:
		if numInputs != 0 {
			return fmt.Errorf("%s is nullary but has %d inputs", d.APIClass, numInputs)
		}
	case Unary:
		if numInputs != 1 {
			return fmt.Errorf("%s is unary but has %d inputs", d.APIClass, numInputs)
		}
	case NAry:
		if d.NumInputs > 0 && numInputs != d.NumInputs {
			return fmt.Errorf("%s takes %d inputs but has %d", d.APIClass, d.NumInputs, numInputs)
		}
		if d.NumInputs == 0 && numInputs < 2 {
			return fmt.Errorf("%s takes two or more inputs but has %d", d.APIClass, numInputs)
		}
	}
	return nil
}
