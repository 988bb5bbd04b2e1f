package pipeline

import (
	"errors"
	"fmt"
)

// ErrBadPipeline marks verification failures. The ingress service maps it to
// the BAD_PIPELINE error kind.
var ErrBadPipeline = errors.New("bad pipeline")

// ProviderTable answers which api classes a configured provider offers.
// The site configuration implements it; tests use small fakes.
type ProviderTable interface {
	// Offers reports whether the named provider binds the api class to an
	// adapter.
	Offers(provider, apiClass string) bool
}

// Verify rejects a pipeline when it contains a cycle, an edge to an unknown
// node, an unregistered api class, a provider that does not offer the api
// class, a parameter record that fails schema validation, or an arity
// mismatch between the descriptor and the node's inputs. All failures wrap
// ErrBadPipeline.
func Verify(p *Pipeline, reg *Registry, providers ProviderTable) error {
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: pipeline has no nodes", ErrBadPipeline)
	}

	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty node_id", ErrBadPipeline)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node_id %q", ErrBadPipeline, n.ID)
		}
		seen[n.ID] = true
	}

	// Edge targets and acyclicity in one pass.
	if _, err := p.TopoOrder(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPipeline, err)
	}

	for _, n := range p.Nodes {
		d, ok := reg.Lookup(n.APIClass)
		if !ok {
			return fmt.Errorf("%w: node %q: unknown api class %q", ErrBadPipeline, n.ID, n.APIClass)
		}
		if providers != nil && !providers.Offers(n.ProviderName(), n.APIClass) {
			return fmt.Errorf("%w: node %q: provider %q does not offer %s", ErrBadPipeline, n.ID, n.ProviderName(), n.APIClass)
		}
		if err := d.CheckArity(len(n.Inputs)); err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrBadPipeline, n.ID, err)
		}
		if err := d.ValidateParams(n.Params); err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrBadPipeline, n.ID, err)
		}
	}
	return nil
}
