// Package pipeline defines the DAG model that clients submit for execution.
//
// A pipeline is an ordered list of nodes. Each node names a function through
// its api class, carries a typed parameter record, and declares its upstream
// value edges (inputs) and pure ordering edges (after). The package also
// provides:
//
//   - Registry: the closed registry of api classes with their parameter
//     schemas and arities (registry.go)
//   - Verify: structural and schema validation of submitted pipelines
//     (verify.go)
//   - Optimize: deterministic rewrites applied before execution
//     (optimize.go)
//   - Fingerprint: the content-address of a node, used as the cache key
//     (fingerprint.go)
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Node is a single function call in a pipeline.
	Node struct {
		// ID uniquely identifies the node within its pipeline. Clients may
		// assign a well-known ID (see WellKnownID) to poll for the node's
		// values by name.
		ID string `json:"node_id"`
		// APIClass selects the function being invoked. The tag must be
		// registered in the site's api class registry.
		APIClass string `json:"api_class"`
		// Provider names the provider namespace that resolves the adapter
		// implementation. Defaults to "dfm".
		Provider string `json:"provider,omitempty"`
		// Params is the parameter record validated against the schema
		// registered for APIClass.
		Params json.RawMessage `json:"params,omitempty"`
		// Inputs lists upstream node IDs whose streamed values feed this
		// node, in port order. Empty for nullary nodes.
		Inputs []string `json:"inputs,omitempty"`
		// After lists node IDs that must reach a terminal state before this
		// node becomes eligible, independent of value flow.
		After []string `json:"after,omitempty"`
		// IsOutput routes values produced by this node to the client
		// response queue.
		IsOutput bool `json:"is_output,omitempty"`
		// ForceCompute skips cache lookups for this node. Newly produced
		// values may still be written to the cache.
		ForceCompute bool `json:"force_compute,omitempty"`
		// NotBefore delays execution of the node until the given wall-clock
		// time. Delayed nodes go through the scheduler instead of the
		// execution queue.
		NotBefore *time.Time `json:"not_before,omitempty"`
	}

	// Pipeline is the immutable DAG a client submits. Folded carries the
	// literal values of constant nodes removed by optimization; the executor
	// seeds downstream input buffers from it.
	Pipeline struct {
		Nodes  []Node                     `json:"nodes"`
		Folded map[string]json.RawMessage `json:"folded,omitempty"`
	}
)

// DefaultProvider is the provider namespace assumed when a node omits one.
const DefaultProvider = "dfm"

// ProviderName returns the node's provider, applying the default.
func (n Node) ProviderName() string {
	if n.Provider == "" {
		return DefaultProvider
	}
	return n.Provider
}

// Node returns the node with the given ID, or false when absent.
func (p *Pipeline) Node(id string) (Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Index builds a lookup map from node ID to node.
func (p *Pipeline) Index() map[string]Node {
	idx := make(map[string]Node, len(p.Nodes))
	for _, n := range p.Nodes {
		idx[n.ID] = n
	}
	return idx
}

// Consumers returns the nodes that list id among their inputs, preserving
// pipeline order.
func (p *Pipeline) Consumers(id string) []Node {
	var out []Node
	for _, n := range p.Nodes {
		for _, in := range n.Inputs {
			if in == id {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// AfterDependents returns the nodes that list id among their after edges.
func (p *Pipeline) AfterDependents(id string) []Node {
	var out []Node
	for _, n := range p.Nodes {
		for _, a := range n.After {
			if a == id {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Dependents returns the transitive closure of nodes reachable from id over
// inputs and after edges, excluding id itself. Used to cancel the subgraph
// below a failed node.
func (p *Pipeline) Dependents(id string) []string {
	seen := map[string]bool{id: true}
	frontier := []string{id}
	var out []string
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, n := range p.Nodes {
			if seen[n.ID] {
				continue
			}
			if containsID(n.Inputs, cur) || containsID(n.After, cur) {
				seen[n.ID] = true
				out = append(out, n.ID)
				frontier = append(frontier, n.ID)
			}
		}
	}
	return out
}

// TopoOrder returns the node IDs in a topological order over inputs and
// after edges. It fails when the graph has a cycle or an edge references an
// unknown node.
func (p *Pipeline) TopoOrder() ([]string, error) {
	idx := p.Index()
	indeg := make(map[string]int, len(p.Nodes))
	for _, n := range p.Nodes {
		if _, ok := indeg[n.ID]; !ok {
			indeg[n.ID] = 0
		}
		for _, e := range append(append([]string{}, n.Inputs...), n.After...) {
			if _, ok := idx[e]; !ok {
				return nil, fmt.Errorf("node %q references unknown node %q", n.ID, e)
			}
			indeg[n.ID]++
		}
	}
	var ready []string
	for _, n := range p.Nodes {
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	var order []string
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, n := range p.Nodes {
			for _, e := range append(append([]string{}, n.Inputs...), n.After...) {
				if e != cur {
					continue
				}
				indeg[n.ID]--
				if indeg[n.ID] == 0 {
					ready = append(ready, n.ID)
				}
			}
		}
	}
	if len(order) != len(p.Nodes) {
		return nil, fmt.Errorf("pipeline contains a cycle")
	}
	return order, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
