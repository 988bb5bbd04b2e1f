package pipeline

import (
	"encoding/json"
	"fmt"
)

// ConstantAPIClass is the pure-constant function. The optimizer folds its
// nodes; the executor also ships an adapter for the unfolded cases.
const ConstantAPIClass = "dfm.Constant"

// Optimize applies the two deterministic rewrites performed before a
// pipeline is persisted:
//
//  1. Duplicate elimination. Nodes sharing a fingerprint are collapsed to
//     the first occurrence; consumers of a removed duplicate are rewired to
//     the survivor. Output nodes are never removed since their node ID is
//     part of the client contract.
//  2. Constant folding. A constant node that is not an output and carries no
//     ordering edges is removed from the graph; its literal value is
//     recorded in Pipeline.Folded and seeded into consumer input buffers at
//     submission time.
//
// Optimize returns the rewritten pipeline and the fingerprint of every node
// of the input pipeline.
func Optimize(p *Pipeline, reg *Registry) (*Pipeline, map[string]string, error) {
	fps, err := Fingerprints(p)
	if err != nil {
		return nil, nil, fmt.Errorf("fingerprint pipeline: %w", err)
	}

	// Duplicate elimination.
	survivor := make(map[string]string, len(p.Nodes)) // fingerprint -> node ID
	replace := make(map[string]string)                // removed ID -> survivor ID
	var kept []Node
	for _, n := range p.Nodes {
		fp := fps[n.ID]
		if first, ok := survivor[fp]; ok && !n.IsOutput {
			replace[n.ID] = first
			continue
		}
		if _, ok := survivor[fp]; !ok {
			survivor[fp] = n.ID
		}
		kept = append(kept, n)
	}
	for i := range kept {
		kept[i].Inputs = rewriteIDs(kept[i].Inputs, replace)
		kept[i].After = rewriteIDs(kept[i].After, replace)
	}

	out := &Pipeline{Nodes: kept, Folded: map[string]json.RawMessage{}}

	// Constant folding.
	var folded []Node
	for _, n := range out.Nodes {
		if n.APIClass != ConstantAPIClass || n.IsOutput || len(n.After) > 0 {
			continue
		}
		if len(out.AfterDependents(n.ID)) > 0 {
			continue
		}
		value, err := constantValue(n)
		if err != nil {
			return nil, nil, err
		}
		out.Folded[n.ID] = value
		folded = append(folded, n)
	}
	if len(folded) > 0 {
		remaining := out.Nodes[:0]
		for _, n := range out.Nodes {
			if _, ok := out.Folded[n.ID]; !ok {
				remaining = append(remaining, n)
			}
		}
		out.Nodes = remaining
	}
	if len(out.Folded) == 0 {
		out.Folded = nil
	}
	return out, fps, nil
}

// constantValue extracts the literal value from a constant node's params.
func constantValue(n Node) (json.RawMessage, error) {
	var params struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return nil, fmt.Errorf("constant %q params: %w", n.ID, err)
	}
	if len(params.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return params.Value, nil
}

func rewriteIDs(ids []string, replace map[string]string) []string {
	if len(ids) == 0 {
		return ids
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		if r, ok := replace[id]; ok {
			out[i] = r
		} else {
			out[i] = id
		}
	}
	return out
}
