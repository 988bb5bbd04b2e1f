package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptimizeFoldsConstants(t *testing.T) {
	p := &Pipeline{Nodes: []Node{
		constNode("c1", "3"),
		{ID: "sq", APIClass: "dfm.Square", Inputs: []string{"c1"}, IsOutput: true},
	}}
	out, fps, err := Optimize(p, testRegistry(t))
	require.NoError(t, err)
	require.Len(t, fps, 2)
	require.Len(t, out.Nodes, 1)
	require.Equal(t, "sq", out.Nodes[0].ID)
	require.JSONEq(t, "3", string(out.Folded["c1"]))
}

func TestOptimizeKeepsOutputConstants(t *testing.T) {
	p := &Pipeline{Nodes: []Node{
		{ID: "c1", APIClass: "dfm.Constant", Params: json.RawMessage(`{"value":3}`), IsOutput: true},
	}}
	out, _, err := Optimize(p, testRegistry(t))
	require.NoError(t, err)
	require.Len(t, out.Nodes, 1)
	require.Empty(t, out.Folded)
}

func TestOptimizeKeepsOrderingConstants(t *testing.T) {
	// A constant that gates another node through an after edge must survive
	// folding, otherwise the ordering edge dangles.
	p := &Pipeline{Nodes: []Node{
		constNode("c1", "1"),
		{ID: "gated", APIClass: "dfm.Constant", Params: json.RawMessage(`{"value":2}`), After: []string{"c1"}, IsOutput: true},
	}}
	out, _, err := Optimize(p, testRegistry(t))
	require.NoError(t, err)
	require.Len(t, out.Nodes, 2)
	require.Empty(t, out.Folded)
}

func TestOptimizeEliminatesDuplicates(t *testing.T) {
	p := &Pipeline{Nodes: []Node{
		{ID: "a", APIClass: "dfm.Square", Inputs: []string{"c"}},
		{ID: "b", APIClass: "dfm.Square", Inputs: []string{"c"}},
		{ID: "c", APIClass: "dfm.Constant", Params: json.RawMessage(`{"value":1}`), IsOutput: true},
		{ID: "z", APIClass: "dfm.Zip2", Inputs: []string{"a", "b"}, IsOutput: true},
	}}
	out, _, err := Optimize(p, testRegistry(t))
	require.NoError(t, err)

	// b collapses into a; z reads port 1 from the survivor.
	ids := make([]string, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		ids = append(ids, n.ID)
	}
	require.ElementsMatch(t, []string{"a", "c", "z"}, ids)
	z, ok := out.Node("z")
	require.True(t, ok)
	require.Equal(t, []string{"a", "a"}, z.Inputs)
}

func TestOptimizeNeverRemovesOutputDuplicates(t *testing.T) {
	p := &Pipeline{Nodes: []Node{
		{ID: "a", APIClass: "dfm.Constant", Params: json.RawMessage(`{"value":1}`), IsOutput: true},
		{ID: "b", APIClass: "dfm.Constant", Params: json.RawMessage(`{"value":1}`), IsOutput: true},
	}}
	out, _, err := Optimize(p, testRegistry(t))
	require.NoError(t, err)
	require.Len(t, out.Nodes, 2)
}
