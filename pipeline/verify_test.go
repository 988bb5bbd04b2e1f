package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProviders map[string][]string

func (f fakeProviders) Offers(provider, apiClass string) bool {
	for _, api := range f[provider] {
		if api == apiClass {
			return true
		}
	}
	return false
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(Descriptor{
		APIClass:    "dfm.Constant",
		Arity:       Nullary,
		ParamSchema: `{"type":"object","properties":{"value":{}},"required":["value"],"additionalProperties":false}`,
	})
	reg.MustRegister(Descriptor{APIClass: "dfm.Square", Arity: Unary})
	reg.MustRegister(Descriptor{APIClass: "dfm.Zip2", Arity: NAry, NumInputs: 2})
	return reg
}

func testProviders() fakeProviders {
	return fakeProviders{"dfm": {"dfm.Constant", "dfm.Square", "dfm.Zip2"}}
}

func constNode(id string, value string) Node {
	return Node{ID: id, APIClass: "dfm.Constant", Params: json.RawMessage(`{"value":` + value + `}`)}
}

func TestVerifyAccepts(t *testing.T) {
	p := &Pipeline{Nodes: []Node{
		constNode("c1", "1"),
		constNode("c2", "2"),
		{ID: "z", APIClass: "dfm.Zip2", Inputs: []string{"c1", "c2"}, IsOutput: true},
	}}
	require.NoError(t, Verify(p, testRegistry(t), testProviders()))
}

func TestVerifyRejects(t *testing.T) {
	reg := testRegistry(t)
	providers := testProviders()
	cases := []struct {
		name string
		p    *Pipeline
	}{
		{"empty pipeline", &Pipeline{}},
		{"empty node id", &Pipeline{Nodes: []Node{{APIClass: "dfm.Square"}}}},
		{"duplicate node id", &Pipeline{Nodes: []Node{constNode("a", "1"), constNode("a", "2")}}},
		{"unknown api class", &Pipeline{Nodes: []Node{{ID: "a", APIClass: "dfm.Nope"}}}},
		{"unknown edge", &Pipeline{Nodes: []Node{{ID: "a", APIClass: "dfm.Square", Inputs: []string{"ghost"}}}}},
		{"cycle", &Pipeline{Nodes: []Node{
			{ID: "a", APIClass: "dfm.Square", Inputs: []string{"b"}},
			{ID: "b", APIClass: "dfm.Square", Inputs: []string{"a"}},
		}}},
		{"arity mismatch", &Pipeline{Nodes: []Node{constNode("c", "1"), {ID: "a", APIClass: "dfm.Zip2", Inputs: []string{"c"}}}}},
		{"missing required param", &Pipeline{Nodes: []Node{{ID: "c", APIClass: "dfm.Constant", Params: json.RawMessage(`{}`)}}}},
		{"extra param", &Pipeline{Nodes: []Node{{ID: "c", APIClass: "dfm.Constant", Params: json.RawMessage(`{"value":1,"x":2}`)}}}},
		{"params on schemaless class", &Pipeline{Nodes: []Node{constNode("c", "1"), {ID: "a", APIClass: "dfm.Square", Inputs: []string{"c"}, Params: json.RawMessage(`{"x":1}`)}}}},
		{"unknown provider", &Pipeline{Nodes: []Node{{ID: "c", APIClass: "dfm.Constant", Provider: "acme", Params: json.RawMessage(`{"value":1}`)}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Verify(tc.p, reg, providers)
			require.ErrorIs(t, err, ErrBadPipeline)
		})
	}
}

func TestCheckArity(t *testing.T) {
	nary := &Descriptor{APIClass: "x", Arity: NAry}
	require.Error(t, nary.CheckArity(1))
	require.NoError(t, nary.CheckArity(2))
	require.NoError(t, nary.CheckArity(5))

	pinned := &Descriptor{APIClass: "x", Arity: NAry, NumInputs: 3}
	require.Error(t, pinned.CheckArity(2))
	require.NoError(t, pinned.CheckArity(3))
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{APIClass: "x"}))
	require.Error(t, reg.Register(Descriptor{APIClass: "x"}))
}
