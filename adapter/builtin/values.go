package builtin

import (
	"context"
	"encoding/json"

	"github.com/dfmesh/dfm/adapter"
)

type (
	// constant emits the literal value from its params.
	constant struct {
		value json.RawMessage
	}

	// greetMe emits "<greeting> <name>". The greeting comes from adapter
	// settings, the name from node params.
	greetMe struct {
		greeting string
		name     string
	}

	// signal emits its message once activated. Ordering is carried by the
	// node's after edges: the executor activates the node only when every
	// predecessor reached a terminal state.
	signal struct {
		message string
	}
)

func newConstant(inv adapter.Invocation) (adapter.Adapter, error) {
	var params struct {
		Value json.RawMessage `json:"value"`
	}
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	if len(params.Value) == 0 {
		params.Value = json.RawMessage("null")
	}
	return &constant{value: params.Value}, nil
}

func (a *constant) Body(ctx context.Context, emit adapter.Emit) error {
	return emit(ctx, a.value)
}

func newGreetMe(inv adapter.Invocation) (adapter.Adapter, error) {
	var settings struct {
		Greeting string `json:"greeting"`
	}
	if err := inv.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	if settings.Greeting == "" {
		settings.Greeting = "Hello"
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	return &greetMe{greeting: settings.Greeting, name: params.Name}, nil
}

func (a *greetMe) Body(ctx context.Context, emit adapter.Emit) error {
	return emit(ctx, jsonString(a.greeting+" "+a.name))
}

func newSignal(inv adapter.Invocation) (adapter.Adapter, error) {
	var params struct {
		Message string `json:"message"`
	}
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	return &signal{message: params.Message}, nil
}

func (a *signal) Body(ctx context.Context, emit adapter.Emit) error {
	return emit(ctx, jsonString(a.message))
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
