package builtin

import (
	"context"
	"encoding/json"

	"github.com/dfmesh/dfm/adapter"
)

type (
	// zip2 pairs the values of two upstream streams positionally. The pair
	// is emitted as a two-element array. The stream ends when either side
	// closes.
	zip2 struct {
		lhs, rhs adapter.Stream
	}

	// square squares each numeric value of its upstream stream.
	square struct {
		in adapter.Stream
	}
)

func newZip2(inv adapter.Invocation) (adapter.Adapter, error) {
	if len(inv.Inputs) != 2 {
		return nil, adapter.BadInput("zip2 needs two input streams, got %d", len(inv.Inputs))
	}
	return &zip2{lhs: inv.Inputs[0], rhs: inv.Inputs[1]}, nil
}

func (a *zip2) Body(ctx context.Context, emit adapter.Emit) error {
	for {
		l, ok, err := a.lhs.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		r, ok, err := a.rhs.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pair, err := json.Marshal([]json.RawMessage{l, r})
		if err != nil {
			return err
		}
		if err := emit(ctx, pair); err != nil {
			return err
		}
	}
}

func newSquare(inv adapter.Invocation) (adapter.Adapter, error) {
	if len(inv.Inputs) != 1 {
		return nil, adapter.BadInput("square needs one input stream, got %d", len(inv.Inputs))
	}
	return &square{in: inv.Inputs[0]}, nil
}

func (a *square) Body(ctx context.Context, emit adapter.Emit) error {
	for {
		v, ok, err := a.in.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return adapter.BadInput("square input is not numeric: %s", string(v))
		}
		out, err := json.Marshal(n * n)
		if err != nil {
			return err
		}
		if err := emit(ctx, out); err != nil {
			return err
		}
	}
}
