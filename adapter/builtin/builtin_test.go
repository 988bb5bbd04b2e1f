package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dfmesh/dfm/adapter"
	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/pipeline"
)

// sliceStream feeds a fixed value list and then closes.
type sliceStream struct {
	values []string
	i      int
}

func (s *sliceStream) Next(context.Context) (json.RawMessage, bool, error) {
	if s.i >= len(s.values) {
		return nil, false, nil
	}
	v := s.values[s.i]
	s.i++
	return json.RawMessage(v), true, nil
}

func collect(t *testing.T, a adapter.Adapter) []string {
	t.Helper()
	var out []string
	err := a.Body(context.Background(), func(_ context.Context, v json.RawMessage) error {
		out = append(out, string(v))
		return nil
	})
	require.NoError(t, err)
	return out
}

func testHandle(t *testing.T) (*adapter.RequestHandle, *broker.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b := broker.New(rdb)
	return adapter.NewRequestHandle("test-site", "req-1", b), b
}

func TestRegister(t *testing.T) {
	classes := pipeline.NewRegistry()
	adapters := adapter.NewRegistry()
	require.NoError(t, Register(classes, adapters))
	require.Len(t, classes.APIClasses(), 10)
	require.Len(t, adapters.Names(), 10)
	for _, api := range Interface() {
		_, ok := classes.Lookup(api)
		require.True(t, ok, api)
		_, ok = adapters.Lookup(api)
		require.True(t, ok, api)
	}
}

func TestConstant(t *testing.T) {
	a, err := newConstant(adapter.Invocation{Params: json.RawMessage(`{"value":{"x":1}}`)})
	require.NoError(t, err)
	require.Equal(t, []string{`{"x":1}`}, collect(t, a))
}

func TestGreetMe(t *testing.T) {
	a, err := newGreetMe(adapter.Invocation{Params: json.RawMessage(`{"name":"World"}`)})
	require.NoError(t, err)
	require.Equal(t, []string{`"Hello World"`}, collect(t, a))

	a, err = newGreetMe(adapter.Invocation{
		Params:   json.RawMessage(`{"name":"World"}`),
		Settings: map[string]any{"greeting": "Hi"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{`"Hi World"`}, collect(t, a))
}

func TestSignal(t *testing.T) {
	a, err := newSignal(adapter.Invocation{Params: json.RawMessage(`{"message":"all done"}`)})
	require.NoError(t, err)
	require.Equal(t, []string{`"all done"`}, collect(t, a))
}

func TestSquare(t *testing.T) {
	a, err := newSquare(adapter.Invocation{
		Inputs: []adapter.Stream{&sliceStream{values: []string{"2", "3"}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"4", "9"}, collect(t, a))
}

func TestSquareRejectsNonNumeric(t *testing.T) {
	a, err := newSquare(adapter.Invocation{
		Inputs: []adapter.Stream{&sliceStream{values: []string{`"nope"`}}},
	})
	require.NoError(t, err)
	err = a.Body(context.Background(), func(context.Context, json.RawMessage) error { return nil })
	require.ErrorIs(t, err, adapter.ErrBadInput)
}

func TestZip2(t *testing.T) {
	a, err := newZip2(adapter.Invocation{
		Inputs: []adapter.Stream{
			&sliceStream{values: []string{"1", "2", "3"}},
			&sliceStream{values: []string{`"a"`, `"b"`}},
		},
	})
	require.NoError(t, err)
	// The stream ends when the shorter side closes.
	require.Equal(t, []string{`[1,"a"]`, `[2,"b"]`}, collect(t, a))
}

func TestSleepBlocking(t *testing.T) {
	a, err := newSleep(adapter.Invocation{Params: json.RawMessage(`{"duration":"10ms"}`)})
	require.NoError(t, err)
	start := time.Now()
	out := collect(t, a)
	require.Equal(t, []string{`"done"`}, out)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleepRejectsBadDuration(t *testing.T) {
	_, err := newSleep(adapter.Invocation{Params: json.RawMessage(`{"duration":"soon"}`)})
	require.ErrorIs(t, err, adapter.ErrBadInput)
}

func TestSleepReschedule(t *testing.T) {
	ctx := context.Background()
	handle, b := testHandle(t)

	node := pipeline.Node{ID: "sleeper", APIClass: APISleep}
	inv := adapter.Invocation{
		Node:    node,
		Params:  json.RawMessage(`{"duration":"1h","reschedule":true}`),
		Request: handle,
	}
	a, err := newSleep(inv)
	require.NoError(t, err)

	// First activation suspends and schedules the follow-up.
	err = a.Body(ctx, func(context.Context, json.RawMessage) error {
		t.Fatal("first activation must not emit")
		return nil
	})
	require.ErrorIs(t, err, adapter.ErrSuspended)

	item, _, ok, err := b.PeekDelayed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sleeper", item.NodeID)

	// Second activation resumes from the continuation and emits.
	inv.Continuation = []byte("resumed")
	a, err = newSleep(inv)
	require.NoError(t, err)
	require.Equal(t, []string{`"done"`}, collect(t, a))
}

func TestMessagingRoundTrip(t *testing.T) {
	ctx := context.Background()
	handle, _ := testHandle(t)

	// Deposit through receiveMessage.
	recv, err := newReceiveMessage(adapter.Invocation{
		Params:  json.RawMessage(`{"mailbox":"box","message":"ping"}`),
		Request: handle,
	})
	require.NoError(t, err)
	require.NoError(t, recv.Body(ctx, nil))

	// awaitMessage finds the message on its first poll.
	await, err := newAwaitMessage(adapter.Invocation{
		Node:    pipeline.Node{ID: "waiter"},
		Params:  json.RawMessage(`{"mailbox":"box"}`),
		Request: handle,
	})
	require.NoError(t, err)
	require.Equal(t, []string{`"ping"`}, collect(t, await))
}

func TestAwaitMessageReschedules(t *testing.T) {
	ctx := context.Background()
	handle, b := testHandle(t)

	await, err := newAwaitMessage(adapter.Invocation{
		Node:    pipeline.Node{ID: "waiter"},
		Params:  json.RawMessage(`{"mailbox":"empty","poll_interval":"1ms"}`),
		Request: handle,
	})
	require.NoError(t, err)
	err = await.Body(ctx, nil)
	require.ErrorIs(t, err, adapter.ErrSuspended)

	item, _, ok, err := b.PeekDelayed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "waiter", item.NodeID)

	// The continuation carries the poll count; the budget eventually fails
	// the node.
	exhausted, err := newAwaitMessage(adapter.Invocation{
		Node:         pipeline.Node{ID: "waiter"},
		Params:       json.RawMessage(`{"mailbox":"empty","max_polls":2}`),
		Request:      handle,
		Continuation: []byte("1"),
	})
	require.NoError(t, err)
	err = exhausted.Body(ctx, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, adapter.ErrSuspended)
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	handle, _ := testHandle(t)

	send, err := newSendMessage(adapter.Invocation{
		Params:  json.RawMessage(`{"mailbox":"box"}`),
		Inputs:  []adapter.Stream{&sliceStream{values: []string{`"first"`, `"second"`}}},
		Request: handle,
	})
	require.NoError(t, err)
	require.NoError(t, send.Body(ctx, nil))

	// The mailbox is a cell; the last value wins.
	msg, ok, err := handle.Message(ctx, "box")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", msg)
}
