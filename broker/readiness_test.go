package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfmesh/dfm/pipeline"
	"github.com/dfmesh/dfm/response"
)

func TestCheckEnqueueNullary(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	rec := testRecord(t, b, pipeline.Node{ID: "n1", APIClass: "dfm.Constant"})

	enq, err := b.CheckEnqueue(ctx, rec, "n1")
	require.NoError(t, err)
	require.True(t, enq)

	st, err := b.NodeState(ctx, rec.ID, "n1")
	require.NoError(t, err)
	require.Equal(t, response.StateReady, st)

	item, ok, err := b.PopReady(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "n1", item.NodeID)

	// The enqueue sentinel blocks a second push.
	enq, err = b.CheckEnqueue(ctx, rec, "n1")
	require.NoError(t, err)
	require.False(t, enq)
}

func TestCheckEnqueueUnaryWaitsForInput(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	rec := testRecord(t, b,
		pipeline.Node{ID: "src", APIClass: "dfm.Constant"},
		pipeline.Node{ID: "sq", APIClass: "dfm.Square", Inputs: []string{"src"}},
	)

	enq, err := b.CheckEnqueue(ctx, rec, "sq")
	require.NoError(t, err)
	require.False(t, enq)

	// A single buffered value makes the unary consumer eligible even though
	// the port is still open.
	require.NoError(t, b.PushInput(ctx, rec.ID, "sq", 0, json.RawMessage(`1`)))
	enq, err = b.CheckEnqueue(ctx, rec, "sq")
	require.NoError(t, err)
	require.True(t, enq)
}

func TestCheckEnqueueNAryWaitsForAllClosed(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	rec := testRecord(t, b,
		pipeline.Node{ID: "a", APIClass: "dfm.Constant"},
		pipeline.Node{ID: "b", APIClass: "dfm.Constant"},
		pipeline.Node{ID: "z", APIClass: "dfm.Zip2", Inputs: []string{"a", "b"}},
	)

	require.NoError(t, b.PushInput(ctx, rec.ID, "z", 0, json.RawMessage(`1`)))
	require.NoError(t, b.CloseInput(ctx, rec.ID, "z", 0))

	// Port 1 still open.
	enq, err := b.CheckEnqueue(ctx, rec, "z")
	require.NoError(t, err)
	require.False(t, enq)

	require.NoError(t, b.PushInput(ctx, rec.ID, "z", 1, json.RawMessage(`2`)))
	require.NoError(t, b.CloseInput(ctx, rec.ID, "z", 1))
	enq, err = b.CheckEnqueue(ctx, rec, "z")
	require.NoError(t, err)
	require.True(t, enq)
}

func TestCheckEnqueueAfterEdges(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	rec := testRecord(t, b,
		pipeline.Node{ID: "first", APIClass: "dfm.Constant"},
		pipeline.Node{ID: "second", APIClass: "dfm.Constant", After: []string{"first"}},
	)

	enq, err := b.CheckEnqueue(ctx, rec, "second")
	require.NoError(t, err)
	require.False(t, enq)

	require.NoError(t, b.SetNodeState(ctx, rec.ID, "first", response.StateCompleted))
	enq, err = b.CheckEnqueue(ctx, rec, "second")
	require.NoError(t, err)
	require.True(t, enq)
}

func TestCheckEnqueueDelaysNotBefore(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	at := time.Now().Add(time.Hour)
	rec := testRecord(t, b, pipeline.Node{ID: "slow", APIClass: "dfm.Constant", NotBefore: &at})

	enq, err := b.CheckEnqueue(ctx, rec, "slow")
	require.NoError(t, err)
	require.True(t, enq)

	// Delayed nodes go to the schedule and stay PENDING.
	st, err := b.NodeState(ctx, rec.ID, "slow")
	require.NoError(t, err)
	require.Equal(t, response.StatePending, st)

	depth, err := b.QueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, depth)

	item, due, ok, err := b.PeekDelayed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "slow", item.NodeID)
	require.WithinDuration(t, at, due, time.Millisecond)
}

func TestCheckEnqueueSkipsNonPending(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	rec := testRecord(t, b, pipeline.Node{ID: "n1", APIClass: "dfm.Constant"})

	require.NoError(t, b.SetNodeState(ctx, rec.ID, "n1", response.StateCompleted))
	enq, err := b.CheckEnqueue(ctx, rec, "n1")
	require.NoError(t, err)
	require.False(t, enq)
}
