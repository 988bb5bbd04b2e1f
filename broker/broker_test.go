package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dfmesh/dfm/pipeline"
	"github.com/dfmesh/dfm/response"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	item := WorkItem{RequestID: "r1", NodeID: "n1"}
	require.NoError(t, b.PushReady(ctx, item))

	depth, err := b.QueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	got, ok, err := b.PopReady(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item, got)
}

func TestPopReadyEmptyTimesOut(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	_, ok, err := b.PopReady(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelayAndPromote(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	item := WorkItem{RequestID: "r1", NodeID: "slow"}
	due := time.Now().Add(-time.Second)
	require.NoError(t, b.Delay(ctx, item, due))

	peeked, at, ok, err := b.PeekDelayed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item, peeked)
	require.WithinDuration(t, due, at, time.Millisecond)

	moved, err := b.PromoteDue(ctx, item)
	require.NoError(t, err)
	require.True(t, moved)

	// The same item cannot be promoted twice.
	moved, err = b.PromoteDue(ctx, item)
	require.NoError(t, err)
	require.False(t, moved)

	got, ok, err := b.PopReady(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item, got)
}

func TestClaimOnce(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	ok, err := b.ClaimPromotion(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.ClaimPromotion(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func testRecord(t *testing.T, b *Broker, nodes ...pipeline.Node) *RequestRecord {
	t.Helper()
	rec := &RequestRecord{
		ID:        "req-1",
		Pipeline:  &pipeline.Pipeline{Nodes: nodes},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, b.CreateRequest(context.Background(), rec))
	return rec
}

func TestRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	rec := testRecord(t, b, pipeline.Node{ID: "n1", APIClass: "dfm.Constant"})

	exists, err := b.RequestExists(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, exists)

	loaded, err := b.LoadRequest(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Pipeline.Nodes, 1)
	require.Equal(t, "n1", loaded.Pipeline.Nodes[0].ID)

	st, err := b.NodeState(ctx, rec.ID, "n1")
	require.NoError(t, err)
	require.Equal(t, response.StatePending, st)

	require.NoError(t, b.SetNodeState(ctx, rec.ID, "n1", response.StateRunning))
	st, err = b.NodeState(ctx, rec.ID, "n1")
	require.NoError(t, err)
	require.Equal(t, response.StateRunning, st)

	states, err := b.NodeStates(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]response.State{"n1": response.StateRunning}, states)

	_, err = b.LoadRequest(ctx, "missing")
	require.ErrorIs(t, err, ErrNoSuchRequest)
}

func TestCancelFlag(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	rec := testRecord(t, b, pipeline.Node{ID: "n1"})

	cancelled, err := b.Cancelled(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, cancelled)

	require.NoError(t, b.Cancel(ctx, rec.ID))
	cancelled, err = b.Cancelled(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	require.ErrorIs(t, b.Cancel(ctx, "missing"), ErrNoSuchRequest)
}

func TestResponsesDrainInOrder(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	for i := 0; i < 3; i++ {
		resp := response.NewValue("r1", "n1", json.RawMessage(`"v"`))
		require.NoError(t, b.PushResponse(ctx, resp))
	}

	out, err := b.PopResponses(ctx, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = b.PopResponses(ctx, "r1", 10, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = b.PopResponses(ctx, "r1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestInputBufferAndClose(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	require.NoError(t, b.PushInput(ctx, "r1", "n1", 0, json.RawMessage(`1`)))
	require.NoError(t, b.PushInput(ctx, "r1", "n1", 0, json.RawMessage(`2`)))
	require.NoError(t, b.CloseInput(ctx, "r1", "n1", 0))

	closed, err := b.InputClosed(ctx, "r1", "n1", 0)
	require.NoError(t, err)
	require.True(t, closed)

	v, ok, got, err := b.NextInput(ctx, "r1", "n1", 0, time.Second)
	require.NoError(t, err)
	require.True(t, got)
	require.True(t, ok)
	require.JSONEq(t, `1`, string(v))

	v, ok, got, err = b.NextInput(ctx, "r1", "n1", 0, time.Second)
	require.NoError(t, err)
	require.True(t, got)
	require.True(t, ok)
	require.JSONEq(t, `2`, string(v))

	// Buffered values drain before the close is observed.
	_, ok, got, err = b.NextInput(ctx, "r1", "n1", 0, time.Second)
	require.NoError(t, err)
	require.True(t, got)
	require.False(t, ok)
}

func TestNextInputTimesOut(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	_, _, got, err := b.NextInput(ctx, "r1", "n1", 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, got)
}

func TestMailbox(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	_, ok, err := b.Message(ctx, "r1", "box")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.SetMessage(ctx, "r1", "box", "hello"))
	msg, ok, err := b.Message(ctx, "r1", "box")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", msg)
}
