package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/dfmesh/dfm/response"
)

// InputAvailable reports whether a port buffer holds at least one entry.
// A closed port always reports available since the close marker stays in the
// buffer until consumed.
func (b *Broker) InputAvailable(ctx context.Context, id, nodeID string, port int) (bool, error) {
	n, err := b.rdb.LLen(ctx, inputKey(id, nodeID, port)).Result()
	if err != nil {
		return false, fmt.Errorf("check input of %s/%s[%d]: %w", id, nodeID, port, err)
	}
	return n > 0, nil
}

// CheckEnqueue applies the readiness rule shared by the ingress service and
// the executor and enqueues the node when it is eligible:
//
//   - the node is still PENDING,
//   - every after predecessor reached a terminal state,
//   - a unary node's input port received at least one value or closed,
//   - an n-ary node's input ports all closed.
//
// Eligible nodes are claimed with an enqueue-once sentinel, transitioned to
// READY with a status envelope, and pushed onto the execution queue. Nodes
// with a future not_before go to the delayed set instead. The call is
// idempotent and safe under concurrent workers; it returns true when this
// caller performed the enqueue.
func (b *Broker) CheckEnqueue(ctx context.Context, rec *RequestRecord, nodeID string) (bool, error) {
	node, ok := rec.Pipeline.Node(nodeID)
	if !ok {
		return false, nil
	}
	st, err := b.NodeState(ctx, rec.ID, nodeID)
	if err != nil {
		return false, err
	}
	if st != response.StatePending {
		return false, nil
	}
	for _, a := range node.After {
		ast, err := b.NodeState(ctx, rec.ID, a)
		if err != nil {
			return false, err
		}
		if !ast.Terminal() {
			return false, nil
		}
	}
	switch {
	case len(node.Inputs) == 1:
		avail, err := b.InputAvailable(ctx, rec.ID, nodeID, 0)
		if err != nil {
			return false, err
		}
		if !avail {
			return false, nil
		}
	case len(node.Inputs) > 1:
		for port := range node.Inputs {
			closed, err := b.InputClosed(ctx, rec.ID, nodeID, port)
			if err != nil {
				return false, err
			}
			if !closed {
				return false, nil
			}
		}
	}

	claimed, err := b.ClaimEnqueue(ctx, rec.ID, nodeID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	item := WorkItem{RequestID: rec.ID, NodeID: nodeID}
	if node.NotBefore != nil && node.NotBefore.After(time.Now()) {
		// Delayed nodes stay PENDING; the scheduler transitions them to
		// READY when it promotes them.
		if err := b.Delay(ctx, item, *node.NotBefore); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := b.MarkReady(ctx, rec.ID, nodeID); err != nil {
		return false, err
	}
	if err := b.PushReady(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// MarkReady transitions a node to READY and emits the matching status
// envelope. The scheduler calls it when promoting a delayed node.
func (b *Broker) MarkReady(ctx context.Context, id, nodeID string) error {
	if err := b.SetNodeState(ctx, id, nodeID, response.StateReady); err != nil {
		return err
	}
	return b.PushResponse(ctx, response.NewStatus(id, nodeID, response.StateReady, ""))
}
