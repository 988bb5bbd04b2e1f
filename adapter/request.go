package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/response"
)

// RequestHandle gives adapters and services a narrow interface to one
// request: sending response envelopes, scheduling delayed follow-ups, and
// per-request mailboxes. It is cheap to construct and safe for concurrent
// use.
type RequestHandle struct {
	site      string
	requestID string
	broker    *broker.Broker
}

// NewRequestHandle binds a handle to a request on this site.
func NewRequestHandle(site, requestID string, b *broker.Broker) *RequestHandle {
	return &RequestHandle{site: site, requestID: requestID, broker: b}
}

// RequestID returns the bound request ID.
func (h *RequestHandle) RequestID() string { return h.requestID }

// Site returns the site name responses originate from.
func (h *RequestHandle) Site() string { return h.site }

// SendValue appends a value envelope for a node to the response queue.
func (h *RequestHandle) SendValue(ctx context.Context, nodeID string, value json.RawMessage) error {
	return h.broker.PushResponse(ctx, response.NewValue(h.requestID, nodeID, value))
}

// SendStatus appends a lifecycle status envelope for a node.
func (h *RequestHandle) SendStatus(ctx context.Context, nodeID string, state response.State, message string) error {
	return h.broker.PushResponse(ctx, response.NewStatus(h.requestID, nodeID, state, message))
}

// SendHeartbeat appends a liveness envelope for the request.
func (h *RequestHandle) SendHeartbeat(ctx context.Context) error {
	return h.broker.PushResponse(ctx, response.NewHeartbeat(h.requestID, h.site))
}

// SendError appends a terminal failure envelope for a node.
func (h *RequestHandle) SendError(ctx context.Context, nodeID string, kind response.ErrorKind, message string) error {
	return h.broker.PushResponse(ctx, response.NewError(h.requestID, nodeID, kind, message))
}

// ScheduleAfter re-schedules the node after the given delay, persisting the
// adapter's continuation blob so the next activation can resume. The adapter
// must return ErrSuspended right after calling it so the executor releases
// the worker without completing the node.
func (h *RequestHandle) ScheduleAfter(ctx context.Context, nodeID string, delay time.Duration, continuation []byte) error {
	if len(continuation) > 0 {
		if err := h.broker.SetContinuation(ctx, h.requestID, nodeID, continuation); err != nil {
			return err
		}
	}
	if err := h.broker.ReleaseEnqueue(ctx, h.requestID, nodeID); err != nil {
		return err
	}
	return h.broker.Delay(ctx, broker.WorkItem{RequestID: h.requestID, NodeID: nodeID}, time.Now().Add(delay))
}

// SendMessage deposits a message in a per-request mailbox.
func (h *RequestHandle) SendMessage(ctx context.Context, mailbox, message string) error {
	return h.broker.SetMessage(ctx, h.requestID, mailbox, message)
}

// Message reads a mailbox; the second result is false when it is empty.
func (h *RequestHandle) Message(ctx context.Context, mailbox string) (string, bool, error) {
	return h.broker.Message(ctx, h.requestID, mailbox)
}

// Cancelled reports whether the request carries the cancellation flag.
// Adapters with long-running bodies should check it at natural pause points
// in addition to honoring context cancellation.
func (h *RequestHandle) Cancelled(ctx context.Context) (bool, error) {
	return h.broker.Cancelled(ctx, h.requestID)
}
