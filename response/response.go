// Package response defines the typed envelopes streamed back to clients and
// the node state and error taxonomies they carry.
package response

import (
	"encoding/json"
	"time"
)

type (
	// Kind discriminates the payload of a Response.
	Kind string

	// State is a node lifecycle state. COMPLETED, FAILED and CANCELLED are
	// terminal.
	State string

	// ErrorKind classifies client-visible failures.
	ErrorKind string

	// Response is one message on a request's response queue. Exactly one of
	// the kind-specific field groups is populated, selected by Kind:
	//
	//   - KindValue: Value
	//   - KindStatus: State, Message
	//   - KindHeartbeat: Site
	//   - KindError: ErrorKind, Message
	//
	// NodeID is empty for messages not tied to a specific node, such as
	// heartbeats.
	Response struct {
		RequestID string          `json:"request_id"`
		NodeID    string          `json:"node_id,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		Kind      Kind            `json:"kind"`
		Value     json.RawMessage `json:"value,omitempty"`
		State     State           `json:"state,omitempty"`
		Message   string          `json:"message,omitempty"`
		Site      string          `json:"site,omitempty"`
		ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	}
)

const (
	KindValue     Kind = "value"
	KindStatus    Kind = "status"
	KindHeartbeat Kind = "heartbeat"
	KindError     Kind = "error"
)

const (
	StatePending   State = "PENDING"
	StateReady     State = "READY"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

const (
	// ErrBadPipeline reports a pipeline that failed verification; returned
	// synchronously from the process operation.
	ErrBadPipeline ErrorKind = "BAD_PIPELINE"
	// ErrNoSuchRequest reports polling or cancelling an unknown request.
	ErrNoSuchRequest ErrorKind = "NO_SUCH_REQUEST"
	// ErrAdapterBadInput reports params an adapter rejected at run time.
	// Never retried.
	ErrAdapterBadInput ErrorKind = "ADAPTER_BAD_INPUT"
	// ErrUpstreamUnavailable reports an unreachable external service.
	// Retried with backoff before turning terminal.
	ErrUpstreamUnavailable ErrorKind = "UPSTREAM_UNAVAILABLE"
	// ErrInternal reports broker or cache failure after the retry budget.
	ErrInternal ErrorKind = "INTERNAL"
	// ErrCancelled reports explicit cancellation, request timeout, or
	// dependency failure.
	ErrCancelled ErrorKind = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// NewValue builds a value envelope for a node's output.
func NewValue(requestID, nodeID string, value json.RawMessage) Response {
	return Response{
		RequestID: requestID,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Kind:      KindValue,
		Value:     value,
	}
}

// NewStatus builds a lifecycle transition envelope.
func NewStatus(requestID, nodeID string, state State, message string) Response {
	return Response{
		RequestID: requestID,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Kind:      KindStatus,
		State:     state,
		Message:   message,
	}
}

// NewHeartbeat builds a liveness envelope originating from the given site.
func NewHeartbeat(requestID, site string) Response {
	return Response{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Kind:      KindHeartbeat,
		Site:      site,
	}
}

// NewError builds a terminal failure envelope.
func NewError(requestID, nodeID string, kind ErrorKind, message string) Response {
	return Response{
		RequestID: requestID,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Kind:      KindError,
		ErrorKind: kind,
		Message:   message,
	}
}
