package wire

import "encoding/json"

// ActionStatus enumerates the lifecycle states of a locally queued action.
type ActionStatus string

const (
	// ActionQueued means the action waits for delivery (or redelivery).
	ActionQueued ActionStatus = "queued"
	// ActionInFlight means a delivery attempt is underway.
	ActionInFlight ActionStatus = "in-flight"
	// ActionConfirmed means the server accepted the action.
	ActionConfirmed ActionStatus = "confirmed"
	// ActionFailed means the action was permanently rejected and needs
	// user attention.
	ActionFailed ActionStatus = "failed-permanent"
)

// ActionSubmission is the payload sent over the domain mutation channel,
// both for live submissions and for offline replays.
type ActionSubmission struct {
	// IdempotencyKey is the client-generated id of the action. The server
	// dedupes on it so repeated submission has the effect of one.
	IdempotencyKey string `json:"idempotencyKey"`
	// Kind names the mutation to apply.
	Kind string `json:"actionKind"`
	// Payload is the mutation's domain payload.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Action result codes.
const (
	// ResultSuccess means the mutation was applied (or already had been).
	ResultSuccess = "success"
	// ResultConflict means server state diverged and the action was
	// permanently rejected.
	ResultConflict = "conflict"
	// ResultError means the action was rejected for a non-conflict reason
	// (e.g. validation) and will not succeed on retry.
	ResultError = "error"
)

// ActionResult is the mutation channel's response to a submission.
type ActionResult struct {
	// Result is one of success, conflict, or error.
	Result string `json:"result"`
	// Message annotates conflict and error results.
	Message string `json:"message,omitempty"`

	// Topic, EventKind and EventPayload describe the event broadcast on
	// success, so the origin client can reconcile without waiting for the
	// echo.
	Topic        string          `json:"topic,omitempty"`
	EventKind    EventKind       `json:"eventKind,omitempty"`
	EventPayload json.RawMessage `json:"eventPayload,omitempty"`
	// Seq is the sequence number the resulting event was published with.
	Seq int64 `json:"seq,omitempty"`
}

// Snapshot is a complete, self-consistent view of one topic's state, used
// by the degraded-mode pull path and by gap resynchronization.
type Snapshot struct {
	// Topic is the topic the snapshot covers.
	Topic string `json:"topic"`
	// Seq is the sequence number of the last event folded into the state.
	Seq int64 `json:"seq"`
	// State is the full topic state. Polling replaces local state with it
	// wholesale; there are no partial-update semantics.
	State json.RawMessage `json:"state"`
	// TS is the snapshot time in unix milliseconds.
	TS int64 `json:"ts"`
}
