package wire

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies the type of server-side state change an event carries.
type EventKind string

const (
	// EventEntityUpdated signals that an entity's fields changed.
	EventEntityUpdated EventKind = "entity-updated"
	// EventEntityDeleted signals that an entity was removed.
	EventEntityDeleted EventKind = "entity-deleted"
	// EventChildAttached signals that a child record was attached to an entity.
	EventChildAttached EventKind = "child-attached"
	// EventCapacityChanged signals a capacity/allocation change on an entity.
	EventCapacityChanged EventKind = "capacity-changed"
	// EventPresenceChanged signals that a topic's viewer count changed.
	EventPresenceChanged EventKind = "presence-changed"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventEntityUpdated, EventEntityDeleted, EventChildAttached,
		EventCapacityChanged, EventPresenceChanged:
		return true
	}
	return false
}

// Event is an immutable fact describing a server-side state change.
//
// Seq is strictly increasing per topic; clients use it to detect missed
// events. OriginID names the subscriber whose action caused the change so
// clients that applied the mutation optimistically can suppress the echo.
// The server never filters echoes itself: other sessions of the same
// identity must still receive the event.
type Event struct {
	// Topic is the broadcast scope the event belongs to.
	Topic string `json:"topic"`
	// Seq is the per-topic sequence number.
	Seq int64 `json:"seq"`
	// Kind is the event type.
	Kind EventKind `json:"kind"`
	// Payload is the kind-specific domain payload.
	Payload json.RawMessage `json:"payload,omitempty"`
	// OriginID is the subscriber identity that caused the change, if any.
	OriginID string `json:"originId,omitempty"`
	// TS is the publish time in unix milliseconds.
	TS int64 `json:"ts"`
}

// PresencePayload is the payload carried by presence-changed events.
type PresencePayload struct {
	// SubscriberID is the identity that joined or left.
	SubscriberID string `json:"subscriberId"`
	// Viewers is the number of connections subscribed after the change.
	Viewers int `json:"viewers"`
}

// DecodePresence decodes the payload of a presence-changed event.
func DecodePresence(ev Event) (PresencePayload, error) {
	var p PresencePayload
	if ev.Kind != EventPresenceChanged {
		return p, fmt.Errorf("event kind %q is not %q", ev.Kind, EventPresenceChanged)
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("decode presence payload: %w", err)
	}
	return p, nil
}
