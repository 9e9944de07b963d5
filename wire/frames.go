package wire

import "encoding/json"

// Frame operations exchanged on the live channel.
const (
	// OpHello is sent by the server once a handshake succeeds.
	OpHello = "hello"
	// OpJoin subscribes the connection to a topic.
	OpJoin = "join"
	// OpLeave unsubscribes the connection from a topic.
	OpLeave = "leave"
	// OpAck confirms a join or leave.
	OpAck = "ack"
	// OpError reports a failed join/leave or a fatal handshake error.
	OpError = "error"
	// OpEvent carries a broadcast event.
	OpEvent = "event"
	// OpHeartbeat is the keep-alive exchanged in both directions.
	OpHeartbeat = "heartbeat"
)

// ClientFrame is a frame sent from client to server on the live channel.
type ClientFrame struct {
	// Op is one of join, leave, or heartbeat.
	Op string `json:"op"`
	// Topic is the topic a join/leave applies to.
	Topic string `json:"topic,omitempty"`
	// Since is the last sequence number the client has seen for the topic.
	// On join the server replays newer events when its history covers the
	// gap; zero asks for no replay.
	Since int64 `json:"since,omitempty"`
}

// ServerFrame is a frame sent from server to client on the live channel.
//
// Event frames carry the event fields inline so the wire shape stays flat:
// {op:"event", topic, seq, kind, payload, originId, ts}.
type ServerFrame struct {
	// Op is one of hello, ack, error, event, or heartbeat.
	Op string `json:"op"`
	// Topic is set on ack, error, and event frames.
	Topic string `json:"topic,omitempty"`
	// Reason annotates error frames.
	Reason string `json:"reason,omitempty"`

	// ConnectionID is set on hello frames.
	ConnectionID string `json:"connectionId,omitempty"`
	// SubscriberID is set on hello frames.
	SubscriberID string `json:"subscriberId,omitempty"`

	// Seq, Kind, Payload, OriginID and TS mirror Event on event frames.
	Seq      int64           `json:"seq,omitempty"`
	Kind     EventKind       `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	OriginID string          `json:"originId,omitempty"`
	TS       int64           `json:"ts,omitempty"`
}

// EventFrame wraps an event into a server frame.
func EventFrame(ev Event) ServerFrame {
	return ServerFrame{
		Op:       OpEvent,
		Topic:    ev.Topic,
		Seq:      ev.Seq,
		Kind:     ev.Kind,
		Payload:  ev.Payload,
		OriginID: ev.OriginID,
		TS:       ev.TS,
	}
}

// AsEvent extracts the event carried by an event frame.
func (f ServerFrame) AsEvent() (Event, bool) {
	if f.Op != OpEvent {
		return Event{}, false
	}
	return Event{
		Topic:    f.Topic,
		Seq:      f.Seq,
		Kind:     f.Kind,
		Payload:  f.Payload,
		OriginID: f.OriginID,
		TS:       f.TS,
	}, true
}
