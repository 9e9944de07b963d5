package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/harborview/realtime/wire"
)

// Transport is the server-side view of one live client link. The websocket
// implementation lives in ws.go; tests substitute in-memory fakes.
type Transport interface {
	WriteFrame(f wire.ServerFrame) error
	Close() error
}

// Connection represents one live transport session.
//
// The subscriber identity is bound at handshake time and immutable for the
// connection's lifetime; re-authentication requires a new connection.
// Outbound frames go through a bounded queue drained by a dedicated writer
// goroutine, so delivery to a slow client never blocks anyone else.
type Connection struct {
	// ID is the opaque server-generated connection identifier.
	ID string
	// SubscriberID is the identity resolved from the handshake token.
	SubscriberID string

	transport Transport
	send      chan wire.ServerFrame
	lastSeen  atomic.Int64

	// topics is the set of joined topic ids, guarded by the Manager's lock.
	topics map[string]struct{}

	onDead    func(connID string)
	closeOnce sync.Once
	done      chan struct{}

	logTags log.Fields
}

func newConnection(id, subscriberID string, t Transport, queueSize int, onDead func(string)) *Connection {
	c := &Connection{
		ID:           id,
		SubscriberID: subscriberID,
		transport:    t,
		send:         make(chan wire.ServerFrame, queueSize),
		topics:       make(map[string]struct{}),
		onDead:       onDead,
		done:         make(chan struct{}),
		logTags: log.Fields{
			"module": "hub", "component": "connection", "connection": id, "subscriber": subscriberID,
		},
	}
	c.touch()
	go c.writeLoop()
	return c
}

// trySend queues a frame without blocking. It reports false when the queue
// is full; frames offered to a closed connection are dropped silently.
func (c *Connection) trySend(f wire.ServerFrame) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// touch records transport activity for the heartbeat window.
func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) idleSince() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := c.transport.WriteFrame(f); err != nil {
				log.WithError(err).WithFields(c.logTags).Debug("Outbound write failed")
				if c.onDead != nil {
					c.onDead(c.ID)
				}
				return
			}
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil {
			log.WithError(err).WithFields(c.logTags).Debug("Transport close failed")
		}
	})
}
