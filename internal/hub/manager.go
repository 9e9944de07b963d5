// Package hub implements the server side of the realtime sync core: the
// connection registry, topic membership, and event fan-out.
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/harborview/realtime/internal/auth"
	"github.com/harborview/realtime/wire"
)

var (
	// ErrNotFound marks an operation against an unknown connection id.
	ErrNotFound = errors.New("connection not found")
	// ErrForbidden marks a join rejected by the authorization policy.
	ErrForbidden = errors.New("not authorized for topic")
)

// Authorizer decides whether a subscriber may see a topic. The domain layer
// supplies it; the default allows everything.
type Authorizer func(subscriberID, topic string) bool

// Broadcaster is the publish contract the domain layer calls into after
// committing a change. The Manager implements it.
type Broadcaster interface {
	Publish(topic string, kind wire.EventKind, payload json.RawMessage, originID string) wire.Event
}

// Config tunes the hub.
type Config struct {
	// HeartbeatWindow is the max silence before a connection is force-closed.
	HeartbeatWindow time.Duration
	// SendQueueSize bounds each connection's outbound queue. Overflow drops
	// the connection rather than backpressuring the hub.
	SendQueueSize int
	// HistorySize is the number of events retained per topic for
	// replay-on-rejoin. Zero disables replay.
	HistorySize int
	// Authorize is the topic authorization policy hook.
	Authorize Authorizer
}

func (c *Config) applyDefaults() {
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = 30 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.Authorize == nil {
		c.Authorize = func(string, string) bool { return true }
	}
}

// topicState tracks one topic's live membership. It is created on first
// join and garbage-collected when the last member leaves; the sequence
// counter lives in Manager.seqs so it survives the topic's lifecycle.
type topicState struct {
	members map[string]*Connection
	history *history
}

// Manager owns every live connection and its topic memberships, and fans
// published events out to subscribers.
//
// All membership mutations and the member snapshot taken at publish time
// are serialized under one lock, so per-topic ordering is strict. No
// network I/O happens under the lock: delivery is a non-blocking enqueue
// onto each connection's outbound queue.
type Manager struct {
	cfg      Config
	verifier auth.Verifier

	mu     sync.Mutex
	conns  map[string]*Connection
	topics map[string]*topicState
	seqs   map[string]int64

	stop     chan struct{}
	stopOnce sync.Once

	logTags log.Fields
}

// NewManager creates a hub and starts its heartbeat sweeper.
func NewManager(verifier auth.Verifier, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		verifier: verifier,
		conns:    make(map[string]*Connection),
		topics:   make(map[string]*topicState),
		seqs:     make(map[string]int64),
		stop:     make(chan struct{}),
		logTags:  log.Fields{"module": "hub", "component": "manager"},
	}
	go m.sweepLoop()
	return m
}

// Accept authenticates a handshake and registers a new connection.
//
// Authentication failure is terminal for the handshake: no connection is
// created and the structured reason is returned as *wire.AuthError. On
// success the connection receives a hello frame carrying its id and
// resolved subscriber identity.
func (m *Manager) Accept(t Transport, authToken string) (string, error) {
	subscriberID, err := m.verifier.Verify(authToken)
	if err != nil {
		return "", err
	}

	conn := newConnection(uuid.New().String(), subscriberID, t, m.cfg.SendQueueSize, func(id string) {
		m.Disconnect(id)
	})

	m.mu.Lock()
	m.conns[conn.ID] = conn
	total := len(m.conns)
	m.mu.Unlock()

	conn.trySend(wire.ServerFrame{
		Op:           wire.OpHello,
		ConnectionID: conn.ID,
		SubscriberID: subscriberID,
	})
	log.WithFields(conn.logTags).WithField("total", total).Info("Connection established")
	return conn.ID, nil
}

// Join subscribes a connection to a topic. Joining a topic twice is a
// no-op. When since is non-zero and the topic history still covers the
// gap, the missed events are replayed to this connection before anything
// newer is delivered.
func (m *Manager) Join(connID, topic string, since int64) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	conn.touch()
	if !m.cfg.Authorize(conn.SubscriberID, topic) {
		m.mu.Unlock()
		return ErrForbidden
	}
	if _, member := conn.topics[topic]; member {
		m.mu.Unlock()
		return nil
	}

	ts := m.topics[topic]
	if ts == nil {
		ts = &topicState{members: make(map[string]*Connection)}
		if m.cfg.HistorySize > 0 {
			ts.history = newHistory(m.cfg.HistorySize)
		}
		m.topics[topic] = ts
	}

	var overflowed bool
	if since > 0 && ts.history != nil {
		if missed, ok := ts.history.since(since); ok {
			for _, ev := range missed {
				if !conn.trySend(wire.EventFrame(ev)) {
					overflowed = true
					break
				}
			}
		}
	}

	ts.members[connID] = conn
	conn.topics[topic] = struct{}{}

	dead := m.publishLocked(topic, wire.EventPresenceChanged, presencePayload(conn.SubscriberID, len(ts.members)), "")
	m.mu.Unlock()

	if overflowed {
		dead = append(dead, connID)
	}
	m.dropOverflowed(dead)
	return nil
}

// Leave unsubscribes a connection from a topic. Removing a non-member is a
// no-op.
func (m *Manager) Leave(connID, topic string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	conn.touch()
	if _, member := conn.topics[topic]; !member {
		m.mu.Unlock()
		return nil
	}
	delete(conn.topics, topic)
	dead := m.removeMemberLocked(connID, topic, conn.SubscriberID)
	m.mu.Unlock()

	m.dropOverflowed(dead)
	return nil
}

// Heartbeat resets a connection's idle timer.
func (m *Manager) Heartbeat(connID string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	conn.touch()
	return nil
}

// Send queues a frame for one connection. Queue overflow drops the
// connection, mirroring publish-time capacity handling.
func (m *Manager) Send(connID string, f wire.ServerFrame) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if !conn.trySend(f) {
		m.dropOverflowed([]string{connID})
		return &wire.CapacityError{ConnectionID: connID}
	}
	return nil
}

// Disconnect tears a connection down synchronously: it is removed from
// every topic it joined (emitting presence-changed to the remaining
// members) and its transport is closed. Unknown ids are ignored; abrupt
// closures and heartbeat timeouts both land here and are not errors.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	var dead []string
	for topic := range conn.topics {
		dead = append(dead, m.removeMemberLocked(connID, topic, conn.SubscriberID)...)
	}
	conn.topics = make(map[string]struct{})
	remaining := len(m.conns)
	m.mu.Unlock()

	conn.close()
	log.WithFields(conn.logTags).WithField("total", remaining).Info("Connection closed")
	m.dropOverflowed(dead)
}

// Publish delivers an event to every connection currently subscribed to
// the topic. Delivery is at-most-once per live connection and best-effort:
// a connection that drops mid-delivery misses the event and recovers via
// reconnection and resync, not redelivery.
func (m *Manager) Publish(topic string, kind wire.EventKind, payload json.RawMessage, originID string) wire.Event {
	m.mu.Lock()
	ev, dead := m.publishEventLocked(topic, kind, payload, originID)
	m.mu.Unlock()

	m.dropOverflowed(dead)
	return ev
}

// CurrentSeq returns the last sequence number allocated for a topic.
func (m *Manager) CurrentSeq(topic string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[topic]
}

// Subscribers returns the number of connections subscribed to a topic.
func (m *Manager) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.topics[topic]; ts != nil {
		return len(ts.members)
	}
	return 0
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// DisconnectSubscriber force-closes every connection bound to an identity,
// e.g. after token revocation.
func (m *Manager) DisconnectSubscriber(subscriberID string) {
	m.mu.Lock()
	var ids []string
	for id, conn := range m.conns {
		if conn.SubscriberID == subscriberID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

// Close stops the sweeper and disconnects everything.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

// publishEventLocked allocates the next sequence number, records history,
// and enqueues the event to a snapshot of the current membership. It
// returns the ids of connections whose queues overflowed; callers drop
// those after releasing the lock.
func (m *Manager) publishEventLocked(topic string, kind wire.EventKind, payload json.RawMessage, originID string) (wire.Event, []string) {
	m.seqs[topic]++
	ev := wire.Event{
		Topic:    topic,
		Seq:      m.seqs[topic],
		Kind:     kind,
		Payload:  payload,
		OriginID: originID,
		TS:       time.Now().UnixMilli(),
	}

	ts := m.topics[topic]
	if ts == nil {
		return ev, nil
	}
	if ts.history != nil {
		ts.history.add(ev)
	}

	var dead []string
	frame := wire.EventFrame(ev)
	for id, conn := range ts.members {
		if !conn.trySend(frame) {
			dead = append(dead, id)
		}
	}
	return ev, dead
}

func (m *Manager) publishLocked(topic string, kind wire.EventKind, payload json.RawMessage, originID string) []string {
	_, dead := m.publishEventLocked(topic, kind, payload, originID)
	return dead
}

// removeMemberLocked drops a connection from a topic's member set, emits
// presence-changed to the remaining members, and garbage-collects the
// topic when it becomes empty.
func (m *Manager) removeMemberLocked(connID, topic, subscriberID string) []string {
	ts := m.topics[topic]
	if ts == nil {
		return nil
	}
	if _, member := ts.members[connID]; !member {
		return nil
	}
	delete(ts.members, connID)
	if len(ts.members) == 0 {
		delete(m.topics, topic)
		return nil
	}
	return m.publishLocked(topic, wire.EventPresenceChanged, presencePayload(subscriberID, len(ts.members)), "")
}

// dropOverflowed force-closes connections whose outbound queues overflowed.
func (m *Manager) dropOverflowed(ids []string) {
	for _, id := range ids {
		log.WithFields(m.logTags).WithField("connection", id).Warn("Outbound queue overflow, dropping connection")
		m.Disconnect(id)
	}
}

func (m *Manager) sweepLoop() {
	interval := m.cfg.HeartbeatWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep force-closes connections silent beyond the heartbeat window.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var idle []string
	for id, conn := range m.conns {
		if now.Sub(conn.idleSince()) > m.cfg.HeartbeatWindow {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		log.WithFields(m.logTags).WithField("connection", id).Info("Heartbeat timeout")
		m.Disconnect(id)
	}
}

func presencePayload(subscriberID string, viewers int) json.RawMessage {
	raw, _ := json.Marshal(wire.PresencePayload{SubscriberID: subscriberID, Viewers: viewers})
	return raw
}
