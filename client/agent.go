// Package client is the sync SDK: it owns the live connection to the
// server, applies inbound events in order, queues actions while offline,
// and reconciles them once connectivity returns.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/harborview/realtime/wire"
)

// State is the agent's connection state.
type State string

const (
	// StateDisconnected means no live channel and no reconnect underway.
	StateDisconnected State = "disconnected"
	// StateConnecting means a handshake attempt (or backoff between
	// attempts) is underway.
	StateConnecting State = "connecting"
	// StateConnected means the live channel is up and subscribed.
	StateConnected State = "connected"
	// StateDegraded means live delivery is unavailable and fallback
	// polling is active while reconnects continue in the background.
	StateDegraded State = "degraded"
)

// Options configure the sync agent.
type Options struct {
	// URL is the live channel endpoint, e.g. "wss://host/v1/updates".
	URL string
	// Token is the bearer credential presented at handshake time.
	Token string

	// Dialer establishes the live channel; defaults to WebsocketDialer.
	Dialer Dialer
	// Fetcher pulls topic snapshots for gap resync and degraded polling.
	Fetcher SnapshotFetcher
	// Reconciler, when set, is drained on every connected transition and
	// after Submit while connected.
	Reconciler *Reconciler

	// OnEvent applies one live event to local view state. Events arrive
	// in per-topic seq order with gaps already resolved via OnSnapshot.
	OnEvent func(ev wire.Event)
	// OnSnapshot replaces a topic's local state wholesale.
	OnSnapshot func(snap wire.Snapshot)
	// OnStateChange observes agent state transitions.
	OnStateChange func(s State)

	// BaseDelay is the initial reconnect backoff; it doubles per failure
	// with jitter, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// HandshakeTimeout bounds one connection attempt.
	HandshakeTimeout time.Duration
	// HeartbeatInterval is how often the client sends keep-alives.
	HeartbeatInterval time.Duration
	// DegradedAfter is the consecutive-failure count that activates
	// fallback polling.
	DegradedAfter int
	// PollInterval is the degraded-mode polling cadence.
	PollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
}

// Agent owns the live transport connection, subscribes to the topics the
// application cares about, applies inbound events to local view state, and
// drives reconnection. It is a single logical sequential process: one run
// loop owns the connection lifecycle, and Stop cancels any in-flight
// attempt.
type Agent struct {
	opts   Options
	poller *Poller

	mu       sync.Mutex
	state    State
	lastErr  error
	topics   map[string]struct{}
	seqs     map[string]int64
	seen     map[string]bool
	frames   Frames
	connID   string
	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	logTags log.Fields
}

// New creates an agent. Call Start to bring the live channel up.
func New(opts Options) *Agent {
	opts.applyDefaults()
	a := &Agent{
		opts:    opts,
		state:   StateDisconnected,
		topics:  make(map[string]struct{}),
		seqs:    make(map[string]int64),
		seen:    make(map[string]bool),
		done:    make(chan struct{}),
		logTags: log.Fields{"module": "client", "component": "agent"},
	}
	if opts.Fetcher != nil {
		a.poller = NewPoller(opts.Fetcher, a.applySnapshot, a.watchedTopics)
	}
	return a
}

// Start launches the run loop. The agent reconnects on its own until Stop
// is called or authentication fails terminally.
func (a *Agent) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.runCtx = runCtx
	a.cancel = cancel
	a.mu.Unlock()
	go a.run(runCtx)
}

// Stop forces a disconnect: it cancels any in-flight attempt, closes the
// live channel, and waits for the run loop to exit.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		cancel := a.cancel
		frames := a.frames
		started := a.runCtx != nil
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if frames != nil {
			_ = frames.Close()
		}
		// Without a Start there is no run loop to wait for.
		if started {
			<-a.done
		}
	})
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the terminal error, if any (an auth failure that stopped
// reconnection).
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Watch adds a topic to the set the agent keeps subscribed. When the live
// channel is up the join is sent immediately; otherwise it happens on the
// next connect.
func (a *Agent) Watch(topic string) {
	a.mu.Lock()
	a.topics[topic] = struct{}{}
	frames := a.frames
	since := a.seqs[topic]
	a.mu.Unlock()
	if frames != nil {
		_ = frames.Write(wire.ClientFrame{Op: wire.OpJoin, Topic: topic, Since: since})
	}
}

// Unwatch removes a topic from the tracked set.
func (a *Agent) Unwatch(topic string) {
	a.mu.Lock()
	delete(a.topics, topic)
	frames := a.frames
	a.mu.Unlock()
	if frames != nil {
		_ = frames.Write(wire.ClientFrame{Op: wire.OpLeave, Topic: topic})
	}
}

// Submit queues an action and, when the live channel is up, kicks an
// immediate drain. Enqueueing always succeeds locally regardless of
// connectivity.
func (a *Agent) Submit(kind string, payload json.RawMessage) (PendingAction, error) {
	if a.opts.Reconciler == nil {
		return PendingAction{}, errors.New("no reconciler configured")
	}
	act, err := a.opts.Reconciler.Enqueue(kind, payload)
	if err != nil {
		return PendingAction{}, err
	}
	a.mu.Lock()
	connected := a.state == StateConnected
	runCtx := a.runCtx
	a.mu.Unlock()
	if connected && runCtx != nil {
		go func() { _ = a.opts.Reconciler.Drain(runCtx) }()
	}
	return act, nil
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.done)
	defer a.stopPoller()

	failures := 0
	delay := a.opts.BaseDelay

	for ctx.Err() == nil {
		if a.State() != StateDegraded {
			a.setState(StateConnecting)
		}

		frames, err := a.connect(ctx)
		if err != nil {
			var authErr *wire.AuthError
			if errors.As(err, &authErr) {
				// Terminal: new credentials are required, reconnecting
				// with the same token cannot succeed.
				log.WithError(err).WithFields(a.logTags).Warn("Authentication rejected")
				a.setErr(err)
				a.stopPoller()
				a.setState(StateDisconnected)
				return
			}

			failures++
			if failures >= a.opts.DegradedAfter && a.State() != StateDegraded {
				a.setState(StateDegraded)
				a.startPoller(ctx)
			}
			if !sleep(ctx, jitter(delay)) {
				break
			}
			delay *= 2
			if delay > a.opts.MaxDelay {
				delay = a.opts.MaxDelay
			}
			continue
		}

		failures = 0
		delay = a.opts.BaseDelay
		a.stopPoller()

		a.mu.Lock()
		a.frames = frames
		a.mu.Unlock()

		a.setState(StateConnected)
		a.resubscribe(frames)
		if a.opts.Reconciler != nil {
			go func() { _ = a.opts.Reconciler.Drain(ctx) }()
		}

		a.readUntilClosed(ctx, frames)

		a.mu.Lock()
		a.frames = nil
		a.mu.Unlock()

		if ctx.Err() == nil {
			a.setState(StateDisconnected)
		}
	}

	a.setState(StateDisconnected)
}

// connect dials and completes the handshake: the first server frame must
// be a hello binding the connection id, or an error frame carrying a
// structured auth reason.
func (a *Agent) connect(ctx context.Context) (Frames, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.HandshakeTimeout)
	defer cancel()

	frames, err := a.opts.Dialer.Dial(dialCtx, a.opts.URL, a.opts.Token)
	if err != nil {
		return nil, err
	}

	type result struct {
		frame wire.ServerFrame
		err   error
	}
	first := make(chan result, 1)
	go func() {
		f, rerr := frames.Read()
		first <- result{frame: f, err: rerr}
	}()

	select {
	case <-dialCtx.Done():
		_ = frames.Close()
		return nil, &wire.TransientError{Err: dialCtx.Err()}
	case res := <-first:
		if res.err != nil {
			_ = frames.Close()
			return nil, &wire.TransientError{Err: res.err}
		}
		switch res.frame.Op {
		case wire.OpHello:
			a.mu.Lock()
			a.connID = res.frame.ConnectionID
			a.mu.Unlock()
			return frames, nil
		case wire.OpError:
			_ = frames.Close()
			if reason := wire.AuthReason(res.frame.Reason); reason == wire.AuthReasonInvalid ||
				reason == wire.AuthReasonExpired || reason == wire.AuthReasonRevoked {
				return nil, &wire.AuthError{Reason: reason}
			}
			return nil, &wire.TransientError{Err: fmt.Errorf("handshake rejected: %s", res.frame.Reason)}
		default:
			_ = frames.Close()
			return nil, &wire.TransientError{Err: fmt.Errorf("unexpected handshake frame %q", res.frame.Op)}
		}
	}
}

// resubscribe re-joins every watched topic. Server-side membership does
// not survive a reconnect: the server Connection is a new object.
func (a *Agent) resubscribe(frames Frames) {
	a.mu.Lock()
	joins := make([]wire.ClientFrame, 0, len(a.topics))
	for topic := range a.topics {
		joins = append(joins, wire.ClientFrame{Op: wire.OpJoin, Topic: topic, Since: a.seqs[topic]})
	}
	a.mu.Unlock()
	for _, f := range joins {
		_ = frames.Write(f)
	}
}

func (a *Agent) readUntilClosed(ctx context.Context, frames Frames) {
	stopHB := make(chan struct{})
	go a.heartbeatLoop(frames, stopHB)
	defer close(stopHB)

	for {
		frame, err := frames.Read()
		if err != nil {
			_ = frames.Close()
			if ctx.Err() == nil {
				log.WithError(err).WithFields(a.logTags).Debug("Live channel lost")
			}
			return
		}

		switch frame.Op {
		case wire.OpEvent:
			if ev, ok := frame.AsEvent(); ok {
				a.handleEvent(ctx, ev)
			}
		case wire.OpError:
			log.WithFields(a.logTags).WithField("topic", frame.Topic).
				Warnf("Server rejected request: %s", frame.Reason)
		case wire.OpAck:
			a.handleAck(ctx, frame)
		case wire.OpHeartbeat:
			// Liveness only.
		}
	}
}

func (a *Agent) heartbeatLoop(frames Frames, stop <-chan struct{}) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := frames.Write(wire.ClientFrame{Op: wire.OpHeartbeat}); err != nil {
				return
			}
		}
	}
}

// handleEvent applies an event only when it is exactly the next one for
// its topic. A gap means the client might have missed something, so the
// topic is resynchronized from a snapshot; stale or duplicate events are
// dropped. The first event on a topic with no established cursor counts
// as a gap too unless it is the topic's very first seq: local state is
// empty, so applying a mid-stream event would silently skip 1..Seq-1.
func (a *Agent) handleEvent(ctx context.Context, ev wire.Event) {
	a.mu.Lock()
	if _, watched := a.topics[ev.Topic]; !watched {
		a.mu.Unlock()
		return
	}
	last := a.seqs[ev.Topic]
	seen := a.seen[ev.Topic]

	switch {
	case seen && ev.Seq <= last:
		a.mu.Unlock()
		return
	case (seen && ev.Seq > last+1) || (!seen && ev.Seq != 1 && a.opts.Fetcher != nil):
		a.mu.Unlock()
		gap := &wire.SequenceGapError{Topic: ev.Topic, Expected: last + 1, Got: ev.Seq}
		log.WithFields(a.logTags).WithField("topic", ev.Topic).Debugf("Resync: %v", gap)
		a.resync(ctx, ev.Topic)
		return
	default:
		// Without a snapshot source there is nothing to resync from, so
		// an unseen topic adopts its first event as the baseline.
		a.seqs[ev.Topic] = ev.Seq
		a.seen[ev.Topic] = true
		a.mu.Unlock()
	}

	if a.opts.OnEvent != nil {
		a.opts.OnEvent(ev)
	}
}

// handleAck checks the topic cursor the server stamps on join acks. Replay
// frames precede the ack, so a cursor still ahead of ours after them means
// the server's history no longer covered our join position and the topic
// must resync from a snapshot instead.
func (a *Agent) handleAck(ctx context.Context, frame wire.ServerFrame) {
	if frame.Topic == "" {
		return
	}
	a.mu.Lock()
	if _, watched := a.topics[frame.Topic]; !watched {
		a.mu.Unlock()
		return
	}
	last := a.seqs[frame.Topic]
	seen := a.seen[frame.Topic]
	if frame.Seq <= last && (seen || frame.Seq == 0) {
		// Caught up. An unseen topic with no events yet starts its
		// cursor at zero so the first event applies directly.
		a.seen[frame.Topic] = true
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	log.WithFields(a.logTags).WithField("topic", frame.Topic).
		Debugf("Resync: join ack cursor %d ahead of %d", frame.Seq, last)
	a.resync(ctx, frame.Topic)
}

// resync replaces a topic's local state with a fresh snapshot.
func (a *Agent) resync(ctx context.Context, topic string) {
	if a.opts.Fetcher == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	snap, err := a.opts.Fetcher.Fetch(fctx, topic)
	cancel()
	if err != nil {
		// Leave the cursor alone; the next event re-triggers the resync.
		log.WithError(err).WithFields(a.logTags).WithField("topic", topic).Debug("Resync fetch failed")
		return
	}
	a.applySnapshot(snap)
}

// applySnapshot records the snapshot's cursor and hands the state to the
// application. Shared by gap resync and the fallback poller.
func (a *Agent) applySnapshot(snap wire.Snapshot) {
	a.mu.Lock()
	a.seqs[snap.Topic] = snap.Seq
	a.seen[snap.Topic] = true
	a.mu.Unlock()
	if a.opts.OnSnapshot != nil {
		a.opts.OnSnapshot(snap)
	}
}

func (a *Agent) watchedTopics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.topics))
	for topic := range a.topics {
		out = append(out, topic)
	}
	return out
}

func (a *Agent) startPoller(ctx context.Context) {
	if a.poller != nil {
		a.poller.Start(ctx, a.opts.PollInterval)
	}
}

func (a *Agent) stopPoller() {
	if a.poller != nil {
		a.poller.Stop()
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	log.WithFields(a.logTags).WithField("state", string(s)).Debug("State changed")
	if a.opts.OnStateChange != nil {
		a.opts.OnStateChange(s)
	}
}

func (a *Agent) setErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// jitter spreads a delay over [d/2, d) so reconnecting clients don't
// stampede the server in lockstep.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
