package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborview/realtime/wire"
)

type fakeFrames struct {
	mu      sync.Mutex
	in      chan wire.ServerFrame
	written []wire.ClientFrame
	closed  chan struct{}
	once    sync.Once
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{in: make(chan wire.ServerFrame, 32), closed: make(chan struct{})}
}

func (f *fakeFrames) Read() (wire.ServerFrame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case <-f.closed:
		return wire.ServerFrame{}, errors.New("connection closed")
	}
}

func (f *fakeFrames) Write(fr wire.ClientFrame) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeFrames) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeFrames) push(fr wire.ServerFrame) {
	select {
	case f.in <- fr:
	case <-f.closed:
	}
}

func (f *fakeFrames) pushEvent(topic string, seq int64) {
	f.push(wire.EventFrame(wire.Event{
		Topic: topic, Seq: seq, Kind: wire.EventEntityUpdated, TS: time.Now().UnixMilli(),
	}))
}

func (f *fakeFrames) framesWithOp(op string) []wire.ClientFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.ClientFrame
	for _, fr := range f.written {
		if fr.Op == op {
			out = append(out, fr)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	dial  func(attempt int) (Frames, error)
}

func (d *fakeDialer) Dial(context.Context, string, string) (Frames, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	fn := d.dial
	d.mu.Unlock()
	return fn(attempt)
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// helloFrames returns a live fake channel whose handshake already
// succeeded: the hello frame is waiting in the read queue.
func helloFrames(connID string) *fakeFrames {
	f := newFakeFrames()
	f.push(wire.ServerFrame{Op: wire.OpHello, ConnectionID: connID, SubscriberID: "user-1"})
	return f
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func startAgent(t *testing.T, opts Options) *Agent {
	t.Helper()
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 10 * time.Millisecond
	}
	agent := New(opts)
	agent.Start(context.Background())
	t.Cleanup(agent.Stop)
	return agent
}

func waitState(t *testing.T, agent *Agent, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return agent.State() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgentConnectsAndJoinsWatchedTopics(t *testing.T) {
	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	agent := New(Options{Dialer: dialer, BaseDelay: time.Millisecond})
	agent.Watch("board:1")
	agent.Watch("board:2")
	agent.Start(context.Background())
	t.Cleanup(agent.Stop)

	waitState(t, agent, StateConnected)

	require.Eventually(t, func() bool {
		return len(frames.framesWithOp(wire.OpJoin)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	topics := map[string]bool{}
	for _, fr := range frames.framesWithOp(wire.OpJoin) {
		topics[fr.Topic] = true
		require.Zero(t, fr.Since)
	}
	require.True(t, topics["board:1"] && topics["board:2"])
}

func TestAgentAuthRejectionIsTerminal(t *testing.T) {
	dialer := &fakeDialer{dial: func(int) (Frames, error) {
		f := newFakeFrames()
		f.push(wire.ServerFrame{Op: wire.OpError, Reason: string(wire.AuthReasonExpired)})
		return f, nil
	}}

	rec := &stateRecorder{}
	agent := startAgent(t, Options{Dialer: dialer, OnStateChange: rec.record})

	waitState(t, agent, StateDisconnected)

	var authErr *wire.AuthError
	require.True(t, errors.As(agent.Err(), &authErr))
	require.Equal(t, wire.AuthReasonExpired, authErr.Reason)

	// No reconnect attempts follow a credential rejection.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, dialer.attempts())
}

func TestAgentAppliesEventsInOrder(t *testing.T) {
	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	var mu sync.Mutex
	var seqs []int64
	agent := startAgent(t, Options{
		Dialer: dialer,
		OnEvent: func(ev wire.Event) {
			mu.Lock()
			defer mu.Unlock()
			seqs = append(seqs, ev.Seq)
		},
	})
	agent.Watch("board:1")
	waitState(t, agent, StateConnected)

	// No snapshot source is configured, so the first event on the topic
	// becomes the baseline cursor.
	frames.pushEvent("board:1", 4)
	frames.pushEvent("board:1", 5)
	frames.pushEvent("board:1", 5) // duplicate, dropped
	frames.pushEvent("board:1", 3) // stale, dropped
	frames.pushEvent("board:1", 6)
	frames.pushEvent("board:2", 1) // unwatched, ignored

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{4, 5, 6}, seqs)
}

func TestAgentResyncsOnSequenceGap(t *testing.T) {
	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	fetch := fetcherFunc(func(_ context.Context, topic string) (wire.Snapshot, error) {
		return wire.Snapshot{Topic: topic, Seq: 10, State: json.RawMessage(`{"full":true}`)}, nil
	})

	var mu sync.Mutex
	var events []int64
	var snaps []wire.Snapshot
	agent := startAgent(t, Options{
		Dialer:  dialer,
		Fetcher: fetch,
		OnEvent: func(ev wire.Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev.Seq)
		},
		OnSnapshot: func(snap wire.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			snaps = append(snaps, snap)
		},
	})
	agent.Watch("board:1")
	waitState(t, agent, StateConnected)

	frames.pushEvent("board:1", 1)
	frames.pushEvent("board:1", 5) // gap: 2..4 missing, triggers resync

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The snapshot moved the cursor to 10: its successor applies, the
	// events it already folded in do not.
	frames.pushEvent("board:1", 10)
	frames.pushEvent("board:1", 11)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1, 11}, events)
	require.Equal(t, int64(10), snaps[0].Seq)
}

func TestAgentResyncsOnFirstEventOfUnseenTopic(t *testing.T) {
	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	fetch := fetcherFunc(func(_ context.Context, topic string) (wire.Snapshot, error) {
		return wire.Snapshot{Topic: topic, Seq: 6, State: json.RawMessage(`{"full":true}`)}, nil
	})

	var mu sync.Mutex
	var events []int64
	var snaps []wire.Snapshot
	agent := startAgent(t, Options{
		Dialer:  dialer,
		Fetcher: fetch,
		OnEvent: func(ev wire.Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev.Seq)
		},
		OnSnapshot: func(snap wire.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			snaps = append(snaps, snap)
		},
	})
	agent.Watch("board:1")
	waitState(t, agent, StateConnected)

	// A topic with no local cursor gets its history from a snapshot, not
	// from whatever mid-stream event happens to arrive first: applying
	// seq 4 to empty state would silently skip 1..3.
	frames.pushEvent("board:1", 4)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 1
	}, 2*time.Second, 5*time.Millisecond)

	frames.pushEvent("board:1", 7)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{7}, events)
	require.Equal(t, int64(6), snaps[0].Seq)
}

func TestAgentResyncsWhenJoinAckIsAhead(t *testing.T) {
	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	fetch := fetcherFunc(func(_ context.Context, topic string) (wire.Snapshot, error) {
		return wire.Snapshot{Topic: topic, Seq: 9, State: json.RawMessage(`{"full":true}`)}, nil
	})

	var mu sync.Mutex
	var events []int64
	var snaps []wire.Snapshot
	agent := startAgent(t, Options{
		Dialer:  dialer,
		Fetcher: fetch,
		OnEvent: func(ev wire.Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev.Seq)
		},
		OnSnapshot: func(snap wire.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			snaps = append(snaps, snap)
		},
	})
	agent.Watch("board:1")
	waitState(t, agent, StateConnected)

	// The join ack says the topic is at seq 9 but no history was
	// replayed, so the agent pulls a snapshot to catch up.
	frames.push(wire.ServerFrame{Op: wire.OpAck, Topic: "board:1", Seq: 9})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 1
	}, 2*time.Second, 5*time.Millisecond)

	frames.pushEvent("board:1", 10)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{10}, events)
}

func TestAgentReconnectsWithSinceCursor(t *testing.T) {
	first := helloFrames("conn-1")
	second := helloFrames("conn-2")
	dialer := &fakeDialer{dial: func(attempt int) (Frames, error) {
		if attempt == 1 {
			return first, nil
		}
		return second, nil
	}}

	agent := startAgent(t, Options{Dialer: dialer})
	agent.Watch("board:1")
	waitState(t, agent, StateConnected)

	first.pushEvent("board:1", 7)
	require.Eventually(t, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.seqs["board:1"] == 7
	}, 2*time.Second, 5*time.Millisecond)

	// Server drops the link; the agent redials and rejoins, telling the
	// server where it left off.
	first.Close()

	require.Eventually(t, func() bool {
		joins := second.framesWithOp(wire.OpJoin)
		return len(joins) == 1 && joins[0].Since == 7
	}, 2*time.Second, 5*time.Millisecond)
	waitState(t, agent, StateConnected)
}

func TestAgentDegradesToPollingAndRecovers(t *testing.T) {
	frames := helloFrames("conn-1")
	var allow bool
	var mu sync.Mutex
	dialer := &fakeDialer{dial: func(int) (Frames, error) {
		mu.Lock()
		defer mu.Unlock()
		if !allow {
			return nil, &wire.TransientError{Err: errors.New("unreachable")}
		}
		return frames, nil
	}}

	var seq int64
	fetch := fetcherFunc(func(_ context.Context, topic string) (wire.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return wire.Snapshot{Topic: topic, Seq: seq}, nil
	})

	sink := &snapshotSink{}
	agent := startAgent(t, Options{
		Dialer:        dialer,
		Fetcher:       fetch,
		OnSnapshot:    sink.apply,
		DegradedAfter: 2,
		PollInterval:  5 * time.Millisecond,
	})
	agent.Watch("board:1")

	waitState(t, agent, StateDegraded)
	require.Eventually(t, func() bool {
		return sink.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Connectivity returns: the agent reconnects and polling stops.
	mu.Lock()
	allow = true
	mu.Unlock()

	waitState(t, agent, StateConnected)
	require.Eventually(t, func() bool {
		before := sink.count()
		time.Sleep(25 * time.Millisecond)
		return sink.count() == before
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgentHeartbeats(t *testing.T) {
	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	agent := startAgent(t, Options{Dialer: dialer, HeartbeatInterval: 5 * time.Millisecond})
	waitState(t, agent, StateConnected)

	require.Eventually(t, func() bool {
		return len(frames.framesWithOp(wire.OpHeartbeat)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgentWatchAndUnwatchWhileConnected(t *testing.T) {
	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	agent := startAgent(t, Options{Dialer: dialer})
	waitState(t, agent, StateConnected)

	agent.Watch("board:1")
	require.Eventually(t, func() bool {
		return len(frames.framesWithOp(wire.OpJoin)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	agent.Unwatch("board:1")
	require.Eventually(t, func() bool {
		leaves := frames.framesWithOp(wire.OpLeave)
		return len(leaves) == 1 && leaves[0].Topic == "board:1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgentSubmitQueuesAndDrainsWhenConnected(t *testing.T) {
	alog := openTestLog(t)
	submitter := &fakeSubmitter{}
	rec := NewReconciler(alog, submitter, ReconcilerOptions{})

	frames := helloFrames("conn-1")
	dialer := &fakeDialer{dial: func(int) (Frames, error) { return frames, nil }}

	agent := startAgent(t, Options{Dialer: dialer, Reconciler: rec})
	waitState(t, agent, StateConnected)

	act, err := agent.Submit("entity.put", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		keys := submitter.keys()
		return len(keys) == 1 && keys[0] == act.ID
	}, 2*time.Second, 5*time.Millisecond)

	pending, err := alog.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestAgentStopWithoutStart(t *testing.T) {
	agent := New(Options{Dialer: &fakeDialer{dial: func(int) (Frames, error) {
		return nil, &wire.TransientError{Err: errors.New("unreachable")}
	}}})

	done := make(chan struct{})
	go func() {
		agent.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with no run loop to wait for")
	}
}

func TestAgentSubmitWithoutReconciler(t *testing.T) {
	dialer := &fakeDialer{dial: func(int) (Frames, error) {
		return nil, &wire.TransientError{Err: errors.New("unreachable")}
	}}
	agent := startAgent(t, Options{Dialer: dialer})

	_, err := agent.Submit("entity.put", nil)
	require.Error(t, err)
}
