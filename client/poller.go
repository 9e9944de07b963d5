package client

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/harborview/realtime/wire"
)

const fetchTimeout = 10 * time.Second

// SnapshotFetcher pulls a complete, self-consistent snapshot of one
// topic's state.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, topic string) (wire.Snapshot, error)
}

// Poller substitutes periodic full-state pulls when the live channel has
// been unavailable for a sustained period. Snapshots replace local state
// wholesale, so polling can never double-apply an incremental event; the
// agent guarantees that live delivery and polling are never active at the
// same time for a topic.
type Poller struct {
	fetch  SnapshotFetcher
	apply  func(wire.Snapshot)
	topics func() []string

	mu      sync.Mutex
	cancel  context.CancelFunc
	lastSeq map[string]int64

	logTags log.Fields
}

// NewPoller creates a poller. topics enumerates the views currently
// tracked; apply replaces local state for one of them.
func NewPoller(fetch SnapshotFetcher, apply func(wire.Snapshot), topics func() []string) *Poller {
	return &Poller{
		fetch:   fetch,
		apply:   apply,
		topics:  topics,
		lastSeq: make(map[string]int64),
		logTags: log.Fields{"module": "client", "component": "poller"},
	}
}

// Start begins polling at the given interval. Starting a running poller
// is a no-op.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	log.WithFields(p.logTags).Info("Fallback polling started")
	go p.loop(pctx, interval)
}

// Stop halts polling. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	log.WithFields(p.logTags).Info("Fallback polling stopped")
}

func (p *Poller) loop(ctx context.Context, interval time.Duration) {
	p.pollOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches every tracked topic and applies only actual deltas: a
// snapshot whose seq matches the last applied one is skipped.
func (p *Poller) pollOnce(ctx context.Context) {
	for _, topic := range p.topics() {
		if ctx.Err() != nil {
			return
		}
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		snap, err := p.fetch.Fetch(fctx, topic)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(p.logTags).WithField("topic", topic).Debug("Poll fetch failed")
			continue
		}

		p.mu.Lock()
		seen, ok := p.lastSeq[topic]
		p.lastSeq[topic] = snap.Seq
		p.mu.Unlock()
		if ok && snap.Seq != 0 && snap.Seq == seen {
			continue
		}
		p.apply(snap)
	}
}
