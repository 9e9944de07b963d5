package hub

import "github.com/harborview/realtime/wire"

// history is a fixed-capacity ring of the most recent events on one topic.
// It lets a rejoining client catch up without a full snapshot fetch when
// the gap is small; anything older falls back to resync.
type history struct {
	buf  []wire.Event
	next int
	size int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]wire.Event, capacity)}
}

func (h *history) add(ev wire.Event) {
	h.buf[h.next] = ev
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// since returns the events with sequence numbers greater than seq, in
// order. ok is false when the ring no longer covers seq+1, i.e. the
// oldest retained event already has a higher sequence number.
func (h *history) since(seq int64) ([]wire.Event, bool) {
	if h.size == 0 {
		return nil, false
	}
	oldest := (h.next - h.size + len(h.buf)) % len(h.buf)
	if h.buf[oldest].Seq > seq+1 {
		return nil, false
	}
	var out []wire.Event
	for i := 0; i < h.size; i++ {
		ev := h.buf[(oldest+i)%len(h.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, true
}
