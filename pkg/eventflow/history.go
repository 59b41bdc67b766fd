package eventflow

import (
	"sync"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// historyCapacity bounds the diagnostics ring buffer.
const historyCapacity = 100

// historyRing is a bounded drop-oldest buffer of recent emissions,
// kept for diagnostics. Every Emit and EmitImmediate appends before
// any flow-control decision, so the ring reflects what was asked for,
// not what was delivered.
type historyRing struct {
	mu    sync.Mutex
	buf   []event.Event
	start int
	count int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{buf: make([]event.Event, capacity)}
}

// Append records an emission, overwriting the oldest when full.
func (h *historyRing) Append(evt event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = evt
		h.count++
		return
	}
	h.buf[h.start] = evt
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot returns recorded emissions, oldest first, optionally
// filtered by type. limit <= 0 returns everything retained; otherwise
// the most recent limit entries after filtering.
func (h *historyRing) Snapshot(eventType string, limit int) []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]event.Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		evt := h.buf[(h.start+i)%len(h.buf)]
		if eventType != "" && evt.Type != eventType {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of retained emissions.
func (h *historyRing) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
