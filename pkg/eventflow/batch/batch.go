// Package batch groups successive events of a type into one bulk
// delivery so a listener can process many occurrences in a single
// pass. Unlike coalescing this is pure grouping: nothing is merged
// away and every event's args survive in order.
package batch

import (
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// OnFlush receives one accumulated batch for a type. args carries a
// single event.Batch value.
type OnFlush func(eventType string, args []any)

// Settings are the resolved batching knobs for one type.
type Settings struct {
	// Enabled selects grouped delivery over immediate dispatch.
	Enabled bool

	// Window is how long a batch accumulates before delivery.
	Window time.Duration

	// MaxSize triggers early delivery when reached.
	MaxSize int
}

// group is the in-flight batch for one type.
type group struct {
	items   [][]any
	timer   clock.Timer
	onFlush OnFlush
}

// Stats is a snapshot of batcher state.
type Stats struct {
	// Grouped counts events absorbed into batches.
	Grouped uint64

	// Deliveries counts flushed batches.
	Deliveries uint64

	// PendingItems is the total number of buffered args lists.
	PendingItems int
}

// Batcher accumulates per-type delivery groups.
type Batcher struct {
	mu      sync.Mutex
	clk     clock.Clock
	resolve func(eventType string) Settings
	groups  map[string]*group

	grouped    uint64
	deliveries uint64
}

// New creates a Batcher. resolve supplies each type's batching knobs;
// types with Enabled=false pass through.
func New(clk clock.Clock, resolve func(eventType string) Settings) *Batcher {
	return &Batcher{
		clk:     clk,
		resolve: resolve,
		groups:  make(map[string]*group),
	}
}

// Add appends the event to its type's batch. Returns true when the
// event was absorbed (caller must stop) or false for pass-through.
func (b *Batcher) Add(eventType string, args []any, onFlush OnFlush) bool {
	s := b.resolve(eventType)
	if !s.Enabled {
		return false
	}

	b.mu.Lock()

	g, ok := b.groups[eventType]
	if !ok {
		g = &group{}
		b.groups[eventType] = g
		window := s.Window
		if window <= 0 {
			window = 50 * time.Millisecond
		}
		g.timer = b.clk.AfterFunc(window, func() {
			b.flushType(eventType)
		})
	}
	g.items = append(g.items, args)
	g.onFlush = onFlush
	b.grouped++

	full := s.MaxSize > 0 && len(g.items) >= s.MaxSize
	b.mu.Unlock()

	if full {
		b.flushType(eventType)
	}
	return true
}

// flushType delivers one type's accumulated batch.
func (b *Batcher) flushType(eventType string) {
	b.mu.Lock()
	g, ok := b.groups[eventType]
	if !ok || len(g.items) == 0 {
		b.mu.Unlock()
		return
	}
	delete(b.groups, eventType)
	if g.timer != nil {
		g.timer.Stop()
	}
	b.deliveries++
	items := g.items
	onFlush := g.onFlush
	b.mu.Unlock()

	onFlush(eventType, []any{event.Batch{Items: items}})
}

// Flush delivers all in-flight batches immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	types := make([]string, 0, len(b.groups))
	for t := range b.groups {
		types = append(types, t)
	}
	b.mu.Unlock()

	for _, t := range types {
		b.flushType(t)
	}
}

// Pending returns the total number of buffered args lists.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, g := range b.groups {
		n += len(g.items)
	}
	return n
}

// Stats returns a snapshot of batcher counters and buffer state.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Grouped:    b.grouped,
		Deliveries: b.deliveries,
	}
	for _, g := range b.groups {
		s.PendingItems += len(g.items)
	}
	return s
}

// ResetCounters zeroes the grouped/delivery counters.
func (b *Batcher) ResetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grouped = 0
	b.deliveries = 0
}
