// Package coalesce merges bursts of same-type events received within a
// trailing quiescence window into one representative event.
//
// The debounce is trailing-edge: every new event of a type resets that
// type's timer, so a sustained burst never flushes mid-burst and the
// merged event fires only once the type has been quiet for the full
// window.
package coalesce

import (
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
)

// OnFlush receives the merged representative event for a type.
type OnFlush func(eventType string, args []any)

// buffered is one event held in a coalesce group.
type buffered struct {
	args []any
	at   time.Time
}

// group is the in-flight buffer for one event type. A group exists iff
// its timer is armed; it is destroyed on flush.
type group struct {
	events  []buffered
	timer   clock.Timer
	onFlush OnFlush
}

// Stats is a snapshot of coalescer state.
type Stats struct {
	// Absorbed counts events that were buffered into a group.
	Absorbed uint64

	// Flushes counts merged events delivered downstream.
	Flushes uint64

	// ActiveGroups is the number of types with buffered events.
	ActiveGroups int

	// BufferedEvents is the total buffered event count.
	BufferedEvents int
}

// resolveFunc returns the window and merge policy for a type.
type resolveFunc func(eventType string) (time.Duration, config.Policy)

// Coalescer owns one debounce group per event type.
type Coalescer struct {
	mu      sync.Mutex
	clk     clock.Clock
	resolve resolveFunc
	groups  map[string]*group

	absorbed uint64
	flushes  uint64
}

// New creates a Coalescer. resolve supplies each type's window and
// merge policy; a zero window disables coalescing for the type.
func New(clk clock.Clock, resolve func(eventType string) (time.Duration, config.Policy)) *Coalescer {
	return &Coalescer{
		clk:     clk,
		resolve: resolve,
		groups:  make(map[string]*group),
	}
}

// Coalesce buffers the event into its type's group and resets the
// group's debounce timer. Returns true when the event was buffered
// (the caller must stop) or false for pass-through (window is zero).
func (c *Coalescer) Coalesce(eventType string, args []any, onFlush OnFlush) bool {
	window, _ := c.resolve(eventType)
	if window <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[eventType]
	if !ok {
		g = &group{}
		c.groups[eventType] = g
	}
	g.events = append(g.events, buffered{args: args, at: c.clk.Now()})
	g.onFlush = onFlush
	c.absorbed++

	// Trailing-edge debounce: reset, never merely start.
	if g.timer != nil {
		g.timer.Reset(window)
	} else {
		g.timer = c.clk.AfterFunc(window, func() {
			c.flushType(eventType)
		})
	}
	return true
}

// flushType merges and delivers one type's group.
func (c *Coalescer) flushType(eventType string) {
	c.mu.Lock()
	g, ok := c.groups[eventType]
	if !ok || len(g.events) == 0 {
		c.mu.Unlock()
		return
	}
	delete(c.groups, eventType)
	if g.timer != nil {
		g.timer.Stop()
	}
	_, policy := c.resolve(eventType)
	merged := merge(policy, g.events)
	c.flushes++
	onFlush := g.onFlush
	c.mu.Unlock()

	onFlush(eventType, merged)
}

// Flush forces immediate merge-and-dispatch of every type with a
// non-empty buffer, cancelling their timers.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	types := make([]string, 0, len(c.groups))
	for t := range c.groups {
		types = append(types, t)
	}
	c.mu.Unlock()

	for _, t := range types {
		c.flushType(t)
	}
}

// Pending returns the total number of buffered events.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, g := range c.groups {
		n += len(g.events)
	}
	return n
}

// Stats returns a snapshot of coalescer counters and buffer state.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Absorbed:     c.absorbed,
		Flushes:      c.flushes,
		ActiveGroups: len(c.groups),
	}
	for _, g := range c.groups {
		s.BufferedEvents += len(g.events)
	}
	return s
}

// ResetCounters zeroes the absorbed/flush counters.
func (c *Coalescer) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.absorbed = 0
	c.flushes = 0
}
