// Package config holds the per-event-type and global tuning for the
// eventflow pipeline.
//
// Per-type settings are resolved once per type and cached; unknown
// event types fall back to documented defaults so a newly-introduced
// type degrades to pass-through behavior instead of failing.
package config

import (
	"fmt"
	"sync"
	"time"
)

// Policy selects how the coalescer merges a buffered burst of one type.
type Policy string

// Merge policies.
const (
	// PolicyLatest keeps only the most recent event's args. This is the
	// default: earlier snapshots are superseded and safely discardable.
	PolicyLatest Policy = "latest"

	// PolicySignal collapses the burst to a single args-less event.
	// Only the fact that at least one request occurred matters.
	PolicySignal Policy = "signal"

	// PolicyPerKey dedupes by an identity key (the first argument),
	// keeping the latest update per key. Updates to distinct keys are
	// never dropped.
	PolicyPerKey Policy = "per-key"

	// PolicyBatch preserves every buffered event as a non-supersedable
	// fact, merged into a tagged batch in original order.
	PolicyBatch Policy = "batch"
)

// TypeConfig is the flow-control tuning for one event type.
type TypeConfig struct {
	// RateLimit is the admitted throughput in events per second.
	// Zero disables rate limiting for the type.
	RateLimit float64

	// CoalescingWindow is the trailing quiescence window. Zero disables
	// coalescing for the type.
	CoalescingWindow time.Duration

	// CoalescePolicy selects the merge policy. Empty means PolicyLatest.
	CoalescePolicy Policy

	// BatchEnabled groups successive events for bulk delivery.
	BatchEnabled bool

	// BatchWindow is how long a batch accumulates before delivery.
	BatchWindow time.Duration

	// BatchMaxSize triggers early delivery when reached.
	BatchMaxSize int

	// Priority orders the type in the backpressure queue.
	Priority int
}

// Features are the global stage toggles.
type Features struct {
	RateLimiting bool
	Coalescing   bool
	Batching     bool
	Backpressure bool
}

// Backpressure is the global admission-control tuning.
type Backpressure struct {
	// QueueSizeLimit bounds the shared priority queue.
	QueueSizeLimit int

	// ResumeThreshold (0-1) sets the hysteresis exit point: admission
	// resumes only once the queue has fallen to or below
	// ResumeThreshold*QueueSizeLimit and no listener is slow.
	ResumeThreshold float64

	// SlowListenerThreshold flags a listener whose average execution
	// time exceeds it.
	SlowListenerThreshold time.Duration

	// MaxQueueAge evicts entries that wait longer than this.
	MaxQueueAge time.Duration

	// DropOldestOnOverflow evicts the oldest entry on overflow instead
	// of rejecting the newest.
	DropOldestOnOverflow bool
}

// Config is the full pipeline configuration.
type Config struct {
	Defaults     TypeConfig
	Types        map[string]TypeConfig
	Features     Features
	Backpressure Backpressure

	mu       sync.RWMutex
	resolved map[string]TypeConfig
}

// Default returns the documented default configuration: every stage
// enabled globally, unknown types pass through untouched.
func Default() *Config {
	return &Config{
		Defaults: TypeConfig{
			CoalescePolicy: PolicyLatest,
			BatchWindow:    50 * time.Millisecond,
			BatchMaxSize:   100,
		},
		Types: make(map[string]TypeConfig),
		Features: Features{
			RateLimiting: true,
			Coalescing:   true,
			Batching:     true,
			Backpressure: true,
		},
		Backpressure: Backpressure{
			QueueSizeLimit:        1000,
			ResumeThreshold:       0.5,
			SlowListenerThreshold: 100 * time.Millisecond,
			MaxQueueAge:           30 * time.Second,
			DropOldestOnOverflow:  true,
		},
	}
}

// Validate checks global tuning for operator mistakes.
func (c *Config) Validate() error {
	if c.Backpressure.QueueSizeLimit <= 0 {
		return fmt.Errorf("backpressure queue_size_limit must be positive, got %d", c.Backpressure.QueueSizeLimit)
	}
	if c.Backpressure.ResumeThreshold < 0 || c.Backpressure.ResumeThreshold > 1 {
		return fmt.Errorf("backpressure resume_threshold must be in [0,1], got %v", c.Backpressure.ResumeThreshold)
	}
	for name, tc := range c.Types {
		if tc.RateLimit < 0 {
			return fmt.Errorf("type %q: rate_limit must be non-negative", name)
		}
		if tc.CoalescingWindow < 0 {
			return fmt.Errorf("type %q: coalescing_window must be non-negative", name)
		}
	}
	return nil
}

// Resolve returns the effective TypeConfig for an event type, filling
// unset fields from Defaults. The result is cached per type.
func (c *Config) Resolve(eventType string) TypeConfig {
	c.mu.RLock()
	if tc, ok := c.resolved[eventType]; ok {
		c.mu.RUnlock()
		return tc
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if tc, ok := c.resolved[eventType]; ok {
		return tc
	}

	tc := c.Defaults
	if override, ok := c.Types[eventType]; ok {
		tc = override
		if tc.CoalescePolicy == "" {
			tc.CoalescePolicy = c.Defaults.CoalescePolicy
		}
		if tc.BatchWindow == 0 {
			tc.BatchWindow = c.Defaults.BatchWindow
		}
		if tc.BatchMaxSize == 0 {
			tc.BatchMaxSize = c.Defaults.BatchMaxSize
		}
	}
	if tc.CoalescePolicy == "" {
		tc.CoalescePolicy = PolicyLatest
	}

	if c.resolved == nil {
		c.resolved = make(map[string]TypeConfig)
	}
	c.resolved[eventType] = tc
	return tc
}
