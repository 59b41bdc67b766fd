package eventflow

import (
	"sync/atomic"

	"github.com/randalmurphal/eventflow/pkg/eventflow/backpressure"
	"github.com/randalmurphal/eventflow/pkg/eventflow/batch"
	"github.com/randalmurphal/eventflow/pkg/eventflow/coalesce"
	"github.com/randalmurphal/eventflow/pkg/eventflow/ratelimit"
)

// counters holds the pipeline-wide monotonic counters. Reset only by
// explicit operator action (ResetMetrics).
type counters struct {
	emitted      atomic.Uint64
	processed    atomic.Uint64
	coalesced    atomic.Uint64
	rateLimited  atomic.Uint64
	batched      atomic.Uint64
	backpressure atomic.Uint64
}

func (c *counters) reset() {
	c.emitted.Store(0)
	c.processed.Store(0)
	c.coalesced.Store(0)
	c.rateLimited.Store(0)
	c.batched.Store(0)
	c.backpressure.Store(0)
}

// Metrics is a point-in-time snapshot of pipeline state, including
// per-stage sub-stats. Collected by Bus.Metrics for the observability
// surface; an external monitor polls it to compute derived rates.
type Metrics struct {
	// TotalEventsEmitted counts every Emit and EmitImmediate call.
	TotalEventsEmitted uint64

	// TotalEventsProcessed counts dispatches delivered to listeners
	// (once per dispatch, not per listener).
	TotalEventsProcessed uint64

	// CoalescedEvents counts events absorbed into coalesce groups.
	CoalescedEvents uint64

	// RateLimitedEvents counts events deferred by the rate limiter.
	RateLimitedEvents uint64

	// BatchedEvents counts events absorbed into delivery batches.
	BatchedEvents uint64

	// BackpressureEvents counts events admitted to the backpressure
	// queue. Drops and age evictions appear under Backpressure.
	BackpressureEvents uint64

	RateLimiter  ratelimit.Stats
	Coalescer    coalesce.Stats
	Batcher      batch.Stats
	Backpressure backpressure.Stats
}
