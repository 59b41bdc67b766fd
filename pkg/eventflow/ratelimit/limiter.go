package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
)

// OnReady replays a deferred event's args back into the pipeline.
type OnReady func(args []any)

// queueEntry is one deferred event awaiting a token.
type queueEntry struct {
	args       []any
	onReady    OnReady
	enqueuedAt time.Time
}

// typeQueue holds the deferred FIFO and drain timer for one type.
// replaying is set while popped entries are being delivered outside
// the limiter lock, so fresh events of the type cannot overtake them.
type typeQueue struct {
	entries   []queueEntry
	timer     clock.Timer
	replaying bool
}

// Stats is a snapshot of limiter state.
type Stats struct {
	// Deferred counts events that were queued instead of admitted.
	Deferred uint64

	// Replayed counts deferred events that have since been delivered.
	Replayed uint64

	// Pending is the current number of queued events across all types.
	Pending int

	// PendingByType breaks Pending down per event type.
	PendingByType map[string]int
}

// Limiter owns one TokenBucket and one deferred FIFO per event type.
// Buckets are created lazily with capacity equal to the configured
// rate, so bursts up to one second of quota are absorbed.
//
// Per-type FIFO ordering is preserved even under sustained overload:
// once a type has queued entries, new events for that type queue
// behind them rather than racing for fresh tokens.
type Limiter struct {
	mu      sync.Mutex
	clk     clock.Clock
	logger  *slog.Logger
	rateFor func(eventType string) float64

	buckets map[string]*TokenBucket
	queues  map[string]*typeQueue

	deferred uint64
	replayed uint64
	closed   bool
}

// New creates a Limiter. rateFor resolves the configured events/sec
// for a type; zero means unlimited (pass-through).
func New(clk clock.Clock, logger *slog.Logger, rateFor func(eventType string) float64) *Limiter {
	return &Limiter{
		clk:     clk,
		logger:  logger,
		rateFor: rateFor,
		buckets: make(map[string]*TokenBucket),
		queues:  make(map[string]*typeQueue),
	}
}

// CanProcess attempts to consume one token for the type. Returns true
// when the event may proceed. Returns false without side effects
// (beyond the refill computation) when the type is over its limit or
// has deferred events still waiting.
func (l *Limiter) CanProcess(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.rateFor(eventType)
	if rate <= 0 {
		return true
	}

	// Admitting fresh events ahead of queued or in-flight replayed ones
	// would break per-type FIFO ordering.
	if q, ok := l.queues[eventType]; ok && (q.replaying || len(q.entries) > 0) {
		return false
	}

	return l.bucketLocked(eventType, rate).Consume(l.clk.Now())
}

// Queue defers an event until a token is available, preserving FIFO
// order within the type. onReady fires from a timer goroutine at the
// configured steady-state rate.
func (l *Limiter) Queue(eventType string, args []any, onReady OnReady) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	q, ok := l.queues[eventType]
	if !ok {
		q = &typeQueue{}
		l.queues[eventType] = q
	}
	q.entries = append(q.entries, queueEntry{
		args:       args,
		onReady:    onReady,
		enqueuedAt: l.clk.Now(),
	})
	l.deferred++

	l.scheduleDrainLocked(eventType, q)
}

// scheduleDrainLocked (re)arms the drain timer to fire exactly when
// the bucket's next token becomes available.
func (l *Limiter) scheduleDrainLocked(eventType string, q *typeQueue) {
	rate := l.rateFor(eventType)
	if rate <= 0 {
		rate = 1
	}
	wait := l.bucketLocked(eventType, rate).NextToken(l.clk.Now())

	if q.timer != nil {
		q.timer.Reset(wait)
		return
	}
	q.timer = l.clk.AfterFunc(wait, func() {
		l.drain(eventType)
	})
}

// drain consumes tokens greedily and replays deferred events in FIFO
// order; if the queue is not exhausted it reschedules itself.
func (l *Limiter) drain(eventType string) {
	l.mu.Lock()
	q, ok := l.queues[eventType]
	if !ok || len(q.entries) == 0 || q.replaying || l.closed {
		l.mu.Unlock()
		return
	}

	now := l.clk.Now()
	rate := l.rateFor(eventType)
	if rate <= 0 {
		rate = 1
	}
	bucket := l.bucketLocked(eventType, rate)

	n := int(math.Floor(bucket.Tokens(now)))
	if n > len(q.entries) {
		n = len(q.entries)
	}

	ready := make([]queueEntry, 0, n)
	for i := 0; i < n; i++ {
		if !bucket.Consume(now) {
			break
		}
		ready = append(ready, q.entries[0])
		q.entries = q.entries[1:]
	}
	l.replayed += uint64(len(ready))
	q.replaying = true
	if len(q.entries) == 0 {
		q.timer = nil
	}
	l.mu.Unlock()

	for _, entry := range ready {
		entry.onReady(entry.args)
	}

	l.mu.Lock()
	q.replaying = false
	if !l.closed && len(q.entries) > 0 {
		l.scheduleDrainLocked(eventType, q)
	}
	l.mu.Unlock()
}

// Flush replays every deferred event immediately, in FIFO order per
// type, without consuming tokens. Drain timers are cancelled.
func (l *Limiter) Flush() {
	l.mu.Lock()
	var ready []queueEntry
	var marked []*typeQueue
	for _, q := range l.queues {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		if len(q.entries) == 0 {
			continue
		}
		q.replaying = true
		marked = append(marked, q)
		ready = append(ready, q.entries...)
		q.entries = nil
	}
	l.replayed += uint64(len(ready))
	l.mu.Unlock()

	for _, entry := range ready {
		entry.onReady(entry.args)
	}

	l.mu.Lock()
	for _, q := range marked {
		q.replaying = false
	}
	l.mu.Unlock()
}

// Stats returns a snapshot of limiter counters and queue depths.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Deferred:      l.deferred,
		Replayed:      l.replayed,
		PendingByType: make(map[string]int),
	}
	for t, q := range l.queues {
		if len(q.entries) > 0 {
			s.PendingByType[t] = len(q.entries)
			s.Pending += len(q.entries)
		}
	}
	return s
}

// Pending returns the number of deferred events across all types.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, q := range l.queues {
		n += len(q.entries)
	}
	return n
}

// ResetBuckets discards all buckets so the next event of each type
// recreates them from freshly-resolved rates. Used after a config
// update; queued entries are untouched.
func (l *Limiter) ResetBuckets() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*TokenBucket)
}

// ResetCounters zeroes the deferred/replayed counters.
func (l *Limiter) ResetCounters() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deferred = 0
	l.replayed = 0
}

// Close cancels all drain timers and discards queued entries. Call
// Flush first to avoid losing deferred events.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for t, q := range l.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
		if n := len(q.entries); n > 0 && l.logger != nil {
			l.logger.Warn("rate limiter closed with deferred events",
				slog.String("event_type", t),
				slog.Int("discarded", n),
			)
		}
		delete(l.queues, t)
	}
}

// bucketLocked lazily creates the type's bucket with capacity = rate.
func (l *Limiter) bucketLocked(eventType string, rate float64) *TokenBucket {
	b, ok := l.buckets[eventType]
	if !ok {
		b = NewTokenBucket(rate, rate, l.clk.Now())
		l.buckets[eventType] = b
	}
	return b
}
