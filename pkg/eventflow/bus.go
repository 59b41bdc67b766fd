package eventflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	"github.com/randalmurphal/eventflow/pkg/eventflow/backpressure"
	"github.com/randalmurphal/eventflow/pkg/eventflow/batch"
	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
	"github.com/randalmurphal/eventflow/pkg/eventflow/coalesce"
	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/ratelimit"
)

const (
	// drainInterval is the backpressure-queue drain cadence.
	drainInterval = 100 * time.Millisecond

	// maxDrainBatch bounds entries dispatched per drain cycle.
	maxDrainBatch = 10
)

// Bus is the event-flow-control dispatcher. It sits between producers
// and listeners and runs every emission through a fixed pipeline:
//
//	history -> backpressure admission -> rate limiter -> coalescer ->
//	batcher -> listener dispatch
//
// Each stage may terminate the traversal for the current call (the
// event is deferred or merged) or pass it to the next stage. Emit is
// non-blocking with respect to flow control: deferred events are
// replayed later from timer callbacks.
//
// Construct with New and inject into producers and consumers; call
// Close (which flushes) before discarding.
type Bus struct {
	clk    clock.Clock
	logger *slog.Logger
	rec    observability.MetricsRecorder
	spans  observability.SpanManager
	audit  audit.Store

	cfg      atomic.Pointer[config.Config]
	features atomic.Pointer[config.Features]

	emitter   *event.Emitter
	limiter   *ratelimit.Limiter
	coalescer *coalesce.Coalescer
	batcher   *batch.Batcher
	pressure  *backpressure.Manager
	history   *historyRing
	counters  counters

	// dispatchMu serializes listener dispatch. The pipeline stages are
	// individually locked; this lock is what preserves the per-type
	// ordering guarantees once timer callbacks re-enter the pipeline.
	dispatchMu sync.Mutex

	drainMu    sync.Mutex
	drainTimer clock.Timer
	drainArmed bool

	flushing atomic.Bool
	closed   atomic.Bool
}

// New creates a Bus with the given configuration. A nil cfg uses
// config.Default().
func New(cfg *config.Config, opts ...Option) (*Bus, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("eventflow: %w", err)
	}

	b := &Bus{
		clk:     clock.System(),
		rec:     observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		emitter: event.NewEmitter(),
		history: newHistoryRing(historyCapacity),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.cfg.Store(cfg)
	features := cfg.Features
	b.features.Store(&features)

	b.limiter = ratelimit.New(b.clk, b.logger, func(eventType string) float64 {
		return b.cfg.Load().Resolve(eventType).RateLimit
	})
	b.coalescer = coalesce.New(b.clk, func(eventType string) (time.Duration, config.Policy) {
		tc := b.cfg.Load().Resolve(eventType)
		return tc.CoalescingWindow, tc.CoalescePolicy
	})
	b.batcher = batch.New(b.clk, func(eventType string) batch.Settings {
		tc := b.cfg.Load().Resolve(eventType)
		return batch.Settings{
			Enabled: tc.BatchEnabled,
			Window:  tc.BatchWindow,
			MaxSize: tc.BatchMaxSize,
		}
	})
	b.pressure = backpressure.New(cfg.Backpressure, b.clk, b.logger)
	b.pressure.OnDrop = b.onDrop

	return b, nil
}

// On registers a listener for an event type and returns its
// registration handle, used for Off and for per-listener metrics.
func (b *Bus) On(eventType string, fn event.Listener) event.Handle {
	return b.emitter.On(eventType, fn)
}

// Off removes a listener by handle.
func (b *Bus) Off(eventType string, h event.Handle) bool {
	return b.emitter.Off(eventType, h)
}

// Emit routes an event through the flow-control pipeline. It returns
// immediately; dispatch to listeners may be deferred arbitrarily by
// downstream stages.
func (b *Bus) Emit(eventType string, args ...any) {
	if b.closed.Load() {
		return
	}

	cfg := b.cfg.Load()
	tc := cfg.Resolve(eventType)
	evt := event.New(eventType, args, tc.Priority, b.clk.Now())
	b.history.Append(evt)
	b.counters.emitted.Add(1)
	b.rec.RecordEmit(context.Background(), eventType)

	if b.features.Load().Backpressure && b.pressure.ShouldApply() {
		switch b.pressure.Enqueue(eventType, args, tc.Priority) {
		case backpressure.Queued:
			b.counters.backpressure.Add(1)
			b.scheduleDrain()
			return
		case backpressure.Rejected:
			// Dropped by the overflow policy; already audited.
			return
		}
		// Inactive: a concurrent check released the latch between our
		// ShouldApply and the enqueue. Admit through the pipeline so
		// the event is never lost without a drop record.
	}

	b.admitRateLimit(eventType, args)
}

// EmitImmediate bypasses all flow control and dispatches synchronously.
// Reserved for events whose correctness depends on immediate,
// unconditional delivery.
func (b *Bus) EmitImmediate(eventType string, args ...any) {
	if b.closed.Load() {
		return
	}

	tc := b.cfg.Load().Resolve(eventType)
	evt := event.New(eventType, args, tc.Priority, b.clk.Now())
	b.history.Append(evt)
	b.counters.emitted.Add(1)
	b.rec.RecordEmit(context.Background(), eventType)

	b.dispatch(eventType, args)
}

// admitRateLimit is the rate-limiter stage. Backpressure drains
// re-enter the pipeline here.
func (b *Bus) admitRateLimit(eventType string, args []any) {
	if b.features.Load().RateLimiting && !b.flushing.Load() {
		if !b.limiter.CanProcess(eventType) {
			b.counters.rateLimited.Add(1)
			b.limiter.Queue(eventType, args, func(replay []any) {
				b.admitCoalesce(eventType, replay)
			})
			return
		}
	}
	b.admitCoalesce(eventType, args)
}

// admitCoalesce is the coalescer stage. Rate-limit replays re-enter
// the pipeline here.
func (b *Bus) admitCoalesce(eventType string, args []any) {
	if b.features.Load().Coalescing && !b.flushing.Load() {
		if b.coalescer.Coalesce(eventType, args, b.admitBatch) {
			b.counters.coalesced.Add(1)
			return
		}
	}
	b.admitBatch(eventType, args)
}

// admitBatch is the batcher stage. Coalesce flushes re-enter the
// pipeline here.
func (b *Bus) admitBatch(eventType string, args []any) {
	if b.features.Load().Batching && !b.flushing.Load() {
		if b.batcher.Add(eventType, args, func(t string, grouped []any) {
			b.dispatch(t, grouped)
		}) {
			b.counters.batched.Add(1)
			return
		}
	}
	b.dispatch(eventType, args)
}

// dispatch delivers to every listener registered for the type. The
// listener list is snapshotted first, so listeners may subscribe or
// unsubscribe during their own invocation. A panicking listener is
// logged and isolated; remaining listeners still run. Per-listener
// timing feeds back into backpressure admission.
func (b *Bus) dispatch(eventType string, args []any) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	ctx, span := b.spans.StartDispatchSpan(context.Background(), eventType, "")
	start := b.clk.Now()
	regs := b.emitter.Snapshot(eventType)

	var dispatchErr error
	for _, reg := range regs {
		listenerStart := b.clk.Now()
		if err := b.invoke(eventType, reg, args); err != nil && dispatchErr == nil {
			dispatchErr = err
		}
		d := b.clk.Since(listenerStart)
		if thr := b.cfg.Load().Backpressure.SlowListenerThreshold; thr > 0 && d > thr {
			observability.LogSlowListener(b.logger, string(reg.Handle), d)
		}
		b.pressure.RecordExecutionTime(string(reg.Handle), d)
	}

	total := b.clk.Since(start)
	b.pressure.RecordExecutionTime("", total)
	b.counters.processed.Add(1)
	b.rec.RecordDispatch(ctx, eventType, len(regs), total)
	observability.LogDispatch(b.logger, eventType, len(regs), float64(total.Milliseconds()))
	b.spans.EndSpanWithError(span, dispatchErr)
}

// invoke runs one listener with panic isolation. A recovered panic is
// logged, surfaced as a PipelineError, and does not stop the dispatch
// loop.
func (b *Bus) invoke(eventType string, reg event.Registration, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.LogListenerFault(b.logger, eventType, string(reg.Handle), r)
			err = &PipelineError{
				EventType: eventType,
				Stage:     "dispatch",
				Message:   fmt.Sprintf("listener panic: %v", r),
				Timestamp: b.clk.Now(),
			}
		}
	}()
	reg.Listener(args...)
	return nil
}

// scheduleDrain arms the backpressure drain timer if not already
// pending. The queue drains on a fixed cadence while non-empty.
func (b *Bus) scheduleDrain() {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	if b.drainArmed || b.closed.Load() {
		return
	}
	b.drainArmed = true
	b.drainTimer = b.clk.AfterFunc(drainInterval, b.drainTick)
}

func (b *Bus) drainTick() {
	b.drainMu.Lock()
	b.drainArmed = false
	b.drainMu.Unlock()

	b.rec.RecordQueueDepth(context.Background(), b.pressure.QueueLen())
	b.pressure.ProcessQueue(b.admitRateLimit, maxDrainBatch)

	if b.pressure.QueueLen() > 0 && !b.closed.Load() {
		b.scheduleDrain()
	}
}

// Flush drains every stage's pending state synchronously, in pipeline
// order: coalescer, batcher, rate limiter, backpressure queue. While a
// flush is in progress replayed events bypass the buffering stages, so
// everything emitted so far is delivered before Flush returns. Use
// before shutdown or when a strict causal boundary is needed.
func (b *Bus) Flush() {
	b.flushing.Store(true)
	defer b.flushing.Store(false)

	b.coalescer.Flush()
	b.batcher.Flush()
	b.limiter.Flush()
	b.pressure.DrainAll(b.admitRateLimit)
}

// Metrics returns a snapshot of pipeline counters and per-stage stats.
func (b *Bus) Metrics() Metrics {
	return Metrics{
		TotalEventsEmitted:   b.counters.emitted.Load(),
		TotalEventsProcessed: b.counters.processed.Load(),
		CoalescedEvents:      b.counters.coalesced.Load(),
		RateLimitedEvents:    b.counters.rateLimited.Load(),
		BatchedEvents:        b.counters.batched.Load(),
		BackpressureEvents:   b.counters.backpressure.Load(),
		RateLimiter:          b.limiter.Stats(),
		Coalescer:            b.coalescer.Stats(),
		Batcher:              b.batcher.Stats(),
		Backpressure:         b.pressure.Stats(),
	}
}

// ResetMetrics zeroes all counters and per-listener stats.
// Explicit operator action; never happens implicitly.
func (b *Bus) ResetMetrics() {
	b.counters.reset()
	b.limiter.ResetCounters()
	b.coalescer.ResetCounters()
	b.batcher.ResetCounters()
	b.pressure.ResetCounters()
}

// History returns recent emissions from the diagnostics ring buffer,
// oldest first. eventType filters by type (empty = all); limit bounds
// the result (<= 0 = all retained).
func (b *Bus) History(eventType string, limit int) []event.Event {
	return b.history.Snapshot(eventType, limit)
}

// ConfigureFeatures toggles pipeline stages at runtime.
func (b *Bus) ConfigureFeatures(f config.Features) {
	b.features.Store(&f)
}

// UpdateConfig replaces the pipeline configuration. Existing token
// buckets are discarded so new rates take effect on the next event of
// each type; queued and buffered events are untouched.
func (b *Bus) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("eventflow: %w", err)
	}
	b.cfg.Store(cfg)
	features := cfg.Features
	b.features.Store(&features)
	b.limiter.ResetBuckets()
	b.pressure.SetConfig(cfg.Backpressure)
	return nil
}

// WatchConfig hot-reloads the pipeline configuration from a config
// file until the returned watcher is stopped. Reloads that fail
// validation are rejected and logged; the running configuration is
// kept.
func (b *Bus) WatchConfig(path string) (*config.Watcher, error) {
	return config.Watch(path, b.logger, func(cfg *config.Config) {
		if err := b.UpdateConfig(cfg); err != nil && b.logger != nil {
			b.logger.Warn("config update rejected", slog.String("error", err.Error()))
		}
	})
}

// Close flushes all pending state, then stops timers and releases the
// audit store. The bus must not be used afterwards.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.flushing.Store(true)
	b.coalescer.Flush()
	b.batcher.Flush()
	b.limiter.Flush()
	b.pressure.DrainAll(b.admitRateLimit)
	b.flushing.Store(false)

	b.drainMu.Lock()
	if b.drainTimer != nil {
		b.drainTimer.Stop()
	}
	b.drainMu.Unlock()

	b.limiter.Close()

	if b.audit != nil {
		return b.audit.Close()
	}
	return nil
}

// onDrop observes every backpressure drop: metric, log, and optional
// persistent audit record.
func (b *Bus) onDrop(entry backpressure.Entry, reason string) {
	ctx := context.Background()
	b.rec.RecordDrop(ctx, entry.Type, reason)
	observability.LogDrop(b.logger, entry.Type, reason)

	if b.audit == nil {
		return
	}
	if err := b.audit.Record(ctx, audit.Record{
		EventType: entry.Type,
		Reason:    reason,
		Args:      serializeArgs(entry.Args),
		DroppedAt: b.clk.Now(),
	}); err != nil && b.logger != nil {
		b.logger.Warn("drop audit write failed", slog.String("error", err.Error()))
	}
}

// serializeArgs snapshots an argument list for the audit trail.
// Best effort: unserializable args fall back to their Go string form.
func serializeArgs(args []any) []byte {
	if len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return []byte(fmt.Sprintf("%v", args))
	}
	return data
}
