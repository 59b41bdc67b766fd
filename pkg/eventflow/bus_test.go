package eventflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow"
	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

var start = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newBus(t *testing.T, cfg *config.Config) (*eventflow.Bus, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	bus, err := eventflow.New(cfg, eventflow.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus, clk
}

// capture collects dispatched argument lists.
type capture struct {
	calls [][]any
}

func (c *capture) listener(args ...any) {
	c.calls = append(c.calls, args)
}

func TestEmitDispatchesToListeners(t *testing.T) {
	bus, _ := newBus(t, nil)

	var got capture
	bus.On("doc-changed", got.listener)
	bus.Emit("doc-changed", "/tmp/a.txt", 42)

	require.Len(t, got.calls, 1)
	assert.Equal(t, []any{"/tmp/a.txt", 42}, got.calls[0])

	m := bus.Metrics()
	assert.Equal(t, uint64(1), m.TotalEventsEmitted)
	assert.Equal(t, uint64(1), m.TotalEventsProcessed)
}

func TestOffStopsDelivery(t *testing.T) {
	bus, _ := newBus(t, nil)

	var got capture
	h := bus.On("tick", got.listener)
	bus.Emit("tick")
	require.True(t, bus.Off("tick", h))
	bus.Emit("tick")

	assert.Len(t, got.calls, 1)
}

func TestRateLimitDefersAndReplays(t *testing.T) {
	cfg := config.Default()
	cfg.Types["file-changed"] = config.TypeConfig{RateLimit: 2}
	bus, clk := newBus(t, cfg)

	var got capture
	bus.On("file-changed", got.listener)

	bus.Emit("file-changed", 1)
	bus.Emit("file-changed", 2)
	bus.Emit("file-changed", 3)

	// Burst capacity is the per-second rate; the third defers.
	require.Len(t, got.calls, 2)
	assert.Equal(t, uint64(1), bus.Metrics().RateLimitedEvents)

	// 2/sec: the next token arrives 500ms after exhaustion.
	clk.Advance(500 * time.Millisecond)
	require.Len(t, got.calls, 3)
	assert.Equal(t, []any{3}, got.calls[2])
	assert.Equal(t, uint64(1), bus.Metrics().RateLimiter.Replayed)
}

func TestCoalesceMergesBurst(t *testing.T) {
	cfg := config.Default()
	cfg.Types["save-requested"] = config.TypeConfig{CoalescingWindow: 50 * time.Millisecond}
	bus, clk := newBus(t, cfg)

	var got capture
	bus.On("save-requested", got.listener)

	bus.Emit("save-requested", "v1")
	bus.Emit("save-requested", "v2")
	bus.Emit("save-requested", "v3")
	require.Empty(t, got.calls, "burst must buffer until quiescence")

	clk.Advance(50 * time.Millisecond)
	require.Len(t, got.calls, 1)
	assert.Equal(t, []any{"v3"}, got.calls[0], "latest-wins merge")

	m := bus.Metrics()
	assert.Equal(t, uint64(3), m.CoalescedEvents)
	assert.Equal(t, uint64(1), m.TotalEventsProcessed)
}

func TestCoalescePerKeyThroughPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.Types["cursor-moved"] = config.TypeConfig{
		CoalescingWindow: 20 * time.Millisecond,
		CoalescePolicy:   config.PolicyPerKey,
	}
	bus, clk := newBus(t, cfg)

	var got capture
	bus.On("cursor-moved", got.listener)

	bus.Emit("cursor-moved", "alice", 10)
	bus.Emit("cursor-moved", "bob", 20)
	bus.Emit("cursor-moved", "alice", 30)
	clk.Advance(20 * time.Millisecond)

	require.Len(t, got.calls, 1)
	batch, ok := event.IsBatch(got.calls[0])
	require.True(t, ok)
	require.Equal(t, 2, batch.Len())
	assert.Equal(t, []any{"alice", 30}, batch.Items[0])
	assert.Equal(t, []any{"bob", 20}, batch.Items[1])
}

func TestBatchedDelivery(t *testing.T) {
	cfg := config.Default()
	cfg.Types["metric-sample"] = config.TypeConfig{BatchEnabled: true}
	bus, clk := newBus(t, cfg)

	var got capture
	bus.On("metric-sample", got.listener)

	bus.Emit("metric-sample", 1)
	bus.Emit("metric-sample", 2)
	bus.Emit("metric-sample", 3)
	require.Empty(t, got.calls)

	// Default batch window.
	clk.Advance(50 * time.Millisecond)
	require.Len(t, got.calls, 1)
	batch, ok := event.IsBatch(got.calls[0])
	require.True(t, ok)
	assert.Equal(t, 3, batch.Len())
	assert.Equal(t, uint64(3), bus.Metrics().BatchedEvents)
}

func TestEmitImmediateBypassesFlowControl(t *testing.T) {
	cfg := config.Default()
	cfg.Types["save-requested"] = config.TypeConfig{CoalescingWindow: time.Hour}
	bus, _ := newBus(t, cfg)

	var got capture
	bus.On("save-requested", got.listener)

	bus.Emit("save-requested", "buffered")
	require.Empty(t, got.calls)

	bus.EmitImmediate("save-requested", "urgent")
	require.Len(t, got.calls, 1)
	assert.Equal(t, []any{"urgent"}, got.calls[0])
}

func TestListenerPanicIsolated(t *testing.T) {
	bus, _ := newBus(t, nil)

	var got capture
	bus.On("tick", func(args ...any) { panic("listener bug") })
	bus.On("tick", got.listener)

	bus.Emit("tick", "payload")

	require.Len(t, got.calls, 1, "panic in one listener must not starve the rest")
	assert.Equal(t, uint64(1), bus.Metrics().TotalEventsProcessed)
}

// slowOnce advances the fake clock during its first invocation, making
// the dispatcher observe an execution time above the slow threshold.
type slowOnce struct {
	clk   *clock.Fake
	d     time.Duration
	fired bool
}

func (s *slowOnce) listener(args ...any) {
	if !s.fired {
		s.fired = true
		s.clk.Advance(s.d)
	}
}

func TestBackpressureEngagesOnSlowListener(t *testing.T) {
	bus, clk := newBus(t, config.Default())

	slow := &slowOnce{clk: clk, d: 150 * time.Millisecond}
	var got capture
	bus.On("task", slow.listener)
	bus.On("task", got.listener)

	// First dispatch records the slow execution.
	bus.Emit("task", "first")
	require.Len(t, got.calls, 1)

	// The pipeline is now under backpressure: emissions queue.
	bus.Emit("task", "second")
	require.Len(t, got.calls, 1)
	assert.Equal(t, uint64(1), bus.Metrics().BackpressureEvents)
	assert.True(t, bus.Metrics().Backpressure.Active)

	// The drain cycle delivers the queued event; the fast dispatch
	// dilutes the listener's average back under the threshold.
	clk.Advance(100 * time.Millisecond)
	require.Len(t, got.calls, 2)
	assert.Equal(t, []any{"second"}, got.calls[1])

	// Recovered: subsequent emissions dispatch synchronously again.
	bus.Emit("task", "third")
	require.Len(t, got.calls, 3)
}

func TestBackpressureDrainsByPriority(t *testing.T) {
	cfg := config.Default()
	cfg.Types["trigger"] = config.TypeConfig{}
	cfg.Types["low"] = config.TypeConfig{Priority: 1}
	cfg.Types["high"] = config.TypeConfig{Priority: 5}
	cfg.Types["mid"] = config.TypeConfig{Priority: 3}
	bus, clk := newBus(t, cfg)

	slow := &slowOnce{clk: clk, d: 200 * time.Millisecond}
	bus.On("trigger", slow.listener)

	var order []string
	for _, name := range []string{"low", "high", "mid"} {
		name := name
		bus.On(name, func(args ...any) { order = append(order, name) })
	}

	bus.Emit("trigger")
	bus.Emit("low")
	bus.Emit("high")
	bus.Emit("mid")
	require.Empty(t, order, "all three should be queued under backpressure")

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestConcurrentEmittersLoseNothingUnaccounted(t *testing.T) {
	cfg := config.Default()
	cfg.Features = config.Features{Backpressure: true}
	cfg.Backpressure.QueueSizeLimit = 8
	cfg.Backpressure.ResumeThreshold = 0.25
	cfg.Backpressure.SlowListenerThreshold = 100 * time.Microsecond
	cfg.Backpressure.MaxQueueAge = time.Hour

	bus, err := eventflow.New(cfg)
	require.NoError(t, err)

	var invocations atomic.Int64
	bus.On("task", func(args ...any) {
		// Every fifth invocation stalls, so the slow-listener average
		// oscillates around the threshold and the admission latch flips
		// while emitters race it.
		if invocations.Add(1)%5 == 0 {
			time.Sleep(time.Millisecond)
		}
	})

	const (
		emitters   = 4
		perEmitter = 250
	)
	var wg sync.WaitGroup
	for g := 0; g < emitters; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perEmitter; i++ {
				bus.Emit("task", i)
			}
		}()
	}
	wg.Wait()
	bus.Flush()
	require.NoError(t, bus.Close())

	// Every emission must be dispatched or recorded as a drop. A latch
	// released between an emitter's admission check and its enqueue must
	// never swallow the event.
	m := bus.Metrics()
	require.Equal(t, uint64(emitters*perEmitter), m.TotalEventsEmitted)
	accounted := m.TotalEventsProcessed + m.Backpressure.Dropped + m.Backpressure.AgeEvicted
	assert.Equal(t, m.TotalEventsEmitted, accounted)
}

func TestFlushDeliversEverythingPending(t *testing.T) {
	cfg := config.Default()
	cfg.Types["save-requested"] = config.TypeConfig{CoalescingWindow: time.Hour}
	cfg.Types["file-changed"] = config.TypeConfig{RateLimit: 1}
	cfg.Types["metric-sample"] = config.TypeConfig{BatchEnabled: true, BatchWindow: time.Hour}
	bus, _ := newBus(t, cfg)

	var saves, changes, metrics capture
	bus.On("save-requested", saves.listener)
	bus.On("file-changed", changes.listener)
	bus.On("metric-sample", metrics.listener)

	bus.Emit("save-requested", "v1")
	bus.Emit("file-changed", 1)
	bus.Emit("file-changed", 2)
	bus.Emit("metric-sample", "m")

	require.Len(t, changes.calls, 1, "only the first change fits the rate")
	require.Empty(t, saves.calls)
	require.Empty(t, metrics.calls)

	bus.Flush()

	assert.Len(t, saves.calls, 1)
	assert.Len(t, changes.calls, 2)
	assert.Len(t, metrics.calls, 1)
}

func TestHistoryRecordsEmissions(t *testing.T) {
	bus, _ := newBus(t, nil)

	bus.Emit("a", 1)
	bus.Emit("b", 2)
	bus.Emit("a", 3)

	all := bus.History("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Type)
	assert.Equal(t, "b", all[1].Type)

	onlyA := bus.History("a", 0)
	require.Len(t, onlyA, 2)
	assert.Equal(t, []any{3}, onlyA[1].Args)

	limited := bus.History("", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "b", limited[0].Type)
}

func TestConfigureFeaturesDisablesStage(t *testing.T) {
	cfg := config.Default()
	cfg.Types["save-requested"] = config.TypeConfig{CoalescingWindow: time.Hour}
	bus, _ := newBus(t, cfg)

	var got capture
	bus.On("save-requested", got.listener)

	features := cfg.Features
	features.Coalescing = false
	bus.ConfigureFeatures(features)

	bus.Emit("save-requested", "direct")
	require.Len(t, got.calls, 1)
}

func TestUpdateConfig(t *testing.T) {
	bus, _ := newBus(t, nil)

	var got capture
	bus.On("file-changed", got.listener)

	next := config.Default()
	next.Types["file-changed"] = config.TypeConfig{RateLimit: 1}
	require.NoError(t, bus.UpdateConfig(next))

	bus.Emit("file-changed", 1)
	bus.Emit("file-changed", 2)
	assert.Len(t, got.calls, 1, "new rate limit must apply")

	bad := config.Default()
	bad.Backpressure.QueueSizeLimit = -1
	assert.Error(t, bus.UpdateConfig(bad))
}

func TestResetMetrics(t *testing.T) {
	bus, _ := newBus(t, nil)

	bus.On("tick", func(args ...any) {})
	bus.Emit("tick")
	require.Equal(t, uint64(1), bus.Metrics().TotalEventsEmitted)

	bus.ResetMetrics()
	m := bus.Metrics()
	assert.Zero(t, m.TotalEventsEmitted)
	assert.Zero(t, m.TotalEventsProcessed)
}

func TestCloseFlushesPendingWork(t *testing.T) {
	cfg := config.Default()
	cfg.Types["save-requested"] = config.TypeConfig{CoalescingWindow: time.Hour}
	clk := clock.NewFake(start)
	bus, err := eventflow.New(cfg, eventflow.WithClock(clk))
	require.NoError(t, err)

	var got capture
	bus.On("save-requested", got.listener)
	bus.Emit("save-requested", "pending")

	require.NoError(t, bus.Close())
	assert.Len(t, got.calls, 1, "close must not lose buffered events")

	// A closed bus ignores emissions.
	bus.Emit("save-requested", "late")
	assert.Len(t, got.calls, 1)
}

func TestDroppedEventsAreAudited(t *testing.T) {
	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "drops.db"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Backpressure.QueueSizeLimit = 2
	clk := clock.NewFake(start)
	bus, err := eventflow.New(cfg,
		eventflow.WithClock(clk),
		eventflow.WithAuditStore(store),
	)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	slow := &slowOnce{clk: clk, d: 200 * time.Millisecond}
	bus.On("task", slow.listener)

	bus.Emit("task")
	for i := 0; i < 3; i++ {
		bus.Emit("task", i)
	}

	// Queue limit 2 with drop-oldest: the first queued event is dropped.
	records, err := store.List(context.Background(), "task", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "overflow", records[0].Reason)
	assert.Equal(t, []byte(`[0]`), records[0].Args)
}
