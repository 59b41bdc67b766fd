// Package monitor polls pipeline metrics on a fixed cadence, derives
// rates from consecutive snapshots, and raises threshold alerts.
//
// The monitor is deliberately outside the bus: it observes through the
// same Metrics surface any operator tooling would use, so attaching or
// detaching it never changes pipeline behavior.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow"
	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
)

// MetricsSource supplies pipeline snapshots. *eventflow.Bus satisfies
// it.
type MetricsSource interface {
	Metrics() eventflow.Metrics
}

// Alert describes one threshold violation from the latest sample.
type Alert struct {
	// Kind names the violated threshold.
	Kind string

	// Value is the observed value.
	Value float64

	// Limit is the configured threshold.
	Limit float64

	// At is when the violating sample was taken.
	At time.Time
}

// Alert kinds.
const (
	AlertQueueDepth   = "queue_depth"
	AlertDropRate     = "drop_rate"
	AlertPendingTotal = "pending_total"
)

// Thresholds configures alerting. Zero values disable the check.
type Thresholds struct {
	// MaxQueueDepth alerts when the backpressure queue exceeds this.
	MaxQueueDepth int

	// MaxDropRate alerts when drops per second exceed this.
	MaxDropRate float64

	// MaxPendingTotal alerts when buffered events across all stages
	// (rate-limit queues, coalesce groups, batches, backpressure queue)
	// exceed this.
	MaxPendingTotal int
}

// Settings tunes the monitor.
type Settings struct {
	// Interval is the sampling cadence. Default 1s.
	Interval time.Duration

	// Window is how many samples the trailing window retains for rate
	// derivation. Default 60.
	Window int

	Thresholds Thresholds
}

// Rates are per-second rates derived over the trailing window.
type Rates struct {
	EmitPerSec     float64
	DispatchPerSec float64
	DropPerSec     float64
}

// sample is one timestamped snapshot.
type sample struct {
	at time.Time
	m  eventflow.Metrics
}

// Monitor polls a MetricsSource and evaluates thresholds.
type Monitor struct {
	mu       sync.Mutex
	clk      clock.Clock
	logger   *slog.Logger
	source   MetricsSource
	settings Settings

	samples []sample
	timer   clock.Timer
	running bool

	// OnAlert observes every threshold violation. Called from the
	// sampling timer goroutine; must not block.
	OnAlert func(Alert)
}

// New creates a Monitor over the given source.
func New(source MetricsSource, clk clock.Clock, logger *slog.Logger, settings Settings) *Monitor {
	if settings.Interval <= 0 {
		settings.Interval = time.Second
	}
	if settings.Window <= 0 {
		settings.Window = 60
	}
	return &Monitor{
		clk:      clk,
		logger:   logger,
		source:   source,
		settings: settings,
	}
}

// Start begins sampling. Repeated calls are no-ops.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.timer = m.clk.AfterFunc(m.settings.Interval, m.tick)
}

// Stop halts sampling. Retained samples survive a restart.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Sample takes one snapshot immediately, independent of the cadence.
// Useful for tests and for forcing a fresh reading before Rates.
func (m *Monitor) Sample() {
	m.observe()
}

func (m *Monitor) tick() {
	m.observe()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.timer = m.clk.AfterFunc(m.settings.Interval, m.tick)
	}
}

// observe records one sample and checks thresholds.
func (m *Monitor) observe() {
	snap := m.source.Metrics()
	now := m.clk.Now()

	m.mu.Lock()
	m.samples = append(m.samples, sample{at: now, m: snap})
	if len(m.samples) > m.settings.Window {
		m.samples = m.samples[len(m.samples)-m.settings.Window:]
	}
	alerts := m.checkLocked(snap, now)
	onAlert := m.OnAlert
	m.mu.Unlock()

	for _, a := range alerts {
		if m.logger != nil {
			m.logger.Warn("pipeline threshold exceeded",
				slog.String("kind", a.Kind),
				slog.Float64("value", a.Value),
				slog.Float64("limit", a.Limit),
			)
		}
		if onAlert != nil {
			onAlert(a)
		}
	}
}

// checkLocked evaluates thresholds against the latest sample.
func (m *Monitor) checkLocked(snap eventflow.Metrics, now time.Time) []Alert {
	var alerts []Alert
	t := m.settings.Thresholds

	if t.MaxQueueDepth > 0 && snap.Backpressure.QueueLen > t.MaxQueueDepth {
		alerts = append(alerts, Alert{
			Kind:  AlertQueueDepth,
			Value: float64(snap.Backpressure.QueueLen),
			Limit: float64(t.MaxQueueDepth),
			At:    now,
		})
	}

	if t.MaxDropRate > 0 {
		rates := m.ratesLocked()
		if rates.DropPerSec > t.MaxDropRate {
			alerts = append(alerts, Alert{
				Kind:  AlertDropRate,
				Value: rates.DropPerSec,
				Limit: t.MaxDropRate,
				At:    now,
			})
		}
	}

	if t.MaxPendingTotal > 0 {
		pending := snap.RateLimiter.Pending +
			snap.Coalescer.BufferedEvents +
			snap.Batcher.PendingItems +
			snap.Backpressure.QueueLen
		if pending > t.MaxPendingTotal {
			alerts = append(alerts, Alert{
				Kind:  AlertPendingTotal,
				Value: float64(pending),
				Limit: float64(t.MaxPendingTotal),
				At:    now,
			})
		}
	}

	return alerts
}

// Rates derives per-second rates over the trailing sample window.
// Returns zeros until at least two samples exist.
func (m *Monitor) Rates() Rates {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratesLocked()
}

func (m *Monitor) ratesLocked() Rates {
	if len(m.samples) < 2 {
		return Rates{}
	}
	first := m.samples[0]
	last := m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return Rates{}
	}

	drops := func(snap eventflow.Metrics) uint64 {
		return snap.Backpressure.Dropped + snap.Backpressure.AgeEvicted
	}
	return Rates{
		EmitPerSec:     float64(last.m.TotalEventsEmitted-first.m.TotalEventsEmitted) / elapsed,
		DispatchPerSec: float64(last.m.TotalEventsProcessed-first.m.TotalEventsProcessed) / elapsed,
		DropPerSec:     float64(drops(last.m)-drops(first.m)) / elapsed,
	}
}

// Latest returns the most recent snapshot and whether one exists.
func (m *Monitor) Latest() (eventflow.Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return eventflow.Metrics{}, false
	}
	return m.samples[len(m.samples)-1].m, true
}
