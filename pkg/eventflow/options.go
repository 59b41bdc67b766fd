package eventflow

import (
	"log/slog"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
)

// Option configures bus construction.
type Option func(*Bus)

// WithLogger sets the structured logger. Default: no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithClock injects a clock, letting tests drive every timer-dependent
// stage deterministically. Default: the system clock.
func WithClock(clk clock.Clock) Option {
	return func(b *Bus) {
		b.clk = clk
	}
}

// WithMetricsRecorder sets the metrics backend.
// Default: observability.NoopMetrics.
func WithMetricsRecorder(rec observability.MetricsRecorder) Option {
	return func(b *Bus) {
		b.rec = rec
	}
}

// WithSpanManager sets the tracing backend.
// Default: observability.NoopSpanManager.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(b *Bus) {
		b.spans = spans
	}
}

// WithAuditStore persists every dropped event to the given store. The
// bus closes the store on Close. Default: drops are logged only.
func WithAuditStore(store audit.Store) Option {
	return func(b *Bus) {
		b.audit = store
	}
}
