// Package observability provides structured logging, metrics, and
// tracing for the eventflow pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
// Returns a new logger with event_type and event_id fields.
func EnrichLogger(logger *slog.Logger, eventType, eventID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogDispatch logs a completed dispatch.
func LogDispatch(logger *slog.Logger, eventType string, listeners int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event dispatched",
		slog.String("event_type", eventType),
		slog.Int("listeners", listeners),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogListenerFault logs a recovered listener panic. The dispatch loop
// continues for the remaining listeners.
func LogListenerFault(logger *slog.Logger, eventType, listenerKey string, recovered any) {
	if logger == nil {
		return
	}
	logger.Error("listener fault isolated",
		slog.String("event_type", eventType),
		slog.String("listener", listenerKey),
		slog.Any("panic", recovered),
	)
}

// LogDrop logs a dropped event and the policy that dropped it.
func LogDrop(logger *slog.Logger, eventType, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("event dropped",
		slog.String("event_type", eventType),
		slog.String("reason", reason),
	)
}

// LogSlowListener logs a listener whose average latency exceeds the
// slow threshold.
func LogSlowListener(logger *slog.Logger, listenerKey string, avg time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("slow listener detected",
		slog.String("listener", listenerKey),
		slog.Duration("avg_execution", avg),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
