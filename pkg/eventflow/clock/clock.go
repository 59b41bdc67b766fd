// Package clock abstracts wall-clock time and timer scheduling so that
// every time-dependent pipeline stage (debounce windows, rate-limit
// drains, backpressure cadence) can run against a fake clock in tests.
package clock

import "time"

// Timer is a cancellable, resettable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if the timer
	// already fired or was stopped.
	Stop() bool

	// Reset re-arms the timer to fire after d. Returns true if the
	// timer was still pending.
	Reset(d time.Duration) bool
}

// Clock provides the current time and timer scheduling.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration

	// AfterFunc schedules fn to run after d on its own goroutine.
	AfterFunc(d time.Duration, fn func()) Timer
}

// systemClock delegates to the time package.
type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool                 { return s.t.Stop() }
func (s systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }

// System returns a Clock backed by real time.
func System() Clock {
	return systemClock{}
}
