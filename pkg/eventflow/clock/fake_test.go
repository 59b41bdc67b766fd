package clock_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
)

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	clk := clock.NewFake(epoch)

	var fired []string
	clk.AfterFunc(30*time.Millisecond, func() { fired = append(fired, "c") })
	clk.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "a") })
	clk.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "b") })

	clk.Advance(50 * time.Millisecond)

	if len(fired) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(fired))
	}
	if fired[0] != "a" || fired[1] != "b" || fired[2] != "c" {
		t.Errorf("expected deadline order [a b c], got %v", fired)
	}
	if got := clk.Now(); !got.Equal(epoch.Add(50 * time.Millisecond)) {
		t.Errorf("clock not at target after advance: %v", got)
	}
}

func TestFakeAdvanceStopsEarlyTimers(t *testing.T) {
	clk := clock.NewFake(epoch)

	fired := false
	timer := clk.AfterFunc(10*time.Millisecond, func() { fired = true })

	if !timer.Stop() {
		t.Error("expected Stop to report the timer was pending")
	}
	clk.Advance(20 * time.Millisecond)

	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("expected second Stop to report not pending")
	}
}

func TestFakeResetPostponesDeadline(t *testing.T) {
	clk := clock.NewFake(epoch)

	count := 0
	timer := clk.AfterFunc(10*time.Millisecond, func() { count++ })

	clk.Advance(5 * time.Millisecond)
	timer.Reset(10 * time.Millisecond)
	clk.Advance(5 * time.Millisecond)

	if count != 0 {
		t.Fatal("timer fired before reset deadline")
	}
	clk.Advance(5 * time.Millisecond)
	if count != 1 {
		t.Errorf("expected 1 firing after reset deadline, got %d", count)
	}
}

func TestFakeResetAfterFire(t *testing.T) {
	clk := clock.NewFake(epoch)

	count := 0
	timer := clk.AfterFunc(10*time.Millisecond, func() { count++ })

	clk.Advance(10 * time.Millisecond)
	if count != 1 {
		t.Fatalf("expected first firing, got %d", count)
	}

	// Reset re-arms a fired timer exactly once.
	timer.Reset(10 * time.Millisecond)
	timer.Reset(10 * time.Millisecond)
	clk.Advance(10 * time.Millisecond)

	if count != 2 {
		t.Errorf("expected 2 firings total, got %d", count)
	}
	if clk.PendingTimers() != 0 {
		t.Errorf("expected no pending timers, got %d", clk.PendingTimers())
	}
}

func TestFakeCallbackReschedulesWithinAdvance(t *testing.T) {
	clk := clock.NewFake(epoch)

	var at []time.Duration
	var schedule func()
	schedule = func() {
		clk.AfterFunc(10*time.Millisecond, func() {
			at = append(at, clk.Now().Sub(epoch))
			if len(at) < 3 {
				schedule()
			}
		})
	}
	schedule()

	clk.Advance(35 * time.Millisecond)

	if len(at) != 3 {
		t.Fatalf("expected 3 chained firings, got %d", len(at))
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for i, w := range want {
		if at[i] != w {
			t.Errorf("firing %d at %v, want %v", i, at[i], w)
		}
	}
}
