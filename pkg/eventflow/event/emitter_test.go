package event_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

func TestEmitterOnOff(t *testing.T) {
	e := event.NewEmitter()

	h1 := e.On("doc-changed", func(args ...any) {})
	h2 := e.On("doc-changed", func(args ...any) {})

	if h1 == h2 {
		t.Fatal("expected distinct handles for distinct registrations")
	}
	if got := e.Count("doc-changed"); got != 2 {
		t.Fatalf("expected 2 listeners, got %d", got)
	}

	if !e.Off("doc-changed", h1) {
		t.Error("expected Off to find the handle")
	}
	if got := e.Count("doc-changed"); got != 1 {
		t.Errorf("expected 1 listener after Off, got %d", got)
	}

	if e.Off("doc-changed", h1) {
		t.Error("expected second Off with same handle to fail")
	}
	if e.Off("other-type", h2) {
		t.Error("expected Off on wrong type to fail")
	}
}

func TestEmitterSnapshotIsCopy(t *testing.T) {
	e := event.NewEmitter()
	e.On("tick", func(args ...any) {})

	snap := e.Snapshot("tick")
	if len(snap) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(snap))
	}

	// Mutating the registry must not affect a taken snapshot.
	e.On("tick", func(args ...any) {})
	if len(snap) != 1 {
		t.Errorf("snapshot grew with the registry: %d", len(snap))
	}

	if e.Snapshot("unregistered") != nil {
		t.Error("expected nil snapshot for unregistered type")
	}
}

func TestEmitterTypes(t *testing.T) {
	e := event.NewEmitter()
	h := e.On("a", func(args ...any) {})
	e.On("b", func(args ...any) {})

	if got := len(e.Types()); got != 2 {
		t.Fatalf("expected 2 types, got %d", got)
	}

	// Removing the last listener for a type removes the type.
	e.Off("a", h)
	types := e.Types()
	if len(types) != 1 || types[0] != "b" {
		t.Errorf("expected [b], got %v", types)
	}
}

func TestIsBatch(t *testing.T) {
	b := event.Batch{Items: [][]any{{"x"}, {"y"}}}

	got, ok := event.IsBatch([]any{b})
	if !ok {
		t.Fatal("expected batch detection")
	}
	if got.Len() != 2 {
		t.Errorf("expected 2 items, got %d", got.Len())
	}

	if _, ok := event.IsBatch([]any{"plain"}); ok {
		t.Error("plain arg misdetected as batch")
	}
	if _, ok := event.IsBatch([]any{b, "extra"}); ok {
		t.Error("batch with trailing arg misdetected")
	}
	if _, ok := event.IsBatch(nil); ok {
		t.Error("nil args misdetected as batch")
	}
}

func TestNewAssignsIdentity(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	e1 := event.New("save-requested", []any{"/tmp/a"}, 3, now)
	e2 := event.New("save-requested", []any{"/tmp/a"}, 3, now)

	if e1.ID == "" || e1.ID == e2.ID {
		t.Error("expected unique non-empty IDs")
	}
	if e1.Type != "save-requested" || e1.Priority != 3 || !e1.Timestamp.Equal(now) {
		t.Errorf("event fields not preserved: %+v", e1)
	}
}
