// Package audit persists a record of every event the pipeline drops,
// making the at-most-once-under-overload guarantee observable after
// the fact. Overload drops are policy, not bugs, but they must never
// be silent.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned when using a closed store.
var ErrStoreClosed = errors.New("audit store is closed")

// Record is one dropped event.
type Record struct {
	// EventID identifies the dropped emission.
	EventID string

	// EventType is the dropped event's type tag.
	EventType string

	// Reason names the drop policy that applied ("overflow", "age").
	Reason string

	// Args is a JSON snapshot of the event's argument list, best
	// effort: unserializable args are recorded as their Go string
	// representation.
	Args []byte

	// DroppedAt records when the drop happened.
	DroppedAt time.Time
}

// Store persists drop records.
type Store interface {
	// Record appends one drop record.
	Record(ctx context.Context, rec Record) error

	// List returns the most recent records, newest first, optionally
	// filtered by event type (empty = all types).
	List(ctx context.Context, eventType string, limit int) ([]Record, error)

	// Count returns drop counts grouped by reason.
	Count(ctx context.Context) (map[string]int64, error)

	// Prune deletes records older than the cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases the store.
	Close() error
}
