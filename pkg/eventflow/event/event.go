// Package event defines the core event model and listener registry for
// the eventflow pipeline.
//
// Events carry a type tag and an opaque ordered argument list; the
// pipeline routes and configures purely by type and never inspects
// argument semantics. Listeners register against a type and receive an
// opaque handle used for unsubscription and per-listener metrics.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single emission traversing the pipeline.
// Immutable once admitted to a queue.
type Event struct {
	// ID uniquely identifies this emission.
	ID string `json:"id"`

	// Type is the sole routing and configuration key.
	Type string `json:"type"`

	// Args is the opaque ordered argument list.
	Args []any `json:"args,omitempty"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Priority orders the event in the backpressure queue.
	// Higher values drain first.
	Priority int `json:"priority"`
}

// New creates an event with a generated ID.
func New(eventType string, args []any, priority int, now time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Args:      args,
		Timestamp: now,
		Priority:  priority,
	}
}

// Batch is a tagged group of argument lists delivered as a single
// dispatch. Listeners receive it as the sole argument when a type is
// configured for batched delivery or accumulate-as-batch coalescing.
type Batch struct {
	// Items holds each original event's args in emission order.
	Items [][]any `json:"items"`
}

// Len returns the number of grouped argument lists.
func (b Batch) Len() int {
	return len(b.Items)
}

// IsBatch reports whether the given dispatch args carry a Batch.
// Returns the batch and true when args is exactly one Batch value.
func IsBatch(args []any) (Batch, bool) {
	if len(args) != 1 {
		return Batch{}, false
	}
	b, ok := args[0].(Batch)
	return b, ok
}
