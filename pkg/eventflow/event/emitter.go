package event

import (
	"sync"

	"github.com/google/uuid"
)

// Listener handles a dispatched event's arguments.
type Listener func(args ...any)

// Handle is an opaque registration identity issued by On. Listener
// metrics are keyed by Handle rather than function identity, which has
// no equality semantics in Go.
type Handle string

// Registration pairs a listener with its handle.
type Registration struct {
	Handle   Handle
	Listener Listener
}

// Emitter is the listener registry underlying the bus.
// All methods are safe for concurrent use. Snapshot returns a copy of
// the listener list so a listener may subscribe or unsubscribe during
// its own invocation without corrupting an in-flight dispatch.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Registration
}

// NewEmitter creates an empty listener registry.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]Registration),
	}
}

// On registers a listener for an event type and returns its handle.
func (e *Emitter) On(eventType string, fn Listener) Handle {
	h := Handle(uuid.New().String())

	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[eventType] = append(e.listeners[eventType], Registration{
		Handle:   h,
		Listener: fn,
	})
	return h
}

// Off removes the listener registered under the given handle.
// Returns false if the handle is not registered for the type.
func (e *Emitter) Off(eventType string, h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.listeners[eventType]
	for i, reg := range regs {
		if reg.Handle == h {
			e.listeners[eventType] = append(regs[:i:i], regs[i+1:]...)
			if len(e.listeners[eventType]) == 0 {
				delete(e.listeners, eventType)
			}
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current listeners for a type.
func (e *Emitter) Snapshot(eventType string) []Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	regs := e.listeners[eventType]
	if len(regs) == 0 {
		return nil
	}
	return append([]Registration(nil), regs...)
}

// Count returns the number of listeners for a type.
func (e *Emitter) Count(eventType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[eventType])
}

// Types returns all event types with at least one listener.
func (e *Emitter) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	types := make([]string, 0, len(e.listeners))
	for t := range e.listeners {
		types = append(types, t)
	}
	return types
}
