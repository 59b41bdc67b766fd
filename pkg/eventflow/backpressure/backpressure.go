// Package backpressure gates pipeline admission under load.
//
// The manager watches two signals: the depth of its shared
// priority-ordered queue and per-listener execution latency reported
// back from dispatch. Either signal can latch the pipeline into
// backpressure; admission resumes only once both have recovered
// (hysteresis), which prevents flapping under borderline load.
package backpressure

import (
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/clock"
	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
)

// Drop reasons passed to the OnDrop hook.
const (
	DropOverflow = "overflow"
	DropAge      = "age"
)

// Admission is the outcome of an Enqueue attempt.
type Admission int

const (
	// Queued means the entry was accepted into the queue.
	Queued Admission = iota

	// Rejected means the overflow policy refused the entry. The drop
	// is counted and reported through OnDrop.
	Rejected

	// Inactive means backpressure released between the caller's
	// ShouldApply check and the enqueue. The entry was not queued and
	// not dropped; the caller still owns it and must admit it through
	// the normal pipeline.
	Inactive
)

// Entry is one queued event awaiting drain.
type Entry struct {
	Type       string
	Args       []any
	Priority   int
	EnqueuedAt time.Time
}

// ListenerMetric tracks one listener's execution history. The empty
// key tracks whole-dispatch time with no listener attribution.
type ListenerMetric struct {
	ExecutionCount int64
	TotalExecution time.Duration
	MaxExecution   time.Duration
}

// Avg returns the average execution time. Derived, never stored.
func (m ListenerMetric) Avg() time.Duration {
	if m.ExecutionCount == 0 {
		return 0
	}
	return m.TotalExecution / time.Duration(m.ExecutionCount)
}

// Stats is a snapshot of manager state.
type Stats struct {
	Active        bool
	QueueLen      int
	QueuedTotal   uint64
	Dropped       uint64
	AgeEvicted    uint64
	SlowListeners []string
	Listeners     map[string]ListenerMetric
}

// Manager is the admission controller.
type Manager struct {
	mu     sync.Mutex
	clk    clock.Clock
	logger *slog.Logger
	cfg    config.Backpressure

	queue     []Entry
	latched   bool
	draining  bool
	listeners map[string]*ListenerMetric

	queuedTotal uint64
	dropped     uint64
	ageEvicted  uint64

	// OnDrop observes every dropped or evicted entry, for auditing.
	OnDrop func(entry Entry, reason string)
}

// New creates a Manager with the given tuning.
func New(cfg config.Backpressure, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		clk:       clk,
		logger:    logger,
		cfg:       cfg,
		listeners: make(map[string]*ListenerMetric),
	}
}

// ShouldApply reports whether admission is currently halted. The
// result is latched: it becomes true when the queue reaches its limit
// or any listener's average execution time exceeds the slow threshold,
// and returns to false only once the queue has drained to the resume
// threshold and no listener is currently slow.
func (m *Manager) ShouldApply() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	slow := len(m.slowListenersLocked()) > 0
	if !m.latched {
		if len(m.queue) >= m.cfg.QueueSizeLimit || slow {
			m.latched = true
			if m.logger != nil {
				m.logger.Warn("backpressure engaged",
					slog.Int("queue_len", len(m.queue)),
					slog.Bool("slow_listener", slow),
				)
			}
		}
	} else {
		resumeAt := int(m.cfg.ResumeThreshold * float64(m.cfg.QueueSizeLimit))
		if len(m.queue) <= resumeAt && !slow {
			m.latched = false
			if m.logger != nil {
				m.logger.Info("backpressure released",
					slog.Int("queue_len", len(m.queue)),
				)
			}
		}
	}
	return m.latched
}

// Enqueue queues an event while backpressure is active. A concurrent
// ShouldApply can release the latch between the caller's check and
// this call; that returns Inactive and the caller keeps ownership of
// the event. Overflow under the rejection policy returns Rejected
// after the drop has been reported through OnDrop.
func (m *Manager) Enqueue(eventType string, args []any, priority int) Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.latched {
		if m.logger != nil {
			m.logger.Debug("backpressure released before enqueue",
				slog.String("event_type", eventType),
			)
		}
		return Inactive
	}

	m.evictAgedLocked()

	entry := Entry{
		Type:       eventType,
		Args:       args,
		Priority:   priority,
		EnqueuedAt: m.clk.Now(),
	}

	if len(m.queue) >= m.cfg.QueueSizeLimit {
		if !m.cfg.DropOldestOnOverflow {
			m.dropLocked(entry, DropOverflow)
			if m.logger != nil {
				m.logger.Warn("backpressure queue full, rejecting event",
					slog.String("event_type", eventType),
				)
			}
			return Rejected
		}
		oldest := m.queue[0]
		m.queue = m.queue[1:]
		m.dropLocked(oldest, DropOverflow)
		if m.logger != nil {
			m.logger.Warn("backpressure queue full, dropped oldest",
				slog.String("dropped_type", oldest.Type),
				slog.String("event_type", eventType),
			)
		}
	}

	// Priority-ordered insert: before the first entry with strictly
	// lower priority. Stable, so equal priority preserves FIFO order.
	idx := len(m.queue)
	for i, queued := range m.queue {
		if queued.Priority < priority {
			idx = i
			break
		}
	}
	m.queue = append(m.queue, Entry{})
	copy(m.queue[idx+1:], m.queue[idx:])
	m.queue[idx] = entry
	m.queuedTotal++

	m.evictAgedLocked()
	return Queued
}

// ProcessQueue drains up to maxBatch entries, invoking dispatch for
// each sequentially. Entries whose age exceeds MaxQueueAge at drain
// time are skipped and logged. A re-entrancy guard ensures only one
// drain runs at a time. Returns the number of dispatched entries.
func (m *Manager) ProcessQueue(dispatch func(eventType string, args []any), maxBatch int) int {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return 0
	}
	m.draining = true

	var ready []Entry
	for len(ready) < maxBatch && len(m.queue) > 0 {
		entry := m.queue[0]
		m.queue = m.queue[1:]
		if m.cfg.MaxQueueAge > 0 && m.clk.Since(entry.EnqueuedAt) > m.cfg.MaxQueueAge {
			m.dropLocked(entry, DropAge)
			if m.logger != nil {
				m.logger.Warn("skipping stale backpressure entry",
					slog.String("event_type", entry.Type),
					slog.Duration("age", m.clk.Since(entry.EnqueuedAt)),
				)
			}
			continue
		}
		ready = append(ready, entry)
	}
	m.mu.Unlock()

	for _, entry := range ready {
		dispatch(entry.Type, entry.Args)
	}

	m.mu.Lock()
	m.draining = false
	m.mu.Unlock()
	return len(ready)
}

// DrainAll dispatches every queued entry regardless of age or batch
// size. Used by Flush before shutdown.
func (m *Manager) DrainAll(dispatch func(eventType string, args []any)) {
	m.mu.Lock()
	ready := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, entry := range ready {
		dispatch(entry.Type, entry.Args)
	}
}

// RecordExecutionTime updates a listener's running stats. An empty key
// records whole-dispatch time with no listener attribution. This is
// the feedback edge from dispatch into admission control.
func (m *Manager) RecordExecutionTime(listenerKey string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stat, ok := m.listeners[listenerKey]
	if !ok {
		stat = &ListenerMetric{}
		m.listeners[listenerKey] = stat
	}
	stat.ExecutionCount++
	stat.TotalExecution += d
	if d > stat.MaxExecution {
		stat.MaxExecution = d
	}
}

// QueueLen returns the current queue depth.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Stats returns a snapshot of manager state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Active:        m.latched,
		QueueLen:      len(m.queue),
		QueuedTotal:   m.queuedTotal,
		Dropped:       m.dropped,
		AgeEvicted:    m.ageEvicted,
		SlowListeners: m.slowListenersLocked(),
		Listeners:     make(map[string]ListenerMetric, len(m.listeners)),
	}
	for k, v := range m.listeners {
		s.Listeners[k] = *v
	}
	return s
}

// SetConfig swaps the tuning, e.g. after a config reload.
func (m *Manager) SetConfig(cfg config.Backpressure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// ResetCounters zeroes drop/eviction counters and listener stats.
func (m *Manager) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queuedTotal = 0
	m.dropped = 0
	m.ageEvicted = 0
	m.listeners = make(map[string]*ListenerMetric)
}

// slowListenersLocked returns keys of listeners whose average exceeds
// the slow threshold.
func (m *Manager) slowListenersLocked() []string {
	if m.cfg.SlowListenerThreshold <= 0 {
		return nil
	}
	var slow []string
	for key, stat := range m.listeners {
		if key == "" {
			continue // whole-dispatch samples carry no attribution
		}
		if stat.Avg() > m.cfg.SlowListenerThreshold {
			slow = append(slow, key)
		}
	}
	return slow
}

// evictAgedLocked drops entries older than MaxQueueAge from the front.
func (m *Manager) evictAgedLocked() {
	if m.cfg.MaxQueueAge <= 0 {
		return
	}
	for len(m.queue) > 0 && m.clk.Since(m.queue[0].EnqueuedAt) > m.cfg.MaxQueueAge {
		entry := m.queue[0]
		m.queue = m.queue[1:]
		m.dropLocked(entry, DropAge)
		if m.logger != nil {
			m.logger.Warn("evicted stale backpressure entry",
				slog.String("event_type", entry.Type),
			)
		}
	}
}

// dropLocked counts a dropped entry and notifies the audit hook.
func (m *Manager) dropLocked(entry Entry, reason string) {
	if reason == DropAge {
		m.ageEvicted++
	} else {
		m.dropped++
	}
	if m.OnDrop != nil {
		m.OnDrop(entry, reason)
	}
}
