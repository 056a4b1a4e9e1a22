// Package session tracks the asynchronous sub-operations outstanding for a
// single scan. Stage actions register events for work that completes
// out-of-band (DNS lookups, classifier calls); the scheduler refuses to
// advance past a stage while any of its events are pending. When the last
// event completes the session re-invokes the fin entry point, and once fin
// reports the task terminal the cleanup callback tears the session down.
package session

import (
	"sync"

	"github.com/migadu/mailscan/logger"
)

// FinFunc drives the owning task; it returns true once the task reached a
// terminal state and the session may be destroyed.
type FinFunc func() bool

// CleanupFunc releases session-owned state after fin reported terminal.
type CleanupFunc func()

// Session counts pending async events for one task.
type Session struct {
	mu        sync.Mutex
	pending   uint32
	fin       FinFunc
	cleanup   CleanupFunc
	destroyed bool
}

// New creates a session with the given completion callbacks. Either may be
// nil; a nil fin makes event completion a pure countdown.
func New(fin FinFunc, cleanup CleanupFunc) *Session {
	return &Session{fin: fin, cleanup: cleanup}
}

// AddEvent registers one pending async operation.
func (s *Session) AddEvent(name string) {
	s.mu.Lock()
	s.pending++
	n := s.pending
	s.mu.Unlock()

	logger.Debug("session event added", "event", name, "pending", n)
}

// RemoveEvent completes one pending async operation. When the count drains
// to zero the fin callback is invoked; if it reports the task terminal, the
// cleanup callback runs.
func (s *Session) RemoveEvent(name string) {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		logger.Warn("session event removed with no events pending", "event", name)
		return
	}
	s.pending--
	n := s.pending
	fin := s.fin
	cleanup := s.cleanup
	s.mu.Unlock()

	logger.Debug("session event removed", "event", name, "pending", n)

	if n != 0 || fin == nil {
		return
	}

	if fin() {
		s.mu.Lock()
		done := s.destroyed
		s.destroyed = true
		s.mu.Unlock()

		if !done && cleanup != nil {
			cleanup()
		}
	}
}

// Pending returns the number of outstanding async operations.
func (s *Session) Pending() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
