// Package testutil holds helpers shared by bridge tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/nbridge/internal/ir"
)

// Sink is a response handler that records every delivered event and lets
// tests wait for finished events.
//
// Thread-safety: safe for concurrent use; tests read while the bridge's
// delivery goroutine writes.
type Sink struct {
	mu       sync.Mutex
	events   []ir.ResponseEvent
	finished map[ir.RequestID]int
	changed  chan struct{}
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{
		finished: make(map[ir.RequestID]int),
		changed:  make(chan struct{}),
	}
}

// HandleResponse records ev.
func (s *Sink) HandleResponse(_ context.Context, ev ir.ResponseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if ev.Finished {
		s.finished[ev.RequestID]++
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// Events returns a copy of all delivered events in delivery order.
func (s *Sink) Events() []ir.ResponseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ir.ResponseEvent(nil), s.events...)
}

// ForRequest returns the delivered events for id in delivery order.
func (s *Sink) ForRequest(id ir.RequestID) []ir.ResponseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ir.ResponseEvent
	for _, ev := range s.events {
		if ev.RequestID == id {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of delivered events.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// FinishedCount returns how many finished events were delivered for id.
func (s *Sink) FinishedCount(id ir.RequestID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[id]
}

// WaitFinished blocks until every id has a finished event or timeout
// elapses. Returns false on timeout.
func (s *Sink) WaitFinished(timeout time.Duration, ids ...ir.RequestID) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		done := true
		for _, id := range ids {
			if s.finished[id] == 0 {
				done = false
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if done {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// WaitLen blocks until at least n events were delivered or timeout elapses.
func (s *Sink) WaitLen(timeout time.Duration, n int) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		done := len(s.events) >= n
		changed := s.changed
		s.mu.Unlock()

		if done {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}
