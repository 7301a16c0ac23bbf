package sinks

import (
	"context"
	"sync"

	"github.com/newswatch/ingest/internal/progress"
)

const defaultRingCapacity = 512

// RingSink retains the most recent events in a fixed-size ring so the status
// API can serve a short history without a durable store.
type RingSink struct {
	mu       sync.RWMutex
	capacity int
	events   []progress.Event
	next     int
	full     bool
}

// NewRingSink creates a RingSink holding up to capacity events. A
// non-positive capacity falls back to the default.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &RingSink{
		capacity: capacity,
		events:   make([]progress.Event, capacity),
	}
}

// Consume appends the batch, evicting the oldest events once full.
func (s *RingSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.events[s.next] = evt
		s.next++
		if s.next == s.capacity {
			s.next = 0
			s.full = true
		}
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns everything retained.
func (s *RingSink) Recent(limit int) []progress.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = s.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]progress.Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := s.next - 1 - i
		if idx < 0 {
			idx += s.capacity
		}
		out = append(out, s.events[idx])
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *RingSink) Close(context.Context) error {
	return nil
}
