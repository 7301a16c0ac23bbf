// Package memory provides an in-memory item source for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/newswatch/ingest/internal/news"
)

// Source is a FIFO queue of pending items.
type Source struct {
	mu     sync.Mutex
	items  []news.Item
	marked map[string]news.ItemState
}

// New creates a Source preloaded with the given items.
func New(items ...news.Item) *Source {
	return &Source{
		items:  append([]news.Item(nil), items...),
		marked: make(map[string]news.ItemState),
	}
}

// Push appends items to the queue.
func (s *Source) Push(items ...news.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
}

// Enqueue appends a single item, matching the durable source's intake API.
func (s *Source) Enqueue(_ context.Context, item news.Item) error {
	s.Push(item)
	return nil
}

// GetPending implements news.Source.
func (s *Source) GetPending(_ context.Context, limit int) ([]news.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.items) {
		limit = len(s.items)
	}
	if limit <= 0 {
		return nil, nil
	}
	batch := append([]news.Item(nil), s.items[:limit]...)
	s.items = s.items[limit:]
	return batch, nil
}

// MarkProcessed implements news.Marker by recording the latest state per
// item ID.
func (s *Source) MarkProcessed(_ context.Context, id string, state news.ItemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[id] = state
	return nil
}

// Marked returns the recorded state for an item ID.
func (s *Source) Marked(id string) (news.ItemState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.marked[id]
	return state, ok
}

// Remaining reports how many items are still queued.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
