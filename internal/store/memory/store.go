// Package memory provides an in-memory outcome store for development and
// tests.
package memory

import (
	"context"
	"sync"

	"github.com/newswatch/ingest/internal/news"
)

// Store keeps committed outcomes in memory. Batches commit atomically under
// one lock, matching the contract of the Postgres store.
type Store struct {
	mu        sync.Mutex
	committed []news.Outcome
	failNext  error
}

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// CommitBatch implements news.Store.
func (s *Store) CommitBatch(_ context.Context, outcomes []news.Outcome) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return 0, err
	}
	s.committed = append(s.committed, outcomes...)
	return len(outcomes), nil
}

// FailNext makes the next CommitBatch return err, rejecting its whole batch.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Committed returns a copy of everything committed so far.
func (s *Store) Committed() []news.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]news.Outcome(nil), s.committed...)
}

// Len reports the number of committed outcomes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}
