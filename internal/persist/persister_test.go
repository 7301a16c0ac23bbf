package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newswatch/ingest/internal/news"
)

// fakeStore records committed batches and can be told to fail.
type fakeStore struct {
	mu      sync.Mutex
	batches [][]news.Outcome
	fail    error
}

func (s *fakeStore) CommitBatch(_ context.Context, outcomes []news.Outcome) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	s.batches = append(s.batches, append([]news.Outcome(nil), outcomes...))
	return len(outcomes), nil
}

func (s *fakeStore) committed() [][]news.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func outcome(ref string) news.Outcome {
	return news.Outcome{Item: news.Item{ID: ref, Reference: ref, State: news.ItemSucceeded}}
}

func TestPersister_FlushWritesWholeBuffer(t *testing.T) {
	store := &fakeStore{}
	p := New(store, Config{MaxSize: 10}, nil, nil)

	p.Add(outcome("a"))
	p.Add(outcome("b"))
	require.Equal(t, 2, p.Pending())

	written, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 0, p.Pending())
	require.Len(t, store.committed(), 1)
	assert.Len(t, store.committed()[0], 2)
}

func TestPersister_FlushOnEmptyBufferIsNoop(t *testing.T) {
	store := &fakeStore{}
	p := New(store, Config{}, nil, nil)

	written, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Empty(t, store.committed())
}

func TestPersister_RejectedBatchRequeuesEveryItem(t *testing.T) {
	store := &fakeStore{fail: errors.New("deadlock detected")}
	var requeued []news.Outcome
	p := New(store, Config{}, func(batch []news.Outcome) {
		requeued = append(requeued, batch...)
	}, nil)

	p.Add(outcome("a"))
	p.Add(outcome("b"))
	p.Add(outcome("c"))

	written, err := p.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, news.ErrPersistence)
	assert.Zero(t, written)

	// Atomicity: nothing observably committed, everything fed back.
	assert.Empty(t, store.committed())
	assert.Len(t, requeued, 3)
	assert.Equal(t, 0, p.Pending())
}

func TestPersister_SizeThresholdTriggersBackgroundFlush(t *testing.T) {
	store := &fakeStore{}
	p := New(store, Config{MaxSize: 3, MaxWait: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Add(outcome("a"))
	p.Add(outcome("b"))
	p.Add(outcome("c"))

	require.Eventually(t, func() bool {
		return len(store.committed()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, store.committed()[0], 3)

	cancel()
	<-done
}

func TestPersister_TimeThresholdFlushesSmallBatch(t *testing.T) {
	store := &fakeStore{}
	p := New(store, Config{MaxSize: 100, MaxWait: 30 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Add(outcome("lonely"))

	require.Eventually(t, func() bool {
		return len(store.committed()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, store.committed()[0], 1)
}

func TestPersister_RunDrainsBufferOnShutdown(t *testing.T) {
	store := &fakeStore{}
	p := New(store, Config{MaxSize: 100, MaxWait: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Add(outcome("a"))
	p.Add(outcome("b"))
	cancel()
	<-done

	require.Len(t, store.committed(), 1)
	assert.Len(t, store.committed()[0], 2)
}
