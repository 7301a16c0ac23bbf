// Package persist buffers successful outcomes and commits them to storage
// in atomic batches. A rejected batch is handed back whole so the
// orchestrator can requeue every item; partial writes never happen.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/news"
	"github.com/newswatch/ingest/internal/progress"
	"github.com/newswatch/ingest/internal/telemetry"
)

// Config controls batching thresholds.
type Config struct {
	// MaxSize flushes the buffer once this many outcomes queue (default 25).
	MaxSize int
	// MaxWait flushes a non-empty buffer after this duration even if small
	// (default 5s).
	MaxWait time.Duration
	// FlushTimeout bounds a single store commit (default 30s).
	FlushTimeout time.Duration
	// Events, when set, receives a BATCH_COMMIT event per successful flush.
	Events progress.Emitter
}

const (
	defaultMaxSize      = 25
	defaultMaxWait      = 5 * time.Second
	defaultFlushTimeout = 30 * time.Second
)

// Persister accumulates outcomes and writes them through a news.Store. It is
// safe for concurrent use; only the buffer has an internal critical section.
type Persister struct {
	cfg       Config
	store     news.Store
	onFailure func([]news.Outcome)
	logger    *zap.Logger

	mu     sync.Mutex
	buffer []news.Outcome

	kick chan struct{}
}

// New builds a Persister. onFailure receives the entire batch whenever a
// commit is rejected; it may be nil when no requeue path exists (tests).
func New(store news.Store, cfg Config, onFailure func([]news.Outcome), logger *zap.Logger) *Persister {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		cfg:       cfg,
		store:     store,
		onFailure: onFailure,
		logger:    logger,
		buffer:    make([]news.Outcome, 0, cfg.MaxSize),
		kick:      make(chan struct{}, 1),
	}
}

// Add buffers one outcome. Reaching the size threshold wakes the flush loop;
// Add itself never blocks on the store.
func (p *Persister) Add(outcome news.Outcome) {
	p.mu.Lock()
	p.buffer = append(p.buffer, outcome)
	full := len(p.buffer) >= p.cfg.MaxSize
	p.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports the current buffer depth.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Run flushes on the size or time threshold until the context ends, then
// performs a final drain.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaxWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final drain with a fresh context: the run context is gone.
			drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
			if _, err := p.Flush(drainCtx); err != nil {
				p.logger.Error("final batch flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-p.kick:
		case <-ticker.C:
		}
		if _, err := p.Flush(ctx); err != nil {
			p.logger.Error("batch flush failed", zap.Error(err))
		}
	}
}

// Flush commits everything currently buffered as one atomic write and
// returns the number of rows written. On store rejection the whole batch is
// routed to the failure callback and the error is wrapped as a persistence
// failure.
func (p *Persister) Flush(ctx context.Context) (int, error) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return 0, nil
	}
	batch := p.buffer
	p.buffer = make([]news.Outcome, 0, p.cfg.MaxSize)
	p.mu.Unlock()

	commitCtx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
	defer cancel()

	written, err := p.store.CommitBatch(commitCtx, batch)
	if err != nil {
		telemetry.ObserveBatchFlush(len(batch), false)
		p.logger.Warn("batch rejected by store, requeueing all items",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		if p.onFailure != nil {
			p.onFailure(batch)
		}
		return 0, fmt.Errorf("commit batch of %d: %w: %w", len(batch), news.ErrPersistence, err)
	}

	telemetry.ObserveBatchFlush(len(batch), true)
	if p.cfg.Events != nil {
		p.cfg.Events.Emit(progress.Event{
			ItemID: "batch",
			TS:     time.Now(),
			Stage:  progress.StageBatchCommit,
			Bytes:  int64(len(batch)),
		})
	}
	p.logger.Debug("batch committed",
		zap.Int("batch_size", len(batch)), zap.Int("written", written))
	return written, nil
}
