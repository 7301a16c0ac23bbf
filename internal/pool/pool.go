// Package pool provides a generic bounded pool of expensive reusable handles
// (browser sessions, client connections). Handles are created lazily up to a
// maximum, recycled on release, and discarded when unhealthy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/telemetry"
)

// ErrExhausted is returned when no handle became available before the
// caller's context ended.
var ErrExhausted = errors.New("pool exhausted")

// ErrClosed is returned by Acquire after Close has begun.
var ErrClosed = errors.New("pool closed")

// Config parameterizes a Pool with a resource factory and recycle policy.
type Config[T any] struct {
	// Name labels the pool in logs and metrics.
	Name string
	// MaxSize bounds free + in-use handles. Must be > 0.
	MaxSize int
	// New creates a fresh handle.
	New func(ctx context.Context) (T, error)
	// Recycle prepares a handle for reuse on release. A non-nil error marks
	// the handle unhealthy; it is destroyed instead of returned to the free
	// set. Nil Recycle means handles are reused as-is.
	Recycle func(T) error
	// Destroy releases a handle's underlying resources. Optional.
	Destroy func(T)
	// Logger is optional; zap.NewNop is used when nil.
	Logger *zap.Logger
}

// Pool is a bounded collection of reusable handles. At every instant
// free + in-use <= MaxSize, and a handle is either in the free set or held
// by exactly one caller.
type Pool[T any] struct {
	cfg  Config[T]
	free chan T

	mu     sync.Mutex
	live   int
	closed bool

	logger *zap.Logger
}

// New constructs a Pool. No handles are created until first Acquire.
func New[T any](cfg Config[T]) (*Pool[T], error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool %q: max size must be > 0", cfg.Name)
	}
	if cfg.New == nil {
		return nil, fmt.Errorf("pool %q: factory is required", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{
		cfg:    cfg,
		free:   make(chan T, cfg.MaxSize),
		logger: logger,
	}, nil
}

// Acquire returns a handle, preferring the free set, then lazy creation,
// then blocking until a release or the context deadline. The caller must
// hand the handle back via Release even when its own work failed.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	select {
	case h := <-p.free:
		p.publishStats()
		return h, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if p.live < p.cfg.MaxSize {
		p.live++
		p.mu.Unlock()
		h, err := p.cfg.New(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			return zero, fmt.Errorf("pool %q: create handle: %w", p.cfg.Name, err)
		}
		p.publishStats()
		return h, nil
	}
	p.mu.Unlock()

	select {
	case h := <-p.free:
		p.publishStats()
		return h, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("pool %q: %w: %w", p.cfg.Name, ErrExhausted, ctx.Err())
	}
}

// Release returns a handle to the pool after recycling it. Unhealthy handles
// are destroyed and the live count decremented so capacity is not leaked to
// a dead handle.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.discard(h)
		return
	}

	if p.cfg.Recycle != nil {
		if err := p.cfg.Recycle(h); err != nil {
			p.logger.Warn("discarding unhealthy pool handle",
				zap.String("pool", p.cfg.Name), zap.Error(err))
			p.discard(h)
			return
		}
	}

	select {
	case p.free <- h:
		p.publishStats()
	default:
		// Free set full: a foreign or double-released handle. Discard it
		// rather than violate the size bound.
		p.discard(h)
	}
}

// Stats reports the current free and in-use handle counts.
func (p *Pool[T]) Stats() (free, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free = len(p.free)
	return free, p.live - free
}

// Close drains and destroys all handles. Handles still held by callers are
// destroyed as they are released; Close waits for them until ctx ends.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case h := <-p.free:
			p.discard(h)
			continue
		default:
		}

		p.mu.Lock()
		remaining := p.live
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pool %q: close: %d handles still held: %w",
				p.cfg.Name, remaining, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *Pool[T]) discard(h T) {
	if p.cfg.Destroy != nil {
		p.cfg.Destroy(h)
	}
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.publishStats()
}

func (p *Pool[T]) publishStats() {
	free, inUse := p.Stats()
	telemetry.SetPoolStats(p.cfg.Name, free, inUse)
}
