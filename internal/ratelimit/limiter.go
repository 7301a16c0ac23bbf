// Package ratelimit implements a per-source token bucket rate limiter with
// lazy refill. Buckets are refilled on access rather than by a background
// timer: after a full period the bucket resets to capacity, otherwise tokens
// accrue proportionally to elapsed time.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/newswatch/ingest/internal/telemetry"
)

// pollInterval is the sleep between blocking acquire attempts. Fairness is
// best effort: waiters retry on this cadence rather than queueing FIFO.
const pollInterval = 100 * time.Millisecond

// Limit describes a single source's bucket: Capacity tokens per Period.
type Limit struct {
	Capacity int
	Period   time.Duration
}

type bucket struct {
	limit      Limit
	tokens     int
	lastRefill time.Time
}

// Limiter manages independent token buckets keyed by source name. Sources
// without a configured limit are unlimited. All methods are safe for
// concurrent use; the bucket table is guarded by a single mutex since every
// critical section is O(1) and never performs I/O.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	fallback *Limit
	now      func() time.Time
}

// New creates a Limiter with the given per-source limits.
func New(limits map[string]Limit) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket, len(limits)),
		now:     time.Now,
	}
	for source, limit := range limits {
		l.Configure(source, limit.Capacity, limit.Period)
	}
	return l
}

// NewWithDefault creates a Limiter that lazily configures a bucket with the
// default limit the first time an unknown source is seen. Explicit limits
// still take precedence.
func NewWithDefault(def Limit, limits map[string]Limit) *Limiter {
	l := New(limits)
	if def.Capacity > 0 && def.Period > 0 {
		l.fallback = &def
	}
	return l
}

// Configure sets or replaces the limit for a source. The bucket starts full.
func (l *Limiter) Configure(source string, capacity int, period time.Duration) {
	if capacity <= 0 || period <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[source] = &bucket{
		limit:      Limit{Capacity: capacity, Period: period},
		tokens:     capacity,
		lastRefill: l.now(),
	}
}

// refill applies the lazy refill rule. Caller must hold l.mu.
// lastRefill only advances when tokens actually change, so fractional
// progress toward the next token is never discarded.
func (l *Limiter) refill(b *bucket) {
	elapsed := l.now().Sub(b.lastRefill)
	if elapsed >= b.limit.Period {
		b.tokens = b.limit.Capacity
		b.lastRefill = l.now()
		return
	}
	added := int(elapsed * time.Duration(b.limit.Capacity) / b.limit.Period)
	if added > 0 {
		b.tokens = min(b.tokens+added, b.limit.Capacity)
		b.lastRefill = l.now()
	}
}

// lookup finds the bucket for a source, lazily creating one from the default
// limit when configured. A nil return means the source is unlimited. Caller
// must hold l.mu.
func (l *Limiter) lookup(source string) *bucket {
	if b, ok := l.buckets[source]; ok {
		return b
	}
	if l.fallback == nil {
		return nil
	}
	b := &bucket{
		limit:      *l.fallback,
		tokens:     l.fallback.Capacity,
		lastRefill: l.now(),
	}
	l.buckets[source] = b
	return b
}

// CanAcquire reports whether a token is currently available without
// consuming one. Unconfigured sources always report true.
func (l *Limiter) CanAcquire(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.lookup(source)
	if b == nil {
		return true
	}
	l.refill(b)
	return b.tokens > 0
}

// TryAcquire takes a token if one is available, returning false otherwise.
func (l *Limiter) TryAcquire(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.take(source)
}

// Acquire blocks until a token is available for the source or the context
// ends. It returns false when the context expired first.
func (l *Limiter) Acquire(ctx context.Context, source string) bool {
	start := l.now()
	for {
		l.mu.Lock()
		taken := l.take(source)
		l.mu.Unlock()
		if taken {
			if waited := l.now().Sub(start); waited > time.Millisecond {
				telemetry.ObserveRateLimitDelay(source, waited)
			}
			return true
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// take consumes one token. Caller must hold l.mu.
func (l *Limiter) take(source string) bool {
	b := l.lookup(source)
	if b == nil {
		return true
	}
	l.refill(b)
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// WaitTime estimates how long until the next token becomes available. It
// returns zero when a token is already available or the source is unlimited.
func (l *Limiter) WaitTime(source string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.lookup(source)
	if b == nil {
		return 0
	}
	l.refill(b)
	if b.tokens > 0 {
		return 0
	}
	return b.limit.Period / time.Duration(b.limit.Capacity)
}

// Remaining returns the number of tokens currently available, or -1 for an
// unlimited source. Under a default limit an unseen source gets its bucket
// materialized here, matching what Acquire would enforce.
func (l *Limiter) Remaining(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.lookup(source)
	if b == nil {
		return -1
	}
	l.refill(b)
	return b.tokens
}

// SourceStatus is a point-in-time view of one bucket, used by the status API.
type SourceStatus struct {
	Remaining  int           `json:"remaining"`
	Capacity   int           `json:"capacity"`
	Period     time.Duration `json:"period"`
	CanAcquire bool          `json:"can_acquire"`
}

// Status snapshots every configured bucket.
func (l *Limiter) Status() map[string]SourceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]SourceStatus, len(l.buckets))
	for source, b := range l.buckets {
		l.refill(b)
		out[source] = SourceStatus{
			Remaining:  b.tokens,
			Capacity:   b.limit.Capacity,
			Period:     b.limit.Period,
			CanAcquire: b.tokens > 0,
		}
	}
	return out
}
