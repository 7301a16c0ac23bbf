package pipeline

import (
	"crypto/rand"
	"math/big"
	"time"
)

// BackoffPolicy maps an attempt number to a jittered delay before the item
// is eligible for redispatch.
type BackoffPolicy struct {
	schedule []time.Duration
}

// DefaultBackoffSchedule roughly doubles per attempt.
var DefaultBackoffSchedule = []time.Duration{
	500 * time.Millisecond,
	2 * time.Second,
	8 * time.Second,
}

// NewBackoffPolicy builds a policy from an explicit schedule; attempts past
// the end of the schedule reuse its last entry.
func NewBackoffPolicy(schedule []time.Duration) *BackoffPolicy {
	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	return &BackoffPolicy{schedule: append([]time.Duration(nil), schedule...)}
}

// Delay returns the backoff for the given attempt (1-based): half the
// scheduled value plus random jitter up to the other half, so concurrent
// retries spread out.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.schedule) {
		idx = len(p.schedule) - 1
	}
	base := p.schedule[idx]
	return base/2 + randomJitter(base/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
