package news

import (
	"context"
	"errors"
	"net"
)

// Pipeline failure classes. Collaborators wrap one of these sentinels so the
// orchestrator can route an item without knowing implementation details.
var (
	// ErrRateLimited means no token became available within the deadline.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrResourceExhausted means a pool acquire timed out.
	ErrResourceExhausted = errors.New("resource pool exhausted")
	// ErrTransientFetch is a network/timeout class fetch failure.
	ErrTransientFetch = errors.New("transient fetch failure")
	// ErrPermanentFetch means the content is structurally unusable.
	ErrPermanentFetch = errors.New("permanent fetch failure")
	// ErrAnalysis means the analysis step failed.
	ErrAnalysis = errors.New("analysis failure")
	// ErrPersistence means a batch write was rejected by the store.
	ErrPersistence = errors.New("persistence failure")
)

// IsTransient reports whether an item that failed with err should be retried.
// Rate-limit, pool-exhaustion, deadline, network timeout, analysis and
// persistence failures are transient; permanent fetch failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentFetch) {
		return false
	}
	if errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrTransientFetch) ||
		errors.Is(err, ErrAnalysis) ||
		errors.Is(err, ErrPersistence) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
