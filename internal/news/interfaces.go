package news

import (
	"context"
	"time"
)

// Source supplies pending work items discovered upstream.
type Source interface {
	GetPending(ctx context.Context, limit int) ([]Item, error)
}

// Marker records item state transitions back on the system of record.
// Sources backed by a durable queue implement it so claimed rows do not stay
// in-flight forever.
type Marker interface {
	MarkProcessed(ctx context.Context, id string, state ItemState) error
}

// Fetcher retrieves raw content for a reference. Implementations may have a
// fast path and a slower rendered fallback chosen internally.
type Fetcher interface {
	Fetch(ctx context.Context, item Item) (Content, error)
}

// Analyzer performs the expensive, possibly externally rate-limited analysis
// step over fetched content.
type Analyzer interface {
	Analyze(ctx context.Context, content Content) (Analysis, error)
}

// Store writes a batch of outcomes atomically: either every outcome in the
// slice is committed or none are.
type Store interface {
	CommitBatch(ctx context.Context, outcomes []Outcome) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes notification events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
