package headless

import (
	"context"
	"errors"

	"github.com/newswatch/ingest/internal/news"
)

// Noop fills the rendered-fetch slot when headless browsing is disabled.
// Every fetch fails, so the composite fetcher keeps the fast-path content
// for pages flagged as script-driven instead of attempting a render.
type Noop struct{}

// NewNoop returns the disabled-rendering stand-in.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always reports that rendering is unavailable.
func (Noop) Fetch(_ context.Context, _ news.Item) (news.Content, error) {
	return news.Content{}, errors.New("headless rendering disabled")
}
