// Package fetcher combines the fast HTTP path with the headless fallback.
package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/news"
)

// Detector decides whether a fast-path response needs rendering.
type Detector interface {
	ShouldPromote(content news.Content) bool
}

// Composite fetches with the plain HTTP fetcher first and promotes to the
// rendered fetcher when the detector flags the response as script-driven.
// A failed promotion falls back to the fast-path content rather than
// discarding a perfectly good response.
type Composite struct {
	fast     news.Fetcher
	rendered news.Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewComposite builds a Composite. Rendered and detector may be nil, in which
// case every fetch stays on the fast path.
func NewComposite(fast, rendered news.Fetcher, detector Detector, logger *zap.Logger) (*Composite, error) {
	if fast == nil {
		return nil, fmt.Errorf("fetcher: fast path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composite{
		fast:     fast,
		rendered: rendered,
		detector: detector,
		logger:   logger,
	}, nil
}

// Fetch implements news.Fetcher.
func (c *Composite) Fetch(ctx context.Context, item news.Item) (news.Content, error) {
	content, err := c.fast.Fetch(ctx, item)
	if err != nil {
		return news.Content{}, err
	}

	if c.rendered == nil || c.detector == nil || !c.detector.ShouldPromote(content) {
		return content, nil
	}

	renderedContent, err := c.rendered.Fetch(ctx, item)
	if err != nil {
		c.logger.Warn("rendered fetch failed, keeping fast-path content",
			zap.String("reference", item.Reference),
			zap.Error(err))
		return content, nil
	}
	return renderedContent, nil
}
