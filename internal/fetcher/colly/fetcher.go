// Package collyfetcher implements the fast fetch path using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/newswatch/ingest/internal/news"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

const defaultTimeout = 15 * time.Second

// Fetcher retrieves content over plain HTTP with the Colly collector. It
// never executes scripts; references that need rendering are handled by the
// headless fallback.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single GET for the item's reference. HTTP and network
// failures come back wrapped in the pipeline's transient/permanent failure
// classes so the caller can route retries without inspecting status codes.
func (f *Fetcher) Fetch(ctx context.Context, item news.Item) (news.Content, error) {
	var (
		content  news.Content
		status   int
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport}
	}
	collector.WithTransport(transport)

	collector.OnResponse(func(r *colly.Response) {
		content = news.Content{
			Reference:   item.Reference,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Headers:     r.Headers.Clone(),
			Body:        append([]byte(nil), r.Body...),
			Rendered:    false,
			Duration:    time.Since(start),
			FetchedAt:   time.Now().UTC(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := f.runCollector(ctx, collector, item.Reference); err != nil {
		return news.Content{}, err
	}
	if fetchErr != nil {
		return news.Content{}, classifyError(status, fetchErr)
	}
	return content, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return classifyError(0, err)
		}
		return nil
	}
}

// classifyError maps a fetch failure onto the pipeline's failure classes.
// 408, 425, 429 and every 5xx are transient; any other 4xx is permanent;
// plain network errors are transient.
func classifyError(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("status %d: %w: %w", status, news.ErrTransientFetch, err)
	case status >= 400:
		return fmt.Errorf("status %d: %w: %w", status, news.ErrPermanentFetch, err)
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fmt.Errorf("blocked by robots.txt: %w: %w", news.ErrPermanentFetch, err)
	default:
		return fmt.Errorf("%w: %w", news.ErrTransientFetch, err)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
