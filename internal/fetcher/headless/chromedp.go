// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/news"
	"github.com/newswatch/ingest/internal/pool"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// PoolSize bounds concurrently open browser tabs (default 2).
	PoolSize int
	// SessionMaxUses recycles a tab after this many navigations (default 25).
	SessionMaxUses    int
	UserAgent         string
	NavigationTimeout time.Duration
}

const (
	defaultPoolSize       = 2
	defaultSessionMaxUses = 25
	defaultNavTimeout     = 45 * time.Second
)

// session is one pooled browser tab. A failed navigation marks it broken so
// the pool destroys it instead of handing it out again.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	uses   int
	broken bool
}

// Fetcher renders references with headless Chrome. Tabs are expensive, so
// they are pooled and recycled rather than opened per fetch.
type Fetcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	sessions    *pool.Pool[*session]
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.SessionMaxUses <= 0 {
		cfg.SessionMaxUses = defaultSessionMaxUses
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}

	sessions, err := pool.New(pool.Config[*session]{
		Name:    "browser_sessions",
		MaxSize: cfg.PoolSize,
		New: func(context.Context) (*session, error) {
			tabCtx, tabCancel := chromedp.NewContext(f.allocator)
			return &session{ctx: tabCtx, cancel: tabCancel}, nil
		},
		Recycle: f.recycle,
		Destroy: func(s *session) { s.cancel() },
		Logger:  logger,
	})
	if err != nil {
		allocCancel()
		return nil, err
	}
	f.sessions = sessions
	return f, nil
}

// recycle is the pool's reuse policy: broken or worn-out tabs are destroyed
// rather than handed out again.
func (f *Fetcher) recycle(s *session) error {
	s.uses++
	if s.broken {
		return fmt.Errorf("session broken after failed navigation")
	}
	if s.uses >= f.cfg.SessionMaxUses {
		return fmt.Errorf("session exceeded %d uses", f.cfg.SessionMaxUses)
	}
	return nil
}

// Close drains the session pool and shuts the browser down.
func (f *Fetcher) Close(ctx context.Context) error {
	err := f.sessions.Close(ctx)
	f.allocCancel()
	return err
}

// Fetch navigates with a pooled browser tab and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, item news.Item) (news.Content, error) {
	s, err := f.sessions.Acquire(ctx)
	if err != nil {
		return news.Content{}, fmt.Errorf("%w: %w", news.ErrResourceExhausted, err)
	}
	defer f.sessions.Release(s)

	taskCtx, cancel := context.WithTimeout(s.ctx, f.cfg.NavigationTimeout)
	defer cancel()

	// The chromedp context chain ignores the caller's context, so propagate
	// its cancellation by hand.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	defer close(stop)

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, item.Reference)
	if err != nil {
		s.broken = true
		return news.Content{}, fmt.Errorf("render %s: %w: %w", item.Reference, news.ErrTransientFetch, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(item.Reference, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	if err := classifyStatus(status); err != nil {
		return news.Content{}, err
	}

	return news.Content{
		Reference:   item.Reference,
		FinalURL:    responseURL,
		StatusCode:  status,
		ContentType: headers.Get("Content-Type"),
		Headers:     headers,
		Body:        []byte(html),
		Rendered:    true,
		Duration:    time.Since(start),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// classifyStatus mirrors the plain fetcher's policy: 408/425/429 and 5xx are
// transient, other 4xx permanent.
func classifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("rendered status %d: %w", status, news.ErrTransientFetch)
	default:
		return fmt.Errorf("rendered status %d: %w", status, news.ErrPermanentFetch)
	}
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}
