package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"

	"github.com/newswatch/ingest/internal/news"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.allocCancel()

	if fetcher.cfg.PoolSize != defaultPoolSize {
		t.Fatalf("expected default pool size %d, got %d", defaultPoolSize, fetcher.cfg.PoolSize)
	}
	if fetcher.cfg.SessionMaxUses != defaultSessionMaxUses {
		t.Fatalf("expected default session max uses, got %d", fetcher.cfg.SessionMaxUses)
	}
	if fetcher.cfg.NavigationTimeout != defaultNavTimeout {
		t.Fatalf("expected default nav timeout, got %v", fetcher.cfg.NavigationTimeout)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusNoContent, nil},
		{http.StatusMovedPermanently, nil},
		{http.StatusNotFound, news.ErrPermanentFetch},
		{http.StatusForbidden, news.ErrPermanentFetch},
		{http.StatusTooManyRequests, news.ErrTransientFetch},
		{http.StatusRequestTimeout, news.ErrTransientFetch},
		{http.StatusInternalServerError, news.ErrTransientFetch},
		{http.StatusGatewayTimeout, news.ErrTransientFetch},
	}
	for _, tc := range cases {
		err := classifyStatus(tc.status)
		if tc.want == nil {
			if err != nil {
				t.Fatalf("status %d: unexpected error %v", tc.status, err)
			}
			continue
		}
		if err == nil || !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestSessionRecyclePolicy(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{SessionMaxUses: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.allocCancel()

	s := &session{ctx: context.Background(), cancel: func() {}}

	// First use survives recycling; the second hits the use ceiling.
	if err := fetcher.recycle(s); err != nil {
		t.Fatalf("first recycle should succeed: %v", err)
	}
	if err := fetcher.recycle(s); err == nil {
		t.Fatal("expected recycle to fail at max uses")
	}

	broken := &session{ctx: context.Background(), cancel: func() {}, broken: true}
	if err := fetcher.recycle(broken); err == nil {
		t.Fatal("expected recycle to fail for broken session")
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}

func TestCloneHeaderDoesNotAliasSource(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	if len(src["X-Test"]) != 2 {
		t.Fatalf("source header mutated: %+v", src)
	}
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	fetcher := NewNoop()
	if _, err := fetcher.Fetch(context.Background(), news.Item{}); err == nil {
		t.Fatal("expected error from noop fetcher")
	}
}
