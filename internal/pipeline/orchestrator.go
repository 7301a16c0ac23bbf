// Package pipeline drives work items through fetch, analyze and persist with
// per-item deadlines, bounded retries and load-adaptive concurrency.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/news"
	"github.com/newswatch/ingest/internal/progress"
	"github.com/newswatch/ingest/internal/telemetry"
)

// Limiter gates outbound calls to rate-limited external sources.
type Limiter interface {
	Acquire(ctx context.Context, source string) bool
}

// Controller supplies the live concurrency target and overload flag.
type Controller interface {
	RecommendedConcurrency() int
	Overloaded() bool
}

// Sink receives finished outcomes for batched persistence.
type Sink interface {
	Add(outcome news.Outcome)
}

// Config tunes orchestrator behavior.
type Config struct {
	// MaxAttempts bounds transient retries per item (default 3).
	MaxAttempts int
	// PerItemDeadline bounds one full fetch+analyze pass (default 90s).
	PerItemDeadline time.Duration
	// Backoff is the retry delay schedule, one entry per attempt.
	Backoff []time.Duration
	// AnalysisSource names the rate-limit bucket guarding the analyzer.
	AnalysisSource string
	// MinContentBytes marks shorter fetched bodies structurally unusable
	// (default 50).
	MinContentBytes int
	// PollInterval is the dispatcher's idle sleep (default 250ms).
	PollInterval time.Duration
	// BlobPrefix prefixes raw-content object paths.
	BlobPrefix string
	// AlertTopic, when set with a publisher, receives high-impact outcomes.
	AlertTopic string
	// AlertImpactThreshold is the minimum impact score to alert on
	// (default 9).
	AlertImpactThreshold int
}

const (
	defaultMaxAttempts     = 3
	defaultPerItemDeadline = 90 * time.Second
	defaultMinContentBytes = 50
	defaultPollInterval    = 250 * time.Millisecond
	defaultAlertThreshold  = 9
)

// Orchestrator owns every work item for its lifetime, dispatching onto a
// bounded worker set whose size follows the load controller's target.
type Orchestrator struct {
	cfg        Config
	source     news.Source
	fetcher    news.Fetcher
	analyzer   news.Analyzer
	sink       Sink
	limiter    Limiter
	controller Controller
	blobs      news.BlobStore
	publisher  news.Publisher
	hasher     news.Hasher
	clock      news.Clock
	events     progress.Emitter
	marker     news.Marker
	backoff    *BackoffPolicy
	logger     *zap.Logger

	active atomic.Int64

	mu       sync.Mutex
	retries  []scheduledItem
	counters news.Counters
}

type scheduledItem struct {
	item    news.Item
	readyAt time.Time
}

// Deps bundles the collaborators the orchestrator coordinates. Source,
// Fetcher, Analyzer, Sink, Limiter, Controller, Hasher and Clock are
// required; Blobs, Publisher, Events and Marker are optional.
type Deps struct {
	Source     news.Source
	Fetcher    news.Fetcher
	Analyzer   news.Analyzer
	Sink       Sink
	Limiter    Limiter
	Controller Controller
	Blobs      news.BlobStore
	Publisher  news.Publisher
	Hasher     news.Hasher
	Clock      news.Clock
	Events     progress.Emitter
	Marker     news.Marker
	Logger     *zap.Logger
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("pipeline: source is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("pipeline: fetcher is required")
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("pipeline: analyzer is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("pipeline: sink is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("pipeline: limiter is required")
	case deps.Controller == nil:
		return nil, fmt.Errorf("pipeline: controller is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("pipeline: hasher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("pipeline: clock is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PerItemDeadline <= 0 {
		cfg.PerItemDeadline = defaultPerItemDeadline
	}
	if cfg.MinContentBytes <= 0 {
		cfg.MinContentBytes = defaultMinContentBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.AlertImpactThreshold <= 0 {
		cfg.AlertImpactThreshold = defaultAlertThreshold
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		source:     deps.Source,
		fetcher:    deps.Fetcher,
		analyzer:   deps.Analyzer,
		sink:       deps.Sink,
		limiter:    deps.Limiter,
		controller: deps.Controller,
		blobs:      deps.Blobs,
		publisher:  deps.Publisher,
		hasher:     deps.Hasher,
		clock:      deps.Clock,
		events:     deps.Events,
		marker:     deps.Marker,
		backoff:    NewBackoffPolicy(cfg.Backoff),
		logger:     logger,
	}, nil
}

// Run dispatches items until the context ends, then waits for in-flight
// workers to finish. Worker fan-out never exceeds the controller's current
// recommendation; when the controller reports overload, no new items are
// pulled from the upstream source until the flag clears.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for ctx.Err() == nil {
		if o.controller.Overloaded() {
			o.sleep(ctx, o.cfg.PollInterval)
			continue
		}

		slots := o.controller.RecommendedConcurrency() - int(o.active.Load())
		if slots <= 0 {
			o.sleep(ctx, o.cfg.PollInterval)
			continue
		}

		items := o.nextBatch(ctx, slots)
		if len(items) == 0 {
			o.sleep(ctx, o.cfg.PollInterval)
			continue
		}

		for _, item := range items {
			o.active.Add(1)
			wg.Add(1)
			go func(it news.Item) {
				defer wg.Done()
				defer o.active.Add(-1)
				o.processItem(ctx, it)
			}(item)
		}
	}
}

// nextBatch serves due retries first, then pulls fresh items upstream.
func (o *Orchestrator) nextBatch(ctx context.Context, limit int) []news.Item {
	batch := o.dueRetries(limit)
	if len(batch) >= limit {
		return batch
	}

	fresh, err := o.source.GetPending(ctx, limit-len(batch))
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("pulling pending items failed", zap.Error(err))
		}
		return batch
	}
	for _, item := range fresh {
		item.State = news.ItemPending
		if item.Source == "" {
			item.Source = news.SourceOf(item.Reference)
		}
		batch = append(batch, item)
	}
	return batch
}

func (o *Orchestrator) dueRetries(limit int) []news.Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	var due []news.Item
	rest := o.retries[:0]
	for _, s := range o.retries {
		if len(due) < limit && !s.readyAt.After(now) {
			due = append(due, s.item)
		} else {
			rest = append(rest, s)
		}
	}
	o.retries = rest
	return due
}

// processItem runs one attempt of the per-item state machine. A failure here
// never propagates to sibling items.
func (o *Orchestrator) processItem(ctx context.Context, item news.Item) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	item.State = news.ItemInFlight
	item.Attempts++

	start := o.clock.Now()
	o.emit(progress.Event{
		ItemID:    item.ID,
		TS:        start,
		Stage:     progress.StageItemStart,
		Source:    item.Source,
		Reference: item.Reference,
		Attempt:   item.Attempts,
	})

	outcome, err := o.runItem(ctx, item)
	elapsed := o.clock.Now().Sub(start)

	if err != nil {
		o.handleFailure(item, err, elapsed)
		return
	}

	outcome.Duration = elapsed
	outcome.Item.State = news.ItemSucceeded
	o.sink.Add(*outcome)
	o.markProcessed(item.ID, news.ItemSucceeded)

	o.mu.Lock()
	o.counters.Processed++
	o.counters.Succeeded++
	o.mu.Unlock()

	telemetry.ObserveItem(item.Source, "succeeded", elapsed)
	o.emit(progress.Event{
		ItemID:    item.ID,
		TS:        o.clock.Now(),
		Stage:     progress.StageItemDone,
		Source:    item.Source,
		Reference: item.Reference,
		Attempt:   item.Attempts,
		Dur:       elapsed,
	})
	o.maybeAlert(ctx, *outcome)
}

// runItem executes fetch -> extract -> analyze under the per-item deadline.
// The deadline is cooperative: when a collaborator overruns it the worker
// abandons the wait and moves on, it cannot force the underlying call to
// stop.
func (o *Orchestrator) runItem(ctx context.Context, item news.Item) (*news.Outcome, error) {
	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.PerItemDeadline)
	defer cancel()

	if !o.limiter.Acquire(itemCtx, item.Source) {
		return nil, fmt.Errorf("fetch token for %q: %w", item.Source, news.ErrRateLimited)
	}

	content, err := await(itemCtx, func(c context.Context) (news.Content, error) {
		return o.fetcher.Fetch(c, item)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", item.Reference, err)
	}
	o.emit(progress.Event{
		ItemID:      item.ID,
		TS:          o.clock.Now(),
		Stage:       progress.StageFetchDone,
		Source:      item.Source,
		Reference:   item.Reference,
		Attempt:     item.Attempts,
		Bytes:       int64(len(content.Body)),
		StatusClass: progress.ClassifyStatus(content.StatusCode),
		Dur:         content.Duration,
	})
	if len(bytes.TrimSpace(content.Body)) < o.cfg.MinContentBytes {
		return nil, fmt.Errorf("content below %d bytes for %s: %w",
			o.cfg.MinContentBytes, item.Reference, news.ErrPermanentFetch)
	}

	hash, err := o.hasher.Hash(content.Body)
	if err != nil {
		return nil, fmt.Errorf("hash body: %w", err)
	}

	var blobURI string
	if o.blobs != nil {
		path := fmt.Sprintf("%s/%s/%s.html", o.cfg.BlobPrefix, item.Source, hash)
		blobURI, err = o.blobs.PutObject(itemCtx, path, content.ContentType, content.Body)
		if err != nil {
			return nil, fmt.Errorf("store raw content: %w: %w", news.ErrTransientFetch, err)
		}
	}

	if o.cfg.AnalysisSource != "" {
		if !o.limiter.Acquire(itemCtx, o.cfg.AnalysisSource) {
			return nil, fmt.Errorf("analysis token: %w", news.ErrRateLimited)
		}
	}
	analysis, err := await(itemCtx, func(c context.Context) (news.Analysis, error) {
		return o.analyzer.Analyze(c, content)
	})
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w: %w", item.Reference, news.ErrAnalysis, err)
	}
	o.emit(progress.Event{
		ItemID:    item.ID,
		TS:        o.clock.Now(),
		Stage:     progress.StageAnalyzeDone,
		Source:    item.Source,
		Reference: item.Reference,
		Attempt:   item.Attempts,
	})

	return &news.Outcome{
		Item:        item,
		Analysis:    analysis,
		ContentHash: hash,
		BlobURI:     blobURI,
		ProcessedAt: o.clock.Now(),
	}, nil
}

func (o *Orchestrator) handleFailure(item news.Item, err error, elapsed time.Duration) {
	item.LastError = err.Error()

	if news.IsTransient(err) && item.Attempts < o.cfg.MaxAttempts {
		item.State = news.ItemPending
		o.scheduleRetry(item, o.backoff.Delay(item.Attempts))

		o.mu.Lock()
		o.counters.Retried++
		o.mu.Unlock()

		telemetry.ObserveRetry(item.Source)
		telemetry.ObserveItem(item.Source, "retried", elapsed)
		o.emit(progress.Event{
			ItemID:    item.ID,
			TS:        o.clock.Now(),
			Stage:     progress.StageItemRetry,
			Source:    item.Source,
			Reference: item.Reference,
			Attempt:   item.Attempts,
			Dur:       elapsed,
			Note:      item.LastError,
		})
		o.logger.Debug("item requeued",
			zap.String("reference", item.Reference),
			zap.Int("attempts", item.Attempts),
			zap.Error(err))
		return
	}

	item.State = news.ItemFailed
	o.markProcessed(item.ID, news.ItemFailed)

	o.mu.Lock()
	o.counters.Processed++
	o.counters.Failed++
	o.mu.Unlock()

	telemetry.ObserveItem(item.Source, "failed", elapsed)
	o.emit(progress.Event{
		ItemID:    item.ID,
		TS:        o.clock.Now(),
		Stage:     progress.StageItemFailed,
		Source:    item.Source,
		Reference: item.Reference,
		Attempt:   item.Attempts,
		Dur:       elapsed,
		Note:      item.LastError,
	})
	o.logger.Warn("item failed permanently",
		zap.String("reference", item.Reference),
		zap.Int("attempts", item.Attempts),
		zap.Error(err))
}

func (o *Orchestrator) scheduleRetry(item news.Item, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, scheduledItem{
		item:    item,
		readyAt: o.clock.Now().Add(delay),
	})
}

// Requeue returns a rejected batch's items to pending. The persister calls
// this when an atomic write fails; items that already exhausted their
// attempt budget become permanent failures instead.
func (o *Orchestrator) Requeue(outcomes []news.Outcome) {
	now := o.clock.Now()
	for _, out := range outcomes {
		item := out.Item

		o.mu.Lock()
		// The optimistic success count is unwound; the item is live again.
		o.counters.Processed--
		o.counters.Succeeded--
		o.mu.Unlock()

		if item.Attempts >= o.cfg.MaxAttempts {
			item.State = news.ItemFailed
			item.LastError = news.ErrPersistence.Error()
			o.markProcessed(item.ID, news.ItemFailed)
			o.mu.Lock()
			o.counters.Processed++
			o.counters.Failed++
			o.mu.Unlock()
			continue
		}

		item.State = news.ItemPending
		item.LastError = news.ErrPersistence.Error()
		o.markProcessed(item.ID, news.ItemPending)
		o.mu.Lock()
		o.counters.Retried++
		o.retries = append(o.retries, scheduledItem{
			item:    item,
			readyAt: now.Add(o.backoff.Delay(item.Attempts)),
		})
		o.mu.Unlock()
		telemetry.ObserveRetry(item.Source)
	}
}

// Counters returns a copy of the aggregate run statistics.
func (o *Orchestrator) Counters() news.Counters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters
}

// PendingRetries reports how many items are waiting for redispatch.
func (o *Orchestrator) PendingRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.retries)
}

func (o *Orchestrator) maybeAlert(ctx context.Context, out news.Outcome) {
	if o.publisher == nil || o.cfg.AlertTopic == "" {
		return
	}
	if !out.Analysis.Important || out.Analysis.ImpactScore < o.cfg.AlertImpactThreshold {
		return
	}
	payload := map[string]any{
		"reference":    out.Item.Reference,
		"title":        out.Item.Title,
		"impact_score": out.Analysis.ImpactScore,
		"sentiment":    out.Analysis.Sentiment,
		"summary":      out.Analysis.Summary,
		"processed_at": out.ProcessedAt.Format(time.RFC3339),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.AlertTopic, payload); err != nil {
		o.logger.Warn("high-impact alert publish failed",
			zap.String("reference", out.Item.Reference), zap.Error(err))
	}
}

// markProcessed records an item's state on the durable queue. It uses a
// detached timeout so bookkeeping still lands during shutdown, after the run
// context is canceled.
func (o *Orchestrator) markProcessed(id string, state news.ItemState) {
	if o.marker == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.marker.MarkProcessed(ctx, id, state); err != nil {
		o.logger.Warn("marking item processed failed",
			zap.String("item_id", id),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.events == nil {
		return
	}
	o.events.Emit(evt)
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// await runs fn and abandons the wait when ctx ends first. The underlying
// call may keep running in its goroutine; collaborators receive the same
// context and are expected to return promptly, but a stuck one cannot block
// the worker past the deadline.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		ch <- result{value: value, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
