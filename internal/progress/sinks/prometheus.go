package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newswatch/ingest/internal/progress"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns all
// collectors for items started/completed/in-flight and per-source fetch
// counters.
type PrometheusSink struct {
	itemsStarted   prometheus.Counter
	itemsCompleted *prometheus.CounterVec
	itemsInFlight  prometheus.Gauge
	itemRuntime    *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *itemTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		itemsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_progress_items_started_total",
			Help: "Total item attempts that have started.",
		}),
		itemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_items_completed_total",
			Help: "Total item attempts completed partitioned by result.",
		}, []string{"result"}),
		itemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_progress_items_in_flight",
			Help: "Current number of items being processed.",
		}),
		itemRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_progress_item_runtime_seconds",
			Help:    "Wall time per completed item attempt.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_fetch_requests_total",
			Help: "Fetch completions partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_fetch_bytes_total",
			Help: "Bytes downloaded per source.",
		}, []string{"source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_progress_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by source and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"source", "status_class"}),
		tracker: newItemTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.itemsStarted,
		s.itemsCompleted,
		s.itemsInFlight,
		s.itemRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageItemStart, progress.StageItemDone, progress.StageItemRetry, progress.StageItemFailed:
		s.handleItemEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	}
}

func (s *PrometheusSink) handleItemEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageItemStart:
		s.itemsStarted.Inc()
		if s.tracker.start(evt.ItemID) {
			s.itemsInFlight.Inc()
		}
	case progress.StageItemDone:
		s.itemsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageItemRetry:
		s.itemsCompleted.WithLabelValues("retry").Inc()
		s.observeRuntime(evt, "retry")
	case progress.StageItemFailed:
		s.itemsCompleted.WithLabelValues("failed").Inc()
		s.observeRuntime(evt, "failed")
	}
	if evt.Stage != progress.StageItemStart && s.tracker.complete(evt.ItemID) {
		s.itemsInFlight.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.itemRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(source, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(source).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(source, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type itemTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newItemTracker() *itemTracker {
	return &itemTracker{running: make(map[string]struct{})}
}

func (t *itemTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *itemTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
