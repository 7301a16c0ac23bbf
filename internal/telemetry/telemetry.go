// Package telemetry exposes Prometheus collectors for the ingestion service.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal            *prometheus.CounterVec
	itemDurationSeconds   *prometheus.HistogramVec
	retriesTotal          *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	poolFree              *prometheus.GaugeVec
	poolInUse             *prometheus.GaugeVec
	workerTarget          prometheus.Gauge
	activeWorkers         prometheus.Gauge
	overloaded            prometheus.Gauge
	batchFlushesTotal     *prometheus.CounterVec
	batchSize             prometheus.Histogram

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Total work items processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		itemDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_item_duration_seconds",
				Help:    "Wall time per item across fetch, analyze and classify.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_retries_total",
				Help: "Total retry requeues, labeled by source.",
			},
			[]string{"source"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		poolFree = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_pool_free",
				Help: "Free handles per resource pool.",
			},
			[]string{"pool"},
		)

		poolInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_pool_in_use",
				Help: "Handles currently held by callers per resource pool.",
			},
			[]string{"pool"},
		)

		workerTarget = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_worker_target",
				Help: "Concurrency target recommended by the load controller.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Workers currently processing an item.",
			},
		)

		overloaded = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_overloaded",
				Help: "1 when the load controller reports overload, else 0.",
			},
		)

		batchFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_batch_flushes_total",
				Help: "Batch flushes partitioned by result.",
			},
			[]string{"result"},
		)

		batchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_batch_size",
				Help:    "Outcomes per flushed batch.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request durations, labeled by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem records one completed item attempt.
func ObserveItem(source, outcome string, duration time.Duration) {
	if itemsTotal == nil {
		return
	}
	itemsTotal.WithLabelValues(source, outcome).Inc()
	itemDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRetry counts a transient failure requeue.
func ObserveRetry(source string) {
	if retriesTotal == nil {
		return
	}
	retriesTotal.WithLabelValues(source).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// SetPoolStats updates the pool gauges.
func SetPoolStats(pool string, free, inUse int) {
	if poolFree == nil {
		return
	}
	poolFree.WithLabelValues(pool).Set(float64(free))
	poolInUse.WithLabelValues(pool).Set(float64(inUse))
}

// SetWorkerTarget publishes the controller's recommended concurrency.
func SetWorkerTarget(n int) {
	if workerTarget == nil {
		return
	}
	workerTarget.Set(float64(n))
}

// SetOverloaded flips the overload gauge.
func SetOverloaded(v bool) {
	if overloaded == nil {
		return
	}
	if v {
		overloaded.Set(1)
	} else {
		overloaded.Set(0)
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBatchFlush records one flush attempt and its size.
func ObserveBatchFlush(n int, ok bool) {
	if batchFlushesTotal == nil {
		return
	}
	batchFlushesTotal.WithLabelValues(strconv.FormatBool(ok)).Inc()
	batchSize.Observe(float64(n))
}
