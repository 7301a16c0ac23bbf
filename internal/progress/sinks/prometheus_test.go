package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/newswatch/ingest/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{ItemID: "item-1", TS: time.Now(), Stage: progress.StageItemStart, Source: "news.example.com"},
		{
			ItemID:      "item-1",
			TS:          time.Now().Add(10 * time.Second),
			Stage:       progress.StageFetchDone,
			Source:      "news.example.com",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{ItemID: "item-1", TS: time.Now().Add(15 * time.Second), Stage: progress.StageItemDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.itemsCompleted.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.itemsInFlight))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("news.example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("news.example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "ingest_progress_fetch_duration_seconds"))
}

// TestPrometheusSinkTracksRetries confirms a retry decrements in-flight and counts as retry.
func TestPrometheusSinkTracksRetries(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{ItemID: "item-2", TS: time.Now(), Stage: progress.StageItemStart},
		{ItemID: "item-2", TS: time.Now(), Stage: progress.StageItemRetry, Note: "transient fetch", Dur: time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsCompleted.WithLabelValues("retry")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.itemsInFlight))
}
