package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/newswatch/ingest/internal/news"
)

func sampleOutcome(id string) news.Outcome {
	now := time.Unix(1700000000, 0).UTC()
	return news.Outcome{
		Item: news.Item{
			ID:           id,
			Reference:    "https://news.example.com/" + id,
			Source:       "news.example.com",
			Title:        "Rates decision",
			DiscoveredAt: now,
			Attempts:     1,
		},
		Analysis: news.Analysis{
			Summary:        "summary",
			Sentiment:      "neutral",
			ImpactScore:    5,
			Instruments:    []string{"SPY"},
			Recommendation: "hold",
			Confidence:     0.7,
		},
		ContentHash: "abc123",
		BlobURI:     "gs://bucket/raw/abc123.html",
		ProcessedAt: now.Add(time.Second),
		Duration:    1200 * time.Millisecond,
	}
}

func TestCommitBatchCommitsAllRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithDB(mock, "articles")
	require.NoError(t, err)

	outcomes := []news.Outcome{sampleOutcome("a"), sampleOutcome("b")}

	mock.ExpectBegin()
	for range outcomes {
		mock.ExpectExec("INSERT INTO articles").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	n, err := store.CommitBatch(context.Background(), outcomes)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchRollsBackOnMidBatchFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithDB(mock, "articles")
	require.NoError(t, err)

	outcomes := []news.Outcome{sampleOutcome("a"), sampleOutcome("b"), sampleOutcome("c")}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	n, err := store.CommitBatch(context.Background(), outcomes)
	require.Error(t, err)
	require.Zero(t, n)
	require.Contains(t, err.Error(), "insert outcome b")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithDB(mock, "articles")
	require.NoError(t, err)

	n, err := store.CommitBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithDBValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithDB(mock, "articles; drop table users")
	require.Error(t, err)

	_, err = NewWithDB(nil, "articles")
	require.Error(t, err)
}
