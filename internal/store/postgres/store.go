// Package postgres persists analyzed outcomes into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newswatch/ingest/internal/news"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for outcome rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the slice of pgxpool.Pool the store needs; pgxmock satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store writes batches of analyzed outcomes. A batch commits in one
// transaction: either every row lands or none do.
type Store struct {
	db    DB
	table string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "articles"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, table: table}, nil
}

// NewWithDB constructs a store from an existing pool (primarily for testing).
func NewWithDB(db DB, table string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "articles"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// CommitBatch implements news.Store. The returned count is len(outcomes) on
// success and 0 on failure; a mid-batch error rolls the whole transaction
// back.
func (s *Store) CommitBatch(ctx context.Context, outcomes []news.Outcome) (int, error) {
	if len(outcomes) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outcome batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	reference,
	source,
	title,
	discovered_at,
	processed_at,
	attempts,
	content_hash,
	blob_uri,
	summary,
	sentiment,
	impact_score,
	is_important,
	instruments,
	recommendation,
	confidence,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)`, s.table)

	for _, out := range outcomes {
		instruments, err := json.Marshal(normalizeInstruments(out.Analysis.Instruments))
		if err != nil {
			return 0, fmt.Errorf("marshal instruments for %s: %w", out.Item.ID, err)
		}
		args := []any{
			out.Item.ID,
			out.Item.Reference,
			out.Item.Source,
			out.Item.Title,
			out.Item.DiscoveredAt,
			out.ProcessedAt,
			out.Item.Attempts,
			out.ContentHash,
			out.BlobURI,
			out.Analysis.Summary,
			out.Analysis.Sentiment,
			out.Analysis.ImpactScore,
			out.Analysis.Important,
			instruments,
			out.Analysis.Recommendation,
			out.Analysis.Confidence,
			out.Duration.Milliseconds(),
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("insert outcome %s: %w", out.Item.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outcome batch: %w", err)
	}
	return len(outcomes), nil
}

func normalizeInstruments(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
