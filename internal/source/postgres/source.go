// Package postgres supplies pending work items from a Postgres queue table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newswatch/ingest/internal/news"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the item queue.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the slice of pgxpool.Pool the source needs; pgxmock satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Source claims pending items from a queue table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent ingesters never hand out the same
// item twice.
type Source struct {
	db    DB
	table string
}

// New creates a Postgres-backed Source.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "work_items"
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
	return &Source{db: pool, table: table}, nil
}

// NewWithDB constructs a source from an existing pool (primarily for testing).
func NewWithDB(db DB, table string) (*Source, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "work_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Source{db: db, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Source) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// GetPending implements news.Source: it atomically claims up to limit pending
// rows and returns them as in-flight items.
func (s *Source) GetPending(ctx context.Context, limit int) ([]news.Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
UPDATE %[1]s SET state = 'in_flight', claimed_at = now()
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE state = 'pending'
	ORDER BY discovered_at
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, reference, source, title, discovered_at, attempts`, s.table)

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending items: %w", err)
	}
	defer rows.Close()

	var items []news.Item
	for rows.Next() {
		var item news.Item
		if err := rows.Scan(&item.ID, &item.Reference, &item.Source,
			&item.Title, &item.DiscoveredAt, &item.Attempts); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		item.State = news.ItemPending
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	return items, nil
}

// MarkProcessed implements news.Marker: it records the item's state so
// claimed rows do not stay in-flight after a terminal outcome or rollback.
func (s *Source) MarkProcessed(ctx context.Context, id string, state news.ItemState) error {
	query := fmt.Sprintf(`
UPDATE %s SET state = $2, processed_at = now() WHERE id = $1`, s.table)

	tag, err := s.db.Exec(ctx, query, id, string(state))
	if err != nil {
		return fmt.Errorf("mark item %s %s: %w", id, state, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark item %s: no such item", id)
	}
	return nil
}

// Enqueue inserts a newly discovered reference as a pending item.
func (s *Source) Enqueue(ctx context.Context, item news.Item) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, reference, source, title, discovered_at, state, attempts)
VALUES ($1, $2, $3, $4, $5, 'pending', 0)
ON CONFLICT (reference) DO NOTHING`, s.table)

	if _, err := s.db.Exec(ctx, query,
		item.ID, item.Reference, item.Source, item.Title, item.DiscoveredAt); err != nil {
		return fmt.Errorf("enqueue item %s: %w", item.Reference, err)
	}
	return nil
}
