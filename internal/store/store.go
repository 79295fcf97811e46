package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store persists jobs, queue entries and video metadata in a SQL database.
// Postgres DSNs use the pgx driver; anything else opens a SQLite file.
type Store struct {
	db      *sql.DB
	dialect dialect
}

func New(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}
	driver, d := "sqlite", dialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, d = "pgx", dialectPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if d == dialectSQLite {
		// A single connection serializes writers and keeps pragmas in effect.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %s: %w", pragma, err)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	video_id TEXT NOT NULL,
	status TEXT NOT NULL,
	stages TEXT NOT NULL,
	overall_progress INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	error_code TEXT,
	error_at BIGINT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	queue_name TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	started_at BIGINT,
	completed_at BIGINT,
	expires_at BIGINT NOT NULL,
	revision BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_video ON jobs (video_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs (expires_at)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
	queue_name TEXT NOT NULL,
	job_id TEXT NOT NULL,
	priority INTEGER NOT NULL,
	enqueued_at BIGINT NOT NULL,
	available_at BIGINT NOT NULL,
	PRIMARY KEY (queue_name, job_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries (queue_name, priority DESC, enqueued_at ASC)`,
	`CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	transcript TEXT,
	transcript_confidence DOUBLE PRECISION,
	summary TEXT,
	key_points TEXT,
	updated_at BIGINT NOT NULL
)`,
}

// Init creates the schema when missing.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}
