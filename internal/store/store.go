// Package store persists tenant keys, backend configurations and usage
// records, and serves the aggregate queries built on top of them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"claudegate/internal/logging"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNoBackend is returned when neither an active nor a default
	// backend configuration exists.
	ErrNoBackend = errors.New("store: no backend configuration available")
	// ErrDefaultBackend rejects deletion of the default backend.
	ErrDefaultBackend = errors.New("store: default backend cannot be deleted")
)

// Store wraps the SQL database.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens the database named by databaseURL and runs migrations.
// Accepted forms: a plain file path, "sqlite:///path", or ":memory:".
func Open(databaseURL string, logger *logging.Logger) (*Store, error) {
	dsn := strings.TrimSpace(databaseURL)
	for _, prefix := range []string{"sqlite:///", "sqlite://", "sqlite:"} {
		if strings.HasPrefix(dsn, prefix) {
			dsn = strings.TrimPrefix(dsn, prefix)
			break
		}
	}
	if dsn == "" {
		return nil, fmt.Errorf("empty database URL")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; serialize access through the pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.OrNop(logger).WithComponent("store")}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for test seeding.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS backend_configs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	base_url    TEXT NOT NULL,
	api_key     TEXT NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 0,
	is_default  INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	key_hash     TEXT NOT NULL UNIQUE,
	key_value    TEXT NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 1,
	rate_limit   INTEGER NOT NULL DEFAULT 0,
	quota_limit  INTEGER NOT NULL DEFAULT 0,
	cost_limit   REAL NOT NULL DEFAULT 0,
	daily_quota  REAL NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usage_records (
	id                    TEXT PRIMARY KEY,
	api_key_id            TEXT NOT NULL,
	endpoint              TEXT NOT NULL,
	method                TEXT NOT NULL,
	model                 TEXT NOT NULL DEFAULT 'unknown',
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	tokens_used           INTEGER NOT NULL DEFAULT 0,
	cost                  REAL NOT NULL DEFAULT 0,
	request_size          INTEGER NOT NULL DEFAULT 0,
	response_size         INTEGER NOT NULL DEFAULT 0,
	processing_time       REAL NOT NULL DEFAULT 0,
	output_tps            REAL NOT NULL DEFAULT 0,
	timestamp             TIMESTAMP NOT NULL,
	status_code           INTEGER,
	error_message         TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_records_key_ts
	ON usage_records (api_key_id, timestamp);

CREATE TABLE IF NOT EXISTS daily_usage (
	id                          TEXT PRIMARY KEY,
	api_key_id                  TEXT NOT NULL,
	date                        TEXT NOT NULL,
	model                       TEXT NOT NULL,
	total_requests              INTEGER NOT NULL DEFAULT 0,
	total_input_tokens          INTEGER NOT NULL DEFAULT 0,
	total_output_tokens         INTEGER NOT NULL DEFAULT 0,
	total_cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	total_cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	total_tokens                INTEGER NOT NULL DEFAULT 0,
	total_cost                  REAL NOT NULL DEFAULT 0,
	avg_processing_time         REAL NOT NULL DEFAULT 0,
	avg_output_tps              REAL NOT NULL DEFAULT 0,
	UNIQUE (api_key_id, date, model)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
