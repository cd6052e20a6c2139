// Package store implements the durable persistence layer: one embedded
// SQLite database in WAL mode with single-writer discipline, holding
// agent state, memories, skills, evolution history and the event
// outbox.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the embedded database. All writes flow through one
// connection; SQLite WAL mode lets readers proceed concurrently.
type Store struct {
	db   *sql.DB
	path string
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS agent_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    content    TEXT NOT NULL,
    metadata   TEXT,
    importance REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_type_importance
    ON memories(type, importance DESC);

CREATE TABLE IF NOT EXISTS skills (
    name         TEXT PRIMARY KEY,
    code         TEXT NOT NULL,
    description  TEXT,
    success_rate REAL NOT NULL DEFAULT 0,
    usage_count  INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS evolution_history (
    id         TEXT PRIMARY KEY,
    generation INTEGER NOT NULL,
    changes    TEXT NOT NULL,
    metrics    TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
    id           TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    payload      TEXT NOT NULL,
    source       TEXT NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    delivered_at TIMESTAMP,
    retry_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_outbox_undelivered
    ON outbox(created_at) WHERE delivered_at IS NULL;
`

// Open opens (creating if necessary) the store at path. Initialization
// is idempotent: the schema uses IF NOT EXISTS throughout.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	// Single writer: SQLite serializes writes anyway, and one
	// connection avoids SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for components that share the
// store (memory, outbox).
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetState upserts a KV entry with a JSON value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// GetState reads a KV entry. The second return is false when the key
// is absent.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, true, nil
}
