// Package store is the chunk worker's persistence layer: one private
// SQLite file per (batch_id, chunk_id), holding the `state`, `pis`,
// `refs`, and `debug_log` tables described by the data model. Refs are
// kept as individual indexed rows rather than a blob inside state so a
// chunk can hold thousands of them and PROCESS can still do
// `SELECT ... WHERE status = 'pending' LIMIT N` cheaply.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS state (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	batch_id           TEXT NOT NULL,
	chunk_id           TEXT NOT NULL,
	started_at         TEXT NOT NULL,
	completed_at       TEXT,
	phase              TEXT NOT NULL,
	total_refs         INTEGER NOT NULL DEFAULT 0,
	completed_refs     INTEGER NOT NULL DEFAULT 0,
	failed_refs        INTEGER NOT NULL DEFAULT 0,
	skipped_refs       INTEGER NOT NULL DEFAULT 0,
	global_error       TEXT,
	global_retry_count INTEGER NOT NULL DEFAULT 0,
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	backoff_until_ms   INTEGER
);

CREATE TABLE IF NOT EXISTS pis (
	pi             TEXT PRIMARY KEY,
	entity_updated INTEGER NOT NULL DEFAULT 0,
	new_tip        TEXT,
	new_version    INTEGER,
	has_new_version INTEGER NOT NULL DEFAULT 0,
	entity_error   TEXT
);

CREATE TABLE IF NOT EXISTS refs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	pi                TEXT NOT NULL,
	filename          TEXT NOT NULL,
	cdn_url           TEXT NOT NULL,
	original_cid      TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	ref_data_json     TEXT NOT NULL,
	result_cid        TEXT,
	ocr_text_length   INTEGER,
	error             TEXT,
	UNIQUE (pi, filename)
);
CREATE INDEX IF NOT EXISTS idx_refs_status ON refs (status);
CREATE INDEX IF NOT EXISTS idx_refs_pi ON refs (pi);

CREATE TABLE IF NOT EXISTS debug_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        TEXT NOT NULL,
	message   TEXT NOT NULL
);
`

// maxDebugLogEntries bounds the debug_log ring so state size stays
// bounded regardless of run length.
const maxDebugLogEntries = 100

// DB wraps a chunk worker's private SQLite file.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-threaded cooperative worker, single writer

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping chunk store: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize chunk store schema: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the underlying connection without deleting the file.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Cleanup closes the connection and deletes the backing file, the
// equivalent of dropping all of this worker's tables once the final
// callback has been delivered.
func (d *DB) Cleanup() error {
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("failed to close chunk store: %w", err)
	}
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove chunk store file: %w", err)
	}
	// WAL/SHM siblings; best effort.
	_ = os.Remove(d.path + "-wal")
	_ = os.Remove(d.path + "-shm")
	return nil
}

// Exists reports whether the worker already has persisted state at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
