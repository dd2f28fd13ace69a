// Package cloudstore is the reference cloud server's storage: a change log
// per clinic, the merged document set, and uploaded artifacts.
package cloudstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS changes (
	server_seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	clinic_id   TEXT NOT NULL,
	collection  TEXT NOT NULL,
	operation   TEXT NOT NULL,
	document_id TEXT NOT NULL,
	payload     BLOB,
	occurred_at TEXT NOT NULL,
	received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_changes_feed ON changes(received_at, clinic_id);

CREATE TABLE IF NOT EXISTS documents (
	collection  TEXT NOT NULL,
	id          TEXT NOT NULL,
	clinic_id   TEXT NOT NULL,
	data        TEXT NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	clinic_id    TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
	metadata     TEXT,
	content      BLOB NOT NULL,
	created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// CloudStore wraps the cloud server database connection.
type CloudStore struct {
	conn *sql.DB
	path string
}

// Open opens the cloud database, creating it and its schema if needed.
func Open(dbPath string) (*CloudStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &CloudStore{conn: conn, path: dbPath}, nil
}

// Ping checks the database connection is alive.
func (s *CloudStore) Ping() error {
	return s.conn.Ping()
}

// Close checkpoints the WAL and closes the connection.
func (s *CloudStore) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}
