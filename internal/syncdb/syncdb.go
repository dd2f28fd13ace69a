// Package syncdb is the durable store behind the sync engine: the outbound
// queue, the per-clinic inbound watermark, and the sync history log. It is
// the only resource written by more than one component (Change Capture
// enqueues, the Outbound Worker claims and resolves), so all item state
// changes go through conditional updates on a single SQLite connection.
package syncdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const dbFileName = "sync.db"

// DB wraps the sync database. Open acquires an exclusive OS file lock on the
// data directory so a daemon and a one-shot sync invocation cannot both
// mutate the queue.
type DB struct {
	conn   *sql.DB
	dir    string
	locker *writeLocker
}

// Open opens (creating if needed) the sync database under dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	locker := newWriteLocker(dir)
	if err := locker.acquire(lockTimeout); err != nil {
		return nil, fmt.Errorf("acquire sync db lock: %w", err)
	}

	conn, err := sql.Open("sqlite3", filepath.Join(dir, dbFileName))
	if err != nil {
		locker.release()
		return nil, fmt.Errorf("open sync db: %w", err)
	}

	// SQLite works best with a single connection
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn, dir: dir, locker: locker}
	if err := db.migrate(); err != nil {
		conn.Close()
		locker.release()
		return nil, err
	}
	return db, nil
}

// Close releases the database connection and the directory lock.
func (db *DB) Close() error {
	err := db.conn.Close()
	db.locker.release()
	return err
}

// Dir returns the data directory this database lives in.
func (db *DB) Dir() string {
	return db.dir
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sync_queue (
			id           TEXT PRIMARY KEY,
			clinic_id    TEXT NOT NULL,
			collection   TEXT NOT NULL,
			document_id  TEXT NOT NULL,
			operation    TEXT NOT NULL,
			payload      BLOB,
			status       TEXT NOT NULL DEFAULT 'pending',
			priority     INTEGER NOT NULL DEFAULT 10,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			claimed_at   DATETIME,
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			synced_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_queue_drain
			ON sync_queue(clinic_id, status, priority, created_at);

		CREATE TABLE IF NOT EXISTS sync_watermark (
			clinic_id      TEXT PRIMARY KEY,
			last_sync_time DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			direction   TEXT NOT NULL,
			collection  TEXT NOT NULL,
			document_id TEXT NOT NULL,
			operation   TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			detail      TEXT,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate sync db: %w", err)
	}
	return nil
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
