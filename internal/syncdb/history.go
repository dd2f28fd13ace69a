package syncdb

import (
	"fmt"
	"time"
)

// HistoryEntry is one line of the sync audit trail, covering both directions.
type HistoryEntry struct {
	ID         int64
	Direction  string // "push" or "pull"
	Collection string
	DocumentID string
	Operation  string
	Outcome    string // "synced", "applied", "failed", "skipped"
	Detail     string
	CreatedAt  time.Time
}

// AppendHistory records one sync outcome. History failures are not fatal to
// the sync itself, so callers typically log and continue.
func (db *DB) AppendHistory(e HistoryEntry) error {
	_, err := db.conn.Exec(`
		INSERT INTO sync_history (direction, collection, document_id, operation, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Direction, e.Collection, e.DocumentID, e.Operation, e.Outcome, e.Detail)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// RecentHistory returns the most recent history entries, newest first.
func (db *DB) RecentHistory(limit int) ([]HistoryEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, direction, collection, document_id, operation, outcome, COALESCE(detail, ''), created_at
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Direction, &e.Collection, &e.DocumentID, &e.Operation, &e.Outcome, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		created, err := parseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp: %w", err)
		}
		e.CreatedAt = created
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
