package syncdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of outbound mutation a queue item carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpUpload Operation = "upload"
)

// Status is the lifecycle state of a queue item. Items are never deleted;
// they end as synced or failed and stay for audit.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// MaxRetries is the failure cap: after this many failures an item stays
// failed and is only retried via RetryFailed (force resync).
const MaxRetries = 3

// QueueItem is one pending or historical unit of outbound replication.
type QueueItem struct {
	ID         string
	ClinicID   string
	Collection string
	DocumentID string
	Operation  Operation
	Payload    []byte // JSON snapshot; nil for delete
	Status     Status
	Priority   int // lower is more urgent
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	SyncedAt   *time.Time
}

// UploadPayload is the payload of an Operation=upload item. The file at Path
// is read at drain time, not enqueue time, so a moved or deleted file shows
// up as a drain failure instead of silently uploading stale bytes.
type UploadPayload struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Enqueue inserts a new pending item and returns its id. A delete item never
// carries a payload; any payload passed for one is dropped.
func (db *DB) Enqueue(item QueueItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Priority == 0 {
		item.Priority = 10
	}
	payload := item.Payload
	if item.Operation == OpDelete {
		payload = nil
	}

	_, err := db.conn.Exec(`
		INSERT INTO sync_queue (id, clinic_id, collection, document_id, operation, payload, status, priority)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		item.ID, item.ClinicID, item.Collection, item.DocumentID, string(item.Operation), payload, item.Priority,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", item.Collection, item.DocumentID, err)
	}
	return item.ID, nil
}

// NextBatch atomically claims up to limit pending items for clinicID, ordered
// by priority then age. Claimed items are excluded from concurrent drains
// until MarkSynced or MarkFailed resolves them.
func (db *DB) NextBatch(clinicID string, limit int) ([]QueueItem, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, clinic_id, collection, document_id, operation, payload,
		       status, priority, retry_count, COALESCE(last_error, ''), created_at, synced_at
		FROM sync_queue
		WHERE clinic_id = ? AND status = 'pending' AND claimed_at IS NULL
		ORDER BY priority ASC, created_at ASC, rowid ASC
		LIMIT ?`, clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending items: %w", err)
	}

	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, it := range items {
		if _, err := tx.Exec(
			`UPDATE sync_queue SET claimed_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'pending'`,
			it.ID,
		); err != nil {
			return nil, fmt.Errorf("claim item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return items, nil
}

// MarkSynced resolves a claimed item as successfully replicated.
func (db *DB) MarkSynced(id string) error {
	_, err := db.conn.Exec(`
		UPDATE sync_queue
		SET status = 'synced', synced_at = CURRENT_TIMESTAMP, claimed_at = NULL, last_error = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed push attempt. Transient failures consume one
// retry and revert the item to pending until the cap is reached; permanent
// (protocol) failures exhaust the item immediately since retrying cannot
// help.
func (db *DB) MarkFailed(id string, cause string, permanent bool) error {
	var err error
	if permanent {
		_, err = db.conn.Exec(`
			UPDATE sync_queue
			SET retry_count = retry_count + 1, last_error = ?, claimed_at = NULL, status = 'failed'
			WHERE id = ?`, cause, id)
	} else {
		_, err = db.conn.Exec(`
			UPDATE sync_queue
			SET retry_count = retry_count + 1, last_error = ?, claimed_at = NULL,
			    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END
			WHERE id = ?`, cause, MaxRetries, id)
	}
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// CountByStatus returns the number of items for clinicID in the given status.
func (db *DB) CountByStatus(clinicID string, status Status) (int64, error) {
	var n int64
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM sync_queue WHERE clinic_id = ? AND status = ?`,
		clinicID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s items: %w", status, err)
	}
	return n, nil
}

// CountSyncedSince returns the number of items synced at or after since.
func (db *DB) CountSyncedSince(clinicID string, since time.Time) (int64, error) {
	var n int64
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM sync_queue WHERE clinic_id = ? AND status = 'synced' AND synced_at >= ?`,
		clinicID, since.UTC().Format("2006-01-02 15:04:05"),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count synced since: %w", err)
	}
	return n, nil
}

// RetryFailed resets all permanently failed items for clinicID back to
// pending with a fresh retry budget. This is the force-resync path; nothing
// else touches a failed item.
func (db *DB) RetryFailed(clinicID string) (int64, error) {
	res, err := db.conn.Exec(`
		UPDATE sync_queue
		SET status = 'pending', retry_count = 0, last_error = NULL, claimed_at = NULL
		WHERE clinic_id = ? AND status = 'failed'`, clinicID)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReleaseStaleClaims clears claims older than maxAge so items abandoned by a
// crashed drain become drainable again.
func (db *DB) ReleaseStaleClaims(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format("2006-01-02 15:04:05")
	res, err := db.conn.Exec(
		`UPDATE sync_queue SET claimed_at = NULL WHERE claimed_at IS NOT NULL AND claimed_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Item returns a single queue item by id.
func (db *DB) Item(id string) (*QueueItem, error) {
	rows, err := db.conn.Query(`
		SELECT id, clinic_id, collection, document_id, operation, payload,
		       status, priority, retry_count, COALESCE(last_error, ''), created_at, synced_at
		FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query item %s: %w", id, err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, sql.ErrNoRows
	}
	return &items[0], nil
}

// DecodeUploadPayload unmarshals the payload of an upload item.
func DecodeUploadPayload(payload []byte) (*UploadPayload, error) {
	var p UploadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode upload payload: %w", err)
	}
	if p.Path == "" {
		return nil, fmt.Errorf("upload payload has no path")
	}
	return &p, nil
}

func scanItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		var (
			it         QueueItem
			op, status string
			payload    []byte
			createdStr string
			syncedStr  sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.ClinicID, &it.Collection, &it.DocumentID, &op, &payload,
			&status, &it.Priority, &it.RetryCount, &it.LastError, &createdStr, &syncedStr); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.Operation = Operation(op)
		it.Status = Status(status)
		if len(payload) > 0 {
			it.Payload = payload
		}

		created, err := parseTimestamp(createdStr)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", it.ID, err)
		}
		it.CreatedAt = created

		if syncedStr.Valid && syncedStr.String != "" {
			synced, err := parseTimestamp(syncedStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse synced_at for %s: %w", it.ID, err)
			}
			it.SyncedAt = &synced
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
