package cloudstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Change is one entry in the server change log.
type Change struct {
	ServerSeq  int64
	ClinicID   string
	Collection string
	Operation  string
	DocumentID string
	Payload    json.RawMessage
	OccurredAt time.Time
	ReceivedAt time.Time
}

// RecordChange appends a change to the log and updates the merged document
// set. Deletes mark the document deleted rather than removing the row.
func (s *CloudStore) RecordChange(c Change) (int64, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO changes (clinic_id, collection, operation, document_id, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ClinicID, c.Collection, c.Operation, c.DocumentID, []byte(c.Payload),
		c.OccurredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("change seq: %w", err)
	}

	switch c.Operation {
	case "delete":
		_, err = tx.Exec(`
			UPDATE documents SET deleted = 1, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE collection = ? AND id = ?`,
			c.Collection, c.DocumentID)
	default:
		_, err = tx.Exec(`
			INSERT INTO documents (collection, id, clinic_id, data, deleted)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(collection, id) DO UPDATE SET
				clinic_id = excluded.clinic_id,
				data = excluded.data,
				deleted = 0,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
			c.Collection, c.DocumentID, c.ClinicID, string(c.Payload))
	}
	if err != nil {
		return 0, fmt.Errorf("apply change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// ChangesSince returns changes received after since, excluding those
// originating from excludeClinic so clinics never see their own echo.
func (s *CloudStore) ChangesSince(since time.Time, excludeClinic string) ([]Change, error) {
	rows, err := s.conn.Query(`
		SELECT server_seq, clinic_id, collection, operation, document_id, payload, occurred_at, received_at
		FROM changes
		WHERE received_at > ? AND clinic_id != ?
		ORDER BY server_seq ASC`,
		since.UTC().Format(time.RFC3339Nano), excludeClinic)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var payload []byte
		var occurred, received string
		if err := rows.Scan(&c.ServerSeq, &c.ClinicID, &c.Collection, &c.Operation,
			&c.DocumentID, &payload, &occurred, &received); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Payload = json.RawMessage(payload)
		c.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurred)
		c.ReceivedAt, _ = time.Parse(time.RFC3339Nano, received)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Document returns the merged copy of one document. Deleted documents and
// missing rows both report sql.ErrNoRows to the caller.
func (s *CloudStore) Document(collection, id string) (json.RawMessage, string, error) {
	var data, clinicID string
	err := s.conn.QueryRow(`
		SELECT data, clinic_id FROM documents
		WHERE collection = ? AND id = ? AND deleted = 0`,
		collection, id).Scan(&data, &clinicID)
	if err != nil {
		return nil, "", err
	}
	return json.RawMessage(data), clinicID, nil
}
