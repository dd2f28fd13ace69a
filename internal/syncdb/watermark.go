package syncdb

import (
	"database/sql"
	"fmt"
	"time"
)

// Watermark returns the inbound sync cursor for clinicID, or the zero time if
// the clinic has never pulled.
func (db *DB) Watermark(clinicID string) (time.Time, error) {
	var s string
	err := db.conn.QueryRow(
		`SELECT last_sync_time FROM sync_watermark WHERE clinic_id = ?`, clinicID,
	).Scan(&s)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark: %w", err)
	}
	return t, nil
}

// AdvanceWatermark moves the cursor forward to t. The watermark is
// monotonically non-decreasing: a t at or before the stored value is a no-op.
func (db *DB) AdvanceWatermark(clinicID string, t time.Time) error {
	ts := t.UTC().Format(time.RFC3339Nano)
	_, err := db.conn.Exec(`
		INSERT INTO sync_watermark (clinic_id, last_sync_time) VALUES (?, ?)
		ON CONFLICT(clinic_id) DO UPDATE SET last_sync_time = excluded.last_sync_time
		WHERE excluded.last_sync_time > sync_watermark.last_sync_time`,
		clinicID, ts)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}
