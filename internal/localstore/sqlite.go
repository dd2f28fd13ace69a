package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var validFieldName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DB is the SQLite implementation of Store.
type DB struct {
	conn *sql.DB
	feed *feed
}

// Open opens (creating if needed) the document store at path. Use ":memory:"
// for tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	_, err = conn.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection   TEXT NOT NULL,
			id           TEXT NOT NULL,
			data         JSON NOT NULL,
			synced_from  TEXT,
			synced_at    DATETIME,
			deleted_at   DATETIME,
			deleted_from TEXT,
			updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		);
	`)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	return &DB{conn: conn, feed: newFeed()}, nil
}

// Close closes the store. Subscriptions stop receiving mutations.
func (db *DB) Close() error {
	db.feed.close()
	return db.conn.Close()
}

// Upsert writes a local document and notifies feed subscribers with an
// insert or update mutation depending on whether the row existed.
func (db *DB) Upsert(collection, id string, data json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("upsert %s: empty document id", collection)
	}
	if len(data) == 0 {
		return fmt.Errorf("upsert %s/%s: empty payload", collection, id)
	}
	if !json.Valid(data) {
		return fmt.Errorf("upsert %s/%s: payload is not valid JSON", collection, id)
	}

	existed, err := db.exists(collection, id)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(`
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			deleted_at = NULL,
			deleted_from = NULL,
			updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(data))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}

	op := OpInsert
	if existed {
		op = OpUpdate
	}
	db.feed.notify(Mutation{Collection: collection, Op: op, DocumentID: id, Payload: data})
	return nil
}

// Delete soft-deletes a local document and notifies the feed with a delete
// mutation. No-op on a missing or already-deleted row, so repeat deletes
// never enqueue duplicates.
func (db *DB) Delete(collection, id string) error {
	res, err := db.conn.Exec(`
		UPDATE documents SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE collection = ? AND id = ? AND deleted_at IS NULL`,
		collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	db.feed.notify(Mutation{Collection: collection, Op: OpDelete, DocumentID: id})
	return nil
}

// ApplyRemote upserts a document received from another clinic, stamping its
// origin. The feed is not notified.
func (db *DB) ApplyRemote(collection, id string, data json.RawMessage, sourceClinic string) error {
	if id == "" {
		return fmt.Errorf("apply remote %s: empty document id", collection)
	}
	if len(data) == 0 || !json.Valid(data) {
		return fmt.Errorf("apply remote %s/%s: invalid payload", collection, id)
	}

	_, err := db.conn.Exec(`
		INSERT INTO documents (collection, id, data, synced_from, synced_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			synced_from = excluded.synced_from,
			synced_at = CURRENT_TIMESTAMP,
			deleted_at = NULL,
			deleted_from = NULL,
			updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(data), sourceClinic)
	if err != nil {
		return fmt.Errorf("apply remote %s/%s: %w", collection, id, err)
	}
	return nil
}

// SoftDeleteRemote marks a document deleted on behalf of another clinic.
// A missing row gets a tombstone so a later out-of-order insert cannot
// resurrect it silently. The feed is not notified.
func (db *DB) SoftDeleteRemote(collection, id, sourceClinic string) error {
	_, err := db.conn.Exec(`
		INSERT INTO documents (collection, id, data, deleted_at, deleted_from, updated_at)
		VALUES (?, ?, '{}', CURRENT_TIMESTAMP, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET
			deleted_at = CURRENT_TIMESTAMP,
			deleted_from = excluded.deleted_from,
			updated_at = CURRENT_TIMESTAMP`,
		collection, id, sourceClinic)
	if err != nil {
		return fmt.Errorf("soft delete remote %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get returns a single document including soft-deleted ones, so callers can
// distinguish "deleted" from "never existed".
func (db *DB) Get(collection, id string) (*Document, error) {
	row := db.conn.QueryRow(`
		SELECT collection, id, data, COALESCE(synced_from, ''), synced_at,
		       deleted_at, COALESCE(deleted_from, ''), updated_at
		FROM documents WHERE collection = ? AND id = ?`,
		collection, id)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Find returns live (not soft-deleted) documents whose JSON fields equal the
// query values. An empty query returns the whole collection.
func (db *DB) Find(collection string, query map[string]string) ([]Document, error) {
	where := []string{"collection = ?", "deleted_at IS NULL"}
	args := []any{collection}

	keys := make([]string, 0, len(query))
	for k := range query {
		if !validFieldName.MatchString(k) {
			return nil, fmt.Errorf("find %s: invalid field name %q", collection, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		where = append(where, fmt.Sprintf("json_extract(data, '$.%s') = ?", k))
		args = append(args, query[k])
	}

	rows, err := db.conn.Query(fmt.Sprintf(`
		SELECT collection, id, data, COALESCE(synced_from, ''), synced_at,
		       deleted_at, COALESCE(deleted_from, ''), updated_at
		FROM documents WHERE %s
		ORDER BY updated_at DESC, id ASC`, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", collection, err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// Subscribe registers h for mutations on collection and returns an
// unsubscribe func.
func (db *DB) Subscribe(collection string, h Handler) (func(), error) {
	return db.feed.subscribe(collection, h)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*Document, error) {
	var (
		doc                 Document
		data                string
		syncedAt, deletedAt sql.NullString
		updatedAt           string
	)
	err := r.Scan(&doc.Collection, &doc.ID, &data, &doc.SyncedFrom, &syncedAt,
		&deletedAt, &doc.DeletedFrom, &updatedAt)
	if err != nil {
		return nil, err
	}
	doc.Data = json.RawMessage(data)

	parse := func(s sql.NullString) (*time.Time, error) {
		if !s.Valid || s.String == "" {
			return nil, nil
		}
		t, err := parseTimestamp(s.String)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	if doc.SyncedAt, err = parse(syncedAt); err != nil {
		return nil, fmt.Errorf("parse synced_at: %w", err)
	}
	if doc.DeletedAt, err = parse(deletedAt); err != nil {
		return nil, fmt.Errorf("parse deleted_at: %w", err)
	}
	t, err := parseTimestamp(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	doc.UpdatedAt = t
	return &doc, nil
}

func (db *DB) exists(collection, id string) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check existing %s/%s: %w", collection, id, err)
	}
	return n > 0, nil
}

// parseTimestamp tries the SQLite timestamp formats this store writes.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
