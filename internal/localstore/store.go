// Package localstore is the clinic-side document store the sync engine works
// against. Records are opaque keyed JSON documents grouped by collection; the
// engine never interprets their fields beyond the sync stamps it writes
// itself. Local mutations fan out to feed subscribers (Change Capture);
// remote applies deliberately do not, which is what keeps an inbound change
// from being re-captured and echoed back to the cloud.
package localstore

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing document.
var ErrNotFound = errors.New("document not found")

// ErrClosed is returned by Subscribe after the store has been closed.
var ErrClosed = errors.New("local store closed")

// Op is the kind of local mutation delivered on the feed.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is one local write delivered to feed subscribers.
type Mutation struct {
	Collection string
	Op         Op
	DocumentID string
	Payload    json.RawMessage // nil for delete
}

// Handler receives mutations for a subscribed collection. Handlers run
// synchronously on the writer's goroutine and should be quick.
type Handler func(Mutation)

// Document is a stored record plus its sync stamps.
type Document struct {
	Collection  string
	ID          string
	Data        json.RawMessage
	SyncedFrom  string     // clinic that authored the record, when applied from remote
	SyncedAt    *time.Time // when the record was applied from remote
	DeletedAt   *time.Time // soft-delete marker; rows are never hard-deleted
	DeletedFrom string     // clinic that authored the delete, when remote
	UpdatedAt   time.Time
}

// Store is the capability the sync engine consumes from the domain layer.
// Upsert and Delete are the local write path and notify the feed;
// ApplyRemote and SoftDeleteRemote are the inbound path and do not.
type Store interface {
	Upsert(collection, id string, data json.RawMessage) error
	Delete(collection, id string) error
	Get(collection, id string) (*Document, error)
	Find(collection string, query map[string]string) ([]Document, error)

	ApplyRemote(collection, id string, data json.RawMessage, sourceClinic string) error
	SoftDeleteRemote(collection, id, sourceClinic string) error

	Subscribe(collection string, h Handler) (func(), error)
}
