// Package capture turns local document mutations into sync queue entries.
// It performs no network I/O and never blocks on connectivity: the queue is
// the only thing between a local write and the Outbound Worker.
package capture

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/medflow/clinicsync/internal/localstore"
	"github.com/medflow/clinicsync/internal/syncdb"
)

// Mode controls how much of a watched collection replicates.
type Mode string

const (
	// ModeFull replicates the whole record payload.
	ModeFull Mode = "full"
	// ModeMetadata replicates descriptive fields only; inline binary content
	// is stripped and travels through the Large-Artifact Gateway instead.
	ModeMetadata Mode = "metadata"
)

// binaryFields are the payload keys holding inline artifact bytes that
// metadata-only collections must not replicate.
var binaryFields = []string{"content", "imageData", "thumbnail"}

// Queue is the outbound queue capture writes to.
type Queue interface {
	Enqueue(item syncdb.QueueItem) (string, error)
}

// Feed is the local mutation subscription surface.
type Feed interface {
	Subscribe(collection string, h localstore.Handler) (func(), error)
}

// Capture subscribes to the local mutation feed for an allow-list of
// collections and enqueues one queue item per mutation.
type Capture struct {
	queue    Queue
	clinicID string
	modes    map[string]Mode

	mu    sync.Mutex
	stops []func()
}

// New creates a Capture for the given collection->mode allow-list.
func New(queue Queue, clinicID string, modes map[string]Mode) *Capture {
	return &Capture{queue: queue, clinicID: clinicID, modes: modes}
}

// Watch subscribes to every configured collection and returns how many
// subscriptions succeeded. A failure on one collection is logged and does
// not prevent watching the others.
func (c *Capture) Watch(feed Feed) int {
	watched := 0
	for collection, mode := range c.modes {
		collection, mode := collection, mode
		stop, err := feed.Subscribe(collection, func(m localstore.Mutation) {
			c.handle(mode, m)
		})
		if err != nil {
			slog.Warn("capture: subscribe failed", "collection", collection, "err", err)
			continue
		}
		c.mu.Lock()
		c.stops = append(c.stops, stop)
		c.mu.Unlock()
		watched++
	}
	return watched
}

// Stop cancels all subscriptions.
func (c *Capture) Stop() {
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// handle converts one mutation into a queue item. Runs synchronously on the
// writer's goroutine.
func (c *Capture) handle(mode Mode, m localstore.Mutation) {
	item := syncdb.QueueItem{
		ClinicID:   c.clinicID,
		Collection: m.Collection,
		DocumentID: m.DocumentID,
		Operation:  mapOperation(m.Op),
	}
	if m.Op != localstore.OpDelete {
		payload := m.Payload
		if mode == ModeMetadata {
			payload = stripBinaryFields(payload)
		}
		item.Payload = payload
	}

	if _, err := c.queue.Enqueue(item); err != nil {
		slog.Error("capture: enqueue failed", "collection", m.Collection, "id", m.DocumentID, "err", err)
	}
}

func mapOperation(op localstore.Op) syncdb.Operation {
	switch op {
	case localstore.OpInsert:
		return syncdb.OpInsert
	case localstore.OpDelete:
		return syncdb.OpDelete
	default:
		return syncdb.OpUpdate
	}
}

// stripBinaryFields removes inline artifact content from a payload. An
// unparseable payload passes through unchanged; the cloud rejects it there.
func stripBinaryFields(payload json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}

	stripped := false
	for _, k := range binaryFields {
		if _, ok := fields[k]; ok {
			delete(fields, k)
			stripped = true
		}
	}
	if !stripped {
		return payload
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}
