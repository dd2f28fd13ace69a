// Package outbound drains the sync queue to the cloud.
package outbound

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/medflow/clinicsync/internal/cloudclient"
	"github.com/medflow/clinicsync/internal/syncdb"
)

// batchSize caps how many items one drain cycle processes. Items enqueued
// mid-drain wait for the next cycle so ordering within a cycle stays fixed.
const batchSize = 100

// staleClaimAge is how long a claim may sit unresolved (a crashed drain)
// before the next drain releases it.
const staleClaimAge = 10 * time.Minute

// errBadPayload marks an undecodable queue payload.
var errBadPayload = errors.New("invalid queue payload")

// Cloud is the outbound half of the cloud client.
type Cloud interface {
	PushChange(ctx context.Context, collection string, ch cloudclient.Change) error
	UploadArtifact(ctx context.Context, path string, metadata map[string]string) error
}

// Result summarises one drain cycle.
type Result struct {
	Synced int
	Failed int
}

// Worker pushes claimed queue items to the cloud, strictly sequentially, so
// mutations to the same document replicate in enqueue order. The caller is
// responsible for only draining while online.
type Worker struct {
	db       *syncdb.DB
	cloud    Cloud
	clinicID string
}

// New creates a Worker.
func New(db *syncdb.DB, cloud Cloud, clinicID string) *Worker {
	return &Worker{db: db, cloud: cloud, clinicID: clinicID}
}

// Drain claims and pushes up to one batch of pending items. Each item ends
// the cycle either synced or failed-with-retry-accounting; a permanently
// failed item is never picked up again without a force resync.
func (w *Worker) Drain(ctx context.Context) (Result, error) {
	var res Result

	if n, err := w.db.ReleaseStaleClaims(staleClaimAge); err != nil {
		slog.Warn("release stale claims", "err", err)
	} else if n > 0 {
		slog.Info("released stale queue claims", "count", n)
	}

	items, err := w.db.NextBatch(w.clinicID, batchSize)
	if err != nil {
		return res, err
	}
	if len(items) == 0 {
		return res, nil
	}
	slog.Debug("drain start", "items", len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			// Unresolved claims are released by the next drain
			return res, err
		}

		if err := w.pushItem(ctx, item); err != nil {
			// A payload that cannot be decoded will never push; retrying is pointless
			permanent := cloudclient.Permanent(err) || errors.Is(err, errBadPayload)
			slog.Warn("push item failed", "id", item.ID, "collection", item.Collection,
				"doc", item.DocumentID, "permanent", permanent, "err", err)
			if markErr := w.db.MarkFailed(item.ID, err.Error(), permanent); markErr != nil {
				slog.Error("mark failed", "id", item.ID, "err", markErr)
			}
			w.history(item, "failed", err.Error())
			res.Failed++
			continue
		}

		if err := w.db.MarkSynced(item.ID); err != nil {
			slog.Error("mark synced", "id", item.ID, "err", err)
		}
		w.history(item, "synced", "")
		res.Synced++
	}

	slog.Info("drain complete", "synced", res.Synced, "failed", res.Failed)
	return res, nil
}

// pushItem replicates one queue item. Upload items read their file at drain
// time; everything else is a plain change push.
func (w *Worker) pushItem(ctx context.Context, item syncdb.QueueItem) error {
	if item.Operation == syncdb.OpUpload {
		p, err := syncdb.DecodeUploadPayload(item.Payload)
		if err != nil {
			return errors.Join(errBadPayload, err)
		}
		return w.cloud.UploadArtifact(ctx, p.Path, p.Metadata)
	}

	return w.cloud.PushChange(ctx, item.Collection, cloudclient.Change{
		ClinicID:   item.ClinicID,
		Operation:  string(item.Operation),
		DocumentID: item.DocumentID,
		Payload:    item.Payload,
		Timestamp:  item.CreatedAt.UTC(),
	})
}

func (w *Worker) history(item syncdb.QueueItem, outcome, detail string) {
	err := w.db.AppendHistory(syncdb.HistoryEntry{
		Direction:  "push",
		Collection: item.Collection,
		DocumentID: item.DocumentID,
		Operation:  string(item.Operation),
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		slog.Debug("append push history", "err", err)
	}
}
