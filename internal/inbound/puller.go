// Package inbound applies remote changes pulled from the cloud to the local
// store and advances the per-clinic watermark.
package inbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/medflow/clinicsync/internal/cloudclient"
	"github.com/medflow/clinicsync/internal/localstore"
	"github.com/medflow/clinicsync/internal/syncdb"
)

// Cloud is the inbound half of the cloud client.
type Cloud interface {
	PullChanges(ctx context.Context, clinicID string, since time.Time) ([]cloudclient.Envelope, error)
}

// Summary reports one pull cycle.
type Summary struct {
	Applied   int
	Skipped   int // self-echo envelopes
	Failed    int // envelopes that could not be applied locally
	Watermark time.Time
}

// Puller fetches remote changes since the watermark and applies them. Apply
// is idempotent: the same envelope applied twice leaves the store unchanged.
type Puller struct {
	db       *syncdb.DB
	store    localstore.Store
	cloud    Cloud
	clinicID string
}

// New creates a Puller.
func New(db *syncdb.DB, store localstore.Store, cloud Cloud, clinicID string) *Puller {
	return &Puller{db: db, store: store, cloud: cloud, clinicID: clinicID}
}

// Pull fetches and applies one batch of remote changes, then advances the
// watermark to the pull start time rather than the last envelope's
// timestamp, so records committed to the cloud between the query and the
// response are not missed. A single envelope failure is logged and skipped;
// the watermark still advances, an accepted at-least-once trade-off — under
// clock skew a record landing between a partial failure and "now" can be
// skipped on the next page.
func (p *Puller) Pull(ctx context.Context) (Summary, error) {
	var sum Summary
	start := time.Now().UTC()

	since, err := p.db.Watermark(p.clinicID)
	if err != nil {
		return sum, err
	}

	envelopes, err := p.cloud.PullChanges(ctx, p.clinicID, since)
	if err != nil {
		return sum, err
	}

	for _, env := range envelopes {
		if env.SourceClinicID == p.clinicID {
			// Never re-apply our own echoed writes
			sum.Skipped++
			continue
		}

		if err := p.apply(env); err != nil {
			slog.Warn("apply remote change", "collection", env.CollectionName(),
				"doc", env.DocumentID, "op", env.Operation, "err", err)
			p.history(env, "failed", err.Error())
			sum.Failed++
			continue
		}
		p.history(env, "applied", "")
		sum.Applied++
	}

	if err := p.db.AdvanceWatermark(p.clinicID, start); err != nil {
		return sum, err
	}
	sum.Watermark = start

	if sum.Applied > 0 || sum.Failed > 0 {
		slog.Info("pull complete", "applied", sum.Applied, "skipped", sum.Skipped, "failed", sum.Failed)
	}
	return sum, nil
}

func (p *Puller) apply(env cloudclient.Envelope) error {
	collection := env.CollectionName()
	switch env.Operation {
	case "insert", "update", "replace":
		return p.store.ApplyRemote(collection, env.DocumentID, env.Payload, env.SourceClinicID)
	case "delete":
		return p.store.SoftDeleteRemote(collection, env.DocumentID, env.SourceClinicID)
	default:
		return errUnknownOperation(env.Operation)
	}
}

type errUnknownOperation string

func (e errUnknownOperation) Error() string {
	return "unknown operation: " + string(e)
}

func (p *Puller) history(env cloudclient.Envelope, outcome, detail string) {
	err := p.db.AppendHistory(syncdb.HistoryEntry{
		Direction:  "pull",
		Collection: env.CollectionName(),
		DocumentID: env.DocumentID,
		Operation:  env.Operation,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		slog.Debug("append pull history", "err", err)
	}
}
