package outbound

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/medflow/clinicsync/internal/cloudclient"
	"github.com/medflow/clinicsync/internal/syncdb"
)

type pushCall struct {
	collection string
	change     cloudclient.Change
}

type fakeCloud struct {
	pushes  []pushCall
	uploads []string
	pushErr func(ch cloudclient.Change) error
}

func (c *fakeCloud) PushChange(ctx context.Context, collection string, ch cloudclient.Change) error {
	if c.pushErr != nil {
		if err := c.pushErr(ch); err != nil {
			return err
		}
	}
	c.pushes = append(c.pushes, pushCall{collection: collection, change: ch})
	return nil
}

func (c *fakeCloud) UploadArtifact(ctx context.Context, path string, metadata map[string]string) error {
	c.uploads = append(c.uploads, path)
	return nil
}

func setupWorker(t *testing.T, cloud Cloud) (*Worker, *syncdb.DB) {
	t.Helper()
	db, err := syncdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, cloud, "clinic-a"), db
}

func mustEnqueue(t *testing.T, db *syncdb.DB, item syncdb.QueueItem) string {
	t.Helper()
	item.ClinicID = "clinic-a"
	id, err := db.Enqueue(item)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestDrain_PushesAllPending(t *testing.T) {
	cloud := &fakeCloud{}
	w, db := setupWorker(t, cloud)

	mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "p1", Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`)})
	mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "p1", Operation: syncdb.OpUpdate, Payload: []byte(`{"v":2}`)})

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Synced != 2 || res.Failed != 0 {
		t.Fatalf("result: got %+v, want 2 synced", res)
	}

	if len(cloud.pushes) != 2 {
		t.Fatalf("pushes: got %d, want 2", len(cloud.pushes))
	}
	// Insert replicates before the update that followed it.
	if cloud.pushes[0].change.Operation != "insert" || cloud.pushes[1].change.Operation != "update" {
		t.Errorf("push order: %s then %s", cloud.pushes[0].change.Operation, cloud.pushes[1].change.Operation)
	}

	pending, _ := db.CountByStatus("clinic-a", syncdb.StatusPending)
	if pending != 0 {
		t.Errorf("pending after drain: got %d, want 0", pending)
	}
}

func TestDrain_TransientErrorKeepsItemPending(t *testing.T) {
	cloud := &fakeCloud{pushErr: func(cloudclient.Change) error {
		return &cloudclient.HTTPError{StatusCode: 500}
	}}
	w, db := setupWorker(t, cloud)
	id := mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "p1", Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`)})

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("failed: got %d, want 1", res.Failed)
	}

	it, err := db.Item(id)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if it.Status != syncdb.StatusPending {
		t.Errorf("status: got %s, want pending", it.Status)
	}
	if it.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", it.RetryCount)
	}
}

func TestDrain_TransientErrorExhaustsAfterCap(t *testing.T) {
	cloud := &fakeCloud{pushErr: func(cloudclient.Change) error {
		return &cloudclient.HTTPError{StatusCode: 503}
	}}
	w, db := setupWorker(t, cloud)
	id := mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "p1", Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`)})

	for cycle := 0; cycle < syncdb.MaxRetries; cycle++ {
		if _, err := w.Drain(context.Background()); err != nil {
			t.Fatalf("drain %d: %v", cycle, err)
		}
	}

	it, err := db.Item(id)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if it.Status != syncdb.StatusFailed {
		t.Fatalf("status after %d cycles: got %s, want failed", syncdb.MaxRetries, it.Status)
	}
	if it.RetryCount != syncdb.MaxRetries {
		t.Errorf("retry count: got %d, want %d", it.RetryCount, syncdb.MaxRetries)
	}

	// A fourth cycle must not touch the exhausted item.
	calls := len(cloud.pushes)
	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain after cap: %v", err)
	}
	if res.Synced != 0 || res.Failed != 0 {
		t.Errorf("post-cap result: got %+v, want empty", res)
	}
	if len(cloud.pushes) != calls {
		t.Errorf("exhausted item pushed again")
	}
}

func TestDrain_ProtocolErrorFailsImmediately(t *testing.T) {
	cloud := &fakeCloud{pushErr: func(cloudclient.Change) error {
		return &cloudclient.HTTPError{StatusCode: 422, Body: `{"error":{"code":"bad_request","message":"no"}}`}
	}}
	w, db := setupWorker(t, cloud)
	id := mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "p1", Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`)})

	if _, err := w.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	it, err := db.Item(id)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if it.Status != syncdb.StatusFailed {
		t.Errorf("status: got %s, want failed on first 4xx", it.Status)
	}
	if it.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", it.RetryCount)
	}
}

func TestDrain_MixedBatchContinuesPastFailure(t *testing.T) {
	cloud := &fakeCloud{pushErr: func(ch cloudclient.Change) error {
		if ch.DocumentID == "bad" {
			return &cloudclient.HTTPError{StatusCode: 500}
		}
		return nil
	}}
	w, db := setupWorker(t, cloud)
	mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "bad", Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`)})
	mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "good", Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`)})

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Synced != 1 || res.Failed != 1 {
		t.Errorf("result: got %+v, want 1 synced 1 failed", res)
	}
}

func TestDrain_UploadReadsFileAtDrainTime(t *testing.T) {
	cloud := &fakeCloud{}
	w, db := setupWorker(t, cloud)

	path := filepath.Join(t.TempDir(), "scan.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	payload, _ := json.Marshal(syncdb.UploadPayload{Path: path, Metadata: map[string]string{"id": "img1"}})
	mustEnqueue(t, db, syncdb.QueueItem{Collection: "files", DocumentID: "scan.png", Operation: syncdb.OpUpload, Payload: payload})

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Synced != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(cloud.uploads) != 1 || cloud.uploads[0] != path {
		t.Errorf("uploads: %v", cloud.uploads)
	}
}

func TestDrain_UndecodableUploadPayloadIsPermanent(t *testing.T) {
	cloud := &fakeCloud{}
	w, db := setupWorker(t, cloud)
	id := mustEnqueue(t, db, syncdb.QueueItem{Collection: "files", DocumentID: "x", Operation: syncdb.OpUpload, Payload: []byte(`{`)})

	if _, err := w.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	it, err := db.Item(id)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if it.Status != syncdb.StatusFailed {
		t.Errorf("status: got %s, want failed", it.Status)
	}
}

func TestDrain_CancelledContextStops(t *testing.T) {
	cloud := &fakeCloud{}
	w, db := setupWorker(t, cloud)
	mustEnqueue(t, db, syncdb.QueueItem{Collection: "patients", DocumentID: "p1", Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Drain(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if len(cloud.pushes) != 0 {
		t.Errorf("pushed despite cancelled context: %d", len(cloud.pushes))
	}
}
