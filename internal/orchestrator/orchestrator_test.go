package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/inbound"
	"github.com/medflow/clinicsync/internal/outbound"
	"github.com/medflow/clinicsync/internal/syncdb"
	"github.com/medflow/clinicsync/internal/telemetry"
)

type fakeDrainer struct {
	result  outbound.Result
	err     error
	started chan struct{} // non-nil: signal entry, then block on release
	release chan struct{}
	calls   int
}

func (d *fakeDrainer) Drain(ctx context.Context) (outbound.Result, error) {
	d.calls++
	if d.started != nil {
		d.started <- struct{}{}
		<-d.release
	}
	return d.result, d.err
}

type fakePuller struct {
	summary inbound.Summary
	err     error
	calls   int
}

func (p *fakePuller) Pull(ctx context.Context) (inbound.Summary, error) {
	p.calls++
	return p.summary, p.err
}

type fakeMonitor struct {
	online bool
	probes int
}

func (m *fakeMonitor) Probe(ctx context.Context) bool { m.probes++; return m.online }
func (m *fakeMonitor) IsOnline() bool                 { return m.online }
func (m *fakeMonitor) LastChecked() time.Time         { return time.Now().UTC() }

func setupOrchestrator(t *testing.T, drainer Drainer, puller Puller, monitor Monitor, cloudURL string) (*Orchestrator, *syncdb.DB) {
	t.Helper()
	db, err := syncdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open sync db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tracer, err := telemetry.New(context.Background(), telemetry.Config{})
	if err != nil {
		t.Fatalf("new tracer: %v", err)
	}
	return New(db, drainer, puller, monitor, tracer, "clinic-a", cloudURL, time.Minute), db
}

func TestForceSync_ComposesResults(t *testing.T) {
	drainer := &fakeDrainer{result: outbound.Result{Synced: 3, Failed: 1}}
	wm := time.Now().UTC()
	puller := &fakePuller{summary: inbound.Summary{Applied: 2, Skipped: 1, Watermark: wm}}
	o, _ := setupOrchestrator(t, drainer, puller, &fakeMonitor{online: true}, "https://cloud.example")

	res, err := o.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if res.Synced != 3 || res.Failed != 1 || res.Applied != 2 {
		t.Errorf("result: %+v", res)
	}
	if !res.Watermark.Equal(wm) {
		t.Errorf("watermark: %v", res.Watermark)
	}
	if drainer.calls != 1 || puller.calls != 1 {
		t.Errorf("calls: drain=%d pull=%d", drainer.calls, puller.calls)
	}
	if o.State() != StateIdle {
		t.Errorf("state after cycle: %v", o.State())
	}
}

func TestForceSync_OfflineFailsFast(t *testing.T) {
	drainer := &fakeDrainer{}
	o, _ := setupOrchestrator(t, drainer, &fakePuller{}, &fakeMonitor{online: false}, "https://cloud.example")

	_, err := o.ForceSync(context.Background())
	if !errors.Is(err, connectivity.ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	if drainer.calls != 0 {
		t.Error("drained while offline")
	}
}

func TestForceSync_Unconfigured(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeDrainer{}, &fakePuller{}, &fakeMonitor{online: true}, "")

	if o.State() != StateUninitialized {
		t.Errorf("state: %v", o.State())
	}
	if _, err := o.ForceSync(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestForceSync_SingleFlight(t *testing.T) {
	drainer := &fakeDrainer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	o, _ := setupOrchestrator(t, drainer, &fakePuller{}, &fakeMonitor{online: true}, "https://cloud.example")

	done := make(chan error, 1)
	go func() {
		_, err := o.ForceSync(context.Background())
		done <- err
	}()
	<-drainer.started

	if o.State() != StateSyncing {
		t.Errorf("state during cycle: %v", o.State())
	}
	if _, err := o.ForceSync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent sync: err = %v, want ErrSyncInProgress", err)
	}

	close(drainer.release)
	if err := <-done; err != nil {
		t.Fatalf("first sync: %v", err)
	}
}

func TestForceSync_PushErrorAborts(t *testing.T) {
	drainer := &fakeDrainer{err: errors.New("boom")}
	puller := &fakePuller{}
	o, _ := setupOrchestrator(t, drainer, puller, &fakeMonitor{online: true}, "https://cloud.example")

	if _, err := o.ForceSync(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if puller.calls != 0 {
		t.Error("pulled after push failure")
	}
	if o.State() != StateIdle {
		t.Errorf("state after failed cycle: %v", o.State())
	}
}

func TestStatus_NeverFails(t *testing.T) {
	o, db := setupOrchestrator(t, &fakeDrainer{}, &fakePuller{}, &fakeMonitor{online: true}, "https://cloud.example")

	if _, err := db.Enqueue(syncdb.QueueItem{
		ClinicID: "clinic-a", Collection: "patients", DocumentID: "p1",
		Operation: syncdb.OpInsert, Payload: []byte(`{"v":1}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	st := o.Status()
	if st.State != "idle" {
		t.Errorf("state: %q", st.State)
	}
	if !st.Online {
		t.Error("online: false")
	}
	if st.Pending != 1 {
		t.Errorf("pending: %d", st.Pending)
	}
	if st.Failed != 0 || st.SyncedToday != 0 {
		t.Errorf("failed=%d syncedToday=%d", st.Failed, st.SyncedToday)
	}
	if !st.Watermark.IsZero() {
		t.Errorf("watermark: %v", st.Watermark)
	}
}
