package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/medflow/clinicsync/internal/artifact"
	"github.com/medflow/clinicsync/internal/capture"
	"github.com/medflow/clinicsync/internal/cloudclient"
	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/inbound"
	"github.com/medflow/clinicsync/internal/localstore"
	"github.com/medflow/clinicsync/internal/orchestrator"
	"github.com/medflow/clinicsync/internal/outbound"
	"github.com/medflow/clinicsync/internal/resolver"
	"github.com/medflow/clinicsync/internal/syncconfig"
	"github.com/medflow/clinicsync/internal/syncdb"
	"github.com/medflow/clinicsync/internal/telemetry"
)

// engine bundles the fully wired sync stack for CLI commands.
type engine struct {
	clinicID     string
	db           *syncdb.DB
	store        *localstore.DB
	cloud        *cloudclient.Client
	monitor      *connectivity.Monitor
	capture      *capture.Capture
	orchestrator *orchestrator.Orchestrator
	resolver     *resolver.Resolver
	artifacts    *artifact.Gateway
	tracer       *telemetry.Tracer
}

// openEngine builds the engine from config. The cloud URL may be empty;
// everything local still works and sync stays uninitialized.
func openEngine(ctx context.Context) (*engine, error) {
	clinicID := syncconfig.GetClinicID()
	if clinicID == "" {
		return nil, fmt.Errorf("clinic id not configured (set CLINICSYNC_CLINIC_ID or run: clinicsync config set clinic_id <id>)")
	}

	dataDir, err := syncconfig.GetDataDir()
	if err != nil {
		return nil, err
	}
	cacheDir, err := syncconfig.GetCacheDir()
	if err != nil {
		return nil, err
	}

	db, err := syncdb.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open sync db: %w", err)
	}

	store, err := localstore.Open(filepath.Join(dataDir, "clinic.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}

	cloudURL := syncconfig.GetCloudURL()
	cloud := cloudclient.New(cloudURL, clinicID, syncconfig.GetToken())
	monitor := connectivity.New(cloud)

	modes := make(map[string]capture.Mode)
	for name, mode := range syncconfig.GetCollectionModes() {
		modes[name] = capture.Mode(mode)
	}
	capt := capture.New(db, clinicID, modes)
	capt.Watch(store)

	tc := syncconfig.GetTracing()
	tracer, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      tc.Enabled,
		ExporterType: telemetry.ExporterType(tc.Exporter),
		OTLPEndpoint: tc.Endpoint,
		ServiceName:  "clinicsync",
	})
	if err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	worker := outbound.New(db, cloud, clinicID)
	puller := inbound.New(db, store, cloud, clinicID)
	orch := orchestrator.New(db, worker, puller, monitor, tracer, clinicID, cloudURL, syncconfig.GetInterval())

	gateway, err := artifact.New(cacheDir, cloud, monitor, db, clinicID)
	if err != nil {
		store.Close()
		db.Close()
		return nil, err
	}

	return &engine{
		clinicID:     clinicID,
		db:           db,
		store:        store,
		cloud:        cloud,
		monitor:      monitor,
		capture:      capt,
		orchestrator: orch,
		resolver:     resolver.New(store, cloud, monitor, clinicID),
		artifacts:    gateway,
		tracer:       tracer,
	}, nil
}

// close releases everything in reverse wiring order.
func (e *engine) close(ctx context.Context) {
	e.capture.Stop()
	e.tracer.Shutdown(ctx)
	e.store.Close()
	e.db.Close()
}
