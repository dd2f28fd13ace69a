// Package orchestrator drives the sync lifecycle: periodic background
// cycles, on-demand forced cycles, and status reporting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/inbound"
	"github.com/medflow/clinicsync/internal/outbound"
	"github.com/medflow/clinicsync/internal/syncdb"
	"github.com/medflow/clinicsync/internal/telemetry"
)

// DefaultInterval is the background sync cadence.
const DefaultInterval = 5 * time.Minute

// ErrSyncInProgress means a cycle is already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrNotConfigured means no cloud endpoint is configured; sync is disabled.
var ErrNotConfigured = errors.New("sync not configured")

// State is the engine lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Drainer pushes queued local changes to the cloud.
type Drainer interface {
	Drain(ctx context.Context) (outbound.Result, error)
}

// Puller applies remote changes locally.
type Puller interface {
	Pull(ctx context.Context) (inbound.Summary, error)
}

// Monitor probes and caches connectivity.
type Monitor interface {
	Probe(ctx context.Context) bool
	IsOnline() bool
	LastChecked() time.Time
}

// SyncResult reports one forced cycle.
type SyncResult struct {
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Applied   int       `json:"applied"`
	Watermark time.Time `json:"watermark"`
}

// Status is a point-in-time snapshot; it never fails, even offline.
type Status struct {
	State       string    `json:"state"`
	Online      bool      `json:"online"`
	LastChecked time.Time `json:"lastChecked,omitempty"`
	Pending     int64     `json:"pending"`
	Failed      int64     `json:"failed"`
	SyncedToday int64     `json:"syncedToday"`
	Watermark   time.Time `json:"watermark,omitempty"`
}

// Orchestrator owns the sync loop. A zero cloud URL leaves it permanently
// uninitialized: Start and ForceSync are no-ops and Status still works.
type Orchestrator struct {
	db       *syncdb.DB
	drainer  Drainer
	puller   Puller
	monitor  Monitor
	tracer   *telemetry.Tracer
	clinicID string
	interval time.Duration

	configured bool

	mu      sync.Mutex // guards state and single-flights cycles
	state   State
	syncing bool
}

// New creates an Orchestrator. cloudURL may be empty, in which case the
// engine stays uninitialized.
func New(db *syncdb.DB, drainer Drainer, puller Puller, monitor Monitor, tracer *telemetry.Tracer, clinicID, cloudURL string, interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	o := &Orchestrator{
		db:         db,
		drainer:    drainer,
		puller:     puller,
		monitor:    monitor,
		tracer:     tracer,
		clinicID:   clinicID,
		interval:   interval,
		configured: cloudURL != "",
	}
	if o.configured {
		o.state = StateIdle
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start probes connectivity once, then runs background cycles until ctx is
// cancelled. Unconfigured engines return immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.configured {
		slog.Info("sync disabled, no cloud endpoint configured")
		return
	}

	o.monitor.Probe(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("sync loop panic", "panic", r)
			}
		}()

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.tick(ctx)
			}
		}
	}()
}

// tick probes and, when online, runs a cycle. Offline ticks are silent.
func (o *Orchestrator) tick(ctx context.Context) {
	if !o.monitor.Probe(ctx) {
		return
	}
	if _, err := o.runCycle(ctx, "interval"); err != nil {
		if !errors.Is(err, ErrSyncInProgress) {
			slog.Warn("background sync", "err", err)
		}
	}
}

// ForceSync re-probes and runs a cycle immediately. Offline returns
// ErrOffline; a concurrent cycle returns ErrSyncInProgress.
func (o *Orchestrator) ForceSync(ctx context.Context) (*SyncResult, error) {
	if !o.configured {
		return nil, ErrNotConfigured
	}
	if !o.monitor.Probe(ctx) {
		return nil, connectivity.ErrOffline
	}
	return o.runCycle(ctx, "forced")
}

func (o *Orchestrator) runCycle(ctx context.Context, trigger string) (*SyncResult, error) {
	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.syncing = true
	o.state = StateSyncing
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.state = StateIdle
		o.mu.Unlock()
	}()

	ctx, span := o.tracer.StartSyncSpan(ctx, o.clinicID, trigger)

	pushed, err := o.drainer.Drain(ctx)
	if err != nil {
		span.EndWithError(err)
		return nil, fmt.Errorf("push: %w", err)
	}
	span.SetPushCounts(pushed.Synced, pushed.Failed)

	pulled, err := o.puller.Pull(ctx)
	if err != nil {
		span.EndWithError(err)
		return nil, fmt.Errorf("pull: %w", err)
	}
	span.SetPullCounts(pulled.Applied, pulled.Skipped, pulled.Failed)
	span.End()

	return &SyncResult{
		Synced:    pushed.Synced,
		Failed:    pushed.Failed,
		Applied:   pulled.Applied,
		Watermark: pulled.Watermark,
	}, nil
}

// Status reports the current snapshot. Count errors are logged, never
// returned; the snapshot is best effort and always available.
func (o *Orchestrator) Status() Status {
	st := Status{
		State:       o.State().String(),
		Online:      o.monitor.IsOnline(),
		LastChecked: o.monitor.LastChecked(),
	}

	var err error
	if st.Pending, err = o.db.CountByStatus(o.clinicID, syncdb.StatusPending); err != nil {
		slog.Debug("count pending", "err", err)
	}
	if st.Failed, err = o.db.CountByStatus(o.clinicID, syncdb.StatusFailed); err != nil {
		slog.Debug("count failed", "err", err)
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	if st.SyncedToday, err = o.db.CountSyncedSince(o.clinicID, midnight); err != nil {
		slog.Debug("count synced today", "err", err)
	}
	if st.Watermark, err = o.db.Watermark(o.clinicID); err != nil {
		slog.Debug("read watermark", "err", err)
	}
	return st
}
