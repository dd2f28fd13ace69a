// Package connectivity tracks whether the cloud endpoint is reachable.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOffline is returned by online-only operations while the cloud endpoint
// is unreachable.
var ErrOffline = errors.New("cloud endpoint offline")

// Prober performs one bounded health request against the cloud.
type Prober interface {
	Health(ctx context.Context) error
}

const probeTimeout = 5 * time.Second

// Monitor caches the last probe result. Probe never returns an error: any
// network failure, timeout, or non-2xx response simply reads as offline.
// The state starts offline until the first successful probe.
type Monitor struct {
	prober  Prober
	timeout time.Duration

	mu          sync.Mutex
	online      bool
	lastChecked time.Time
}

// New creates a Monitor around the given prober.
func New(p Prober) *Monitor {
	return &Monitor{prober: p, timeout: probeTimeout}
}

// Probe performs a health request and updates the cached state.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(probeCtx)
	online := err == nil
	if err != nil {
		slog.Debug("connectivity probe failed", "err", err)
	}

	m.mu.Lock()
	m.online = online
	m.lastChecked = time.Now().UTC()
	m.mu.Unlock()
	return online
}

// IsOnline returns the last-known state without blocking.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// LastChecked returns the time of the most recent probe, zero if none ran.
func (m *Monitor) LastChecked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChecked
}
