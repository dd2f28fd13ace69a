package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) Health(ctx context.Context) error {
	p.calls++
	return p.err
}

func TestMonitor_StartsOffline(t *testing.T) {
	m := New(&fakeProber{})
	if m.IsOnline() {
		t.Error("monitor online before first probe")
	}
	if !m.LastChecked().IsZero() {
		t.Error("last checked set before first probe")
	}
}

func TestProbe_UpdatesState(t *testing.T) {
	p := &fakeProber{}
	m := New(p)

	if !m.Probe(context.Background()) {
		t.Fatal("probe with healthy endpoint: got offline")
	}
	if !m.IsOnline() {
		t.Error("cached state not online")
	}
	if m.LastChecked().IsZero() {
		t.Error("last checked not stamped")
	}

	p.err = errors.New("connection refused")
	if m.Probe(context.Background()) {
		t.Fatal("probe with failing endpoint: got online")
	}
	if m.IsOnline() {
		t.Error("cached state still online after failed probe")
	}
	if p.calls != 2 {
		t.Errorf("probe calls: got %d, want 2", p.calls)
	}
}

type hangingProber struct{}

func (hangingProber) Health(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProbe_TimeoutReadsAsOffline(t *testing.T) {
	m := New(hangingProber{})
	m.timeout = 10 * time.Millisecond

	if m.Probe(context.Background()) {
		t.Error("hung probe should read as offline")
	}
}
