package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/medflow/clinicsync/internal/cloudclient"
	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/localstore"
)

type fakeCloud struct {
	records    []cloudclient.RemoteRecord
	graph      *cloudclient.FullGraph
	err        error
	searches   int
	fetches    int
	gotExclude string
}

func (c *fakeCloud) SearchPatients(ctx context.Context, query map[string]string, excludeClinic string) ([]cloudclient.RemoteRecord, error) {
	c.searches++
	c.gotExclude = excludeClinic
	return c.records, c.err
}

func (c *fakeCloud) FetchFullPatient(ctx context.Context, id, sourceClinic string) (*cloudclient.FullGraph, error) {
	c.fetches++
	if c.err != nil {
		return nil, c.err
	}
	return c.graph, nil
}

type fakeOnline bool

func (o fakeOnline) IsOnline() bool { return bool(o) }

func setupResolver(t *testing.T, cloud Cloud, online bool) (*Resolver, *localstore.DB) {
	t.Helper()
	store, err := localstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, cloud, fakeOnline(online), "clinic-a"), store
}

func mustUpsert(t *testing.T, store *localstore.DB, id, data string) {
	t.Helper()
	if err := store.Upsert("patients", id, json.RawMessage(data)); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func TestSearch_OfflineReturnsLocalOnly(t *testing.T) {
	cloud := &fakeCloud{}
	r, store := setupResolver(t, cloud, false)
	mustUpsert(t, store, "p1", `{"firstName":"Ana","lastName":"Silva","dateOfBirth":"1990-01-01"}`)

	res, err := r.Search(context.Background(), map[string]string{"name": "Ana"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.IsOnline {
		t.Error("IsOnline = true, want false")
	}
	if len(res.Local) != 1 || len(res.Merged) != 1 || len(res.Remote) != 0 {
		t.Fatalf("local=%d remote=%d merged=%d", len(res.Local), len(res.Remote), len(res.Merged))
	}
	if cloud.searches != 0 {
		t.Errorf("cloud searched while offline: %d calls", cloud.searches)
	}
}

func TestSearch_MergeLocalWins(t *testing.T) {
	// Same person exists at clinic-b; the local copy should shadow it.
	cloud := &fakeCloud{records: []cloudclient.RemoteRecord{
		{ID: "rx1", ClinicID: "clinic-b", Data: json.RawMessage(`{"firstName":"Ana","lastName":"Silva","dateOfBirth":"1990-01-01"}`)},
		{ID: "rx2", ClinicID: "clinic-b", Data: json.RawMessage(`{"firstName":"Bruno","lastName":"Costa","dateOfBirth":"1985-05-05"}`)},
	}}
	r, store := setupResolver(t, cloud, true)
	mustUpsert(t, store, "p1", `{"firstName":"Ana","lastName":"Silva","dateOfBirth":"1990-01-01"}`)

	res, err := r.Search(context.Background(), nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if cloud.gotExclude != "clinic-a" {
		t.Errorf("excludeClinic: %q", cloud.gotExclude)
	}
	if len(res.Merged) != 2 {
		t.Fatalf("merged: got %d, want 2", len(res.Merged))
	}
	if res.Merged[0].Source != "local" || res.Merged[0].ID != "p1" {
		t.Errorf("merged[0]: %+v", res.Merged[0])
	}
	if res.Merged[1].Source != "remote" || res.Merged[1].ID != "rx2" {
		t.Errorf("merged[1]: %+v", res.Merged[1])
	}
	if len(res.Remote) != 2 {
		t.Errorf("remote half should keep shadowed entries: %d", len(res.Remote))
	}
}

func TestSearch_RemoteErrorDegradesToLocal(t *testing.T) {
	cloud := &fakeCloud{err: errors.New("gateway timeout")}
	r, store := setupResolver(t, cloud, true)
	mustUpsert(t, store, "p1", `{"firstName":"Ana","lastName":"Silva"}`)

	res, err := r.Search(context.Background(), nil)
	if err != nil {
		t.Fatalf("search should not fail on remote error: %v", err)
	}
	if len(res.Local) != 1 || len(res.Merged) != 1 {
		t.Errorf("local=%d merged=%d", len(res.Local), len(res.Merged))
	}
}

func TestSearch_NameMatchesEitherNameField(t *testing.T) {
	r, store := setupResolver(t, &fakeCloud{}, false)
	mustUpsert(t, store, "p1", `{"firstName":"Silva","lastName":"Ramos"}`)
	mustUpsert(t, store, "p2", `{"firstName":"Ana","lastName":"Silva"}`)
	mustUpsert(t, store, "p3", `{"firstName":"Bruno","lastName":"Costa"}`)

	res, err := r.Search(context.Background(), map[string]string{"name": "Silva"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Local) != 2 {
		t.Fatalf("local: got %d, want 2", len(res.Local))
	}
}

func TestDefaultPatientKey(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"full", `{"firstName":"Ana","lastName":"Silva","dateOfBirth":"1990-01-01"}`, "ana|silva|1990-01-01"},
		{"no dob", `{"firstName":"Ana","lastName":"Silva"}`, "ana|silva|"},
		{"empty names", `{"dateOfBirth":"1990-01-01"}`, ""},
		{"unparseable", `not json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultPatientKey(json.RawMessage(tt.data)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFetchFull_OfflineFailsFast(t *testing.T) {
	cloud := &fakeCloud{}
	r, _ := setupResolver(t, cloud, false)

	_, err := r.FetchFull(context.Background(), "p1")
	if !errors.Is(err, connectivity.ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	if cloud.fetches != 0 {
		t.Errorf("cloud fetched while offline: %d calls", cloud.fetches)
	}
}

func TestFetchFull_CachesGraph(t *testing.T) {
	cloud := &fakeCloud{graph: &cloudclient.FullGraph{
		Patient: cloudclient.RemoteRecord{ID: "p9", ClinicID: "clinic-b", Data: json.RawMessage(`{"firstName":"Ana"}`)},
		Related: map[string][]cloudclient.RemoteRecord{
			"visits": {
				{ID: "v1", ClinicID: "clinic-b", Data: json.RawMessage(`{"patientId":"p9"}`)},
				{ID: "v2", ClinicID: "clinic-b", Data: json.RawMessage(`{"patientId":"p9"}`)},
			},
		},
	}}
	r, store := setupResolver(t, cloud, true)

	cached, err := r.FetchFull(context.Background(), "p9")
	if err != nil {
		t.Fatalf("fetch full: %v", err)
	}
	if cached != 3 {
		t.Errorf("cached: got %d, want 3", cached)
	}

	doc, err := store.Get("patients", "p9")
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if doc.SyncedFrom != "clinic-b" {
		t.Errorf("synced_from: %q", doc.SyncedFrom)
	}
	if _, err := store.Get("visits", "v1"); err != nil {
		t.Errorf("visit not cached: %v", err)
	}
}

func TestFetchFull_BadRelatedRecordSkipped(t *testing.T) {
	cloud := &fakeCloud{graph: &cloudclient.FullGraph{
		Patient: cloudclient.RemoteRecord{ID: "p9", ClinicID: "clinic-b", Data: json.RawMessage(`{"firstName":"Ana"}`)},
		Related: map[string][]cloudclient.RemoteRecord{
			"visits": {
				{ID: "v1", ClinicID: "clinic-b", Data: json.RawMessage(`{broken`)},
				{ID: "v2", ClinicID: "clinic-b", Data: json.RawMessage(`{"patientId":"p9"}`)},
			},
		},
	}}
	r, store := setupResolver(t, cloud, true)

	cached, err := r.FetchFull(context.Background(), "p9")
	if err != nil {
		t.Fatalf("fetch full: %v", err)
	}
	if cached != 2 {
		t.Errorf("cached: got %d, want 2", cached)
	}
	if _, err := store.Get("visits", "v2"); err != nil {
		t.Errorf("good sibling not cached: %v", err)
	}
}
