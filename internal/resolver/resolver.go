// Package resolver answers cross-clinic patient lookups, merging local and
// remote results with local records taking precedence.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/medflow/clinicsync/internal/cloudclient"
	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/localstore"
)

// Cloud is the search half of the cloud client.
type Cloud interface {
	SearchPatients(ctx context.Context, query map[string]string, excludeClinic string) ([]cloudclient.RemoteRecord, error)
	FetchFullPatient(ctx context.Context, id, sourceClinic string) (*cloudclient.FullGraph, error)
}

// Online reports cached connectivity state.
type Online interface {
	IsOnline() bool
}

// KeyFunc derives a dedup key from a patient document.
type KeyFunc func(data json.RawMessage) string

// DefaultPatientKey keys on first name, last name and date of birth,
// lowercased. Documents missing those fields fall back to an empty key,
// which never collides because callers substitute the record ID.
func DefaultPatientKey(data json.RawMessage) string {
	var doc struct {
		FirstName   string `json:"firstName"`
		LastName    string `json:"lastName"`
		DateOfBirth string `json:"dateOfBirth"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	if doc.FirstName == "" && doc.LastName == "" {
		return ""
	}
	return strings.ToLower(doc.FirstName) + "|" + strings.ToLower(doc.LastName) + "|" + doc.DateOfBirth
}

// Entry is one merged search result.
type Entry struct {
	Key      string          `json:"-"`
	Source   string          `json:"source"` // "local" or "remote"
	ClinicID string          `json:"clinicId,omitempty"`
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
}

// Result carries the merged view plus the raw halves.
type Result struct {
	Local    []Entry `json:"local"`
	Remote   []Entry `json:"remote"`
	Merged   []Entry `json:"merged"`
	IsOnline bool    `json:"isOnline"`
}

// Resolver merges local store queries with cloud searches.
type Resolver struct {
	store    localstore.Store
	cloud    Cloud
	online   Online
	clinicID string
	key      KeyFunc
}

// New creates a Resolver using DefaultPatientKey.
func New(store localstore.Store, cloud Cloud, online Online, clinicID string) *Resolver {
	return &Resolver{store: store, cloud: cloud, online: online, clinicID: clinicID, key: DefaultPatientKey}
}

// Search queries local patients always, remote patients only when online.
// A remote failure is logged and degrades to local-only; it never fails the
// search. Merged order is all local entries first, then remote entries whose
// key does not match any local entry.
func (r *Resolver) Search(ctx context.Context, query map[string]string) (*Result, error) {
	res := &Result{IsOnline: r.online.IsOnline()}

	docs, err := r.findLocal(query)
	if err != nil {
		return nil, fmt.Errorf("local search: %w", err)
	}
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		e := Entry{Key: r.keyFor(d.ID, d.Data), Source: "local", ClinicID: r.clinicID, ID: d.ID, Data: d.Data}
		res.Local = append(res.Local, e)
		res.Merged = append(res.Merged, e)
		seen[e.Key] = true
	}

	if !res.IsOnline {
		return res, nil
	}

	remote, err := r.cloud.SearchPatients(ctx, query, r.clinicID)
	if err != nil {
		slog.Warn("remote patient search", "err", err)
		return res, nil
	}
	for _, rec := range remote {
		e := Entry{Key: r.keyFor(rec.ID, rec.Data), Source: "remote", ClinicID: rec.ClinicID, ID: rec.ID, Data: rec.Data}
		res.Remote = append(res.Remote, e)
		if !seen[e.Key] {
			res.Merged = append(res.Merged, e)
		}
	}
	return res, nil
}

// findLocal runs the field-equality query against the local store. The
// "name" key is a convenience the cloud matches as a substring; locally it
// expands to an exact match on first name or last name, union by ID.
func (r *Resolver) findLocal(query map[string]string) ([]localstore.Document, error) {
	name, ok := query["name"]
	if !ok {
		return r.store.Find("patients", query)
	}

	rest := make(map[string]string, len(query))
	for k, v := range query {
		if k != "name" {
			rest[k] = v
		}
	}

	byID := make(map[string]bool)
	var docs []localstore.Document
	for _, field := range []string{"firstName", "lastName"} {
		q := make(map[string]string, len(rest)+1)
		for k, v := range rest {
			q[k] = v
		}
		q[field] = name
		found, err := r.store.Find("patients", q)
		if err != nil {
			return nil, err
		}
		for _, d := range found {
			if !byID[d.ID] {
				byID[d.ID] = true
				docs = append(docs, d)
			}
		}
	}
	return docs, nil
}

// FetchFull pulls a remote patient's full record graph and caches every
// document locally so it stays readable offline. Fails fast when offline.
func (r *Resolver) FetchFull(ctx context.Context, patientID string) (int, error) {
	if !r.online.IsOnline() {
		return 0, connectivity.ErrOffline
	}

	graph, err := r.cloud.FetchFullPatient(ctx, patientID, r.clinicID)
	if err != nil {
		return 0, fmt.Errorf("fetch patient %s: %w", patientID, err)
	}

	cached := 0
	if err := r.store.ApplyRemote("patients", graph.Patient.ID, graph.Patient.Data, graph.Patient.ClinicID); err != nil {
		return cached, fmt.Errorf("cache patient %s: %w", graph.Patient.ID, err)
	}
	cached++

	for collection, records := range graph.Related {
		for _, rec := range records {
			if err := r.store.ApplyRemote(collection, rec.ID, rec.Data, rec.ClinicID); err != nil {
				slog.Warn("cache related record", "collection", collection, "doc", rec.ID, "err", err)
				continue
			}
			cached++
		}
	}
	return cached, nil
}

func (r *Resolver) keyFor(id string, data json.RawMessage) string {
	if k := r.key(data); k != "" {
		return k
	}
	return "id:" + id
}
