package cloudclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "clinic-a", "secret")
}

func TestPushChange_SendsAuthAndBody(t *testing.T) {
	var gotPath string
	var gotChange Change
	var gotClinic, gotToken string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotClinic = r.Header.Get("X-Clinic-ID")
		gotToken = r.Header.Get("X-Sync-Token")
		if err := json.NewDecoder(r.Body).Decode(&gotChange); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	ch := Change{
		ClinicID:   "clinic-a",
		Operation:  "insert",
		DocumentID: "p1",
		Payload:    json.RawMessage(`{"firstName":"Ana"}`),
		Timestamp:  time.Now().UTC(),
	}
	if err := c.PushChange(context.Background(), "patients", ch); err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotPath != "/sync/patients" {
		t.Errorf("path: %q", gotPath)
	}
	if gotClinic != "clinic-a" || gotToken != "secret" {
		t.Errorf("headers: clinic=%q token=%q", gotClinic, gotToken)
	}
	if gotChange.DocumentID != "p1" || gotChange.Operation != "insert" {
		t.Errorf("change: %+v", gotChange)
	}
}

func TestPullChanges_ParsesFeed(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotSince, gotClinic string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		gotClinic = r.URL.Query().Get("clinic")
		io.WriteString(w, `{"changes":[
			{"collection":"patients","operation":"insert","documentId":"p1","payload":{"v":1},"sourceClinicId":"clinic-b","occurredAt":"2026-03-01T12:30:00Z"}
		]}`)
	})

	envs, err := c.PullChanges(context.Background(), "clinic-a", since)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if gotClinic != "clinic-a" {
		t.Errorf("clinic param: %q", gotClinic)
	}
	if gotSince != since.Format(time.RFC3339Nano) {
		t.Errorf("since param: %q", gotSince)
	}
	if len(envs) != 1 {
		t.Fatalf("envelopes: %d", len(envs))
	}
	e := envs[0]
	if e.CollectionName() != "patients" || e.DocumentID != "p1" || e.SourceClinicID != "clinic-b" {
		t.Errorf("envelope: %+v", e)
	}
}

func TestEnvelope_CollectionNameLegacyModelKey(t *testing.T) {
	var e Envelope
	if err := json.Unmarshal([]byte(`{"model":"visits","operation":"insert","documentId":"v1","sourceClinicId":"clinic-b"}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.CollectionName() != "visits" {
		t.Errorf("collection: %q", e.CollectionName())
	}
}

func TestHealth(t *testing.T) {
	status := http.StatusOK
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestSearchPatients_ExcludeClinicParam(t *testing.T) {
	var gotQuery map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		io.WriteString(w, `{"results":[{"id":"p1","clinicId":"clinic-b","data":{"firstName":"Ana"}}]}`)
	})

	recs, err := c.SearchPatients(context.Background(), map[string]string{"name": "Ana"}, "clinic-a")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := gotQuery["excludeClinic"]; len(got) != 1 || got[0] != "clinic-a" {
		t.Errorf("excludeClinic: %v", got)
	}
	if got := gotQuery["name"]; len(got) != 1 || got[0] != "Ana" {
		t.Errorf("name: %v", got)
	}
	if len(recs) != 1 || recs[0].ClinicID != "clinic-b" {
		t.Errorf("records: %+v", recs)
	}
}

func TestUploadArtifact_MultipartFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	var gotMeta, gotFile string
	var gotFilename string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		gotMeta = r.FormValue("metadata")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotFile = string(b)
		gotFilename = hdr.Filename
		w.WriteHeader(http.StatusOK)
	})

	err := c.UploadArtifact(context.Background(), path, map[string]string{"id": "img-1"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if gotFile != "jpeg-bytes" || gotFilename != "scan.jpg" {
		t.Errorf("file: %q name: %q", gotFile, gotFilename)
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(gotMeta), &meta); err != nil || meta["id"] != "img-1" {
		t.Errorf("metadata: %q (%v)", gotMeta, err)
	}
}

func TestFetchImage_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"not_found","message":"no such artifact"}}`)
	})

	_, _, err := c.FetchImage(context.Background(), "img-1", "clinic-a")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClassifyStatus_Sentinels(t *testing.T) {
	responses := map[int]error{
		http.StatusUnauthorized: ErrUnauthorized,
		http.StatusForbidden:    ErrForbidden,
		http.StatusNotFound:     ErrNotFound,
	}
	for status, want := range responses {
		err := classifyStatus(status, nil)
		if !errors.Is(err, want) {
			t.Errorf("status %d: err = %v, want %v", status, err, want)
		}
	}

	err := classifyStatus(http.StatusUnprocessableEntity, []byte(`{"error":{"code":"bad_payload","message":"nope"}}`))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 422 {
		t.Fatalf("err = %v", err)
	}
	if httpErr.Body != "bad_payload: nope" {
		t.Errorf("body: %q", httpErr.Body)
	}
}

func TestPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unauthorized sentinel", classifyStatus(401, nil), true},
		{"forbidden sentinel", classifyStatus(403, nil), true},
		{"not found sentinel", classifyStatus(404, nil), true},
		{"bad request", &HTTPError{StatusCode: 400}, true},
		{"unprocessable", &HTTPError{StatusCode: 422}, true},
		{"request timeout", &HTTPError{StatusCode: 408}, false},
		{"rate limited", &HTTPError{StatusCode: 429}, false},
		{"server error", &HTTPError{StatusCode: 500}, false},
		{"network error", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Permanent(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
