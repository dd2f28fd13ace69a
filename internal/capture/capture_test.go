package capture

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/medflow/clinicsync/internal/localstore"
	"github.com/medflow/clinicsync/internal/syncdb"
)

type fakeQueue struct {
	items []syncdb.QueueItem
	err   error
}

func (q *fakeQueue) Enqueue(item syncdb.QueueItem) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.items = append(q.items, item)
	return "id", nil
}

type fakeFeed struct {
	handlers map[string]localstore.Handler
	failOn   map[string]bool
}

func (f *fakeFeed) Subscribe(collection string, h localstore.Handler) (func(), error) {
	if f.failOn[collection] {
		return nil, errors.New("subscribe refused")
	}
	if f.handlers == nil {
		f.handlers = map[string]localstore.Handler{}
	}
	f.handlers[collection] = h
	return func() {}, nil
}

func (f *fakeFeed) emit(collection string, m localstore.Mutation) {
	f.handlers[collection](m)
}

func TestWatch_EnqueuesMutations(t *testing.T) {
	q := &fakeQueue{}
	feed := &fakeFeed{}
	c := New(q, "clinic-a", map[string]Mode{"patients": ModeFull})

	if n := c.Watch(feed); n != 1 {
		t.Fatalf("watched: got %d, want 1", n)
	}

	feed.emit("patients", localstore.Mutation{
		Collection: "patients",
		Op:         localstore.OpInsert,
		DocumentID: "p1",
		Payload:    json.RawMessage(`{"firstName":"Ana"}`),
	})
	feed.emit("patients", localstore.Mutation{
		Collection: "patients",
		Op:         localstore.OpDelete,
		DocumentID: "p1",
		Payload:    json.RawMessage(`{"firstName":"Ana"}`),
	})

	if len(q.items) != 2 {
		t.Fatalf("queued items: got %d, want 2", len(q.items))
	}

	ins := q.items[0]
	if ins.Operation != syncdb.OpInsert || ins.ClinicID != "clinic-a" || ins.DocumentID != "p1" {
		t.Errorf("insert item: %+v", ins)
	}
	if string(ins.Payload) != `{"firstName":"Ana"}` {
		t.Errorf("insert payload: %s", ins.Payload)
	}

	del := q.items[1]
	if del.Operation != syncdb.OpDelete {
		t.Errorf("delete op: got %s", del.Operation)
	}
	if del.Payload != nil {
		t.Errorf("delete payload: got %s, want nil", del.Payload)
	}
}

func TestWatch_MetadataModeStripsBinary(t *testing.T) {
	q := &fakeQueue{}
	feed := &fakeFeed{}
	c := New(q, "clinic-a", map[string]Mode{"patient_images": ModeMetadata})
	c.Watch(feed)

	feed.emit("patient_images", localstore.Mutation{
		Collection: "patient_images",
		Op:         localstore.OpInsert,
		DocumentID: "img1",
		Payload:    json.RawMessage(`{"patientId":"p1","imageData":"aGVsbG8=","thumbnail":"eA==","takenAt":"2026-03-01"}`),
	})

	if len(q.items) != 1 {
		t.Fatalf("queued items: got %d, want 1", len(q.items))
	}
	var got map[string]any
	if err := json.Unmarshal(q.items[0].Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if _, ok := got["imageData"]; ok {
		t.Error("imageData not stripped")
	}
	if _, ok := got["thumbnail"]; ok {
		t.Error("thumbnail not stripped")
	}
	if got["patientId"] != "p1" || got["takenAt"] != "2026-03-01" {
		t.Errorf("metadata fields lost: %v", got)
	}
}

func TestWatch_SubscribeFailureSkipsCollection(t *testing.T) {
	q := &fakeQueue{}
	feed := &fakeFeed{failOn: map[string]bool{"visits": true}}
	c := New(q, "clinic-a", map[string]Mode{"patients": ModeFull, "visits": ModeFull})

	if n := c.Watch(feed); n != 1 {
		t.Fatalf("watched: got %d, want 1", n)
	}
	if _, ok := feed.handlers["patients"]; !ok {
		t.Error("patients subscription missing")
	}
}

func TestStripBinaryFields_UnparseablePassthrough(t *testing.T) {
	in := json.RawMessage(`[1,2,3]`)
	out := stripBinaryFields(in)
	if string(out) != string(in) {
		t.Errorf("got %s, want passthrough", out)
	}
}
