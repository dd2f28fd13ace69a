package cloudapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/medflow/clinicsync/internal/cloudstore"
)

// pushRequest is one mutation pushed by a clinic.
type pushRequest struct {
	ClinicID   string          `json:"clinicId"`
	Operation  string          `json:"operation"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// changeEnvelope is one change in the pull feed.
type changeEnvelope struct {
	Collection     string          `json:"collection"`
	Operation      string          `json:"operation"`
	DocumentID     string          `json:"documentId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SourceClinicID string          `json:"sourceClinicId"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

var validOperations = map[string]bool{
	"insert":  true,
	"update":  true,
	"replace": true,
	"delete":  true,
}

// handleSyncPush accepts one mutation for a collection. The authenticated
// clinic header is authoritative for the change's origin; a mismatched
// body clinicId is rejected.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	clinicID := clinicFromContext(r.Context())

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "documentId is required")
		return
	}
	if !validOperations[req.Operation] {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "unknown operation "+req.Operation)
		return
	}
	if req.ClinicID != "" && req.ClinicID != clinicID {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "clinic id mismatch")
		return
	}
	if req.Operation != "delete" && len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "payload is required")
		return
	}
	occurred := req.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	seq, err := s.store.RecordChange(cloudstore.Change{
		ClinicID:   clinicID,
		Collection: collection,
		Operation:  req.Operation,
		DocumentID: req.DocumentID,
		Payload:    req.Payload,
		OccurredAt: occurred,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "record change")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": seq})
}

// handleSyncChanges returns changes received after since, excluding the
// requesting clinic's own writes.
func (s *Server) handleSyncChanges(w http.ResponseWriter, r *http.Request) {
	exclude := r.URL.Query().Get("clinic")
	if exclude == "" {
		exclude = clinicFromContext(r.Context())
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid since timestamp")
			return
		}
		since = t
	}

	changes, err := s.store.ChangesSince(since, exclude)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "query changes")
		return
	}

	envelopes := make([]changeEnvelope, 0, len(changes))
	for _, c := range changes {
		envelopes = append(envelopes, changeEnvelope{
			Collection:     c.Collection,
			Operation:      c.Operation,
			DocumentID:     c.DocumentID,
			Payload:        c.Payload,
			SourceClinicID: c.ClinicID,
			OccurredAt:     c.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": envelopes})
}
