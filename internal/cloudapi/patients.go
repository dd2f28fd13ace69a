package cloudapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
)

// patientResult is one record in search and full-graph responses.
type patientResult struct {
	ID       string          `json:"id"`
	ClinicID string          `json:"clinicId"`
	Data     json.RawMessage `json:"data"`
}

// handlePatientSearch runs a cross-clinic patient search. The "name" param
// is a substring match; "excludeClinic" hides the caller's own records;
// every other param is an exact-match filter on the document body.
func (s *Server) handlePatientSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	exclude := q.Get("excludeClinic")

	exact := make(map[string]string)
	for key, values := range q {
		if key == "name" || key == "excludeClinic" || len(values) == 0 {
			continue
		}
		exact[key] = values[0]
	}

	records, err := s.store.SearchPatients(name, exact, exclude)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	results := make([]patientResult, 0, len(records))
	for _, rec := range records {
		results = append(results, patientResult{ID: rec.ID, ClinicID: rec.ClinicID, Data: rec.Data})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handlePatientFull returns a patient plus all related documents grouped by
// collection.
func (s *Server) handlePatientFull(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	patient, related, err := s.store.PatientFull(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "patient not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "load patient")
		return
	}

	out := map[string][]patientResult{}
	for collection, recs := range related {
		for _, rec := range recs {
			out[collection] = append(out[collection], patientResult{ID: rec.ID, ClinicID: rec.ClinicID, Data: rec.Data})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patient": patientResult{ID: patient.ID, ClinicID: patient.ClinicID, Data: patient.Data},
		"related": out,
	})
}
