package cloudstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// relatedCollections are the collections joined into a patient's full
// record graph, keyed by the patientId field inside each document.
var relatedCollections = []string{"visits", "exams", "prescriptions", "invoices", "measurements", "patient_images", "documents"}

// PatientRecord is one cloud-side patient document.
type PatientRecord struct {
	ID       string          `json:"id"`
	ClinicID string          `json:"clinicId"`
	Data     json.RawMessage `json:"data"`
}

// SearchPatients matches patients across all clinics except excludeClinic.
// The name parameter does a case-insensitive substring match on firstName
// or lastName; exact holds field=value equality filters on the document
// body.
func (s *CloudStore) SearchPatients(name string, exact map[string]string, excludeClinic string) ([]PatientRecord, error) {
	query := `SELECT id, clinic_id, data FROM documents WHERE collection = 'patients' AND deleted = 0`
	var args []any

	if excludeClinic != "" {
		query += ` AND clinic_id != ?`
		args = append(args, excludeClinic)
	}
	if name != "" {
		query += ` AND (lower(json_extract(data, '$.firstName')) LIKE ? OR lower(json_extract(data, '$.lastName')) LIKE ?)`
		pattern := "%" + strings.ToLower(name) + "%"
		args = append(args, pattern, pattern)
	}
	for _, field := range sortedKeys(exact) {
		if !validField(field) {
			return nil, fmt.Errorf("invalid search field %q", field)
		}
		query += fmt.Sprintf(` AND json_extract(data, '$.%s') = ?`, field)
		args = append(args, exact[field])
	}
	query += ` ORDER BY id ASC LIMIT 200`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	var out []PatientRecord
	for rows.Next() {
		var rec PatientRecord
		var data string
		if err := rows.Scan(&rec.ID, &rec.ClinicID, &data); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		rec.Data = json.RawMessage(data)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PatientFull returns a patient and every related document referencing it,
// grouped by collection.
func (s *CloudStore) PatientFull(id string) (*PatientRecord, map[string][]PatientRecord, error) {
	data, clinicID, err := s.Document("patients", id)
	if err != nil {
		return nil, nil, err
	}
	patient := &PatientRecord{ID: id, ClinicID: clinicID, Data: data}

	related := make(map[string][]PatientRecord)
	for _, collection := range relatedCollections {
		rows, err := s.conn.Query(`
			SELECT id, clinic_id, data FROM documents
			WHERE collection = ? AND deleted = 0 AND json_extract(data, '$.patientId') = ?
			ORDER BY id ASC`,
			collection, id)
		if err != nil {
			return nil, nil, fmt.Errorf("query %s: %w", collection, err)
		}
		for rows.Next() {
			var rec PatientRecord
			var raw string
			if err := rows.Scan(&rec.ID, &rec.ClinicID, &raw); err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("scan %s: %w", collection, err)
			}
			rec.Data = json.RawMessage(raw)
			related[collection] = append(related[collection], rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, nil, err
		}
		rows.Close()
	}
	return patient, related, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validField(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
