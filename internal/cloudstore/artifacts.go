package cloudstore

import (
	"encoding/json"
	"fmt"
)

// Artifact is one uploaded binary.
type Artifact struct {
	ID          string
	ClinicID    string
	ContentType string
	Metadata    map[string]string
	Content     []byte
}

// SaveArtifact stores an uploaded binary, replacing any previous version.
func (s *CloudStore) SaveArtifact(a Artifact) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.conn.Exec(`
		INSERT OR REPLACE INTO artifacts (id, clinic_id, content_type, metadata, content)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.ClinicID, a.ContentType, string(meta), a.Content)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// GetArtifact loads one artifact by ID. Missing artifacts surface as
// sql.ErrNoRows.
func (s *CloudStore) GetArtifact(id string) (*Artifact, error) {
	a := Artifact{ID: id}
	var meta string
	err := s.conn.QueryRow(`
		SELECT clinic_id, content_type, metadata, content FROM artifacts WHERE id = ?`,
		id).Scan(&a.ClinicID, &a.ContentType, &meta, &a.Content)
	if err != nil {
		return nil, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &a, nil
}
