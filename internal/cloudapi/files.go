package cloudapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/medflow/clinicsync/internal/cloudstore"
)

// uploadMemoryLimit is the multipart in-memory threshold; larger parts
// spill to temp files.
const uploadMemoryLimit = 8 << 20

// handleFetchImage streams a stored artifact.
func (s *Server) handleFetchImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	a, err := s.store.GetArtifact(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "load artifact")
		return
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Content)))
	w.WriteHeader(http.StatusOK)
	w.Write(a.Content)
}

// handleUpload accepts a multipart artifact upload: a "file" part plus an
// optional "metadata" field holding a JSON object. The artifact ID comes
// from metadata["id"], falling back to the uploaded filename.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid multipart body")
		return
	}

	var metadata map[string]string
	if v := r.FormValue("metadata"); v != "" {
		if err := json.Unmarshal([]byte(v), &metadata); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid metadata json")
			return
		}
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "missing file part")
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "read upload")
		return
	}

	id := metadata["id"]
	if id == "" {
		id = header.Filename
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "artifact id is required")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if ct := metadata["contentType"]; ct != "" {
		contentType = ct
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err = s.store.SaveArtifact(cloudstore.Artifact{
		ID:          id,
		ClinicID:    clinicFromContext(r.Context()),
		ContentType: contentType,
		Metadata:    metadata,
		Content:     content,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "save artifact")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
