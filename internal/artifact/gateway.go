// Package artifact handles large binary transfers: on-demand image fetch
// with a local disk cache, and uploads that defer to the outbound queue
// while offline.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/syncdb"
)

// uploadPriority pushes artifact uploads behind regular document changes.
const uploadPriority = 50

// Cloud is the artifact half of the cloud client.
type Cloud interface {
	FetchImage(ctx context.Context, id, sourceClinic string) (io.ReadCloser, string, error)
	UploadArtifact(ctx context.Context, path string, metadata map[string]string) error
}

// Online reports cached connectivity state.
type Online interface {
	IsOnline() bool
}

// Queue accepts deferred upload items.
type Queue interface {
	Enqueue(item syncdb.QueueItem) (string, error)
}

// Handle points at a cached artifact on disk.
type Handle struct {
	Path        string
	ContentType string
}

// Gateway mediates artifact fetches and uploads.
type Gateway struct {
	cacheDir string
	cloud    Cloud
	online   Online
	queue    Queue
	clinicID string
}

// New creates a Gateway caching under cacheDir.
func New(cacheDir string, cloud Cloud, online Online, queue Queue, clinicID string) (*Gateway, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Gateway{cacheDir: cacheDir, cloud: cloud, online: online, queue: queue, clinicID: clinicID}, nil
}

// Fetch returns a cached artifact, downloading it first when absent. While
// offline it returns ErrOffline without touching the cache or the network,
// even when the artifact is already cached.
func (g *Gateway) Fetch(ctx context.Context, id string) (*Handle, error) {
	if !g.online.IsOnline() {
		return nil, connectivity.ErrOffline
	}

	name, err := sanitize(id)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(g.cacheDir, name)

	if _, err := os.Stat(path); err == nil {
		return &Handle{Path: path, ContentType: g.readContentType(name)}, nil
	}

	body, contentType, err := g.cloud.FetchImage(ctx, id, g.clinicID)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", id, err)
	}
	defer body.Close()

	// Download to a temp file, rename on success so a partial download is
	// never served from the cache.
	tmp, err := os.CreateTemp(g.cacheDir, name+".part")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("download artifact %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("store artifact %s: %w", id, err)
	}
	g.writeContentType(name, contentType)

	return &Handle{Path: path, ContentType: contentType}, nil
}

// Upload sends an artifact directly when online, or enqueues it for the
// next drain when offline. The queue item stores the file path, not the
// bytes; the outbound worker reads the file at drain time.
func (g *Gateway) Upload(ctx context.Context, path string, metadata map[string]string) error {
	if g.online.IsOnline() {
		if err := g.cloud.UploadArtifact(ctx, path, metadata); err != nil {
			return fmt.Errorf("upload artifact: %w", err)
		}
		return nil
	}

	payload, err := json.Marshal(syncdb.UploadPayload{Path: path, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("encode upload payload: %w", err)
	}
	id, err := g.queue.Enqueue(syncdb.QueueItem{
		ClinicID:   g.clinicID,
		Collection: "files",
		DocumentID: filepath.Base(path),
		Operation:  syncdb.OpUpload,
		Payload:    payload,
		Priority:   uploadPriority,
	})
	if err != nil {
		return fmt.Errorf("defer upload: %w", err)
	}
	slog.Info("upload deferred", "path", path, "queueId", id)
	return nil
}

func (g *Gateway) readContentType(name string) string {
	b, err := os.ReadFile(filepath.Join(g.cacheDir, name+".meta"))
	if err != nil {
		return "application/octet-stream"
	}
	return strings.TrimSpace(string(b))
}

func (g *Gateway) writeContentType(name, contentType string) {
	if contentType == "" {
		return
	}
	err := os.WriteFile(filepath.Join(g.cacheDir, name+".meta"), []byte(contentType), 0o644)
	if err != nil {
		slog.Debug("write artifact metadata", "name", name, "err", err)
	}
}

func sanitize(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	return id, nil
}
