// Package cloudapi is the reference cloud server's HTTP surface: the sync
// push/pull endpoints, cross-clinic patient search, and artifact transfer.
package cloudapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/medflow/clinicsync/internal/cloudstore"
)

// Server is the HTTP API server for cloudd.
type Server struct {
	config Config
	http   *http.Server
	store  *cloudstore.CloudStore
}

// NewServer creates a Server with the given config and store.
func NewServer(cfg Config, store *cloudstore.CloudStore) *Server {
	s := &Server{config: cfg, store: store}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sync/{collection}", s.requireClinic(s.handleSyncPush))
	mux.HandleFunc("GET /sync/changes", s.requireClinic(s.handleSyncChanges))

	mux.HandleFunc("GET /patients/search", s.requireClinic(s.handlePatientSearch))
	mux.HandleFunc("GET /patients/{id}/full", s.requireClinic(s.handlePatientFull))

	mux.HandleFunc("GET /files/images/{id}", s.requireClinic(s.handleFetchImage))
	mux.HandleFunc("POST /files/upload", s.requireClinic(s.handleUpload))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggingMiddleware, maxBytesMiddleware(s.config.MaxBodyBytes))
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
