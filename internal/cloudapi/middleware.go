package cloudapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

const (
	headerClinicID  = "X-Clinic-ID"
	headerSyncToken = "X-Sync-Token"
)

type contextKey int

const (
	ctxKeyClinicID contextKey = iota
	ctxKeyRequestID
)

// clinicFromContext returns the authenticated clinic ID, empty if none.
func clinicFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyClinicID).(string)
	return id
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// chain applies middlewares right to left, so the first listed runs first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recoveryMiddleware catches panics and returns a 500 response.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "panic", rec, "path", r.URL.Path, "rid", requestID(r.Context()))
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware attaches a random request ID to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 8)
		rand.Read(b)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, hex.EncodeToString(b))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request with status and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sc, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sc.code,
			"clinic", clinicFromContext(r.Context()),
			"dur", time.Since(start).Round(time.Millisecond).String(),
			"rid", requestID(r.Context()))
	})
}

type statusCapture struct {
	http.ResponseWriter
	code int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.code = code
	sc.ResponseWriter.WriteHeader(code)
}

// maxBytesMiddleware caps request body size.
func maxBytesMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// requireClinic authenticates the clinic headers: X-Clinic-ID must be set
// and X-Sync-Token must match the configured token. An empty configured
// token disables the token check (local development).
func (s *Server) requireClinic(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := r.Header.Get(headerClinicID)
		if clinicID == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing clinic id")
			return
		}
		if s.config.Token != "" {
			token := r.Header.Get(headerSyncToken)
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid sync token")
				return
			}
		}
		ctx := context.WithValue(r.Context(), ctxKeyClinicID, clinicID)
		next(w, r.WithContext(ctx))
	}
}
