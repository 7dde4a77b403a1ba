package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type ctxKey struct{}

// logFields collects attributes a handler wants on the request's finish line.
type logFields struct {
	mu    sync.Mutex
	attrs []any
}

func setLogField(r *http.Request, key, value string) {
	f, ok := r.Context().Value(ctxKey{}).(*logFields)
	if !ok || value == "" {
		return
	}
	f.mu.Lock()
	f.attrs = append(f.attrs, key, value)
	f.mu.Unlock()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware tags each request with an id and logs its start and finish.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)

		fields := &logFields{}
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, fields))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		if r.URL.Path != "/metrics" {
			logger.Debug("request started", "request_id", id, "method", r.Method, "path", r.URL.Path)
		}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		fields.mu.Lock()
		attrs = append(attrs, fields.attrs...)
		fields.mu.Unlock()
		logger.Info("request finished", attrs...)
	})
}
