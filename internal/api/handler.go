package api

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/engine"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/metrics"
)

const (
	maxBodyBytes = 1 << 20
	secretHeader = "X-Mpesa-Webhook-Secret"
)

// Ingester applies one callback body.
type Ingester interface {
	Ingest(ctx context.Context, kind event.Kind, txParam string, body []byte) (*engine.Result, error)
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    Ingester
	store  Pinger
	config func() *config.Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. Webhook routes are
// mounted under the prefix configured at startup; the shared secret is read
// from the current config on every request.
func New(eng Ingester, st Pinger, cfg func() *config.Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{eng: eng, store: st, config: cfg, logger: logger, mux: http.NewServeMux()}

	prefix := strings.TrimRight(cfg().Server.WebhookPrefix, "/")
	h.mux.HandleFunc("POST "+prefix+"/stk", h.webhook(event.KindSTKResult))
	h.mux.HandleFunc("POST "+prefix+"/b2c/result", h.webhook(event.KindB2CResult))
	h.mux.HandleFunc("POST "+prefix+"/b2c/timeout", h.webhook(event.KindB2CTimeout))
	h.mux.HandleFunc("POST "+prefix+"/b2b/result", h.webhook(event.KindB2BResult))
	h.mux.HandleFunc("POST "+prefix+"/b2b/timeout", h.webhook(event.KindB2BTimeout))
	h.mux.HandleFunc("POST "+prefix+"/status/result", h.webhook(event.KindStatusResult))
	h.mux.HandleFunc("POST "+prefix+"/status/timeout", h.webhook(event.KindStatusTimeout))
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// webhook authenticates a gateway callback, applies it and acknowledges it.
// The gateway retries anything but a 200, so every authenticated delivery is
// accepted whatever the processing outcome.
func (h *Handler) webhook(kind event.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			metrics.WebhooksUnauthorized.WithLabelValues(string(kind)).Inc()
			writeAck(w, http.StatusUnauthorized, ackUnauthorized)
			return
		}

		txParam := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("tx")))
		setLogField(r, "tx", txParam)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			h.logger.Warn("webhook body unreadable", "kind", kind, "tx", txParam, "err", err)
			writeAck(w, http.StatusOK, ackAccepted)
			return
		}

		// Processing outlives a client that hangs up early; the engine bounds it.
		res, err := h.eng.Ingest(context.WithoutCancel(r.Context()), kind, txParam, body)
		if res != nil {
			setLogField(r, "ref", res.TransactionID)
			setLogField(r, "outcome", string(res.Outcome))
		}
		if err != nil {
			h.logger.Error("webhook processing failed", "kind", kind, "tx", txParam, "err", err)
		}
		writeAck(w, http.StatusOK, ackAccepted)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	want := strings.TrimSpace(h.config().Gateway.WebhookSecret)
	if want == "" {
		return true
	}
	got := r.URL.Query().Get("secret")
	if got == "" {
		got = r.Header.Get(secretHeader)
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) == 1
}

// GET /healthz: always 200 (liveness).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 when the store cannot be reached.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
