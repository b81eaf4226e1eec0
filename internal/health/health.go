// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dskow/premier-gateway/internal/loadbalancer"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// BackendProvider exposes a standalone backend pool's live health.
// *loadbalancer.Balancer and *pipeline.Gateway both satisfy it, so health
// can report on either without importing pipeline.
type BackendProvider interface {
	Backends() []*loadbalancer.Backend
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	backends BackendProvider
	logger   *slog.Logger
}

// New creates a new health check Handler. backends is nil in plugin mode,
// where the gateway has no backend pool of its own to judge readiness by —
// only the wrapped upstream would know its own health, which is outside
// this gateway's concern.
func New(backends BackendProvider, logger *slog.Logger) *Handler {
	return &Handler{backends: backends, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

// readiness reports not-ready only when every backend in the standalone
// pool is down; a partially degraded pool can still serve traffic, just
// with less capacity. Backend health comes straight from the balancer's
// own probe loop rather than dialing again here.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	httpStatus := http.StatusOK
	backends := map[string]string{}

	if h.backends != nil {
		anyHealthy := false
		for _, b := range h.backends.Backends() {
			if b.Healthy() {
				backends[b.URL] = "ok"
				anyHealthy = true
			} else {
				backends[b.URL] = "unreachable"
			}
		}
		if !anyHealthy && len(backends) > 0 {
			status = "not ready"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   status,
		"backends": backends,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body) //nolint:errcheck
}
