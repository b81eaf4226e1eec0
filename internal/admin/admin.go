// Package admin provides read-only admin API endpoints for runtime
// inspection of gateway state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/dskow/premier-gateway/internal/circuitbreaker"
	"github.com/dskow/premier-gateway/internal/config"
	"github.com/dskow/premier-gateway/internal/loadbalancer"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	gateway     GatewayProvider
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// GatewayProvider exposes the live routing and breaker state a running
// pipeline.Gateway holds, without admin importing pipeline directly (which
// would pull config/routing/circuitbreaker back in through a second path).
type GatewayProvider interface {
	Patterns() []string
	BreakerStates() map[string]circuitbreaker.State
	Backends() []*loadbalancer.Backend
}

// New creates a new admin Handler. The allowlist CIDRs must be
// pre-validated (config validation ensures this).
func New(
	reloader ConfigProvider,
	gateway GatewayProvider,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		gateway:     gateway,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/routes", h.guard(h.routesHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/policies", h.guard(h.policiesHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// routeStatus is one entry in /admin/routes: a compiled path pattern
// paired with the live circuit-breaker state tracked for it.
type routeStatus struct {
	Pattern      string `json:"pattern"`
	CircuitState string `json:"circuit_state"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	patterns := h.gateway.Patterns()
	states := h.gateway.BreakerStates()

	statuses := make([]routeStatus, len(patterns))
	for i, pattern := range patterns {
		cbState := "disabled"
		if s, ok := states[pattern]; ok {
			cbState = s.String()
		}
		statuses[i] = routeStatus{Pattern: pattern, CircuitState: cbState}
	}

	resp := map[string]interface{}{"routes": statuses}
	if backends := h.gateway.Backends(); backends != nil {
		out := make([]backendStatus, len(backends))
		for i, b := range backends {
			out[i] = backendStatus{URL: b.URL, Healthy: b.Healthy()}
		}
		resp["backends"] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

// backendStatus is one entry in the backend listing the gateway reports
// when it runs standalone, where there's a pool of servers to be healthy
// or not.
type backendStatus struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	// config.AuthConfig and config.RedisConfig tag their secret fields
	// json:"-", so the default encoding already omits them.
	writeJSON(w, http.StatusOK, h.reloader.Current())
}

// policyStatus is one entry in /admin/policies: a path pattern and the
// feature set currently governing it, for comparing configured intent
// against the live state routesHandler reports.
type policyStatus struct {
	Pattern  string             `json:"pattern"`
	Features *config.FeatureSet `json:"features"`
}

func (h *Handler) policiesHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	statuses := make([]policyStatus, 0, len(cfg.Premier.Paths)+1)
	for _, p := range cfg.Premier.Paths {
		f := p.Features
		statuses = append(statuses, policyStatus{Pattern: p.Pattern, Features: &f})
	}
	defaults := cfg.Premier.DefaultFeatures
	statuses = append(statuses, policyStatus{Pattern: "*", Features: &defaults})

	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": statuses})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
