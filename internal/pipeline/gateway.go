// Package pipeline implements the gateway's policy-driven request flow:
// resolve a path's feature set, then run auth, rate limiting, caching,
// timeout, retry, and circuit breaking around the forward call, in the
// fixed order the reliability guarantees depend on.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/premier-gateway/internal/apierror"
	"github.com/dskow/premier-gateway/internal/auth"
	"github.com/dskow/premier-gateway/internal/cache"
	"github.com/dskow/premier-gateway/internal/circuitbreaker"
	"github.com/dskow/premier-gateway/internal/config"
	"github.com/dskow/premier-gateway/internal/eventsink"
	"github.com/dskow/premier-gateway/internal/kvstore"
	"github.com/dskow/premier-gateway/internal/loadbalancer"
	"github.com/dskow/premier-gateway/internal/metrics"
	"github.com/dskow/premier-gateway/internal/routing"
	"github.com/dskow/premier-gateway/internal/throttle"
	"github.com/dskow/premier-gateway/internal/wsproxy"
)

// Gateway is the composed policy pipeline: one instance per running
// gateway, wired over one kvstore.Store and either an in-process upstream
// (plugin mode) or a backend pool (standalone mode).
type Gateway struct {
	store    kvstore.Store
	keyspace string

	router *atomic.Pointer[routing.Router]
	authn  *atomic.Pointer[auth.Authenticator]

	throttler *throttle.Throttler
	cache     *cache.Cache
	balancer  *loadbalancer.Balancer
	upstream  http.Handler
	ws        *wsproxy.Proxy
	sink      *eventsink.Sink
	logger    *slog.Logger

	breakersMu sync.RWMutex
	breakers   map[string]*circuitbreaker.CompositeBreaker

	proxiesMu sync.RWMutex
	proxies   map[string]*httputil.ReverseProxy
}

// New builds a Gateway. upstream is the in-process application to wrap in
// plugin mode; pass nil in standalone mode, where cfg.Premier.Servers names
// the backend pool instead.
func New(cfg *config.Config, store kvstore.Store, upstream http.Handler, sink *eventsink.Sink, logger *slog.Logger) (*Gateway, error) {
	router, err := routing.New(cfg.Premier.Paths, cfg.Premier.DefaultFeatures)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		store:     store,
		keyspace:  cfg.Premier.Keyspace,
		throttler: throttle.New(store, cfg.Premier.Keyspace),
		cache:     cache.New(store, cfg.Premier.Keyspace),
		upstream:  upstream,
		sink:      sink,
		logger:    logger,
		breakers:  make(map[string]*circuitbreaker.CompositeBreaker),
		proxies:   make(map[string]*httputil.ReverseProxy),
	}

	g.router = new(atomic.Pointer[routing.Router])
	g.router.Store(router)

	g.authn = new(atomic.Pointer[auth.Authenticator])
	g.authn.Store(auth.New(cfg.Premier.Auth))

	if cfg.Premier.Mode() == config.ModeStandalone {
		g.balancer = loadbalancer.New(cfg.Premier.Servers, defaultBreakerFailureThreshold(cfg), 15*time.Second, logger)
	}

	g.ws = wsproxy.New(g.authn, g.throttler, g.balancer, upstream, logger)

	return g, nil
}

func defaultBreakerFailureThreshold(cfg *config.Config) int {
	if cb := cfg.Premier.DefaultFeatures.CircuitBreaker; cb != nil && cb.FailureThreshold > 0 {
		return cb.FailureThreshold
	}
	return 5
}

// Start launches background goroutines (the load balancer's health probe).
// Call Stop to release them.
func (g *Gateway) Start(ctx context.Context) {
	if g.balancer != nil {
		g.balancer.Start(ctx)
	}
}

// Stop releases Gateway's background goroutines.
func (g *Gateway) Stop() {
	if g.balancer != nil {
		g.balancer.Stop()
	}
	g.sink.Stop()
}

// UpdateConfig rebuilds the router and authenticator from a freshly loaded
// config and atomically swaps them in. In-flight requests that already
// loaded the previous router/authenticator finish against that snapshot;
// only requests starting after the swap observe the new one. The backend
// pool and existing circuit breakers are left as-is — reshaping those
// safely requires more care than a hot config reload warrants here.
func (g *Gateway) UpdateConfig(cfg *config.Config) error {
	router, err := routing.New(cfg.Premier.Paths, cfg.Premier.DefaultFeatures)
	if err != nil {
		return err
	}
	g.router.Store(router)
	g.authn.Store(auth.New(cfg.Premier.Auth))
	return nil
}

// ServeHTTP implements the ten-step policy pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	features, pattern := g.router.Load().Resolve(r.Method, r.URL.Path)

	if wsproxy.IsUpgradeRequest(r) {
		g.ws.ServeHTTP(w, r, features, pattern)
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	ev := eventsink.Event{Path: r.URL.Path, MatchedPattern: pattern}

	var principal *auth.Principal
	if features.Auth != nil {
		p, err := g.authn.Load().Authenticate(r, features.Auth)
		if err != nil {
			metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
			g.reject(w, r, err, &ev, start, r.Method, pattern, features)
			return
		}
		principal = p

		if features.Auth.RBAC != nil {
			if err := auth.Authorize(principal, features.Auth.RBAC, pattern); err != nil {
				metrics.AuthFailures.WithLabelValues("forbidden").Inc()
				g.reject(w, r, err, &ev, start, r.Method, pattern, features)
				return
			}
		}
	}

	if features.RateLimit != nil {
		key := pattern
		if principal != nil {
			key += ":" + principal.Subject
		}
		wait, err := g.throttler.Acquire(r.Context(), key, throttle.Algorithm(features.RateLimit.Algorithm), throttle.Params{
			Quota:      features.RateLimit.Quota,
			Duration:   features.RateLimit.Duration,
			BucketSize: features.RateLimit.BucketSize,
		})
		if err != nil || wait > 0 {
			ev.Throttled = true
			metrics.ThrottleRejections.WithLabelValues(pattern, features.RateLimit.Algorithm).Inc()
			status := features.RateLimit.ErrorStatus
			msg := features.RateLimit.ErrorMessage
			apierror.WriteJSON(w, r, status, apierror.QuotaExceeded, msg)
			g.finish(ev, start, r.Method, pattern, status, features)
			return
		}
	}

	var entry *cache.Entry
	var err error

	if features.Cache != nil && cache.IsCacheableMethod(r.Method) {
		key := cache.RequestKey(r.Method, r.URL.Path, r.URL.RawQuery, r.Header, nil)
		ttl := time.Duration(features.Cache.ExpireS) * time.Second
		var computed bool
		entry, err = g.cache.GetOrCompute(r.Context(), key, ttl, func(ctx context.Context) (*cache.Entry, error) {
			computed = true
			return g.executeChain(ctx, r, pattern, features, &ev)
		})
		ev.CacheHit = !computed
		if ev.CacheHit {
			metrics.CacheHits.WithLabelValues(pattern).Inc()
		} else {
			metrics.CacheMisses.WithLabelValues(pattern).Inc()
		}
	} else {
		entry, err = g.executeChain(r.Context(), r, pattern, features, &ev)
	}

	if err != nil {
		g.reject(w, r, err, &ev, start, r.Method, pattern, features)
		return
	}

	writeEntry(w, entry)
	g.finish(ev, start, r.Method, pattern, entry.Status, features)
}

// Patterns reports the compiled path patterns of the live routing table,
// for admin's read-only introspection endpoints.
func (g *Gateway) Patterns() []string {
	return g.router.Load().Patterns()
}

// BreakerStates snapshots the current state of every circuit breaker the
// gateway has created so far, keyed by the path pattern it guards.
// Patterns whose path has never run a circuit-breaker-guarded
// request don't have a breaker yet and are absent from the map.
func (g *Gateway) BreakerStates() map[string]circuitbreaker.State {
	g.breakersMu.RLock()
	defer g.breakersMu.RUnlock()
	states := make(map[string]circuitbreaker.State, len(g.breakers))
	for pattern, b := range g.breakers {
		states[pattern] = b.State()
	}
	return states
}

// Backends reports the standalone backend pool's live health, or nil in
// plugin mode where there is no pool.
func (g *Gateway) Backends() []*loadbalancer.Backend {
	if g.balancer == nil {
		return nil
	}
	return g.balancer.Backends()
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, err error, ev *eventsink.Event, start time.Time, method, pattern string, features *config.FeatureSet) {
	apierror.WriteResponse(w, r, err)
	g.finish(*ev, start, method, pattern, apierror.As(err).Status, features)
}

func (g *Gateway) finish(ev eventsink.Event, start time.Time, method, pattern string, status int, features *config.FeatureSet) {
	duration := time.Since(start)
	ev.Status = status
	ev.LatencyMS = float64(duration) / float64(time.Millisecond)

	metrics.RequestsTotal.WithLabelValues(pattern, method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(pattern, method).Observe(duration.Seconds())

	if m := features.Monitoring; m != nil {
		if seconds := duration.Seconds(); seconds > m.LogThreshold {
			g.logger.Info("slow request", "pattern", pattern, "method", method, "status", status, "duration_s", seconds, "threshold_s", m.LogThreshold)
		}
	}

	g.sink.Emit(ev)
}

func writeEntry(w http.ResponseWriter, entry *cache.Entry) {
	for k, vals := range entry.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(entry.ValueBytes) //nolint:errcheck
}

func authFailureReason(err error) string {
	switch apierror.As(err).Code {
	case apierror.Forbidden:
		return "forbidden"
	default:
		return "unauthenticated"
	}
}
