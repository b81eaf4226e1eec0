// Package wsproxy implements the gateway's WebSocket support: authenticate
// and rate-limit the upgrade request exactly like any other policy-guarded
// path, then hand the connection over and pump raw bytes between client and
// upstream for the life of the socket. No cache, retry, or circuit breaker
// wraps a WebSocket connection — those reliability layers assume a single
// bounded request/response, which a long-lived duplex stream isn't.
//
// No third-party WebSocket library appears anywhere in the reference
// corpus this gateway was built from, so this package sticks to the
// standard library: it hijacks the underlying net.Conn and proxies bytes
// rather than parsing the WebSocket frame format, which the gateway never
// needs to inspect.
package wsproxy

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/premier-gateway/internal/apierror"
	"github.com/dskow/premier-gateway/internal/auth"
	"github.com/dskow/premier-gateway/internal/config"
	"github.com/dskow/premier-gateway/internal/loadbalancer"
	"github.com/dskow/premier-gateway/internal/throttle"
)

// Proxy handles WebSocket upgrade requests that matched a policy-guarded
// path.
type Proxy struct {
	authn     *atomic.Pointer[auth.Authenticator]
	throttler *throttle.Throttler
	balancer  *loadbalancer.Balancer
	upstream  http.Handler
	logger    *slog.Logger
}

// New builds a Proxy. balancer is nil in plugin mode, where upgrade
// requests are simply handed to the wrapped in-process upstream, which
// does its own hijacking.
func New(authn *atomic.Pointer[auth.Authenticator], throttler *throttle.Throttler, balancer *loadbalancer.Balancer, upstream http.Handler, logger *slog.Logger) *Proxy {
	return &Proxy{authn: authn, throttler: throttler, balancer: balancer, upstream: upstream, logger: logger}
}

// IsUpgradeRequest reports whether r is a WebSocket upgrade request, per
// RFC 6455 §4.1: a GET with Connection: Upgrade and Upgrade: websocket.
func IsUpgradeRequest(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		headerContainsToken(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(header, token string) bool {
	for _, v := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}
	return false
}

// ServeHTTP runs auth and rate-limit-at-connect for features/pattern, then
// either delegates to the in-process upstream (plugin mode) or hijacks the
// client connection and pumps bytes to a backend (standalone mode).
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, features *config.FeatureSet, pattern string) {
	var principal *auth.Principal
	if features.Auth != nil {
		pr, err := p.authn.Load().Authenticate(r, features.Auth)
		if err != nil {
			apierror.WriteResponse(w, r, err)
			return
		}
		principal = pr
		if features.Auth.RBAC != nil {
			if err := auth.Authorize(principal, features.Auth.RBAC, pattern); err != nil {
				apierror.WriteResponse(w, r, err)
				return
			}
		}
	}

	if features.RateLimit != nil {
		key := pattern
		if principal != nil {
			key += ":" + principal.Subject
		}
		wait, err := p.throttler.Acquire(r.Context(), key, throttle.Algorithm(features.RateLimit.Algorithm), throttle.Params{
			Quota:      features.RateLimit.Quota,
			Duration:   features.RateLimit.Duration,
			BucketSize: features.RateLimit.BucketSize,
		})
		if err != nil || wait > 0 {
			status := features.RateLimit.ErrorStatus
			apierror.WriteJSON(w, r, status, apierror.QuotaExceeded, features.RateLimit.ErrorMessage)
			return
		}
	}

	if p.balancer == nil {
		// Plugin mode: the wrapped application owns the upgrade handshake
		// and hijacking.
		p.upstream.ServeHTTP(w, r)
		return
	}

	p.pump(w, r)
}

// pump hijacks the client connection, dials the selected backend, replays
// the original upgrade request to it, and then copies bytes in both
// directions until either side closes.
func (p *Proxy) pump(w http.ResponseWriter, r *http.Request) {
	backend, err := p.balancer.Next()
	if err != nil {
		apierror.WriteResponse(w, r, err)
		return
	}

	backendAddr, useTLS := backendDialAddr(backend.URL)
	backendConn, err := net.DialTimeout("tcp", backendAddr, 10*time.Second)
	if err != nil {
		p.balancer.RecordResult(backend, false)
		apierror.WriteResponse(w, r, apierror.ErrUpstreamError)
		return
	}
	defer backendConn.Close()

	if useTLS {
		// TLS-fronted backends are out of scope for the raw byte pump; the
		// gateway's own termination (internal/tlsutil) handles TLS on the
		// client side only.
		p.balancer.RecordResult(backend, false)
		backendConn.Close()
		apierror.WriteResponse(w, r, apierror.ErrUpstreamError)
		return
	}

	if err := r.Write(backendConn); err != nil {
		p.balancer.RecordResult(backend, false)
		apierror.WriteResponse(w, r, apierror.ErrUpstreamError)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		p.balancer.RecordResult(backend, false)
		apierror.WriteResponse(w, r, apierror.ErrInternal)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		p.balancer.RecordResult(backend, false)
		apierror.WriteResponse(w, r, apierror.ErrInternal)
		return
	}
	defer clientConn.Close()

	if clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(backendConn, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			p.balancer.RecordResult(backend, false)
			return
		}
	}

	p.balancer.RecordResult(backend, true)
	proxyBytes(clientConn, backendConn, p.logger)
}

// proxyBytes copies bytes in both directions until one side closes: two
// goroutines, a WaitGroup, no framing awareness.
func proxyBytes(client, backend net.Conn, logger *slog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(backend, client) //nolint:errcheck
		if c, ok := backend.(interface{ CloseWrite() error }); ok {
			c.CloseWrite() //nolint:errcheck
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, backend) //nolint:errcheck
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			c.CloseWrite() //nolint:errcheck
		}
	}()

	wg.Wait()
}

func backendDialAddr(backendURL string) (addr string, tls bool) {
	rest := backendURL
	tls = strings.HasPrefix(rest, "https://")
	rest = strings.TrimPrefix(rest, "https://")
	rest = strings.TrimPrefix(rest, "http://")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	if !strings.Contains(rest, ":") {
		if tls {
			rest += ":443"
		} else {
			rest += ":80"
		}
	}
	return rest, tls
}
