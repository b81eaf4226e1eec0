package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/dskow/premier-gateway/internal/apierror"
	"github.com/dskow/premier-gateway/internal/loadbalancer"
	"github.com/dskow/premier-gateway/internal/metrics"
)

// responseBuffer captures a forwarded response (status, headers, body) in
// memory so the retry wrapper can inspect its status before deciding
// whether to replay it to the real client or try again.
type responseBuffer struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if !b.written {
		b.statusCode = code
		b.written = true
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.written {
		b.statusCode = http.StatusOK
		b.written = true
	}
	return b.body.Write(p)
}

func isRetryableStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

var errBodyBadGateway = mustMarshalGatewayError(http.StatusBadGateway, "upstream request failed")

func mustMarshalGatewayError(status int, message string) []byte {
	b, _ := json.Marshal(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
	return append(b, '\n')
}

// forwardOnce dispatches one attempt: invoking the wrapped in-process
// upstream in plugin mode, or round-robining to a backend and reverse
// proxying to it in standalone mode. The returned *loadbalancer.Backend is
// nil in plugin mode, where there is no pool to report health against.
func (g *Gateway) forwardOnce(ctx context.Context, r *http.Request, pattern string) (*responseBuffer, *loadbalancer.Backend, error) {
	req := r.Clone(ctx)
	buf := newResponseBuffer()

	if g.upstream != nil {
		g.upstream.ServeHTTP(buf, req)
		return buf, nil, nil
	}

	backend, err := g.balancer.Next()
	if err != nil {
		metrics.NoHealthyBackend.WithLabelValues(pattern).Inc()
		return nil, nil, err
	}

	target, err := url.Parse(backend.URL)
	if err != nil {
		return nil, backend, apierror.Wrap(apierror.InternalError, 0, "invalid backend URL", err)
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.Host = target.Host

	g.proxyFor(backend.URL).ServeHTTP(buf, req)
	return buf, backend, nil
}

// proxyFor returns the cached reverse proxy for backendURL, creating and
// caching one on first use. Reusing proxies (and their transports) across
// requests is what makes connection pooling to each backend effective.
func (g *Gateway) proxyFor(backendURL string) *httputil.ReverseProxy {
	g.proxiesMu.RLock()
	p, ok := g.proxies[backendURL]
	g.proxiesMu.RUnlock()
	if ok {
		return p
	}

	g.proxiesMu.Lock()
	defer g.proxiesMu.Unlock()
	if p, ok := g.proxies[backendURL]; ok {
		return p
	}

	target, _ := url.Parse(backendURL)
	logger := g.logger
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("forward error", "error", err, "backend", backendURL)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write(errBodyBadGateway) //nolint:errcheck
	}
	if g.proxies == nil {
		g.proxies = make(map[string]*httputil.ReverseProxy)
	}
	g.proxies[backendURL] = rp
	return rp
}
