// Package loadbalancer selects a backend from a fixed pool by round robin,
// tracking per-backend health from consecutive forwarding failures and a
// periodic liveness probe.
package loadbalancer

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/dskow/premier-gateway/internal/apierror"
)

// Backend is one entry in the pool.
type Backend struct {
	URL string

	healthy   atomic.Bool
	failures  atomic.Int64
	consecErr atomic.Int64
}

// Healthy reports the backend's last-known health.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// Balancer round-robins over a fixed backend pool, skipping backends marked
// unhealthy after failureThreshold consecutive forwarding failures. A
// background probe loop periodically HEADs "/" on unhealthy backends and
// restores them on success.
type Balancer struct {
	backends         []*Backend
	cursor           atomic.Uint64
	failureThreshold int64
	probeInterval    time.Duration
	client           *http.Client
	logger           *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Balancer over urls. failureThreshold mirrors the circuit
// breaker's failure_threshold per spec — the same consecutive-failure count
// that trips a breaker also marks a backend unhealthy here.
func New(urls []string, failureThreshold int, probeInterval time.Duration, logger *slog.Logger) *Balancer {
	backends := make([]*Backend, len(urls))
	for i, u := range urls {
		b := &Backend{URL: u}
		b.healthy.Store(true)
		backends[i] = b
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Balancer{
		backends:         backends,
		failureThreshold: int64(failureThreshold),
		probeInterval:    probeInterval,
		client:           &http.Client{Timeout: 5 * time.Second},
		logger:           logger,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Next advances the cursor and returns the next healthy backend. Returns
// apierror.ErrNoHealthyBackend if every backend in the pool is down.
func (lb *Balancer) Next() (*Backend, error) {
	n := len(lb.backends)
	if n == 0 {
		return nil, apierror.ErrNoHealthyBackend
	}
	start := lb.cursor.Add(1)
	for i := 0; i < n; i++ {
		idx := (int(start) + i) % n
		b := lb.backends[idx]
		if b.Healthy() {
			return b, nil
		}
	}
	return nil, apierror.ErrNoHealthyBackend
}

// RecordResult updates a backend's consecutive-failure count and flips its
// health when the threshold is crossed.
func (lb *Balancer) RecordResult(b *Backend, success bool) {
	if success {
		b.consecErr.Store(0)
		b.healthy.Store(true)
		return
	}
	n := b.consecErr.Add(1)
	b.failures.Add(1)
	if n >= lb.failureThreshold {
		if b.healthy.CompareAndSwap(true, false) {
			lb.logger.Warn("backend marked unhealthy", "backend", b.URL, "consecutive_failures", n)
		}
	}
}

// Backends returns the pool for introspection (admin endpoints, tests).
func (lb *Balancer) Backends() []*Backend { return lb.backends }

// Start launches the background probe loop. Call Stop to release it.
func (lb *Balancer) Start(ctx context.Context) {
	go lb.probeLoop(ctx)
}

func (lb *Balancer) Stop() {
	close(lb.stop)
	<-lb.done
}

func (lb *Balancer) probeLoop(ctx context.Context) {
	defer close(lb.done)
	ticker := time.NewTicker(lb.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lb.stop:
			return
		case <-ticker.C:
			lb.probeAll(ctx)
		}
	}
}

func (lb *Balancer) probeAll(ctx context.Context) {
	for _, b := range lb.backends {
		if b.Healthy() {
			continue
		}
		if lb.probe(ctx, b) {
			b.consecErr.Store(0)
			b.healthy.Store(true)
			lb.logger.Info("backend recovered", "backend", b.URL)
		}
	}
}

func (lb *Balancer) probe(ctx context.Context, b *Backend) bool {
	target, err := url.Parse(b.URL)
	if err != nil {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, target.String(), nil)
	if err != nil {
		return false
	}
	resp, err := lb.client.Do(req)
	if err != nil {
		req, err = http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
		if err != nil {
			return false
		}
		resp, err = lb.client.Do(req)
		if err != nil {
			return false
		}
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
