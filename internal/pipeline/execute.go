package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/dskow/premier-gateway/internal/apierror"
	"github.com/dskow/premier-gateway/internal/cache"
	"github.com/dskow/premier-gateway/internal/circuitbreaker"
	"github.com/dskow/premier-gateway/internal/config"
	"github.com/dskow/premier-gateway/internal/eventsink"
	"github.com/dskow/premier-gateway/internal/metrics"
	"github.com/dskow/premier-gateway/internal/retry"
)

// executeChain runs steps 5 through 8 of the policy pipeline: the
// timeout-wrapped retry loop around the circuit breaker and the forward
// call. It returns the response ready to hand back to the client — even a
// non-2xx one, if the upstream produced it and every retry was exhausted —
// or a pipeline error when no response was ever obtained (circuit open, no
// healthy backend, deadline exceeded before any attempt completed).
func (g *Gateway) executeChain(ctx context.Context, r *http.Request, pattern string, features *config.FeatureSet, ev *eventsink.Event) (*cache.Entry, error) {
	if features.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(features.Timeout.Seconds*float64(time.Second)))
		defer cancel()
	}

	var breaker *circuitbreaker.CompositeBreaker
	if features.CircuitBreaker != nil {
		breaker = g.breakerFor(pattern, features.CircuitBreaker)
	}

	maxAttempts := 1
	var wait retry.Wait
	retryOn := retry.RetryOn(func(error) bool { return false })
	if features.Retry != nil {
		maxAttempts = features.Retry.MaxAttempts
		w := features.Retry.Wait
		wait = func(attempt int) float64 { return w.At(attempt) }
		retryOn = retryableUpstreamError
	}

	var result *responseBuffer
	var backendLabel string
	attempts := 0

	op := func(opCtx context.Context, attempt int) error {
		attempts = attempt

		if breaker != nil && !breaker.Allow() {
			return apierror.ErrCircuitOpen
		}

		start := time.Now()
		buf, backend, err := g.forwardOnce(opCtx, r, pattern)
		latency := time.Since(start)
		if backend != nil {
			backendLabel = backend.URL
		}

		if err != nil {
			if breaker != nil {
				breaker.RecordFailure(latency)
				breaker.Release()
			}
			return err
		}

		result = buf
		if isRetryableStatus(buf.statusCode) {
			if breaker != nil {
				breaker.RecordFailure(latency)
				breaker.Release()
			}
			if backend != nil {
				g.balancer.RecordResult(backend, false)
			}
			metrics.UpstreamErrors.WithLabelValues(pattern, backendLabel, statusLabel(buf.statusCode)).Inc()
			if attempt < maxAttempts {
				metrics.RetryTotal.WithLabelValues(pattern, backendLabel).Inc()
			}
			return apierror.ErrUpstreamError
		}

		if breaker != nil {
			breaker.RecordSuccess(latency)
			breaker.Release()
		}
		if backend != nil {
			g.balancer.RecordResult(backend, true)
		}
		return nil
	}

	err := retry.Do(ctx, op, maxAttempts, wait, retryOn)
	ev.RetriedN = attempts - 1
	if breaker != nil {
		ev.CircuitState = breaker.State().String()
	}

	// A deadline that fired mid-attempt takes priority over whatever the
	// op returned: an upstream handler that ignores context cancellation
	// and writes a response anyway (or writes nothing at all) must not be
	// mistaken for a real success or a real unhappy-status response.
	if ctx.Err() == context.DeadlineExceeded {
		ev.TimedOut = true
		return nil, timeoutError(features.Timeout)
	}

	if err != nil {
		if result != nil {
			// Every attempt got a response, just an unhappy one; the last
			// attempt's response is what a client without retries would
			// have received, so pass it through rather than error out.
			return bufferToEntry(result), nil
		}
		return nil, err
	}

	return bufferToEntry(result), nil
}

func bufferToEntry(buf *responseBuffer) *cache.Entry {
	headers := make(map[string][]string, len(buf.header))
	for k, v := range buf.header {
		headers[k] = append([]string(nil), v...)
	}
	status := buf.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &cache.Entry{
		ValueBytes:  buf.body.Bytes(),
		ContentType: buf.header.Get("Content-Type"),
		Status:      status,
		Headers:     headers,
		Uncacheable: !cache.IsCacheableStatus(status),
	}
}

func retryableUpstreamError(err error) bool {
	return apierror.As(err).Code == apierror.UpstreamError
}

func timeoutError(f *config.TimeoutFeature) *apierror.Error {
	status := f.ErrorStatus
	if status == 0 {
		status = http.StatusGatewayTimeout
	}
	msg := f.ErrorMessage
	if msg == "" {
		msg = apierror.ErrTimedOut.Message
	}
	return apierror.ErrTimedOut.WithStatus(status).WithMessage(msg)
}

// breakerFor returns the composite circuit breaker for pattern, creating
// and caching one from feature's configuration on first use. The layer
// composition (which of timeout/bulkhead/adaptive are active) is fixed at
// creation; a hot reload that changes failure_threshold/recovery_timeout
// updates the existing breaker's core threshold in place rather than
// losing its accumulated trip state.
func (g *Gateway) breakerFor(pattern string, feature *config.CircuitBreakerFeature) *circuitbreaker.CompositeBreaker {
	cbCfg := circuitbreaker.Config{
		FailureThreshold: float64(feature.FailureThreshold),
		ResetTimeout:     time.Duration(feature.RecoveryTimeout * float64(time.Second)),
		SlowThreshold:    time.Duration(feature.SlowThresholdS * float64(time.Second)),
		MaxConcurrent:    feature.MaxConcurrent,
		Adaptive:         feature.Adaptive,
		LatencyCeiling:   time.Duration(feature.LatencyCeilingS * float64(time.Second)),
		MinThreshold:     feature.MinThreshold,
	}

	g.breakersMu.RLock()
	b, ok := g.breakers[pattern]
	g.breakersMu.RUnlock()
	if ok {
		b.UpdateConfig(cbCfg)
		return b
	}

	g.breakersMu.Lock()
	defer g.breakersMu.Unlock()
	if b, ok := g.breakers[pattern]; ok {
		b.UpdateConfig(cbCfg)
		return b
	}

	b = circuitbreaker.NewComposite(g.store, g.keyspace, pattern, cbCfg, g.logger)
	if g.breakers == nil {
		g.breakers = make(map[string]*circuitbreaker.CompositeBreaker)
	}
	g.breakers[pattern] = b
	return b
}

func statusLabel(status int) string {
	switch status {
	case http.StatusBadGateway:
		return "502"
	case http.StatusServiceUnavailable:
		return "503"
	case http.StatusGatewayTimeout:
		return "504"
	default:
		return "5xx"
	}
}
