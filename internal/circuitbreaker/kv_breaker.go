package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/premier-gateway/internal/kvstore"
	"github.com/dskow/premier-gateway/internal/metrics"
)

// KVBreaker is a consecutive-failure-count circuit breaker backed by the
// kvstore atomic scripts, so the trip state is shared by every gateway
// instance sitting in front of the same backend rather than being
// per-process. CLOSED trips to OPEN once failure_count reaches
// failureThreshold; OPEN allows exactly one probe request after
// recoveryTimeout elapses (HALF_OPEN); the probe's outcome resolves the
// state back to CLOSED (reset) or OPEN.
type KVBreaker struct {
	store   kvstore.Store
	key     string
	backend string
	logger  *slog.Logger

	mu               sync.Mutex
	failureThreshold float64
	recoveryTimeout  time.Duration

	lastState State
}

// NewKVBreaker creates a KVBreaker for backend, storing its trip state
// under key in store.
func NewKVBreaker(store kvstore.Store, keyspace, backend string, failureThreshold float64, recoveryTimeout time.Duration, logger *slog.Logger) *KVBreaker {
	return &KVBreaker{
		store:            store,
		key:              keyspace + ":cb:" + backend,
		backend:          backend,
		logger:           logger,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		lastState:        StateClosed,
	}
}

func (b *KVBreaker) params() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]float64{
		"failure_threshold": b.failureThreshold,
		"recovery_timeout":  b.recoveryTimeout.Seconds(),
	}
}

// Allow reports whether a request may proceed. In OPEN state before
// recovery_timeout elapses it rejects; once elapsed it admits exactly one
// probe and flips the stored state to HALF_OPEN so concurrent callers see
// the probe as already in flight.
func (b *KVBreaker) Allow() bool {
	ctx := context.Background()
	res, err := b.store.Atomic(ctx, b.key, kvstore.ScriptCBAcquireProbe, time.Now().Unix(), b.params())
	if err != nil {
		b.logger.Warn("circuit breaker allow check failed, failing open", "backend", b.backend, "error", err)
		return true
	}
	b.noteState(State(res["state"]))
	return res["admitted"] != 0
}

func (b *KVBreaker) RecordSuccess(_ time.Duration) {
	b.record(true)
}

func (b *KVBreaker) RecordFailure(_ time.Duration) {
	b.record(false)
}

func (b *KVBreaker) record(success bool) {
	ctx := context.Background()
	params := b.params()
	if success {
		params["success"] = 1
	} else {
		params["success"] = 0
	}
	res, err := b.store.Atomic(ctx, b.key, kvstore.ScriptCBRecordResult, time.Now().Unix(), params)
	if err != nil {
		b.logger.Warn("circuit breaker record failed", "backend", b.backend, "success", success, "error", err)
		return
	}
	b.noteState(State(res["state"]))
}

func (b *KVBreaker) noteState(s State) {
	b.mu.Lock()
	prev := b.lastState
	b.lastState = s
	b.mu.Unlock()

	if prev == s {
		return
	}
	metrics.CircuitBreakerStateChanges.WithLabelValues(b.backend, prev.String(), s.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.backend).Set(float64(s))
	b.logger.Info("circuit breaker state change", "backend", b.backend, "from", prev.String(), "to", s.String())
}

// State returns the last observed state without mutating the breaker.
func (b *KVBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastState
}

// Reset clears the stored trip state back to CLOSED.
func (b *KVBreaker) Reset() {
	ctx := context.Background()
	if err := b.store.Delete(ctx, b.key); err != nil {
		b.logger.Warn("circuit breaker reset failed", "backend", b.backend, "error", err)
		return
	}
	b.noteState(StateClosed)
}

// SetFailureThreshold dynamically updates the consecutive-failure trip
// point. Used by AdaptiveBreaker to tighten or relax the threshold based on
// observed latency.
func (b *KVBreaker) SetFailureThreshold(t float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureThreshold = t
}

// SetRecoveryTimeout updates how long the breaker stays OPEN before
// admitting a probe. Used by CompositeBreaker.UpdateConfig on hot-reload.
func (b *KVBreaker) SetRecoveryTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recoveryTimeout = d
}
