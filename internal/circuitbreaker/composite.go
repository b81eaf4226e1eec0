package circuitbreaker

import (
	"log/slog"
	"time"

	"github.com/dskow/premier-gateway/internal/kvstore"
)

// Config holds all circuit breaker configuration. The core breaker is
// always active. Timeout, bulkhead, and adaptive breakers are enabled only
// when their respective settings are non-zero/true.
type Config struct {
	// Core breaker (always active)
	FailureThreshold float64
	ResetTimeout     time.Duration

	// Timeout breaker (active when SlowThreshold > 0)
	SlowThreshold time.Duration

	// Bulkhead breaker (active when MaxConcurrent > 0)
	MaxConcurrent int

	// Adaptive breaker (active when Adaptive is true)
	Adaptive       bool
	LatencyCeiling time.Duration
	MinThreshold   float64
}

// CompositeBreaker composes multiple breaker layers into a single unit.
// The proxy interacts only with CompositeBreaker; internal layering is
// transparent.
type CompositeBreaker struct {
	core      *KVBreaker
	bulkhead  *BulkheadBreaker // nil if bulkhead disabled
	effective Breaker          // outermost layer — what Allow/Record call
}

// NewComposite builds a composed breaker stack for the given backend, with
// its trip state shared via store. Composition order (inside → out): core
// → Adaptive → Timeout → Bulkhead.
func NewComposite(store kvstore.Store, keyspace, backend string, cfg Config, logger *slog.Logger) *CompositeBreaker {
	fr := NewKVBreaker(store, keyspace, backend, cfg.FailureThreshold, cfg.ResetTimeout, logger)

	var current Breaker = fr

	// Wrap with adaptive if enabled (modifies the failure-rate breaker's threshold).
	if cfg.Adaptive {
		alpha := 0.3 // sensible default
		current = NewAdaptiveBreaker(fr, cfg.FailureThreshold, cfg.MinThreshold, cfg.LatencyCeiling, alpha)
	}

	// Wrap with timeout breaker if slow threshold is configured.
	if cfg.SlowThreshold > 0 {
		current = NewTimeoutBreaker(current, cfg.SlowThreshold)
	}

	cb := &CompositeBreaker{
		core:      fr,
		effective: current,
	}

	// Wrap with bulkhead if max concurrent is configured.
	if cfg.MaxConcurrent > 0 {
		bh := NewBulkheadBreaker(current, cfg.MaxConcurrent, backend)
		cb.bulkhead = bh
		cb.effective = bh
	}

	return cb
}

func (c *CompositeBreaker) Allow() bool {
	return c.effective.Allow()
}

func (c *CompositeBreaker) RecordSuccess(latency time.Duration) {
	c.effective.RecordSuccess(latency)
}

func (c *CompositeBreaker) RecordFailure(latency time.Duration) {
	c.effective.RecordFailure(latency)
}

// State returns the core breaker's state.
func (c *CompositeBreaker) State() State {
	return c.core.State()
}

func (c *CompositeBreaker) Reset() {
	c.effective.Reset()
}

// Release frees a bulkhead concurrency slot. Must be called after every
// Allow() that returned true. Safe to call when bulkhead is disabled (no-op).
func (c *CompositeBreaker) Release() {
	if c.bulkhead != nil {
		c.bulkhead.Release()
	}
}

// UpdateConfig updates the core breaker's trip parameters at runtime (e.g.,
// on config hot-reload). Thread-safe.
func (c *CompositeBreaker) UpdateConfig(cfg Config) {
	c.core.SetFailureThreshold(cfg.FailureThreshold)
	c.core.SetRecoveryTimeout(cfg.ResetTimeout)
}
