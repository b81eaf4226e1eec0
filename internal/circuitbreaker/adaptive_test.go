package circuitbreaker

import (
	"testing"
	"time"
)

func TestAdaptive_TightensThresholdUnderHighLatency(t *testing.T) {
	inner := newTestBreaker(10, 30*time.Second)
	ab := NewAdaptiveBreaker(inner, 5, 1, 100*time.Millisecond, 1.0)

	ab.RecordSuccess(200 * time.Millisecond)
	ab.RecordSuccess(200 * time.Millisecond)

	inner.mu.Lock()
	threshold := inner.failureThreshold
	inner.mu.Unlock()

	if threshold >= 5 {
		t.Fatalf("expected threshold < 5 after high latency, got %f", threshold)
	}
	if threshold < 1 {
		t.Fatalf("expected threshold >= 1 (min), got %f", threshold)
	}
}

func TestAdaptive_RelaxesThresholdUnderNormalLatency(t *testing.T) {
	inner := newTestBreaker(10, 30*time.Second)
	ab := NewAdaptiveBreaker(inner, 5, 1, 100*time.Millisecond, 0.5)

	ab.RecordSuccess(200 * time.Millisecond)

	for i := 0; i < 20; i++ {
		ab.RecordSuccess(10 * time.Millisecond)
	}

	inner.mu.Lock()
	threshold := inner.failureThreshold
	inner.mu.Unlock()

	if threshold < 4.5 {
		t.Fatalf("expected threshold near 5 after normal latency, got %f", threshold)
	}
}

func TestAdaptive_ResetClearsEWMA(t *testing.T) {
	inner := newTestBreaker(10, 30*time.Second)
	ab := NewAdaptiveBreaker(inner, 5, 1, 100*time.Millisecond, 1.0)

	ab.RecordSuccess(500 * time.Millisecond)
	ab.Reset()

	ab.mu.Lock()
	ewma := ab.ewmaLatency
	ab.mu.Unlock()

	if ewma != 0 {
		t.Fatalf("expected EWMA reset to 0, got %f", ewma)
	}

	inner.mu.Lock()
	threshold := inner.failureThreshold
	inner.mu.Unlock()

	if threshold != 5 {
		t.Fatalf("expected threshold reset to base 5, got %f", threshold)
	}
}

func TestAdaptive_DelegatesAllow(t *testing.T) {
	inner := newTestBreaker(1, 30*time.Second)
	ab := NewAdaptiveBreaker(inner, 1, 0.2, 100*time.Millisecond, 0.3)

	if !ab.Allow() {
		t.Fatal("expected Allow() from closed breaker")
	}
}
