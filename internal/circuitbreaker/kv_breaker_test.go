package circuitbreaker

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dskow/premier-gateway/internal/kvstore"
	"github.com/dskow/premier-gateway/internal/metrics"
)

func init() {
	metrics.Init()
}

func newTestBreaker(threshold float64, resetTimeout time.Duration) *KVBreaker {
	store := kvstore.NewMemory(time.Hour)
	return NewKVBreaker(store, "ks", "http://test:8080", threshold, resetTimeout, slog.Default())
}

func TestKVBreaker_StartsClosedAndAllows(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)

	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() to return true for closed breaker")
	}
}

func TestKVBreaker_ClosedToOpen(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)

	b.RecordFailure(10 * time.Millisecond)
	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after 2 failures, got %v", b.State())
	}

	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after 3 consecutive failures, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow() to return false for open breaker")
	}
}

func TestKVBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)

	b.RecordFailure(10 * time.Millisecond)
	b.RecordFailure(10 * time.Millisecond)
	b.RecordSuccess(10 * time.Millisecond)
	b.RecordFailure(10 * time.Millisecond)
	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, failure streak reset by the success, got %v", b.State())
	}
}

func TestKVBreaker_OpenToHalfOpenAdmitsOneProbe(t *testing.T) {
	b := newTestBreaker(1, 30*time.Millisecond)

	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected rejection before recovery timeout elapses")
	}

	time.Sleep(40 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected one probe to be admitted after recovery timeout")
	}
	if b.Allow() {
		t.Fatal("expected a second concurrent probe to be rejected")
	}
}

func TestKVBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordFailure(10 * time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}

	b.RecordSuccess(10 * time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() after closing")
	}
}

func TestKVBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordFailure(10 * time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}

	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State())
	}
}

func TestKVBreaker_Reset(t *testing.T) {
	b := newTestBreaker(1, 30*time.Second)

	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after Reset, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() after Reset")
	}
}

func TestKVBreaker_SetFailureThreshold(t *testing.T) {
	b := newTestBreaker(5, 30*time.Second)

	b.RecordFailure(10 * time.Millisecond)
	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed with high threshold, got %v", b.State())
	}

	b.Reset()
	b.SetFailureThreshold(1)
	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen with lowered threshold, got %v", b.State())
	}
}

func TestKVBreaker_ConcurrentAccess(t *testing.T) {
	b := newTestBreaker(50, 30*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow()
			b.RecordSuccess(time.Millisecond)
			b.RecordFailure(time.Millisecond)
			_ = b.State()
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
