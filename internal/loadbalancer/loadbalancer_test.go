package loadbalancer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/premier-gateway/internal/apierror"
)

func TestNextRoundRobinsAcrossHealthyBackends(t *testing.T) {
	lb := New([]string{"http://a", "http://b"}, 2, time.Hour, slog.Default())

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		b, err := lb.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		seen[b.URL]++
	}
	if seen["http://a"] != 2 || seen["http://b"] != 2 {
		t.Fatalf("expected even round robin, got %v", seen)
	}
}

func TestNextSkipsUnhealthyBackend(t *testing.T) {
	lb := New([]string{"http://a", "http://b"}, 1, time.Hour, slog.Default())

	a := lb.Backends()[0]
	lb.RecordResult(a, false) // one failure trips threshold=1

	for i := 0; i < 4; i++ {
		b, err := lb.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if b.URL != "http://b" {
			t.Fatalf("expected only http://b to be selected, got %s", b.URL)
		}
	}
}

func TestNextReturnsNoHealthyBackendWhenAllDown(t *testing.T) {
	lb := New([]string{"http://a", "http://b"}, 1, time.Hour, slog.Default())
	for _, b := range lb.Backends() {
		lb.RecordResult(b, false)
	}

	_, err := lb.Next()
	if !errors.Is(err, apierror.ErrNoHealthyBackend) {
		t.Fatalf("err = %v, want ErrNoHealthyBackend", err)
	}
}

func TestRecordResultSuccessClearsFailureStreak(t *testing.T) {
	lb := New([]string{"http://a"}, 3, time.Hour, slog.Default())
	a := lb.Backends()[0]

	lb.RecordResult(a, false)
	lb.RecordResult(a, false)
	lb.RecordResult(a, true)
	lb.RecordResult(a, false)
	lb.RecordResult(a, false)

	if !a.Healthy() {
		t.Fatal("expected backend to remain healthy, failure streak was reset by the success")
	}
}

func TestProbeRecoversUnhealthyBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lb := New([]string{srv.URL}, 1, 15*time.Millisecond, slog.Default())
	b := lb.Backends()[0]
	lb.RecordResult(b, false)
	if b.Healthy() {
		t.Fatal("expected backend to be unhealthy after a failure at threshold 1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lb.Start(ctx)
	defer lb.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if b.Healthy() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected backend to recover after a successful probe")
}
