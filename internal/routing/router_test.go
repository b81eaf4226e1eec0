package routing

import (
	"testing"

	"github.com/dskow/premier-gateway/internal/config"
)

func mkPaths(patterns ...string) []config.PathConfig {
	paths := make([]config.PathConfig, len(patterns))
	for i, p := range patterns {
		paths[i] = config.PathConfig{Pattern: p, Features: config.FeatureSet{}}
	}
	return paths
}

func TestResolveExactLiteralMatch(t *testing.T) {
	r, err := New(mkPaths("/api/users"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, pattern := r.Resolve("GET", "/api/users")
	if pattern != "/api/users" {
		t.Fatalf("pattern = %q, want /api/users", pattern)
	}
}

func TestResolveGlobSingleStarStopsAtSlash(t *testing.T) {
	r, err := New(mkPaths("/api/*/detail"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, p := r.Resolve("GET", "/api/users/detail"); p != "/api/*/detail" {
		t.Fatalf("expected match, got pattern %q", p)
	}
	if _, p := r.Resolve("GET", "/api/users/1/detail"); p != "" {
		t.Fatalf("expected no match for extra segment, got pattern %q", p)
	}
}

func TestResolveGlobDoubleStarCrossesSlashes(t *testing.T) {
	r, err := New(mkPaths("/api/**"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, p := r.Resolve("GET", "/api/users/1/detail"); p != "/api/**" {
		t.Fatalf("expected ** to cross slashes, got pattern %q", p)
	}
}

func TestResolveFallsBackToDefaults(t *testing.T) {
	r, err := New(mkPaths("/api/users"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, p := r.Resolve("GET", "/unmatched")
	if p != "" {
		t.Fatalf("expected empty pattern (defaults), got %q", p)
	}
}

func TestResolvePicksLongestLiteralPrefix(t *testing.T) {
	r, err := New(mkPaths("/api/*", "/api/users/*"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, p := r.Resolve("GET", "/api/users/42")
	if p != "/api/users/*" {
		t.Fatalf("expected the more specific pattern to win, got %q", p)
	}
}

func TestResolveTiesBreakOnDeclarationOrder(t *testing.T) {
	r, err := New(mkPaths("/api/*", "/api/*s"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, p := r.Resolve("GET", "/api/users")
	if p != "/api/*" {
		t.Fatalf("expected first-declared pattern to win ties, got %q", p)
	}
}

func TestResolveRegexLiteralUsedAsIs(t *testing.T) {
	r, err := New(mkPaths(`^/api/v[0-9]+/users$`), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, p := r.Resolve("GET", "/api/v2/users"); p == "" {
		t.Fatal("expected regex-literal pattern to match")
	}
	if _, p := r.Resolve("GET", "/api/vX/users"); p != "" {
		t.Fatal("expected regex-literal pattern not to match non-numeric version")
	}
}

func TestResolveIsDeterministicUnderCache(t *testing.T) {
	r, err := New(mkPaths("/api/*"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, p1 := r.Resolve("GET", "/api/users")
	_, p2 := r.Resolve("GET", "/api/users")
	if p1 != p2 {
		t.Fatalf("resolution changed across calls: %q vs %q", p1, p2)
	}
}

func TestAddingLessSpecificPatternDoesNotChangeExistingResolution(t *testing.T) {
	r, err := New(mkPaths("/api/users/*"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, before := r.Resolve("GET", "/api/users/42")

	r2, err := New(mkPaths("/api/users/*", "/api/*"), config.FeatureSet{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, after := r2.Resolve("GET", "/api/users/42")

	if before != after {
		t.Fatalf("adding a less specific pattern changed resolution: %q -> %q", before, after)
	}
}
