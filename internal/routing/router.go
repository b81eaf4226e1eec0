// Package routing compiles the gateway's path patterns into regexes, ranks
// overlapping matches by specificity, and caches resolved policies per
// (method, path) so the hot path rarely re-matches.
package routing

import (
	"regexp"
	"strings"

	"github.com/dskow/premier-gateway/internal/config"
)

const defaultLRUSize = 4096

// resolved is the value cached per (method, path).
type resolved struct {
	features *config.FeatureSet
	pattern  string
}

// compiledPattern is one entry in the router's match table.
type compiledPattern struct {
	pattern          string
	re               *regexp.Regexp
	literalPrefixLen int
	wildcardCount    int
	order            int
	features         *config.FeatureSet
}

// Router resolves an incoming request's path to the policy (FeatureSet)
// that governs it: highest-specificity match wins, falling back to
// default_features when nothing matches.
type Router struct {
	compiled []*compiledPattern
	defaults *config.FeatureSet
	cache    *lruCache
}

// New compiles paths in declaration order and builds a Router. defaults is
// used when no pattern matches a request path.
func New(paths []config.PathConfig, defaults config.FeatureSet) (*Router, error) {
	compiled := make([]*compiledPattern, 0, len(paths))
	for i, p := range paths {
		re, litLen, wildcards, err := compilePattern(p.Pattern)
		if err != nil {
			return nil, err
		}
		features := p.Features
		compiled = append(compiled, &compiledPattern{
			pattern:          p.Pattern,
			re:               re,
			literalPrefixLen: litLen,
			wildcardCount:    wildcards,
			order:            i,
			features:         &features,
		})
	}
	return &Router{
		compiled: compiled,
		defaults: &defaults,
		cache:    newLRUCache(defaultLRUSize),
	}, nil
}

// Resolve returns the FeatureSet governing path and the pattern that
// matched (empty string if the defaults were used). Resolution is
// deterministic: among all compiled patterns matching path, the one with
// the longest literal prefix wins; ties break on fewest wildcards, then on
// declaration order.
func (r *Router) Resolve(method, path string) (*config.FeatureSet, string) {
	key := method + "|" + path
	if v, ok := r.cache.get(key); ok {
		return v.features, v.pattern
	}

	best := r.match(path)
	var out *resolved
	if best == nil {
		out = &resolved{features: r.defaults, pattern: ""}
	} else {
		out = &resolved{features: best.features, pattern: best.pattern}
	}
	r.cache.put(key, out)
	return out.features, out.pattern
}

func (r *Router) match(path string) *compiledPattern {
	var best *compiledPattern
	for _, c := range r.compiled {
		if !c.re.MatchString(path) {
			continue
		}
		if best == nil || moreSpecific(c, best) {
			best = c
		}
	}
	return best
}

// moreSpecific reports whether a outranks b: (1) longest literal prefix,
// (2) fewest wildcards, (3) source order.
func moreSpecific(a, b *compiledPattern) bool {
	if a.literalPrefixLen != b.literalPrefixLen {
		return a.literalPrefixLen > b.literalPrefixLen
	}
	if a.wildcardCount != b.wildcardCount {
		return a.wildcardCount < b.wildcardCount
	}
	return a.order < b.order
}

// regexMetachars beyond '*', which the glob translator owns, and '.', which
// is common as a literal in path segments (version numbers, file
// extensions) and is escaped by the glob translator regardless. A pattern
// using one of these, or beginning with '^', is treated as a regex and used
// as-is rather than glob-translated.
var regexMetachars = []byte{'(', ')', '[', ']', '{', '}', '|', '+', '?', '$', '\\'}

func looksLikeRegex(pattern string) bool {
	if strings.HasPrefix(pattern, "^") {
		return true
	}
	for _, c := range []byte(pattern) {
		for _, m := range regexMetachars {
			if c == m {
				return true
			}
		}
	}
	return false
}

// compilePattern builds the regex for one path pattern, along with the
// specificity inputs (literal prefix length, wildcard count). Glob-style
// patterns translate '*' to '[^/]*' and '**' to '.*'; patterns that already
// look like regexes (leading '^' or containing regex metacharacters) are
// compiled as-is.
func compilePattern(pattern string) (*regexp.Regexp, int, int, error) {
	litLen := literalPrefixLen(pattern)
	wildcards := strings.Count(pattern, "*")

	if looksLikeRegex(pattern) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, 0, 0, err
		}
		return re, litLen, wildcards, nil
	}

	var b strings.Builder
	b.WriteByte('^')
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '*' {
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^/]*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(runes[i])))
	}
	b.WriteByte('$')

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, 0, 0, err
	}
	return re, litLen, wildcards, nil
}

// literalPrefixLen returns the length of pattern up to its first wildcard
// or regex metacharacter.
func literalPrefixLen(pattern string) int {
	for i, c := range []byte(pattern) {
		if c == '*' || c == '^' {
			return i
		}
		for _, m := range regexMetachars {
			if c == m {
				return i
			}
		}
	}
	return len(pattern)
}

// Patterns returns the compiled pattern strings in declaration order, for
// admin introspection.
func (r *Router) Patterns() []string {
	out := make([]string, len(r.compiled))
	for i, c := range r.compiled {
		out[i] = c.pattern
	}
	return out
}
