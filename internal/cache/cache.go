// Package cache implements TTL-keyed memoization with single-flight
// producer coalescing, backed by the kvstore abstraction so that at most
// one producer runs per key across the whole deployment, not just within
// one process.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dskow/premier-gateway/internal/kvstore"
)

// Entry is a stored cache value: an HTTP response's essentials, or an
// arbitrary decorator-mode result serialized into ValueBytes.
type Entry struct {
	ValueBytes  []byte              `json:"value_bytes"`
	ContentType string              `json:"content_type,omitempty"`
	Status      int                 `json:"status,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	ExpiresAt   int64               `json:"expires_at,omitempty"`

	// Uncacheable, when set by a Producer, tells GetOrCompute to hand the
	// entry back to its caller without persisting it — the response was
	// computed under single-flight but its status isn't one the policy
	// considers cacheable.
	Uncacheable bool `json:"-"`
}

// Producer computes a fresh Entry on a cache miss.
type Producer func(ctx context.Context) (*Entry, error)

// Cache coordinates lookups, single-flight production, and TTL storage
// over one kvstore.Store.
type Cache struct {
	store    kvstore.Store
	keyspace string
	sf       singleflight.Group

	pollInterval time.Duration
	lockTTL      time.Duration
	waitTimeout  time.Duration
}

// New creates a Cache over store, namespacing keys under keyspace.
func New(store kvstore.Store, keyspace string) *Cache {
	return &Cache{
		store:        store,
		keyspace:     keyspace,
		pollInterval: 25 * time.Millisecond,
		lockTTL:      10 * time.Second,
		waitTimeout:  5 * time.Second,
	}
}

func (c *Cache) fullKey(key string) string {
	return fmt.Sprintf("%s:cache:%s", c.keyspace, key)
}

// GetOrCompute looks key up; on a hit, returns the stored Entry. On a
// miss, at most one caller across the deployment runs producer — within
// this process that's enforced by an in-memory singleflight.Group; across
// processes sharing store, by an atomic set-if-absent lock key. Losers
// poll until the winner publishes or waitTimeout elapses.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer Producer) (*Entry, error) {
	fk := c.fullKey(key)

	if e, ok, err := c.lookup(ctx, fk); err != nil {
		return nil, err
	} else if ok {
		return e, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.computeOrWait(ctx, fk, ttl, producer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) lookup(ctx context.Context, fullKey string) (*Entry, bool, error) {
	raw, ok, err := c.store.Get(ctx, fullKey)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("cache: decoding entry for %q: %w", fullKey, err)
	}
	if e.ExpiresAt > 0 && time.Now().Unix() >= e.ExpiresAt {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *Cache) computeOrWait(ctx context.Context, fullKey string, ttl time.Duration, producer Producer) (*Entry, error) {
	// Another process may have filled this key between our first lookup
	// and winning the local singleflight race.
	if e, ok, err := c.lookup(ctx, fullKey); err != nil {
		return nil, err
	} else if ok {
		return e, nil
	}

	lockKey := fullKey + ":sf"
	res, err := c.store.Atomic(ctx, lockKey, kvstore.ScriptSetIfAbsent, time.Now().Unix(), map[string]float64{"ttl": c.lockTTL.Seconds()})
	if err != nil {
		return nil, err
	}
	if res["acquired"] == 0 {
		return c.waitForResult(ctx, fullKey)
	}
	defer c.store.Delete(ctx, lockKey) //nolint:errcheck

	entry, err := producer(ctx)
	if err != nil {
		return nil, err
	}
	if entry.Uncacheable {
		return entry, nil
	}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	blob, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("cache: encoding entry for %q: %w", fullKey, err)
	}
	if err := c.store.Set(ctx, fullKey, blob, ttl); err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *Cache) waitForResult(ctx context.Context, fullKey string) (*Entry, error) {
	deadline := time.Now().Add(c.waitTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if e, ok, err := c.lookup(ctx, fullKey); err != nil {
			return nil, err
		} else if ok {
			return e, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cache: timed out waiting for producer result for %q", fullKey)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Clear removes every entry under keyspace whose key begins with prefix
// (an empty prefix clears the whole cache namespace). Requires the
// underlying store to implement kvstore.Scanner; stores that don't
// return an error rather than silently no-op.
func (c *Cache) Clear(ctx context.Context, prefix string) (int, error) {
	scanner, ok := c.store.(kvstore.Scanner)
	if !ok {
		return 0, fmt.Errorf("cache: store does not support key scanning, cannot clear")
	}
	full := fmt.Sprintf("%s:cache:%s", c.keyspace, prefix)
	keys, err := scanner.ListKeys(ctx, full)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// IsCacheableMethod reports whether an HTTP method's responses are
// eligible for caching — only idempotent read methods.
func IsCacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// IsCacheableStatus reports whether a response status is eligible for
// caching.
func IsCacheableStatus(status int) bool {
	switch status {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusPartialContent, http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusNotModified:
		return true
	}
	return false
}

// RequestKey derives the cache key for an HTTP request from its method,
// path, sorted query string, and (if configured) a fixed set of
// request-header "vary" values. varyHeaders is typically the path
// policy's explicitly configured vary list.
func RequestKey(method, path, rawQuery string, header http.Header, varyHeaders []string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)

	if rawQuery != "" {
		values, err := url.ParseQuery(rawQuery)
		if err == nil && len(values) > 0 {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteByte('?')
			for i, k := range keys {
				sort.Strings(values[k])
				if i > 0 {
					b.WriteByte('&')
				}
				b.WriteString(k)
				b.WriteByte('=')
				b.WriteString(strings.Join(values[k], ","))
			}
		}
	}

	for _, h := range varyHeaders {
		b.WriteByte('|')
		b.WriteString(h)
		b.WriteByte('=')
		b.WriteString(header.Get(h))
	}

	return b.String()
}
