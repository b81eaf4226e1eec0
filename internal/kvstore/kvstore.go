// Package kvstore provides the abstract key/value contract shared by the
// throttler, cache, and circuit breaker: byte blobs with TTL, atomic
// counters, hash fields for structured bucket state, and named atomic
// scripts that update a single key's fields under linearizable isolation.
//
// Two implementations are provided: Memory (in-process, sharded-mutex map)
// for plugin-mode single-instance deployments, and Redis (remote shared
// store) for standalone deployments running behind a shared backing store.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
// Most callers should prefer the (value, ok, error) return shape instead
// of checking this sentinel, but it is exposed for callers that only hold
// an error.
var ErrNotFound = errors.New("kvstore: key not found")

// ScriptName identifies one of the named atomic scripts every Store
// implementation must support. Scripts are specified by their semantic
// effect in the throttle/circuitbreaker/cache packages that invoke them,
// not by syntax — each backend supplies its own execution strategy
// (a locked critical section for Memory, a Lua EVAL for Redis).
type ScriptName string

const (
	// ScriptFixedWindow implements the fixed-window throttle algorithm.
	ScriptFixedWindow ScriptName = "fixed_window"
	// ScriptSlidingWindow implements the sliding-window throttle algorithm.
	ScriptSlidingWindow ScriptName = "sliding_window"
	// ScriptTokenBucket implements the token-bucket throttle algorithm.
	ScriptTokenBucket ScriptName = "token_bucket"
	// ScriptLeakyBucket implements the leaky-bucket throttle algorithm.
	ScriptLeakyBucket ScriptName = "leaky_bucket"
	// ScriptCBRecordResult applies a circuit breaker success/failure
	// observation and returns the resulting state.
	ScriptCBRecordResult ScriptName = "cb_record_result"
	// ScriptCBAcquireProbe attempts to claim the single half-open probe
	// slot, returning whether the caller may proceed.
	ScriptCBAcquireProbe ScriptName = "cb_acquire_probe"
	// ScriptSetIfAbsent implements the cache single-flight lock: set a
	// short-TTL marker key only if it does not already exist.
	ScriptSetIfAbsent ScriptName = "set_if_absent"
)

// Store is the abstract KV contract. All operations are total: absence is
// reported via the boolean/ok return, never a distinguished error, except
// where the underlying transport itself fails (network error, etc).
type Store interface {
	// Get returns the value stored at key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set overwrites key with value. ttl <= 0 means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Incr adds delta to the integer stored at key (default 0), optionally
	// (re)setting its TTL, and returns the new value.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// HGet returns one field of the hash at key.
	HGet(ctx context.Context, key, field string) (value float64, ok bool, err error)
	// HSet sets one field of the hash at key.
	HSet(ctx context.Context, key, field string, value float64) error
	// HMGet returns all requested fields of the hash at key. Missing
	// fields are absent from the returned map.
	HMGet(ctx context.Context, key string, fields ...string) (map[string]float64, error)
	// HMSet sets multiple fields of the hash at key in one call and
	// optionally (re)sets its TTL. ttl <= 0 leaves any existing TTL alone.
	HMSet(ctx context.Context, key string, values map[string]float64, ttl time.Duration) error
	// Expire sets or refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Atomic executes a named script against a single key's hash fields
	// with linearizable isolation relative to every other Atomic call
	// (from any process) against the same key on the same Store. now is
	// the epoch-second clock the script computes against — the caller
	// picks it once per logical operation so retries within the memory
	// backend's critical section observe a consistent clock.
	Atomic(ctx context.Context, key string, script ScriptName, now int64, params map[string]float64) (map[string]float64, error)

	// Close releases any resources held by the store (connections,
	// background sweepers).
	Close() error
}

// Scanner is an optional capability for listing keys under a prefix.
// It is not part of the core Store contract (a remote store may not make
// it cheap), but both bundled backends implement it so cache.Clear can
// use it via a type assertion.
type Scanner interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
