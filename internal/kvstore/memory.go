package kvstore

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type entry struct {
	blob    []byte
	hash    map[string]float64
	expires time.Time // zero means no expiration
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

type shard struct {
	mu   sync.Mutex
	data map[string]*entry
}

// Memory is an in-process Store backed by a fixed number of mutex-guarded
// shards. TTLs are enforced lazily on access and by a periodic sweep, the
// same two-pronged approach the gateway's per-IP rate limiter uses for its
// stale client map.
type Memory struct {
	shards [shardCount]*shard
	stopCh chan struct{}
}

// NewMemory creates an in-process store and starts its background sweeper,
// which runs every interval and evicts expired entries. Callers should
// call Close when done.
func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	m := &Memory{stopCh: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[string]*entry)}
	}
	go m.sweepLoop(sweepInterval)
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.data {
			if e.expired(now) {
				delete(s.data, k)
			}
		}
		s.mu.Unlock()
	}
}

// Close stops the background sweeper.
func (m *Memory) Close() error {
	close(m.stopCh)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.blob))
	copy(out, e.blob)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	blob := make([]byte, len(value))
	copy(blob, value)
	s.data[key] = &entry{blob: blob, expires: expiryFor(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	var cur int64
	if ok && !e.expired(time.Now()) && len(e.blob) == 8 {
		cur = int64(binary.BigEndian.Uint64(e.blob))
	}
	cur += delta

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(cur))
	expires := time.Time{}
	if ok && !e.expired(time.Now()) {
		expires = e.expires
	}
	if ttl > 0 {
		expires = expiryFor(ttl)
	}
	s.data[key] = &entry{blob: buf, expires: expires}
	return cur, nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (float64, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) || e.hash == nil {
		return 0, false, nil
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (m *Memory) HSet(_ context.Context, key, field string, value float64) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		e = &entry{hash: make(map[string]float64)}
		s.data[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]float64)
	}
	e.hash[field] = value
	return nil
}

func (m *Memory) HMGet(_ context.Context, key string, fields ...string) (map[string]float64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(fields))
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) || e.hash == nil {
		return out, nil
	}
	for _, f := range fields {
		if v, ok := e.hash[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (m *Memory) HMSet(_ context.Context, key string, values map[string]float64, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		e = &entry{hash: make(map[string]float64)}
		s.data[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]float64)
	}
	for k, v := range values {
		e.hash[k] = v
	}
	if ttl > 0 {
		e.expires = expiryFor(ttl)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil
	}
	e.expires = expiryFor(ttl)
	return nil
}

// Atomic runs the named script's pure computation while holding the
// key's shard lock, which is Memory's stand-in for the linearizable
// server-side EVAL Redis provides.
func (m *Memory) Atomic(_ context.Context, key string, script ScriptName, now int64, params map[string]float64) (map[string]float64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	existing := map[string]float64{}
	if ok && !e.expired(time.Now()) && e.hash != nil {
		existing = e.hash
	}

	write, result, err := runScript(script, existing, now, params)
	if err != nil {
		return nil, err
	}
	if write != nil {
		if !ok || e.expired(time.Now()) {
			e = &entry{hash: make(map[string]float64)}
			s.data[key] = e
		}
		for k, v := range write {
			e.hash[k] = v
		}
		if ttlS := scriptTTLSeconds(script, params); ttlS > 0 {
			e.expires = time.Now().Add(time.Duration(ttlS * float64(time.Second)))
		}
	}
	return result, nil
}

// ListKeys returns every non-expired key beginning with prefix.
func (m *Memory) ListKeys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	now := time.Now()
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.data {
			if !e.expired(now) && len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				out = append(out, k)
			}
		}
		s.mu.Unlock()
	}
	return out, nil
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
