package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var scriptSource = map[ScriptName]string{
	ScriptFixedWindow:     luaFixedWindow,
	ScriptSlidingWindow:   luaSlidingWindow,
	ScriptTokenBucket:     luaTokenBucket,
	ScriptLeakyBucket:     luaLeakyBucket,
	ScriptCBRecordResult:  luaCBRecordResult,
	ScriptCBAcquireProbe:  luaCBAcquireProbe,
	ScriptSetIfAbsent:     luaSetIfAbsent,
}

// scriptArgOrder fixes the ARGV positions each Lua script expects,
// beyond the leading `now`.
var scriptArgOrder = map[ScriptName][]string{
	ScriptFixedWindow:    {"quota", "duration"},
	ScriptSlidingWindow:  {"quota", "duration"},
	ScriptTokenBucket:    {"quota", "duration"},
	ScriptLeakyBucket:    {"quota", "duration", "bucket_size"},
	ScriptCBRecordResult: {"failure_threshold", "recovery_timeout", "success"},
	ScriptCBAcquireProbe: {"recovery_timeout"},
	ScriptSetIfAbsent:    {"ttl"},
}

// Redis is a Store backed by a shared go-redis client, used in standalone
// deployments where throttle/cache/circuit-breaker state must be visible
// to every gateway instance sitting in front of the same backend pool.
type Redis struct {
	client  redis.UniversalClient
	owned   bool
	scripts map[ScriptName]*redis.Script
}

// NewRedis dials addr and verifies connectivity before returning. password
// and db follow the standard go-redis conventions ("" / 0 for defaults).
func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: connecting to redis at %s: %w", addr, err)
	}

	return newRedisStore(client, true), nil
}

// NewRedisFromClient wraps an already-configured client without taking
// ownership of its lifecycle (Close is a no-op).
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return newRedisStore(client, false)
}

func newRedisStore(client redis.UniversalClient, owned bool) *Redis {
	scripts := make(map[ScriptName]*redis.Script, len(scriptSource))
	for name, src := range scriptSource {
		scripts[name] = redis.NewScript(src)
	}
	return &Redis{client: client, owned: owned, scripts: scripts}
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := r.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (float64, bool, error) {
	val, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("kvstore: field %q of %q is not numeric: %w", field, key, err)
	}
	return f, true, nil
}

func (r *Redis) HSet(ctx context.Context, key, field string, value float64) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HMGet(ctx context.Context, key string, fields ...string) (map[string]float64, error) {
	vals, err := r.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(fields))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out[fields[i]] = f
	}
	return out, nil
}

func (r *Redis) HMSet(ctx context.Context, key string, values map[string]float64, ttl time.Duration) error {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// ListKeys returns every key beginning with prefix via the Redis KEYS
// command. Intended for administrative/cache-clear use, not hot paths.
func (r *Redis) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return r.client.Keys(ctx, prefix+"*").Result()
}

func (r *Redis) Atomic(ctx context.Context, key string, script ScriptName, now int64, params map[string]float64) (map[string]float64, error) {
	sc, ok := r.scripts[script]
	if !ok {
		return nil, fmt.Errorf("kvstore: unknown script %q", script)
	}
	order := scriptArgOrder[script]
	argv := make([]interface{}, 0, len(order)+1)
	argv = append(argv, now)
	for _, name := range order {
		argv = append(argv, params[name])
	}

	res, err := sc.Run(ctx, r.client, []string{key}, argv...).Result()
	if err != nil {
		if strings.Contains(err.Error(), "BUCKET_FULL") {
			return nil, ErrBucketFull
		}
		return nil, err
	}

	flat, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("kvstore: unexpected script result shape for %q", script)
	}
	out := make(map[string]float64, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		field, _ := flat[i].(string)
		valStr, _ := flat[i+1].(string)
		f, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			continue
		}
		out[field] = f
	}
	return out, nil
}
