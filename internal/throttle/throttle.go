// Package throttle implements the gateway's four rate-limiting algorithms
// as a single Acquire contract backed by the kvstore's atomic scripts, so
// admission decisions for a given key are linearizable across every
// gateway instance sharing the same store.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/dskow/premier-gateway/internal/apierror"
	"github.com/dskow/premier-gateway/internal/kvstore"
)

// Algorithm identifies one of the four supported throttle algorithms.
type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
	LeakyBucket   Algorithm = "leaky_bucket"
)

var algoScript = map[Algorithm]kvstore.ScriptName{
	FixedWindow:   kvstore.ScriptFixedWindow,
	SlidingWindow: kvstore.ScriptSlidingWindow,
	TokenBucket:   kvstore.ScriptTokenBucket,
	LeakyBucket:   kvstore.ScriptLeakyBucket,
}

// Params holds one algorithm's admission parameters. BucketSize only
// applies to LeakyBucket; it defaults to Quota if unset there.
type Params struct {
	Quota      int
	Duration   int
	BucketSize int
}

// Throttler evaluates admission decisions for arbitrary keys against one
// shared kvstore.Store.
type Throttler struct {
	store    kvstore.Store
	keyspace string
	now      func() time.Time
}

// New creates a Throttler over store, namespacing every key under keyspace.
func New(store kvstore.Store, keyspace string) *Throttler {
	return &Throttler{store: store, keyspace: keyspace, now: time.Now}
}

// Acquire evaluates one admission attempt for key under algo. It returns
// -1 when the unit is admitted immediately (state has already advanced);
// a positive wait in seconds when the caller should reject or sleep and
// retry; 0 when a full fixed window ends at exactly the current second
// (no state is advanced, and Wrap and the pipeline let the call through);
// or apierror.ErrBucketFull when a leaky bucket's queue is full.
func (t *Throttler) Acquire(ctx context.Context, key string, algo Algorithm, p Params) (float64, error) {
	script, ok := algoScript[algo]
	if !ok {
		return 0, fmt.Errorf("throttle: unknown algorithm %q", algo)
	}

	bucketSize := p.BucketSize
	if bucketSize == 0 {
		bucketSize = p.Quota
	}

	fullKey := fmt.Sprintf("%s:throttle:%s", t.keyspace, key)
	params := map[string]float64{
		"quota":       float64(p.Quota),
		"duration":    float64(p.Duration),
		"bucket_size": float64(bucketSize),
	}

	res, err := t.store.Atomic(ctx, fullKey, script, t.now().Unix(), params)
	if err == kvstore.ErrBucketFull {
		return 0, apierror.ErrBucketFull
	}
	if err != nil {
		return 0, err
	}
	return res["wait"], nil
}

// KeyMaker derives the per-call key suffix for a decorated function from
// its arguments. A nil KeyMaker yields an empty suffix, i.e. one shared
// bucket across every call.
type KeyMaker func(args ...any) string

// Func is the shape of a throttled function: it receives the call's
// context and arguments and returns a result or an error.
type Func func(ctx context.Context, args ...any) (any, error)

// Wrap implements the decorator usage from the throttler's contract:
// wrapping fn produces a function that derives a key from module, name,
// algo, and keyMaker(args), acquires admission, and on rejection sleeps
// once for the reported wait and retries before failing QuotaExceeded.
func (t *Throttler) Wrap(module, name string, algo Algorithm, p Params, keyMaker KeyMaker, fn Func) Func {
	return func(ctx context.Context, args ...any) (any, error) {
		suffix := ""
		if keyMaker != nil {
			suffix = keyMaker(args...)
		}
		key := fmt.Sprintf("%s:%s:%s%s", module, name, algo, suffix)

		wait, err := t.Acquire(ctx, key, algo, p)
		if err != nil {
			return nil, err
		}

		if wait > 0 {
			timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			wait, err = t.Acquire(ctx, key, algo, p)
			if err != nil {
				return nil, err
			}
			if wait > 0 {
				return nil, apierror.ErrQuotaExceeded
			}
		}

		return fn(ctx, args...)
	}
}
