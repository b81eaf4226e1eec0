package kvstore

import (
	"fmt"
	"math"
)

// ErrBucketFull is returned by the leaky-bucket script when the queue is
// already at capacity.
var ErrBucketFull = fmt.Errorf("kvstore: bucket full")

// runScript computes the semantic effect of the named script given its
// current hash fields (existing, possibly empty), the clock, and its
// parameters, returning the fields to persist and the result to hand back
// to the caller. It is the single source of truth for every script's
// behavior; Memory calls it directly under a lock, Redis's Lua scripts
// (scripts_lua.go) are hand-transcriptions of the same formulas that must
// be kept in sync with this function.
func runScript(name ScriptName, existing map[string]float64, now int64, params map[string]float64) (write map[string]float64, result map[string]float64, err error) {
	switch name {
	case ScriptFixedWindow:
		return fixedWindowScript(existing, now, params)
	case ScriptSlidingWindow:
		return slidingWindowScript(existing, now, params)
	case ScriptTokenBucket:
		return tokenBucketScript(existing, now, params)
	case ScriptLeakyBucket:
		return leakyBucketScript(existing, now, params)
	case ScriptCBRecordResult:
		return cbRecordResultScript(existing, now, params)
	case ScriptCBAcquireProbe:
		return cbAcquireProbeScript(existing, now, params)
	case ScriptSetIfAbsent:
		return setIfAbsentScript(existing, now, params)
	default:
		return nil, nil, fmt.Errorf("kvstore: unknown script %q", name)
	}
}

// scriptTTLSeconds returns the TTL in seconds a script wants applied to its key,
// or 0 for "leave unchanged". Only scripts that write fresh state set one.
func scriptTTLSeconds(name ScriptName, params map[string]float64) float64 {
	switch name {
	case ScriptFixedWindow, ScriptSlidingWindow:
		return params["duration"]
	case ScriptLeakyBucket:
		return 2 * params["duration"]
	}
	return 0
}

func fixedWindowScript(existing map[string]float64, now int64, params map[string]float64) (map[string]float64, map[string]float64, error) {
	quota, duration := params["quota"], params["duration"]
	windowEnd, haveWindow := existing["window_end"]
	count := existing["count"]

	if !haveWindow || float64(now) > windowEnd {
		write := map[string]float64{"window_end": float64(now) + duration, "count": 1}
		return write, map[string]float64{"wait": -1}, nil
	}
	if count >= quota {
		return nil, map[string]float64{"wait": windowEnd - float64(now)}, nil
	}
	write := map[string]float64{"window_end": windowEnd, "count": count + 1}
	return write, map[string]float64{"wait": -1}, nil
}

func slidingWindowScript(existing map[string]float64, now int64, params map[string]float64) (map[string]float64, map[string]float64, error) {
	quota, duration := params["quota"], params["duration"]
	t0, haveT0 := existing["window_start"]
	if !haveT0 {
		t0 = float64(now)
	}
	count := existing["count"]

	elapsed := float64(now) - t0
	progress := math.Mod(elapsed, duration)
	if progress < 0 {
		progress = 0
	}
	decay := math.Floor(elapsed/duration) * quota
	adj := count - decay
	if adj < 0 {
		adj = 0
	}

	if adj >= quota {
		wait := (duration - progress) + ((adj-quota+1)/quota)*duration
		return nil, map[string]float64{"wait": wait}, nil
	}
	write := map[string]float64{"window_start": float64(now) - progress, "count": adj + 1}
	return write, map[string]float64{"wait": -1}, nil
}

func tokenBucketScript(existing map[string]float64, now int64, params map[string]float64) (map[string]float64, map[string]float64, error) {
	quota, duration := params["quota"], params["duration"]
	last, haveLast := existing["last_refill"]
	if !haveLast {
		last = float64(now)
	}
	tokens, haveTokens := existing["tokens"]
	if !haveTokens {
		tokens = quota
	}

	rate := quota / duration
	newTokens := math.Min(quota, tokens+(float64(now)-last)*rate)

	if newTokens < 1 {
		wait := (1 - newTokens) * (duration / quota)
		return nil, map[string]float64{"wait": wait}, nil
	}
	write := map[string]float64{"last_refill": float64(now), "tokens": newTokens - 1}
	return write, map[string]float64{"wait": -1}, nil
}

func leakyBucketScript(existing map[string]float64, now int64, params map[string]float64) (map[string]float64, map[string]float64, error) {
	quota, duration, bucketSize := params["quota"], params["duration"], params["bucket_size"]
	last, haveLast := existing["last_leak"]
	if !haveLast {
		last = float64(now)
	}
	level := existing["level"]

	rate := quota / duration
	level = math.Max(0, level-(float64(now)-last)*rate)

	if level >= bucketSize {
		return nil, nil, ErrBucketFull
	}
	write := map[string]float64{"last_leak": float64(now), "level": level + 1}
	wait := level / rate
	if wait <= 0 {
		wait = -1
	}
	return write, map[string]float64{"wait": wait}, nil
}

// Circuit breaker state codes, shared with package circuitbreaker via
// float encoding since hash fields are numeric.
const (
	cbStateClosed   = 0
	cbStateOpen     = 1
	cbStateHalfOpen = 2
)

func cbRecordResultScript(existing map[string]float64, now int64, params map[string]float64) (map[string]float64, map[string]float64, error) {
	threshold := params["failure_threshold"]
	recovery := params["recovery_timeout"]
	success := params["success"] != 0

	state := existing["state"]
	failures := existing["failure_count"]
	openedAt := existing["opened_at"]

	// Lazily transition OPEN -> HALF_OPEN if recovery has elapsed, before
	// applying this observation, mirroring what a fresh acquire would see.
	if state == cbStateOpen && float64(now)-openedAt >= recovery {
		state = cbStateHalfOpen
	}

	switch state {
	case cbStateHalfOpen:
		if success {
			state, failures, openedAt = cbStateClosed, 0, 0
		} else {
			state, openedAt = cbStateOpen, float64(now)
		}
	default: // CLOSED (or OPEN observing a stray result before recovery)
		if success {
			failures = 0
		} else {
			failures++
			if failures >= threshold {
				state, openedAt = cbStateOpen, float64(now)
			}
		}
	}

	write := map[string]float64{"state": state, "failure_count": failures, "opened_at": openedAt, "probe_in_flight": 0}
	return write, map[string]float64{"state": state}, nil
}

func cbAcquireProbeScript(existing map[string]float64, now int64, params map[string]float64) (map[string]float64, map[string]float64, error) {
	recovery := params["recovery_timeout"]
	state := existing["state"]
	openedAt := existing["opened_at"]
	failures := existing["failure_count"]

	if state == cbStateOpen && float64(now)-openedAt >= recovery {
		state = cbStateHalfOpen
	}

	switch state {
	case cbStateClosed:
		return nil, map[string]float64{"admitted": 1, "state": state}, nil
	case cbStateHalfOpen:
		if existing["probe_in_flight"] != 0 {
			return nil, map[string]float64{"admitted": 0, "state": state}, nil
		}
		write := map[string]float64{"state": state, "opened_at": openedAt, "failure_count": failures, "probe_in_flight": 1}
		return write, map[string]float64{"admitted": 1, "state": state}, nil
	default: // OPEN, still within recovery timeout
		return nil, map[string]float64{"admitted": 0, "state": state}, nil
	}
}

func setIfAbsentScript(existing map[string]float64, now int64, params map[string]float64) (map[string]float64, map[string]float64, error) {
	if _, ok := existing["set"]; ok {
		return nil, map[string]float64{"acquired": 0}, nil
	}
	return map[string]float64{"set": 1}, map[string]float64{"acquired": 1}, nil
}
