package config

import "fmt"

// FeatureSet is the subset of {cache, rate_limit, timeout, retry,
// circuit_breaker, auth, monitoring} enabled for a path policy, with
// per-feature parameters. A nil field means the feature is disabled.
type FeatureSet struct {
	Cache          *CacheFeature          `yaml:"cache,omitempty" json:"cache,omitempty"`
	RateLimit      *RateLimitFeature      `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Timeout        *TimeoutFeature        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry          *RetryFeature          `yaml:"retry,omitempty" json:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerFeature `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`
	Auth           *AuthFeature           `yaml:"auth,omitempty" json:"auth,omitempty"`
	Monitoring     *MonitoringFeature     `yaml:"monitoring,omitempty" json:"monitoring,omitempty"`
}

// CacheFeature configures response/result memoization.
type CacheFeature struct {
	ExpireS  int    `yaml:"expire_s" json:"expire_s"`
	CacheKey string `yaml:"cache_key,omitempty" json:"cache_key,omitempty"`
}

// RateLimitFeature configures the throttler.
type RateLimitFeature struct {
	Quota        int    `yaml:"quota" json:"quota"`
	Duration     int    `yaml:"duration" json:"duration"`
	Algorithm    string `yaml:"algorithm" json:"algorithm"`
	BucketSize   int    `yaml:"bucket_size,omitempty" json:"bucket_size,omitempty"`
	ErrorStatus  int    `yaml:"error_status" json:"error_status"`
	ErrorMessage string `yaml:"error_message" json:"error_message"`
}

// TimeoutFeature configures the per-request deadline wrapping the
// retry/circuit-breaker/forward chain.
type TimeoutFeature struct {
	Seconds      float64 `yaml:"seconds" json:"seconds"`
	ErrorStatus  int     `yaml:"error_status" json:"error_status"`
	ErrorMessage string  `yaml:"error_message" json:"error_message"`
}

// RetryFeature configures the attempt loop.
type RetryFeature struct {
	MaxAttempts int       `yaml:"max_attempts" json:"max_attempts"`
	Wait        RetryWait `yaml:"wait" json:"wait"`
	Exceptions  []string  `yaml:"exceptions,omitempty" json:"exceptions,omitempty"`
}

// CircuitBreakerFeature configures the per-key failure-count state machine,
// plus three optional layers wrapped around it: a timeout breaker that
// counts slow-but-successful responses as failures, a bulkhead that caps
// in-flight concurrency, and an adaptive breaker that tightens the failure
// threshold as latency degrades. A zero/unset layer setting leaves that
// layer disabled.
type CircuitBreakerFeature struct {
	FailureThreshold  int     `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout   float64 `yaml:"recovery_timeout" json:"recovery_timeout"`
	ExpectedException string  `yaml:"expected_exception,omitempty" json:"expected_exception,omitempty"`

	// SlowThresholdS enables the timeout breaker: a success slower than
	// this many seconds is recorded as a failure.
	SlowThresholdS float64 `yaml:"slow_threshold,omitempty" json:"slow_threshold,omitempty"`

	// MaxConcurrent enables the bulkhead breaker: at most this many
	// requests may be in flight to the path at once.
	MaxConcurrent int `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`

	// Adaptive enables the EWMA-latency-driven threshold breaker. When
	// true, MinThreshold and LatencyCeilingS tune how aggressively the
	// threshold tightens under degraded latency.
	Adaptive        bool    `yaml:"adaptive,omitempty" json:"adaptive,omitempty"`
	MinThreshold    float64 `yaml:"min_threshold,omitempty" json:"min_threshold,omitempty"`
	LatencyCeilingS float64 `yaml:"latency_ceiling,omitempty" json:"latency_ceiling,omitempty"`
}

// MonitoringFeature configures latency-threshold logging for a path.
type MonitoringFeature struct {
	LogThreshold float64 `yaml:"log_threshold" json:"log_threshold"`
}

// AuthFeature enables authentication and, optionally, RBAC for a path.
type AuthFeature struct {
	Type string      `yaml:"type" json:"type"` // "basic" or "jwt"
	RBAC *RBACConfig `yaml:"rbac,omitempty" json:"rbac,omitempty"`
}

// RBACConfig maps authenticated principals to roles and roles to the
// permissions required by each route.
type RBACConfig struct {
	Roles               map[string][]string `yaml:"roles" json:"roles"`
	UserRoles           map[string]string   `yaml:"user_roles" json:"user_roles"`
	RoutePermissions    map[string][]string `yaml:"route_permissions" json:"route_permissions"`
	DefaultRole         string              `yaml:"default_role" json:"default_role"`
	AllowAnyPermission  bool                `yaml:"allow_any_permission" json:"allow_any_permission"`
}

// RetryWaitKind tags which shape a RetryWait takes.
type RetryWaitKind int

const (
	RetryWaitConstant RetryWaitKind = iota
	RetryWaitSequence
	RetryWaitExpo
)

// RetryWait represents retry.wait's three accepted shapes: a scalar
// constant, a finite ordered sequence (last value reused past its length),
// or the literal string "expo" for exponential backoff (1, 2, 4, 8, ... s).
type RetryWait struct {
	Kind     RetryWaitKind
	Scalar   float64
	Sequence []float64
}

// IsZero reports whether the RetryWait was never populated (used to detect
// "unset" before defaulting).
func (w RetryWait) IsZero() bool {
	return w.Kind == RetryWaitConstant && w.Scalar == 0 && w.Sequence == nil
}

// At returns the wait duration in seconds after the given attempt number
// fails, before the next attempt. Attempt is 1-indexed; for sequence waits, index = attempt-1 and the last
// value is reused once the sequence is exhausted.
func (w RetryWait) At(attempt int) float64 {
	switch w.Kind {
	case RetryWaitExpo:
		d := 1.0
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	case RetryWaitSequence:
		idx := attempt - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(w.Sequence) {
			idx = len(w.Sequence) - 1
		}
		if idx < 0 {
			return 0
		}
		return w.Sequence[idx]
	default:
		return w.Scalar
	}
}

// UnmarshalYAML accepts a scalar float, a list of floats, or the string
// "expo".
func (w *RetryWait) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var asString string
	if err := unmarshal(&asString); err == nil {
		if asString != "expo" {
			return fmt.Errorf("retry.wait string value must be \"expo\", got %q", asString)
		}
		*w = RetryWait{Kind: RetryWaitExpo}
		return nil
	}

	var asScalar float64
	if err := unmarshal(&asScalar); err == nil {
		*w = RetryWait{Kind: RetryWaitConstant, Scalar: asScalar}
		return nil
	}

	var asSeq []float64
	if err := unmarshal(&asSeq); err == nil {
		if len(asSeq) == 0 {
			return fmt.Errorf("retry.wait sequence must not be empty")
		}
		*w = RetryWait{Kind: RetryWaitSequence, Sequence: asSeq}
		return nil
	}

	return fmt.Errorf("retry.wait must be a number, a list of numbers, or \"expo\"")
}

// MarshalYAML renders the RetryWait back to one of its three accepted shapes.
func (w RetryWait) MarshalYAML() (interface{}, error) {
	switch w.Kind {
	case RetryWaitExpo:
		return "expo", nil
	case RetryWaitSequence:
		return w.Sequence, nil
	default:
		return w.Scalar, nil
	}
}
