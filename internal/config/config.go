// Package config provides YAML configuration loading with validation,
// environment variable substitution, and hot-reload for the gateway.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration, rooted at the YAML
// top-level key "premier".
type Config struct {
	Premier PremierConfig `yaml:"premier" json:"premier"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself, not a package-level var, so Load is
	// safe to call concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// PremierConfig holds all gateway settings.
type PremierConfig struct {
	Keyspace        string        `yaml:"keyspace" json:"keyspace"`
	Servers         []string      `yaml:"servers" json:"servers"`
	Paths           []PathConfig  `yaml:"paths" json:"paths"`
	DefaultFeatures FeatureSet    `yaml:"default_features" json:"default_features"`
	KVStore         KVStoreConfig `yaml:"kv_store" json:"kv_store"`
	Auth            AuthConfig    `yaml:"auth" json:"auth"`

	Server  ServerConfig  `yaml:"server" json:"server"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
}

// Mode reports whether the gateway forwards to a configured backend pool
// (standalone) or wraps an in-process upstream application (plugin).
type Mode string

const (
	ModePlugin     Mode = "plugin"
	ModeStandalone Mode = "standalone"
)

// Mode returns the gateway's operating mode, inferred from whether any
// backend servers are configured.
func (p PremierConfig) Mode() Mode {
	if len(p.Servers) > 0 {
		return ModeStandalone
	}
	return ModePlugin
}

// PathConfig binds a URL-path pattern to a feature set.
type PathConfig struct {
	Pattern  string     `yaml:"pattern" json:"pattern"`
	Features FeatureSet `yaml:"features" json:"features"`
}

// KVStoreConfig selects the backing store for throttle/cache/circuit-breaker
// state.
type KVStoreConfig struct {
	Type  string      `yaml:"type" json:"type"` // "memory" (default) or "redis"
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds connection settings for the remote shared KV store.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// AuthConfig holds the global validator settings shared by every path
// whose feature set enables auth (type jwt or basic). Per-path RBAC rules
// live in FeatureSet via AuthFeature.RBAC.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" json:"-"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`

	// BasicUsers maps username to password for auth.type "basic" paths.
	BasicUsers map[string]string `yaml:"basic_users" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`

	// GlobalRateLimit and GlobalRateBurst configure the ambient per-client-IP
	// token bucket that sits ahead of the policy-driven throttler, guarding
	// against abuse of paths with no rate_limit feature configured.
	GlobalRateLimit float64 `yaml:"global_rate_limit" json:"global_rate_limit"`
	GlobalRateBurst int     `yaml:"global_rate_burst" json:"global_rate_burst"`

	// RequestDeadline bounds the policy pipeline for every request, whether
	// or not its path has a timeout feature. Unlike the per-path timeout
	// feature it isn't retry-aware; it just cuts the whole request off. An
	// unset or zero value is defaulted to 30s by Load.
	RequestDeadline time.Duration `yaml:"request_deadline" json:"request_deadline"`
}

// TLSConfig holds TLS termination settings: certificate loading only, no
// client-cert verification or cipher suite policy.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"`
}

// MetricsConfig holds Prometheus metrics endpoint settings. Enabled
// defaults to true.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds access log output settings. They are loaded,
// defaulted and shown in the admin config dump; cmd/gateway does not read
// them and always logs to stdout.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"` // "stdout", "stderr", or file path; default "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AdminConfig holds admin introspection API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	p := &cfg.Premier

	if p.Keyspace == "" {
		p.Keyspace = "asgi-gateway"
	}
	if p.KVStore.Type == "" {
		p.KVStore.Type = "memory"
	}
	if p.Metrics.Path == "" {
		p.Metrics.Path = "/metrics"
	}
	if p.Server.Port == 0 {
		p.Server.Port = 8080
	}
	if p.Logging.Output == "" {
		p.Logging.Output = "stdout"
	}
	if p.Logging.MaxSizeMB == 0 {
		p.Logging.MaxSizeMB = 100
	}
	if p.Logging.MaxBackups == 0 {
		p.Logging.MaxBackups = 3
	}
	if p.Logging.MaxAgeDays == 0 {
		p.Logging.MaxAgeDays = 30
	}
	if p.Server.TLS.Enabled && p.Server.TLS.MinVersion == "" {
		p.Server.TLS.MinVersion = "1.2"
	}
	if p.Server.ReadTimeout == 0 {
		p.Server.ReadTimeout = 15 * time.Second
	}
	if p.Server.WriteTimeout == 0 {
		p.Server.WriteTimeout = 15 * time.Second
	}
	if p.Server.ShutdownTimeout == 0 {
		p.Server.ShutdownTimeout = 10 * time.Second
	}
	if p.Server.MaxBodyBytes == 0 {
		p.Server.MaxBodyBytes = 1048576
	}
	if p.Server.GlobalRateLimit == 0 {
		p.Server.GlobalRateLimit = 100
	}
	if p.Server.GlobalRateBurst == 0 {
		p.Server.GlobalRateBurst = 200
	}
	if p.Server.RequestDeadline == 0 {
		p.Server.RequestDeadline = 30 * time.Second
	}

	for i := range p.Paths {
		applyFeatureDefaults(&p.Paths[i].Features)
	}
	applyFeatureDefaults(&p.DefaultFeatures)
}

func applyFeatureDefaults(f *FeatureSet) {
	if f.RateLimit != nil {
		if f.RateLimit.Algorithm == "" {
			f.RateLimit.Algorithm = "fixed_window"
		}
		if f.RateLimit.ErrorStatus == 0 {
			f.RateLimit.ErrorStatus = 429
		}
		if f.RateLimit.ErrorMessage == "" {
			f.RateLimit.ErrorMessage = "rate limit exceeded, retry later"
		}
		if f.RateLimit.BucketSize == 0 {
			f.RateLimit.BucketSize = f.RateLimit.Quota
		}
	}
	if f.Timeout != nil {
		if f.Timeout.ErrorStatus == 0 {
			f.Timeout.ErrorStatus = 504
		}
		if f.Timeout.ErrorMessage == "" {
			f.Timeout.ErrorMessage = "request deadline exceeded"
		}
	}
	if f.Retry != nil {
		if f.Retry.MaxAttempts == 0 {
			f.Retry.MaxAttempts = 3
		}
		if f.Retry.Wait.IsZero() {
			f.Retry.Wait = RetryWait{Kind: RetryWaitConstant, Scalar: 0.1}
		}
	}
	if f.CircuitBreaker != nil {
		if f.CircuitBreaker.FailureThreshold == 0 {
			f.CircuitBreaker.FailureThreshold = 5
		}
		if f.CircuitBreaker.RecoveryTimeout == 0 {
			f.CircuitBreaker.RecoveryTimeout = 60.0
		}
		if f.CircuitBreaker.Adaptive && f.CircuitBreaker.LatencyCeilingS == 0 {
			f.CircuitBreaker.LatencyCeilingS = 1.0
		}
		if f.CircuitBreaker.Adaptive && f.CircuitBreaker.MinThreshold == 0 {
			f.CircuitBreaker.MinThreshold = 1
		}
	}
}

func validate(cfg *Config) error {
	p := &cfg.Premier

	if p.Server.Port < 1 || p.Server.Port > 65535 {
		return fmt.Errorf("premier.server.port must be between 1 and 65535, got %d", p.Server.Port)
	}
	if p.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("premier.server.max_body_bytes must be positive")
	}
	if p.KVStore.Type != "memory" && p.KVStore.Type != "redis" {
		return fmt.Errorf("premier.kv_store.type must be \"memory\" or \"redis\", got %q", p.KVStore.Type)
	}
	if p.KVStore.Type == "redis" && p.KVStore.Redis.Addr == "" {
		return fmt.Errorf("premier.kv_store.redis.addr is required when kv_store.type is \"redis\"")
	}

	for i, path := range p.Paths {
		if path.Pattern == "" {
			return fmt.Errorf("premier.paths[%d].pattern is required", i)
		}
		if err := validateFeatureSet(path.Features); err != nil {
			return fmt.Errorf("premier.paths[%d]: %w", i, err)
		}
	}
	if err := validateFeatureSet(p.DefaultFeatures); err != nil {
		return fmt.Errorf("premier.default_features: %w", err)
	}

	if p.Server.TLS.Enabled {
		if p.Server.TLS.CertFile == "" || p.Server.TLS.KeyFile == "" {
			return fmt.Errorf("premier.server.tls.cert_file and key_file are required when TLS is enabled")
		}
		if p.Server.TLS.MinVersion != "1.2" && p.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("premier.server.tls.min_version must be \"1.2\" or \"1.3\", got %q", p.Server.TLS.MinVersion)
		}
	}

	if p.Admin.Enabled {
		if len(p.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("premier.admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range p.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("premier.admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	for _, s := range p.Servers {
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return fmt.Errorf("premier.servers: %q must be an http(s) URL", s)
		}
	}

	return nil
}

func validateFeatureSet(f FeatureSet) error {
	if rl := f.RateLimit; rl != nil {
		switch rl.Algorithm {
		case "fixed_window", "sliding_window", "token_bucket", "leaky_bucket":
		default:
			return fmt.Errorf("rate_limit.algorithm %q is not one of fixed_window, sliding_window, token_bucket, leaky_bucket", rl.Algorithm)
		}
		if rl.Quota <= 0 {
			return fmt.Errorf("rate_limit.quota must be positive")
		}
		if rl.Duration <= 0 {
			return fmt.Errorf("rate_limit.duration must be positive")
		}
	}
	if t := f.Timeout; t != nil && t.Seconds <= 0 {
		return fmt.Errorf("timeout.seconds must be positive")
	}
	if cb := f.CircuitBreaker; cb != nil {
		if cb.FailureThreshold <= 0 {
			return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
		}
		if cb.MaxConcurrent < 0 {
			return fmt.Errorf("circuit_breaker.max_concurrent must not be negative")
		}
		if cb.Adaptive && cb.MinThreshold > float64(cb.FailureThreshold) {
			return fmt.Errorf("circuit_breaker.min_threshold must not exceed failure_threshold")
		}
	}
	if a := f.Auth; a != nil {
		switch a.Type {
		case "basic", "jwt":
		default:
			return fmt.Errorf("auth.type must be \"basic\" or \"jwt\", got %q", a.Type)
		}
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Premier.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	return warnings
}
