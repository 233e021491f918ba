// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the environment first.
//
// Provider endpoints and their upstream keys live in the database, not here;
// this file carries only the process-level knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DatabaseURL is the configuration store DSN. postgres:// for production;
	// anything else is treated as a sqlite file path. Default: keygate.db.
	DatabaseURL string

	// RedisURL is the redis:// URL backing rate limits, circuit state, and
	// round-robin cursors. Optional: without it the gateway runs degraded
	// (limits open, breaker in-memory).
	RedisURL string

	// MasterKey unseals stored provider credentials. 64 hex chars, base64 of
	// 32 bytes, or 32 raw bytes. Required.
	MasterKey string

	// ClientAPIKeys is the set of bearer tokens accepted on /v1 endpoints.
	// Empty disables client auth (development only).
	ClientAPIKeys []string

	// AdminAPIKey guards /admin endpoints. Empty disables the admin surface.
	AdminAPIKey string

	// RateLimit controls the three client request axes.
	RateLimit RateLimitConfig

	// CircuitBreaker controls per-provider circuit breaking.
	CircuitBreaker CircuitBreakerConfig

	// RequestTimeout is the end-to-end deadline for one client request
	// (all attempts included). Default: 60s.
	RequestTimeout time.Duration

	// KeyStrategy selects upstream keys: priority, round_robin, least_used.
	// Default: priority.
	KeyStrategy string

	// MappingCacheTTL bounds staleness of alias routing after admin edits on
	// other replicas. Default: 5s.
	MappingCacheTTL time.Duration

	// ClickHouseURL enables the analytical audit sink when set.
	ClickHouseURL string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RateLimitConfig controls request-rate limiting. 0 disables an axis.
type RateLimitConfig struct {
	// GlobalRPM caps requests per window across all clients. Default: 0.
	GlobalRPM int

	// KeyRPM caps requests per window per client API key. Default: 0.
	KeyRPM int

	// IPRPM caps requests per window per client IP. Default: 0.
	IPRPM int

	// Window is the sliding window size. Default: 1m.
	Window time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within Window that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// Window is the rolling window over which failures are counted.
	// Default: 60s.
	Window time.Duration

	// OpenDuration is how long the breaker stays open before probing; doubles
	// on every failed recovery. Default: 30s.
	OpenDuration time.Duration

	// MaxOpenDuration caps the doubling. Default: 10m.
	MaxOpenDuration time.Duration

	// ProbeCount is the number of half-open probes that must all succeed to
	// close the breaker. Default: 1.
	ProbeCount int

	// Mode selects the state backend:
	//   "redis"  — shared state across replicas (requires REDIS_URL).
	//   "memory" — process-local state.
	// Default: "redis" when REDIS_URL is set, otherwise "memory".
	Mode string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "keygate.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("RATE_LIMIT_GLOBAL_RPM", 0)
	v.SetDefault("RATE_LIMIT_KEY_RPM", 0)
	v.SetDefault("RATE_LIMIT_IP_RPM", 0)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_WINDOW", "60s")
	v.SetDefault("CB_OPEN_DURATION", "30s")
	v.SetDefault("CB_MAX_OPEN_DURATION", "10m")
	v.SetDefault("CB_PROBE_COUNT", 1)

	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("KEY_STRATEGY", "priority")
	v.SetDefault("MAPPING_CACHE_TTL", "5s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),

		MasterKey:     v.GetString("MASTER_KEY"),
		ClientAPIKeys: splitNonEmpty(v.GetString("CLIENT_API_KEYS")),
		AdminAPIKey:   v.GetString("ADMIN_API_KEY"),

		RateLimit: RateLimitConfig{
			GlobalRPM: v.GetInt("RATE_LIMIT_GLOBAL_RPM"),
			KeyRPM:    v.GetInt("RATE_LIMIT_KEY_RPM"),
			IPRPM:     v.GetInt("RATE_LIMIT_IP_RPM"),
			Window:    v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			Window:           v.GetDuration("CB_WINDOW"),
			OpenDuration:     v.GetDuration("CB_OPEN_DURATION"),
			MaxOpenDuration:  v.GetDuration("CB_MAX_OPEN_DURATION"),
			ProbeCount:       v.GetInt("CB_PROBE_COUNT"),
			Mode:             strings.ToLower(v.GetString("CB_MODE")),
		},

		RequestTimeout:  v.GetDuration("REQUEST_TIMEOUT"),
		KeyStrategy:     strings.ToLower(v.GetString("KEY_STRATEGY")),
		MappingCacheTTL: v.GetDuration("MAPPING_CACHE_TTL"),

		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),
		CORSOrigins:   v.GetStringSlice("CORS_ORIGINS"),
	}

	if cfg.CircuitBreaker.Mode == "" {
		if cfg.RedisURL != "" {
			cfg.CircuitBreaker.Mode = "redis"
		} else {
			cfg.CircuitBreaker.Mode = "memory"
		}
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("config: MASTER_KEY is required to unseal stored provider credentials")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.KeyStrategy {
	case "priority", "round_robin", "least_used":
	default:
		return fmt.Errorf(
			"config: invalid KEY_STRATEGY %q; must be one of: priority, round_robin, least_used",
			c.KeyStrategy,
		)
	}

	switch c.CircuitBreaker.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CB_MODE %q; must be one of: redis, memory",
			c.CircuitBreaker.Mode,
		)
	}
	if c.CircuitBreaker.Mode == "redis" && c.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CB_MODE=redis; " +
				"set CB_MODE=memory for a single-process deployment",
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Window <= 0 {
		return fmt.Errorf("config: CB_WINDOW must be a positive duration")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be a positive duration")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}

	return nil
}

// splitNonEmpty splits a comma-separated list, trimming whitespace and
// dropping empty elements.
func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
