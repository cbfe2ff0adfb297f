// Package config holds all configuration types and loading logic for Ratchet.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration consumed by the engine and by ratchetctl.
// Durations are YAML strings in Go duration syntax ("500ms", "30s", "15m");
// Validate checks that every one of them parses.
type Config struct {
	// DataDir is where the checkpoint and cache databases live.
	DataDir string `yaml:"data_dir"`

	Remote    RemoteConfig    `yaml:"remote"`
	Retry     RetryConfig     `yaml:"retry"`
	Batch     BatchConfig     `yaml:"batch"`
	Processor ProcessorConfig `yaml:"processor"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
}

// RemoteConfig describes the remote API endpoint and how hard Ratchet may
// lean on it.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each individual attempt, not the whole retried call.
	Timeout string `yaml:"timeout"`

	// RequestsPerSecond throttles outgoing attempts client-side. Zero
	// disables the limiter entirely.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// Stub switches the engine to the canned-response transport. No network
	// traffic is issued while it is set.
	Stub bool `yaml:"stub"`

	UserAgent string `yaml:"user_agent"`
}

// RetryConfig is the process-wide default retry policy. Callers can still
// override the policy per call.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
	// Jitter is the fraction of the computed delay randomised in both
	// directions: 0.5 means the actual wait lands within ±50%.
	Jitter float64 `yaml:"jitter"`
	// MaxElapsed caps the total time one logical call may spend across
	// attempts and waits. Empty or "0s" means no cap.
	MaxElapsed string `yaml:"max_elapsed"`
}

// BatchConfig sets dispatcher defaults.
type BatchConfig struct {
	// Concurrency is the default ceiling on simultaneously in-flight
	// requests per dispatch.
	Concurrency int `yaml:"concurrency"`
}

// ProcessorConfig sets batch-run defaults.
type ProcessorConfig struct {
	// ChunkSize is the default number of items processed and checkpointed
	// as one unit.
	ChunkSize int `yaml:"chunk_size"`
}

// CacheConfig controls the persistent TTL cache.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DefaultTTL string `yaml:"default_ttl"`
}

// LogConfig controls the slog handler built by binaries.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Remote: RemoteConfig{
			BaseURL:           "",
			Timeout:           "30s",
			RequestsPerSecond: 0,
			Burst:             1,
			Stub:              false,
			UserAgent:         "ratchet/1.0",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: "500ms",
			MaxBackoff:     "30s",
			Multiplier:     2.0,
			Jitter:         0.5,
			MaxElapsed:     "5m",
		},
		Batch: BatchConfig{
			Concurrency: 5,
		},
		Processor: ProcessorConfig{
			ChunkSize: 50,
		},
		Cache: CacheConfig{
			Enabled:    true,
			DefaultTTL: "15m",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run Ratchet with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	RATCHET_DATA_DIR       — sets data_dir
//	RATCHET_BASE_URL       — sets remote.base_url
//	RATCHET_TIMEOUT        — sets remote.timeout
//	RATCHET_RPS            — sets remote.requests_per_second
//	RATCHET_BURST          — sets remote.burst
//	RATCHET_STUB           — sets remote.stub ("true"/"false")
//	RATCHET_MAX_ATTEMPTS   — sets retry.max_attempts
//	RATCHET_CONCURRENCY    — sets batch.concurrency
//	RATCHET_CHUNK_SIZE     — sets processor.chunk_size
//	RATCHET_CACHE_ENABLED  — sets cache.enabled ("true"/"false")
//	RATCHET_CACHE_TTL      — sets cache.default_ttl
//	RATCHET_LOG_LEVEL      — sets log.level
//	RATCHET_LOG_FORMAT     — sets log.format
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RATCHET_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RATCHET_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("RATCHET_TIMEOUT"); v != "" {
		cfg.Remote.Timeout = v
	}
	if v := os.Getenv("RATCHET_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Remote.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("RATCHET_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remote.Burst = n
		}
	}
	if v := os.Getenv("RATCHET_STUB"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Remote.Stub = b
		}
	}
	if v := os.Getenv("RATCHET_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("RATCHET_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Batch.Concurrency = n
		}
	}
	if v := os.Getenv("RATCHET_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Processor.ChunkSize = n
		}
	}
	if v := os.Getenv("RATCHET_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Enabled = b
		}
	}
	if v := os.Getenv("RATCHET_CACHE_TTL"); v != "" {
		cfg.Cache.DefaultTTL = v
	}
	if v := os.Getenv("RATCHET_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RATCHET_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("remote.base_url %q is not an absolute URL", c.Remote.BaseURL)
		}
	}
	if _, err := time.ParseDuration(c.Remote.Timeout); err != nil {
		return fmt.Errorf("remote.timeout: %w", err)
	}
	if c.Remote.RequestsPerSecond < 0 {
		return errors.New("remote.requests_per_second must be >= 0")
	}
	if c.Remote.RequestsPerSecond > 0 && c.Remote.Burst < 1 {
		return errors.New("remote.burst must be at least 1 when rate limiting is on")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if _, err := time.ParseDuration(c.Retry.InitialBackoff); err != nil {
		return fmt.Errorf("retry.initial_backoff: %w", err)
	}
	if _, err := time.ParseDuration(c.Retry.MaxBackoff); err != nil {
		return fmt.Errorf("retry.max_backoff: %w", err)
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be between 0 and 1")
	}
	if c.Retry.MaxElapsed != "" {
		if _, err := time.ParseDuration(c.Retry.MaxElapsed); err != nil {
			return fmt.Errorf("retry.max_elapsed: %w", err)
		}
	}
	if c.Batch.Concurrency < 1 {
		return errors.New("batch.concurrency must be at least 1")
	}
	if c.Processor.ChunkSize < 1 {
		return errors.New("processor.chunk_size must be at least 1")
	}
	if _, err := time.ParseDuration(c.Cache.DefaultTTL); err != nil {
		return fmt.Errorf("cache.default_ttl: %w", err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "text", "json":
		// valid
	default:
		return errors.New(`log.format must be "text" or "json"`)
	}
	return nil
}

// ─── Parsed accessors ─────────────────────────────────────────────────────────
// All of these assume Validate has passed and return the zero value otherwise.

// RemoteTimeout returns remote.timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration { return parsed(c.Remote.Timeout) }

// InitialBackoff returns retry.initial_backoff as a duration.
func (c *Config) InitialBackoff() time.Duration { return parsed(c.Retry.InitialBackoff) }

// MaxBackoff returns retry.max_backoff as a duration.
func (c *Config) MaxBackoff() time.Duration { return parsed(c.Retry.MaxBackoff) }

// MaxElapsed returns retry.max_elapsed as a duration, zero for "no cap".
func (c *Config) MaxElapsed() time.Duration { return parsed(c.Retry.MaxElapsed) }

// CacheTTL returns cache.default_ttl as a duration.
func (c *Config) CacheTTL() time.Duration { return parsed(c.Cache.DefaultTTL) }

func parsed(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// SlogLevel maps log.level onto a slog.Level. Unknown strings map to Info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
