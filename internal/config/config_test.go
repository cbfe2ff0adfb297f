package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ratchet-labs/ratchet/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.DataDir)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("expected default multiplier 2.0, got %v", cfg.Retry.Multiplier)
	}
	if cfg.Retry.Jitter != 0.5 {
		t.Errorf("expected default jitter 0.5, got %v", cfg.Retry.Jitter)
	}
	if cfg.Batch.Concurrency != 5 {
		t.Errorf("expected default concurrency 5, got %d", cfg.Batch.Concurrency)
	}
	if cfg.Processor.ChunkSize != 50 {
		t.Errorf("expected default chunk_size 50, got %d", cfg.Processor.ChunkSize)
	}
	if !cfg.Cache.Enabled {
		t.Error("cache must be enabled by default")
	}
	if cfg.Remote.Stub {
		t.Error("stub transport must be disabled by default")
	}
	if got := cfg.RemoteTimeout(); got != 30*time.Second {
		t.Errorf("RemoteTimeout() = %v, want 30s", got)
	}
	if got := cfg.CacheTTL(); got != 15*time.Minute {
		t.Errorf("CacheTTL() = %v, want 15m", got)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("/tmp/ratchet_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts for missing file, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
data_dir: "/tmp/ratchet_test"
remote:
  base_url: "https://tickets.example.com/rest/api/3"
  timeout: "10s"
  requests_per_second: 8
  burst: 4
retry:
  max_attempts: 5
  initial_backoff: "250ms"
batch:
  concurrency: 10
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DataDir != "/tmp/ratchet_test" {
		t.Errorf("expected data_dir /tmp/ratchet_test, got %s", cfg.DataDir)
	}
	if cfg.Remote.BaseURL != "https://tickets.example.com/rest/api/3" {
		t.Errorf("unexpected base_url %s", cfg.Remote.BaseURL)
	}
	if got := cfg.RemoteTimeout(); got != 10*time.Second {
		t.Errorf("RemoteTimeout() = %v, want 10s", got)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", cfg.Retry.MaxAttempts)
	}
	if got := cfg.InitialBackoff(); got != 250*time.Millisecond {
		t.Errorf("InitialBackoff() = %v, want 250ms", got)
	}
	if cfg.Batch.Concurrency != 10 {
		t.Errorf("expected concurrency 10, got %d", cfg.Batch.Concurrency)
	}
	// Unset fields keep their defaults.
	if cfg.Processor.ChunkSize != 50 {
		t.Errorf("expected default chunk_size 50 (unchanged), got %d", cfg.Processor.ChunkSize)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("expected default multiplier 2.0 (unchanged), got %v", cfg.Retry.Multiplier)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "remote: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RATCHET_DATA_DIR", "/tmp/ratchet_env")
	t.Setenv("RATCHET_MAX_ATTEMPTS", "7")
	t.Setenv("RATCHET_STUB", "true")
	t.Setenv("RATCHET_CACHE_TTL", "1h")

	cfg, err := config.Load("/tmp/ratchet_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DataDir != "/tmp/ratchet_env" {
		t.Errorf("expected env data_dir, got %s", cfg.DataDir)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("expected env max_attempts 7, got %d", cfg.Retry.MaxAttempts)
	}
	if !cfg.Remote.Stub {
		t.Error("expected env stub=true")
	}
	if got := cfg.CacheTTL(); got != time.Hour {
		t.Errorf("CacheTTL() = %v, want 1h", got)
	}
}

func TestLoad_EnvIgnoresGarbageNumbers(t *testing.T) {
	t.Setenv("RATCHET_MAX_ATTEMPTS", "banana")
	t.Setenv("RATCHET_CONCURRENCY", "-3")

	cfg, err := config.Load("/tmp/ratchet_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("garbage env should keep default max_attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Batch.Concurrency != 5 {
		t.Errorf("negative env should keep default concurrency, got %d", cfg.Batch.Concurrency)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty data_dir")
	}
}

func TestValidate_RelativeBaseURL(t *testing.T) {
	cfg := config.Default()
	cfg.Remote.BaseURL = "rest/api/3"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for non-absolute base_url")
	}
}

func TestValidate_BadDurations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"timeout", func(c *config.Config) { c.Remote.Timeout = "fast" }},
		{"initial_backoff", func(c *config.Config) { c.Retry.InitialBackoff = "half a second" }},
		{"max_backoff", func(c *config.Config) { c.Retry.MaxBackoff = "30" }},
		{"max_elapsed", func(c *config.Config) { c.Retry.MaxElapsed = "later" }},
		{"default_ttl", func(c *config.Config) { c.Cache.DefaultTTL = "soon" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for bad %s", tc.name)
			}
		})
	}
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero attempts", func(c *config.Config) { c.Retry.MaxAttempts = 0 }},
		{"multiplier below one", func(c *config.Config) { c.Retry.Multiplier = 0.5 }},
		{"jitter above one", func(c *config.Config) { c.Retry.Jitter = 1.5 }},
		{"negative jitter", func(c *config.Config) { c.Retry.Jitter = -0.1 }},
		{"zero concurrency", func(c *config.Config) { c.Batch.Concurrency = 0 }},
		{"zero chunk size", func(c *config.Config) { c.Processor.ChunkSize = 0 }},
		{"negative rps", func(c *config.Config) { c.Remote.RequestsPerSecond = -1 }},
		{"rps without burst", func(c *config.Config) { c.Remote.RequestsPerSecond = 5; c.Remote.Burst = 0 }},
		{"unknown log level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"unknown log format", func(c *config.Config) { c.Log.Format = "xml" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
