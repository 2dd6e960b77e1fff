package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kneutral-org/leasework/internal/worker"
)

var configEnvKeys = []string{
	"PORT", "GRPC_PORT", "GRPC_MAX_MESSAGE_SIZE", "LOG_LEVEL", "LOG_FORMAT",
	"LOCK_NAME", "LOCK_BACKEND", "LOCK_OWNER_ID", "WORKER_ENABLED",
	"MIN_LEASE_TIME", "TASK_RUN_FREQUENCY", "MAX_EXTENSION_TTL", "EXTENSION_THRESHOLD",
	"REDIS_ADDR", "REDIS_KEY_PREFIX", "DATABASE_URL", "LOCK_TABLE", "CLEANUP_TABLE",
	"S3_BUCKET", "S3_INSECURE", "BREAKER_MAX_FAILURES", "BREAKER_OPEN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.GRPCPort != "9090" {
		t.Errorf("expected default gRPC port '9090', got '%s'", cfg.GRPCPort)
	}
	if cfg.GRPCMaxMessageSize != DefaultGRPCMaxMessageSize {
		t.Errorf("expected default gRPC message size %d, got %d", DefaultGRPCMaxMessageSize, cfg.GRPCMaxMessageSize)
	}
	if cfg.Lock.Name != DefaultLockName {
		t.Errorf("expected default lock name %q, got %q", DefaultLockName, cfg.Lock.Name)
	}
	if cfg.Lock.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.Lock.Backend)
	}
	if !cfg.Lock.Enabled {
		t.Error("expected worker to be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to be valid, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9091")
	t.Setenv("LOCK_NAME", "nightly-export")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("MIN_LEASE_TIME", "2s")
	t.Setenv("TASK_RUN_FREQUENCY", "3s")
	t.Setenv("MAX_EXTENSION_TTL", "10s")
	t.Setenv("EXTENSION_THRESHOLD", "1s")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("BREAKER_MAX_FAILURES", "7")

	cfg := Load()

	if cfg.Port != "9091" {
		t.Errorf("expected port '9091', got '%s'", cfg.Port)
	}
	if cfg.Lock.Name != "nightly-export" {
		t.Errorf("expected lock name 'nightly-export', got %q", cfg.Lock.Name)
	}
	if cfg.Lock.Enabled {
		t.Error("expected worker to be disabled")
	}
	want := worker.Config{
		MinLeaseTime:       2 * time.Second,
		TaskRunFrequency:   3 * time.Second,
		MaxExtensionTTL:    10 * time.Second,
		ExtensionThreshold: time.Second,
	}
	if got := cfg.WorkerTiming(); got != want {
		t.Errorf("expected timing %+v, got %+v", want, got)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Errorf("expected redis addr 'redis:6380', got %q", cfg.Redis.Addr)
	}
	if cfg.Breaker.MaxFailures != 7 {
		t.Errorf("expected 7 breaker failures, got %d", cfg.Breaker.MaxFailures)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRPC_MAX_MESSAGE_SIZE", "invalid")
	t.Setenv("MIN_LEASE_TIME", "soon")
	t.Setenv("S3_INSECURE", "maybe")

	cfg := Load()
	defaults := Defaults()

	if cfg.GRPCMaxMessageSize != DefaultGRPCMaxMessageSize {
		t.Errorf("expected default for invalid gRPC message size, got %d", cfg.GRPCMaxMessageSize)
	}
	if cfg.Worker.MinLeaseTime != defaults.Worker.MinLeaseTime {
		t.Errorf("expected default min lease time, got %s", cfg.Worker.MinLeaseTime)
	}
	if cfg.S3.Insecure {
		t.Error("expected default for invalid bool")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "worker.yaml")
	content := `
port: "7070"
lock:
  name: from-file
  backend: s3
  enabled: true
worker:
  minLeaseTime: 4s
  taskRunFrequency: 1m
  maxExtensionTtl: 2m
  extensionThreshold: 1s
s3:
  bucket: locks
  forcePathStyle: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORT", "6060")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Port != "6060" {
		t.Errorf("expected env to override file port, got %q", cfg.Port)
	}
	if cfg.Lock.Name != "from-file" || cfg.Lock.Backend != BackendS3 {
		t.Errorf("unexpected lock config %+v", cfg.Lock)
	}
	if cfg.Worker.MinLeaseTime != 4*time.Second || cfg.Worker.TaskRunFrequency != time.Minute {
		t.Errorf("unexpected worker timing %+v", cfg.Worker)
	}
	if !cfg.S3.ForcePathStyle || cfg.S3.Bucket != "locks" {
		t.Errorf("unexpected s3 config %+v", cfg.S3)
	}
	if cfg.GRPCPort != "9090" {
		t.Errorf("expected untouched default gRPC port, got %q", cfg.GRPCPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("worker: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty lock name", func(c *Config) { c.Lock.Name = "" }},
		{"unknown backend", func(c *Config) { c.Lock.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Lock.Backend = BackendRedis; c.Redis.Addr = "" }},
		{"postgres without url", func(c *Config) { c.Lock.Backend = BackendPostgres }},
		{"s3 without bucket", func(c *Config) { c.Lock.Backend = BackendS3 }},
		{"threshold not below min lease", func(c *Config) { c.Worker.ExtensionThreshold = c.Worker.MinLeaseTime }},
		{"min lease above max ttl", func(c *Config) { c.Worker.MaxExtensionTTL = c.Worker.MinLeaseTime / 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestValidate_WrapsWorkerError(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.TaskRunFrequency = 0
	if err := cfg.Validate(); !errors.Is(err, worker.ErrInvalidConfig) {
		t.Errorf("expected worker.ErrInvalidConfig in chain, got %v", err)
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "TEST_KEY", "env_value", "default", "env_value"},
		{"env not set", "TEST_KEY_MISSING", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getEnvOrDefault(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestGetEnvInt64OrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue int64
		expected     int64
	}{
		{"valid int64", "TEST_INT64", "12345", 0, 12345},
		{"invalid int64", "TEST_INT64_INVALID", "abc", 999, 999},
		{"not set", "TEST_INT64_MISSING", "", 888, 888},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = os.Unsetenv(tt.key)
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getEnvInt64OrDefault(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestGetEnvIntOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue int
		expected     int
	}{
		{"valid int", "TEST_INT", "12345", 0, 12345},
		{"invalid int", "TEST_INT_INVALID", "abc", 999, 999},
		{"not set", "TEST_INT_MISSING", "", 888, 888},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = os.Unsetenv(tt.key)
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getEnvIntOrDefault(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestGetEnvDurationOrDefault(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")
	if got := getEnvDurationOrDefault("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("expected 90s, got %s", got)
	}
	t.Setenv("TEST_DURATION", "ninety")
	if got := getEnvDurationOrDefault("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("expected default for invalid duration, got %s", got)
	}
}

func TestGetEnvBoolOrDefault(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !getEnvBoolOrDefault("TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("TEST_BOOL", "nope")
	if getEnvBoolOrDefault("TEST_BOOL", false) {
		t.Error("expected default for invalid bool")
	}
}
