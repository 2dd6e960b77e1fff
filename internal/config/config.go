// Package config provides configuration management for the lease worker.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kneutral-org/leasework/internal/worker"
)

const (
	// DefaultGRPCMaxMessageSize is the default max message size for gRPC (4MB).
	DefaultGRPCMaxMessageSize int = 4 << 20 // 4194304 bytes

	// DefaultLockName is the lock record used when LOCK_NAME is unset.
	DefaultLockName = "cleanup-worker"
)

// Lock storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP status server port.
	Port string `yaml:"port"`

	// GRPCPort is the gRPC health server port.
	GRPCPort string `yaml:"grpcPort"`

	// GRPCMaxMessageSize is the maximum message size for gRPC in bytes.
	GRPCMaxMessageSize int `yaml:"grpcMaxMessageSize"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Lock     LockConfig     `yaml:"lock"`
	Worker   WorkerConfig   `yaml:"worker"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	S3       S3Config       `yaml:"s3"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// LockConfig selects the lock record and where it is stored.
type LockConfig struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	// OwnerID overrides the generated owner identity.
	OwnerID string `yaml:"ownerId"`
	Enabled bool   `yaml:"enabled"`
}

// WorkerConfig holds lease timing.
type WorkerConfig struct {
	MinLeaseTime       time.Duration `yaml:"minLeaseTime"`
	TaskRunFrequency   time.Duration `yaml:"taskRunFrequency"`
	MaxExtensionTTL    time.Duration `yaml:"maxExtensionTtl"`
	ExtensionThreshold time.Duration `yaml:"extensionThreshold"`
}

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// DatabaseConfig configures PostgreSQL, used by the postgres lock backend
// and by the cleanup job.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	LockTable    string `yaml:"lockTable"`
	CleanupTable string `yaml:"cleanupTable"`
	MaxConns     int32  `yaml:"maxConns"`
}

// S3Config configures the S3 lock backend.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Insecure        bool   `yaml:"insecure"`
	ForcePathStyle  bool   `yaml:"forcePathStyle"`
}

// BreakerConfig configures the lock storage circuit breaker. A zero
// MaxFailures disables it.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"maxFailures"`
	OpenTimeout time.Duration `yaml:"openTimeout"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:               "8080",
		GRPCPort:           "9090",
		GRPCMaxMessageSize: DefaultGRPCMaxMessageSize,
		LogLevel:           "info",
		LogFormat:          "json",
		Lock: LockConfig{
			Name:    DefaultLockName,
			Backend: BackendMemory,
			Enabled: true,
		},
		Worker: WorkerConfig{
			MinLeaseTime:       30 * time.Second,
			TaskRunFrequency:   5 * time.Minute,
			MaxExtensionTTL:    30 * time.Minute,
			ExtensionThreshold: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "leasework:lock:",
		},
		Database: DatabaseConfig{
			LockTable:    "worker_locks",
			CleanupTable: "idempotency_keys",
			MaxConns:     4,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "locks",
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := Defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile loads a YAML file over the defaults. Environment variables
// still take precedence over the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.GRPCPort = getEnvOrDefault("GRPC_PORT", cfg.GRPCPort)
	cfg.GRPCMaxMessageSize = getEnvIntOrDefault("GRPC_MAX_MESSAGE_SIZE", cfg.GRPCMaxMessageSize)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	cfg.Lock.Name = getEnvOrDefault("LOCK_NAME", cfg.Lock.Name)
	cfg.Lock.Backend = getEnvOrDefault("LOCK_BACKEND", cfg.Lock.Backend)
	cfg.Lock.OwnerID = getEnvOrDefault("LOCK_OWNER_ID", cfg.Lock.OwnerID)
	cfg.Lock.Enabled = getEnvBoolOrDefault("WORKER_ENABLED", cfg.Lock.Enabled)

	cfg.Worker.MinLeaseTime = getEnvDurationOrDefault("MIN_LEASE_TIME", cfg.Worker.MinLeaseTime)
	cfg.Worker.TaskRunFrequency = getEnvDurationOrDefault("TASK_RUN_FREQUENCY", cfg.Worker.TaskRunFrequency)
	cfg.Worker.MaxExtensionTTL = getEnvDurationOrDefault("MAX_EXTENSION_TTL", cfg.Worker.MaxExtensionTTL)
	cfg.Worker.ExtensionThreshold = getEnvDurationOrDefault("EXTENSION_THRESHOLD", cfg.Worker.ExtensionThreshold)

	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getEnvOrDefault("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)
	cfg.Database.LockTable = getEnvOrDefault("LOCK_TABLE", cfg.Database.LockTable)
	cfg.Database.CleanupTable = getEnvOrDefault("CLEANUP_TABLE", cfg.Database.CleanupTable)
	cfg.Database.MaxConns = int32(getEnvInt64OrDefault("DATABASE_MAX_CONNS", int64(cfg.Database.MaxConns)))

	cfg.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.Region = getEnvOrDefault("S3_REGION", cfg.S3.Region)
	cfg.S3.Bucket = getEnvOrDefault("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Prefix = getEnvOrDefault("S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.AccessKeyID = getEnvOrDefault("S3_ACCESS_KEY_ID", cfg.S3.AccessKeyID)
	cfg.S3.SecretAccessKey = getEnvOrDefault("S3_SECRET_ACCESS_KEY", cfg.S3.SecretAccessKey)
	cfg.S3.Insecure = getEnvBoolOrDefault("S3_INSECURE", cfg.S3.Insecure)
	cfg.S3.ForcePathStyle = getEnvBoolOrDefault("S3_FORCE_PATH_STYLE", cfg.S3.ForcePathStyle)

	cfg.Breaker.MaxFailures = uint32(getEnvInt64OrDefault("BREAKER_MAX_FAILURES", int64(cfg.Breaker.MaxFailures)))
	cfg.Breaker.OpenTimeout = getEnvDurationOrDefault("BREAKER_OPEN_TIMEOUT", cfg.Breaker.OpenTimeout)
}

// WorkerTiming converts the lease timing into the worker's form.
func (c *Config) WorkerTiming() worker.Config {
	return worker.Config{
		MinLeaseTime:       c.Worker.MinLeaseTime,
		TaskRunFrequency:   c.Worker.TaskRunFrequency,
		MaxExtensionTTL:    c.Worker.MaxExtensionTTL,
		ExtensionThreshold: c.Worker.ExtensionThreshold,
	}
}

// Validate checks that the configuration can start a worker.
func (c *Config) Validate() error {
	if c.Lock.Name == "" {
		return fmt.Errorf("%w: lock name is required", ErrInvalidConfig)
	}
	if err := c.WorkerTiming().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Lock.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis backend", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalidConfig)
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: S3_BUCKET is required for the s3 backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown lock backend %q", ErrInvalidConfig, c.Lock.Backend)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as bool or the default if not set or invalid.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable value as a duration or the default if not set or invalid.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
