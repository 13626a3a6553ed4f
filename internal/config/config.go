// Package config loads configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Database. Empty runs on the in-memory store.
	DatabaseURL string

	// Auth
	JWTSecret string

	// Storage backend ("local", "s3", "minio" or "smb", default: "local")
	StorageBackend   string
	LocalStoragePath string
	MinFreeBytes     int64

	// S3 / MinIO storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// SMB storage. SMBInit marks an empty share on first start.
	SMBMountPath string
	SMBInit      bool

	// Quota and uploads
	DefaultStorageLimit int64 // 0 = unlimited
	MaxUploadSize       int64 // seeds the settings row on first start

	// Background work
	TrashSweepInterval  time.Duration
	TrashRetention      time.Duration
	TrashSweepBatch     int
	OrphanSweepInterval time.Duration
	OrphanGrace         time.Duration
	SweepDeleteRate     float64 // deletes per second, 0 = unthrottled
	DriveScanInterval   time.Duration
	DriveScanSettle     time.Duration

	// Settings cache
	SettingsCacheTTL time.Duration

	// Redis (optional: settings fan-out and sweep leases)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RabbitMQ (optional: audit delivery)
	RabbitMQURL   string
	AuditExchange string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		LogOutput:           envOr("LOG_OUTPUT", ""),
		DatabaseURL:         envOr("DATABASE_URL", ""),
		JWTSecret:           envOr("JWT_SECRET", ""),
		StorageBackend:      envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:    envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		MinFreeBytes:        envInt64("MIN_FREE_BYTES", 0),
		S3Endpoint:          envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:            envOr("S3_BUCKET", "pantry"),
		S3AccessKey:         envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:         envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3UseSSL:            envBool("S3_USE_SSL", false),
		SMBMountPath:        envOr("SMB_MOUNT_PATH", ""),
		SMBInit:             envBool("SMB_INIT", false),
		DefaultStorageLimit: envInt64("DEFAULT_STORAGE_LIMIT", 0),
		MaxUploadSize:       envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		TrashSweepInterval:  envDuration("TRASH_SWEEP_INTERVAL", time.Hour),
		TrashRetention:      envDuration("TRASH_RETENTION", 15*24*time.Hour),
		TrashSweepBatch:     envInt("TRASH_SWEEP_BATCH", 100),
		OrphanSweepInterval: envDuration("ORPHAN_SWEEP_INTERVAL", 6*time.Hour),
		OrphanGrace:         envDuration("ORPHAN_GRACE", 24*time.Hour),
		SweepDeleteRate:     envFloat("SWEEP_DELETE_RATE", 50),
		DriveScanInterval:   envDuration("DRIVE_SCAN_INTERVAL", 5*time.Minute),
		DriveScanSettle:     envDuration("DRIVE_SCAN_SETTLE", time.Minute),
		SettingsCacheTTL:    envDuration("SETTINGS_CACHE_TTL", 30*time.Second),
		RedisAddr:           envOr("REDIS_ADDR", ""),
		RedisPassword:       envOr("REDIS_PASSWORD", ""),
		RedisDB:             envInt("REDIS_DB", 0),
		RabbitMQURL:         envOr("RABBITMQ_URL", ""),
		AuditExchange:       envOr("AUDIT_EXCHANGE", "pantry.audit"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StorageBackend {
	case "local":
		if !filepath.IsAbs(c.LocalStoragePath) {
			return fmt.Errorf("LOCAL_STORAGE_PATH must be absolute, got %q", c.LocalStoragePath)
		}
	case "s3", "minio":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the %s backend", c.StorageBackend)
		}
	case "smb":
		if c.SMBMountPath == "" {
			return fmt.Errorf("SMB_MOUNT_PATH is required for the smb backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.TrashSweepBatch <= 0 {
		return fmt.Errorf("TRASH_SWEEP_BATCH must be positive")
	}
	if c.TrashRetention <= 0 {
		return fmt.Errorf("TRASH_RETENTION must be positive")
	}
	if c.DefaultStorageLimit < 0 || c.MaxUploadSize < 0 || c.MinFreeBytes < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	return nil
}

// BackendConfig returns the managed backend type and its JSON config.
func (c *Config) BackendConfig() (string, json.RawMessage, error) {
	var v any
	switch c.StorageBackend {
	case "local":
		v = map[string]any{"root_path": c.LocalStoragePath, "create_dirs": true, "min_free_bytes": c.MinFreeBytes}
	case "s3":
		v = map[string]any{
			"endpoint": c.S3Endpoint, "bucket": c.S3Bucket, "region": c.S3Region,
			"access_key": c.S3AccessKey, "secret_key": c.S3SecretKey,
		}
	case "minio":
		v = map[string]any{
			"endpoint": c.S3Endpoint, "bucket": c.S3Bucket, "use_ssl": c.S3UseSSL,
			"access_key": c.S3AccessKey, "secret_key": c.S3SecretKey,
		}
	case "smb":
		v = map[string]any{"mount_path": c.SMBMountPath, "min_free_bytes": c.MinFreeBytes, "init": c.SMBInit}
	default:
		return "", nil, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return c.StorageBackend, raw, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration accepts Go durations ("90s", "2h"); 0 disables a ticker.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
