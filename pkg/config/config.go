// Package config loads participant configuration from environment
// variables, optionally overlaid by a YAML profile file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds node configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// DatabaseURL selects the backend: "postgres://..." for PostgreSQL,
	// anything else is treated as a SQLite path.
	DatabaseURL string `yaml:"database_url"`

	// RedisURL, when set, enables the shared query-lease registry.
	RedisURL string `yaml:"redis_url"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// RetentionExpr is an optional CEL expression; matching closed
	// entries survive pruning.
	RetentionExpr string `yaml:"retention_expr"`

	// ArchiveBucket, when set, exports pruned rows to S3 before delete.
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`

	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	PruneScanRate float64       `yaml:"prune_scan_rate"`
	QueueSize     int           `yaml:"queue_size"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:          getenv("ACS_PORT", "8080"),
		LogLevel:      getenv("ACS_LOG_LEVEL", "INFO"),
		DatabaseURL:   getenv("ACS_DATABASE_URL", "acs.db"),
		RedisURL:      os.Getenv("ACS_REDIS_URL"),
		OTLPEndpoint:  os.Getenv("ACS_OTLP_ENDPOINT"),
		RetentionExpr: os.Getenv("ACS_RETENTION_EXPR"),
		ArchiveBucket: os.Getenv("ACS_ARCHIVE_BUCKET"),
		ArchivePrefix: getenv("ACS_ARCHIVE_PREFIX", "acs/"),
		LeaseTTL:      time.Minute,
		PruneScanRate: 0,
		QueueSize:     64,
	}
	if v := os.Getenv("ACS_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LeaseTTL = d
		}
	}
	if v := os.Getenv("ACS_PRUNE_SCAN_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PruneScanRate = f
		}
	}
	if v := os.Getenv("ACS_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueSize = n
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
