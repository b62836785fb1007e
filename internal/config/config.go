// Copyright 2026 RelayPath
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Server holds the HTTP control-plane listen configuration.
type Server struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Store holds PipelineStore configuration.
type Store struct {
	MirrorDir          string `mapstructure:"mirror_dir"`
	CompressAboveBytes int    `mapstructure:"compress_above_bytes"`
	S3Archive          S3Archive `mapstructure:"s3_archive"`
}

// S3Archive configures the optional, best-effort off-box mirror of stored
// images. Disabled by default; never authoritative.
type S3Archive struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
	Prefix  string `mapstructure:"prefix"`
}

// Suspension holds SuspensionStore configuration.
type Suspension struct {
	MaxRecords   int           `mapstructure:"max_records"`
	Backend      string        `mapstructure:"backend"` // "memory", "redis", "redisv8"
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisDB      int           `mapstructure:"redis_db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// Canary holds the default CanaryConfig knobs plus engine timing.
type Canary struct {
	DefaultObservationWindow time.Duration `mapstructure:"default_observation_window"`
	DefaultMinRequests       int           `mapstructure:"default_min_requests"`
	DefaultErrorThreshold    float64       `mapstructure:"default_error_threshold"`
	MetricsRingSize          int           `mapstructure:"metrics_ring_size"`
}

// Loader holds bulk-loader defaults.
type Loader struct {
	DSLExtension  string   `mapstructure:"dsl_extension"`
	IncludeGlobs  []string `mapstructure:"include_globs"`
	ExcludeGlobs  []string `mapstructure:"exclude_globs"`
	MaxConcurrent int      `mapstructure:"max_concurrent"`
	CronSpec      string   `mapstructure:"cron_spec"`
}

// Audit holds the rotated audit-trail configuration.
type Audit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Observability holds logging/tracing/metrics knobs.
type Observability struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsPort int    `mapstructure:"metrics_port"`
	Tracing     Tracing `mapstructure:"tracing"`
}

// Tracing configures the optional OpenTelemetry exporter.
type Tracing struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// Notify configures the optional NATS event publisher.
type Notify struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Config is the top-level configuration loaded from YAML.
type Config struct {
	Server        Server        `mapstructure:"server"`
	Store         Store         `mapstructure:"store"`
	Suspension    Suspension    `mapstructure:"suspension"`
	Canary        Canary        `mapstructure:"canary"`
	Loader        Loader        `mapstructure:"loader"`
	Audit         Audit         `mapstructure:"audit"`
	Observability Observability `mapstructure:"observability"`
	Notify        Notify        `mapstructure:"notify"`
}

// Load reads a YAML configuration file at path into a Config, applying
// defaults for any zero-valued field.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults fills in zero-valued fields with sane defaults.
func (c *Config) SetDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}

	if c.Store.MirrorDir == "" {
		c.Store.MirrorDir = "data/pipelines"
	}
	if c.Store.CompressAboveBytes == 0 {
		c.Store.CompressAboveBytes = 64 * 1024
	}

	if c.Suspension.MaxRecords == 0 {
		c.Suspension.MaxRecords = 10000
	}
	if c.Suspension.Backend == "" {
		c.Suspension.Backend = "memory"
	}
	if c.Suspension.KeyPrefix == "" {
		c.Suspension.KeyPrefix = "pipeflow:suspension:"
	}
	if c.Suspension.DialTimeout == 0 {
		c.Suspension.DialTimeout = 5 * time.Second
	}

	if c.Canary.DefaultObservationWindow == 0 {
		c.Canary.DefaultObservationWindow = 5 * time.Minute
	}
	if c.Canary.DefaultMinRequests == 0 {
		c.Canary.DefaultMinRequests = 20
	}
	if c.Canary.DefaultErrorThreshold == 0 {
		c.Canary.DefaultErrorThreshold = 0.05
	}
	if c.Canary.MetricsRingSize == 0 {
		c.Canary.MetricsRingSize = 1024
	}

	if c.Loader.DSLExtension == "" {
		c.Loader.DSLExtension = ".pf"
	}
	if c.Loader.MaxConcurrent == 0 {
		c.Loader.MaxConcurrent = 4
	}

	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit/pipeflow-audit.log"
	}
	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = 50
	}
	if c.Audit.MaxBackups == 0 {
		c.Audit.MaxBackups = 5
	}
	if c.Audit.MaxAgeDays == 0 {
		c.Audit.MaxAgeDays = 28
	}

	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = 9090
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Suspension.Backend {
	case "memory", "redis", "redisv8":
	default:
		return fmt.Errorf("suspension.backend must be one of memory|redis|redisv8, got %q", c.Suspension.Backend)
	}

	if c.Suspension.Backend != "memory" && c.Suspension.RedisAddr == "" {
		return fmt.Errorf("suspension.redis_addr is required when backend is %q", c.Suspension.Backend)
	}

	if c.Suspension.MaxRecords <= 0 {
		return fmt.Errorf("suspension.max_records must be positive")
	}

	if c.Canary.DefaultErrorThreshold < 0 || c.Canary.DefaultErrorThreshold > 1 {
		return fmt.Errorf("canary.default_error_threshold must be in [0,1]")
	}

	if c.Store.CompressAboveBytes < 0 {
		return fmt.Errorf("store.compress_above_bytes must be non-negative")
	}

	return nil
}
