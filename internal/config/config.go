// Package config manages waypiped configuration using koanf/v2.
//
// Supports YAML files, environment variables, and programmatic defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete waypiped configuration.
type Config struct {
	Log         LogConfig         `koanf:"log"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Replication ReplicationConfig `koanf:"replication"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP endpoint is served.
	Enabled bool `koanf:"enabled"`
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9240").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// ReplicationConfig holds the shadow replication engine settings shared by
// every per-connection worker. The record is treated as immutable once the
// supervisor starts; workers receive it by reference.
type ReplicationConfig struct {
	// Compression selects the diff payload compression: "none", "lz4",
	// or "zstd".
	Compression string `koanf:"compression"`

	// CompressionLevel is the algorithm-specific level; 0 selects the
	// algorithm default.
	CompressionLevel int `koanf:"compression_level"`

	// Threads is the worker-pool size per connection. 0 sizes the pool
	// to half the logical CPUs.
	Threads int `koanf:"threads"`

	// Video names a video encoding mode for DMABUF surfaces: "off",
	// "vaapi", or "sw". The value is validated only; no code in this
	// module performs video encoding.
	Video string `koanf:"video"`

	// DmabufDevice names a DRM render node (e.g., /dev/dri/renderD128).
	// The value is carried in the config only; nothing in this module
	// opens it.
	DmabufDevice string `koanf:"dmabuf_device"`

	// NoGPU is the no-GPU flag. It is carried in the config only; DMABUF
	// handling in this module does not read it.
	NoGPU bool `koanf:"no_gpu"`
}

// PoolSize resolves the effective worker-pool thread count.
func (rc ReplicationConfig) PoolSize() int {
	if rc.Threads > 0 {
		return rc.Threads
	}
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults: LZ4
// compression (cheap enough for interactive latency), auto-sized pool,
// video and metrics off.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9240",
			Path:    "/metrics",
		},
		Replication: ReplicationConfig{
			Compression:      "lz4",
			CompressionLevel: 0,
			Threads:          0,
			Video:            "off",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for waypiped configuration.
// Variables are named WAYPIPE_<section>_<key>, e.g., WAYPIPE_LOG_LEVEL.
const envPrefix = "WAYPIPE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (WAYPIPE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path loads
// defaults plus environment overrides only.
//
// Environment variable mapping:
//
//	WAYPIPE_LOG_LEVEL               -> log.level
//	WAYPIPE_LOG_FORMAT              -> log.format
//	WAYPIPE_METRICS_ADDR            -> metrics.addr
//	WAYPIPE_REPLICATION_COMPRESSION -> replication.compression
//	WAYPIPE_REPLICATION_THREADS     -> replication.threads
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// WAYPIPE_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms WAYPIPE_LOG_LEVEL -> log.level.
// Strips the WAYPIPE_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"metrics.enabled":               defaults.Metrics.Enabled,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"replication.compression":       defaults.Replication.Compression,
		"replication.compression_level": defaults.Replication.CompressionLevel,
		"replication.threads":           defaults.Replication.Threads,
		"replication.video":             defaults.Replication.Video,
		"replication.dmabuf_device":     defaults.Replication.DmabufDevice,
		"replication.no_gpu":            defaults.Replication.NoGPU,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidCompression indicates an unrecognized compression name.
	ErrInvalidCompression = errors.New("replication.compression must be none, lz4, or zstd")

	// ErrInvalidVideo indicates an unrecognized video mode.
	ErrInvalidVideo = errors.New("replication.video must be off, vaapi, or sw")

	// ErrNegativeThreads indicates a negative worker-pool size.
	ErrNegativeThreads = errors.New("replication.threads must be >= 0")

	// ErrEmptyMetricsAddr indicates metrics are enabled with no address.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty when metrics are enabled")
)

// ValidCompressionModes lists the recognized compression strings.
var ValidCompressionModes = map[string]bool{
	"none": true,
	"lz4":  true,
	"zstd": true,
}

// ValidVideoModes lists the recognized video mode strings.
var ValidVideoModes = map[string]bool{
	"off":   true,
	"vaapi": true,
	"sw":    true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if !ValidCompressionModes[cfg.Replication.Compression] {
		return fmt.Errorf("%q: %w", cfg.Replication.Compression, ErrInvalidCompression)
	}

	if !ValidVideoModes[cfg.Replication.Video] {
		return fmt.Errorf("%q: %w", cfg.Replication.Video, ErrInvalidVideo)
	}

	if cfg.Replication.Threads < 0 {
		return ErrNegativeThreads
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
