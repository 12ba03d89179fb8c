// Package config manages akarid daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete akarid configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	PSK     PSKConfig     `koanf:"psk"`
	Proxy   ProxyConfig   `koanf:"proxy"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ListenConfig holds the UDP listener configuration.
type ListenConfig struct {
	// Addr is the UDP listen address (e.g., ":7643").
	Addr string `koanf:"addr"`
}

// PSKConfig holds the pre-shared key. At least one of Value or File
// must be set; File wins when both are present.
type PSKConfig struct {
	// Value is the inline PSK string.
	Value string `koanf:"value"`

	// File is a path to a file holding the PSK. Trailing newlines are
	// stripped.
	File string `koanf:"file"`
}

// ProxyConfig holds the responder parameters.
type ProxyConfig struct {
	// PayloadMax bounds per-packet payloads.
	PayloadMax int `koanf:"payload_max"`

	// ExchangeTTL is how long served responses stay replayable for NACKs.
	ExchangeTTL time.Duration `koanf:"exchange_ttl"`

	// SweepInterval is the exchange janitor cadence.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// OracleTimeout bounds each origin HTTP fetch.
	OracleTimeout time.Duration `koanf:"oracle_timeout"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultListenPort is the conventional akarid UDP port.
const DefaultListenPort = 7643

// DefaultConfig returns a Config populated with sensible defaults.
// The PSK has no default: it must come from the file or environment.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: fmt.Sprintf(":%d", DefaultListenPort),
		},
		Proxy: ProxyConfig{
			PayloadMax:    1200,
			ExchangeTTL:   30 * time.Second,
			SweepInterval: 5 * time.Second,
			OracleTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for akarid configuration.
// Variables are named AKARI_<section>_<key>, e.g., AKARI_LISTEN_ADDR.
const envPrefix = "AKARI_"

// Load reads configuration from a YAML file at path (optional, empty
// path skips the file layer), overlays environment variable overrides
// (AKARI_ prefix), and merges on top of DefaultConfig(). Missing
// fields inherit defaults.
//
// Environment variable mapping:
//
//	AKARI_LISTEN_ADDR   -> listen.addr
//	AKARI_PSK_VALUE     -> psk.value
//	AKARI_PSK_FILE      -> psk.file
//	AKARI_METRICS_ADDR  -> metrics.addr
//	AKARI_LOG_LEVEL     -> log.level
//	AKARI_LOG_FORMAT    -> log.format
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

	// AKARI_LISTEN_ADDR -> listen.addr (strip prefix, lowercase, first _ -> .).
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

// envKeyMapper transforms AKARI_LISTEN_ADDR -> listen.addr.
// Strips the AKARI_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so AKARI_PROXY_PAYLOAD_MAX reaches
// proxy.payload_max.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.addr":          defaults.Listen.Addr,
		"proxy.payload_max":    defaults.Proxy.PayloadMax,
		"proxy.exchange_ttl":   defaults.Proxy.ExchangeTTL.String(),
		"proxy.sweep_interval": defaults.Proxy.SweepInterval.String(),
		"proxy.oracle_timeout": defaults.Proxy.OracleTimeout.String(),
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
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
	// ErrEmptyListenAddr indicates the UDP listen address is empty.
	ErrEmptyListenAddr = errors.New("listen.addr must not be empty")

	// ErrMissingPSK indicates neither psk.value nor psk.file is set.
	ErrMissingPSK = errors.New("psk.value or psk.file must be set")

	// ErrInvalidPayloadMax indicates payload_max is out of range.
	ErrInvalidPayloadMax = errors.New("proxy.payload_max must be within 64..65535")

	// ErrInvalidExchangeTTL indicates a non-positive exchange TTL.
	ErrInvalidExchangeTTL = errors.New("proxy.exchange_ttl must be > 0")

	// ErrInvalidSweepInterval indicates a non-positive sweep interval.
	ErrInvalidSweepInterval = errors.New("proxy.sweep_interval must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.Addr == "" {
		return ErrEmptyListenAddr
	}

	if cfg.PSK.Value == "" && cfg.PSK.File == "" {
		return ErrMissingPSK
	}

	if cfg.Proxy.PayloadMax < 64 || cfg.Proxy.PayloadMax > 65535 {
		return fmt.Errorf("payload_max %d: %w", cfg.Proxy.PayloadMax, ErrInvalidPayloadMax)
	}

	if cfg.Proxy.ExchangeTTL <= 0 {
		return ErrInvalidExchangeTTL
	}

	if cfg.Proxy.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}

	return nil
}

// ResolvePSK returns the key material: the file contents when psk.file
// is set, the inline value otherwise.
func (c *Config) ResolvePSK() ([]byte, error) {
	if c.PSK.File != "" {
		data, err := os.ReadFile(c.PSK.File)
		if err != nil {
			return nil, fmt.Errorf("read psk file: %w", err)
		}
		data = []byte(strings.TrimRight(string(data), "\r\n"))
		if len(data) == 0 {
			return nil, fmt.Errorf("psk file %s: %w", c.PSK.File, ErrMissingPSK)
		}
		return data, nil
	}
	return []byte(c.PSK.Value), nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
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
