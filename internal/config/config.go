// Package config manages p2pd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
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

// Config holds the complete p2pd daemon configuration.
type Config struct {
	Admin    AdminConfig     `koanf:"admin"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	Service  ServiceConfig   `koanf:"service"`
	NAT      NATConfig       `koanf:"nat"`
	Listen   []string        `koanf:"listen"`
	Dial     []string        `koanf:"dial"`
	Protocol []ProtocolEntry `koanf:"protocol"`
}

// NATConfig controls best-effort UPnP IGD port mapping for this daemon's
// listeners.
type NATConfig struct {
	// UPnP enables discovery of a local IGD gateway and requests an
	// external port mapping for every configured listener. Discovery
	// failures are logged and otherwise ignored: the daemon always keeps
	// serving on its local listen addresses.
	UPnP bool `koanf:"upnp"`
}

// AdminConfig holds the admin HTTP control surface configuration.
type AdminConfig struct {
	// Addr is the admin listen address (e.g., ":7700").
	Addr string `koanf:"addr"`
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

// ServiceConfig holds Service Core event-loop tuning knobs.
type ServiceConfig struct {
	// Forever puts the Service in Forever mode (Builder.WithForever). Run
	// does not return on its own in either mode: it stops only on a
	// shutdown task or a cancelled context, not when the service goes idle.
	Forever bool `koanf:"forever"`

	// HandshakeTimeout bounds how long an accepted or dialed connection
	// has to complete Handshaker.Handshake + Muxer.Open before the
	// attempt is abandoned.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// ReceivedBufferSize is validated to be positive but is not passed to
	// the Service: each protocol handler's inbound event channel has the
	// fixed capacity service.ReceivedSize (512).
	ReceivedBufferSize int `koanf:"received_buffer_size"`

	// SendBufferSize is validated to be positive but is not passed to the
	// Service: each session's quick and normal outbound queues have a fixed
	// capacity of 512.
	SendBufferSize int `koanf:"send_buffer_size"`
}

// ProtocolEntry declares one protocol this daemon registers on startup.
// The protocol's handler implementation is wired in code (config cannot
// name a Go type), but id/name/versions are data the daemon needs to
// build the ProtocolMeta it registers with the builder.
type ProtocolEntry struct {
	ID       uint32   `koanf:"id"`
	Name     string   `koanf:"name"`
	Versions []string `koanf:"versions"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":7700",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Service: ServiceConfig{
			Forever:            true,
			HandshakeTimeout:   10 * time.Second,
			ReceivedBufferSize: 2048,
			SendBufferSize:     512,
		},
		NAT: NATConfig{
			UPnP: false,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for p2pd configuration.
// Variables are named P2PD_<section>_<key>, e.g., P2PD_ADMIN_ADDR.
const envPrefix = "P2PD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (P2PD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	P2PD_ADMIN_ADDR      -> admin.addr
//	P2PD_METRICS_ADDR    -> metrics.addr
//	P2PD_METRICS_PATH    -> metrics.path
//	P2PD_LOG_LEVEL       -> log.level
//	P2PD_LOG_FORMAT      -> log.format
//	P2PD_SERVICE_FOREVER -> service.forever
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults, if one was given.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	// P2PD_ADMIN_ADDR -> admin.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms P2PD_ADMIN_ADDR -> admin.addr.
// Strips the P2PD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                   defaults.Admin.Addr,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"service.forever":              defaults.Service.Forever,
		"service.handshake_timeout":    defaults.Service.HandshakeTimeout.String(),
		"service.received_buffer_size": defaults.Service.ReceivedBufferSize,
		"service.send_buffer_size":     defaults.Service.SendBufferSize,
		"nat.upnp":                     defaults.NAT.UPnP,
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
	// ErrInvalidHandshakeTimeout indicates the handshake timeout is non-positive.
	ErrInvalidHandshakeTimeout = errors.New("service.handshake_timeout must be > 0")

	// ErrInvalidBufferSize indicates a buffer size is non-positive.
	ErrInvalidBufferSize = errors.New("buffer sizes must be > 0")

	// ErrDuplicateProtocolID indicates two protocol entries share an ID.
	ErrDuplicateProtocolID = errors.New("duplicate protocol id")

	// ErrEmptyProtocolVersions indicates a protocol entry declares no versions.
	ErrEmptyProtocolVersions = errors.New("protocol must declare at least one version")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Service.HandshakeTimeout <= 0 {
		return ErrInvalidHandshakeTimeout
	}

	if cfg.Service.ReceivedBufferSize <= 0 || cfg.Service.SendBufferSize <= 0 {
		return ErrInvalidBufferSize
	}

	if err := validateProtocols(cfg.Protocol); err != nil {
		return err
	}

	return nil
}

func validateProtocols(protocols []ProtocolEntry) error {
	seen := make(map[uint32]struct{}, len(protocols))
	for i, p := range protocols {
		if len(p.Versions) == 0 {
			return fmt.Errorf("protocol[%d] %q: %w", i, p.Name, ErrEmptyProtocolVersions)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("protocol[%d] id %d: %w", i, p.ID, ErrDuplicateProtocolID)
		}
		seen[p.ID] = struct{}{}
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
