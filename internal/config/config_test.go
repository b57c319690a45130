package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tentanet/p2pd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Admin.Addr != ":7700" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":7700")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if !cfg.Service.Forever {
		t.Error("Service.Forever = false, want true")
	}

	if cfg.Service.HandshakeTimeout != 10*time.Second {
		t.Errorf("Service.HandshakeTimeout = %v, want %v", cfg.Service.HandshakeTimeout, 10*time.Second)
	}

	if cfg.Service.ReceivedBufferSize != 2048 {
		t.Errorf("Service.ReceivedBufferSize = %d, want %d", cfg.Service.ReceivedBufferSize, 2048)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
admin:
  addr: ":7800"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
service:
  forever: false
  handshake_timeout: "5s"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":7800" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":7800")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.Service.Forever {
		t.Error("Service.Forever = true, want false")
	}

	if cfg.Service.HandshakeTimeout != 5*time.Second {
		t.Errorf("Service.HandshakeTimeout = %v, want %v", cfg.Service.HandshakeTimeout, 5*time.Second)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override admin.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
admin:
  addr: ":7900"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.Admin.Addr != ":7900" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":7900")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if !cfg.Service.Forever {
		t.Error("Service.Forever = false, want default true")
	}

	if cfg.Service.HandshakeTimeout != 10*time.Second {
		t.Errorf("Service.HandshakeTimeout = %v, want default %v", cfg.Service.HandshakeTimeout, 10*time.Second)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "zero handshake timeout",
			modify: func(cfg *config.Config) {
				cfg.Service.HandshakeTimeout = 0
			},
			wantErr: config.ErrInvalidHandshakeTimeout,
		},
		{
			name: "negative handshake timeout",
			modify: func(cfg *config.Config) {
				cfg.Service.HandshakeTimeout = -1 * time.Second
			},
			wantErr: config.ErrInvalidHandshakeTimeout,
		},
		{
			name: "zero received buffer size",
			modify: func(cfg *config.Config) {
				cfg.Service.ReceivedBufferSize = 0
			},
			wantErr: config.ErrInvalidBufferSize,
		},
		{
			name: "zero send buffer size",
			modify: func(cfg *config.Config) {
				cfg.Service.SendBufferSize = 0
			},
			wantErr: config.ErrInvalidBufferSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Protocol Table Tests
// -------------------------------------------------------------------------

func TestLoadWithProtocols(t *testing.T) {
	t.Parallel()

	yamlContent := `
protocol:
  - id: 1
    name: ping
    versions: ["1.0.0"]
  - id: 2
    name: discovery
    versions: ["1.0.0", "1.1.0"]
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Protocol) != 2 {
		t.Fatalf("Protocol count = %d, want 2", len(cfg.Protocol))
	}

	if cfg.Protocol[0].Name != "ping" || cfg.Protocol[0].ID != 1 {
		t.Errorf("Protocol[0] = %+v, want {ID: 1, Name: ping}", cfg.Protocol[0])
	}

	if len(cfg.Protocol[1].Versions) != 2 {
		t.Errorf("Protocol[1].Versions = %v, want 2 entries", cfg.Protocol[1].Versions)
	}
}

func TestValidateProtocolErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty protocol versions",
			modify: func(cfg *config.Config) {
				cfg.Protocol = []config.ProtocolEntry{{ID: 1, Name: "ping"}}
			},
			wantErr: config.ErrEmptyProtocolVersions,
		},
		{
			name: "duplicate protocol id",
			modify: func(cfg *config.Config) {
				cfg.Protocol = []config.ProtocolEntry{
					{ID: 1, Name: "ping", Versions: []string{"1.0.0"}},
					{ID: 1, Name: "pong", Versions: []string{"1.0.0"}},
				}
			},
			wantErr: config.ErrDuplicateProtocolID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
admin:
  addr: ":7700"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	// Set env overrides.
	t.Setenv("P2PD_ADMIN_ADDR", ":7800")
	t.Setenv("P2PD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":7800" {
		t.Errorf("Admin.Addr = %q, want %q (from env)", cfg.Admin.Addr, ":7800")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
admin:
  addr: ":7700"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("P2PD_METRICS_ADDR", ":9200")
	t.Setenv("P2PD_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "p2pd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
