package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpath/mpjoind/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.API.Addr != ":8361" {
		t.Errorf("API.Addr = %q, want %q", cfg.API.Addr, ":8361")
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

	if cfg.MPTCP.SynAckTimeout != 1*time.Second {
		t.Errorf("MPTCP.SynAckTimeout = %v, want %v", cfg.MPTCP.SynAckTimeout, 1*time.Second)
	}

	if cfg.MPTCP.DADDelay != 1*time.Second {
		t.Errorf("MPTCP.DADDelay = %v, want %v", cfg.MPTCP.DADDelay, 1*time.Second)
	}

	if cfg.GoBGP.Enabled {
		t.Error("GoBGP.Enabled = true, want false by default")
	}

	if cfg.OVSDB.Enabled {
		t.Error("OVSDB.Enabled = true, want false by default")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
api:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
mptcp:
  syn_ack_timeout: "500ms"
  dad_delay: "250ms"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.API.Addr != ":60000" {
		t.Errorf("API.Addr = %q, want %q", cfg.API.Addr, ":60000")
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

	if cfg.MPTCP.SynAckTimeout != 500*time.Millisecond {
		t.Errorf("MPTCP.SynAckTimeout = %v, want %v", cfg.MPTCP.SynAckTimeout, 500*time.Millisecond)
	}

	if cfg.MPTCP.DADDelay != 250*time.Millisecond {
		t.Errorf("MPTCP.DADDelay = %v, want %v", cfg.MPTCP.DADDelay, 250*time.Millisecond)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override api.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
api:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.API.Addr != ":55555" {
		t.Errorf("API.Addr = %q, want %q", cfg.API.Addr, ":55555")
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

	if cfg.MPTCP.SynAckTimeout != 1*time.Second {
		t.Errorf("MPTCP.SynAckTimeout = %v, want default %v", cfg.MPTCP.SynAckTimeout, 1*time.Second)
	}

	if cfg.MPTCP.DADDelay != 1*time.Second {
		t.Errorf("MPTCP.DADDelay = %v, want default %v", cfg.MPTCP.DADDelay, 1*time.Second)
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
			name: "empty api addr",
			modify: func(cfg *config.Config) {
				cfg.API.Addr = ""
			},
			wantErr: config.ErrEmptyAPIAddr,
		},
		{
			name: "zero syn ack timeout",
			modify: func(cfg *config.Config) {
				cfg.MPTCP.SynAckTimeout = 0
			},
			wantErr: config.ErrInvalidSynAckTimeout,
		},
		{
			name: "negative syn ack timeout",
			modify: func(cfg *config.Config) {
				cfg.MPTCP.SynAckTimeout = -1 * time.Second
			},
			wantErr: config.ErrInvalidSynAckTimeout,
		},
		{
			name: "zero dad delay",
			modify: func(cfg *config.Config) {
				cfg.MPTCP.DADDelay = 0
			},
			wantErr: config.ErrInvalidDADDelay,
		},
		{
			name: "negative dad delay",
			modify: func(cfg *config.Config) {
				cfg.MPTCP.DADDelay = -500 * time.Millisecond
			},
			wantErr: config.ErrInvalidDADDelay,
		},
		{
			name: "gobgp enabled without addr",
			modify: func(cfg *config.Config) {
				cfg.GoBGP.Enabled = true
			},
			wantErr: config.ErrEmptyGoBGPAddr,
		},
		{
			name: "ovsdb enabled without endpoint",
			modify: func(cfg *config.Config) {
				cfg.OVSDB.Enabled = true
			},
			wantErr: config.ErrEmptyOVSDBEndpoint,
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
// Meta Connection Config Tests
// -------------------------------------------------------------------------

func TestLoadWithMetas(t *testing.T) {
	t.Parallel()

	yamlContent := `
api:
  addr: ":8361"
metas:
  - id: "conn-a"
    local: "10.0.0.2"
    remote: "10.0.0.1"
    interface: "eth0"
    family: v4
    local_port: 51000
    remote_port: 443
  - id: "conn-b"
    local: "10.0.1.2"
    remote: "10.0.1.1"
    family: v4
    local_port: 51001
    remote_port: 443
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Metas) != 2 {
		t.Fatalf("Metas count = %d, want 2", len(cfg.Metas))
	}

	m1 := cfg.Metas[0]
	if m1.ID != "conn-a" {
		t.Errorf("Metas[0].ID = %q, want %q", m1.ID, "conn-a")
	}
	if m1.Local != "10.0.0.2" {
		t.Errorf("Metas[0].Local = %q, want %q", m1.Local, "10.0.0.2")
	}
	if m1.Interface != "eth0" {
		t.Errorf("Metas[0].Interface = %q, want %q", m1.Interface, "eth0")
	}
	if m1.Family != "v4" {
		t.Errorf("Metas[0].Family = %q, want %q", m1.Family, "v4")
	}
	if m1.LocalPort != 51000 {
		t.Errorf("Metas[0].LocalPort = %d, want %d", m1.LocalPort, 51000)
	}

	m2 := cfg.Metas[1]
	if m2.ID != "conn-b" {
		t.Errorf("Metas[1].ID = %q, want %q", m2.ID, "conn-b")
	}

	if m1.MetaKey() == m2.MetaKey() {
		t.Error("Metas[0] and Metas[1] have the same key, expected different")
	}
}

func TestValidateMetaErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty meta local",
			modify: func(cfg *config.Config) {
				cfg.Metas = []config.MetaConfig{
					{Local: "", Remote: "10.0.0.1"},
				}
			},
			wantErr: config.ErrInvalidMetaLocal,
		},
		{
			name: "invalid meta local",
			modify: func(cfg *config.Config) {
				cfg.Metas = []config.MetaConfig{
					{Local: "not-an-ip", Remote: "10.0.0.1"},
				}
			},
			wantErr: config.ErrInvalidMetaLocal,
		},
		{
			name: "invalid meta remote",
			modify: func(cfg *config.Config) {
				cfg.Metas = []config.MetaConfig{
					{Local: "10.0.0.2", Remote: "not-an-ip"},
				}
			},
			wantErr: config.ErrInvalidMetaRemote,
		},
		{
			name: "invalid meta family",
			modify: func(cfg *config.Config) {
				cfg.Metas = []config.MetaConfig{
					{Local: "10.0.0.2", Remote: "10.0.0.1", Family: "bogus"},
				}
			},
			wantErr: config.ErrInvalidMetaFamily,
		},
		{
			name: "duplicate meta keys",
			modify: func(cfg *config.Config) {
				cfg.Metas = []config.MetaConfig{
					{Local: "10.0.0.2", Remote: "10.0.0.1", Interface: "eth0"},
					{Local: "10.0.0.2", Remote: "10.0.0.1", Interface: "eth0"},
				}
			},
			wantErr: config.ErrDuplicateMetaKey,
		},
		{
			name: "duplicate meta ids",
			modify: func(cfg *config.Config) {
				cfg.Metas = []config.MetaConfig{
					{ID: "dup", Local: "10.0.0.2", Remote: "10.0.0.1", Interface: "eth0"},
					{ID: "dup", Local: "10.0.1.2", Remote: "10.0.1.1", Interface: "eth1"},
				}
			},
			wantErr: config.ErrDuplicateMetaID,
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

func TestValidateMetaValidFamilies(t *testing.T) {
	t.Parallel()

	for _, fam := range []string{"v4", "v6", ""} {
		cfg := config.DefaultConfig()
		cfg.Metas = []config.MetaConfig{
			{Local: "10.0.0.2", Remote: "10.0.0.1", Family: fam},
		}

		if err := config.Validate(cfg); err != nil {
			t.Errorf("Validate() with family %q returned error: %v", fam, err)
		}
	}
}

func TestMetaConfigKey(t *testing.T) {
	t.Parallel()

	mc := config.MetaConfig{
		Local:     "10.0.0.2",
		Remote:    "10.0.0.1",
		Interface: "eth0",
	}

	want := "10.0.0.2|10.0.0.1|eth0"
	if got := mc.MetaKey(); got != want {
		t.Errorf("MetaKey() = %q, want %q", got, want)
	}
}

func TestMetaConfigLocalAddr(t *testing.T) {
	t.Parallel()

	mc := config.MetaConfig{Local: "10.0.0.2"}
	addr, err := mc.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error: %v", err)
	}
	if addr.String() != "10.0.0.2" {
		t.Errorf("LocalAddr() = %s, want 10.0.0.2", addr)
	}
}

func TestMetaConfigRemoteAddr(t *testing.T) {
	t.Parallel()

	mc := config.MetaConfig{Remote: "10.0.0.1"}
	addr, err := mc.RemoteAddr()
	if err != nil {
		t.Fatalf("RemoteAddr() error: %v", err)
	}
	if addr.String() != "10.0.0.1" {
		t.Errorf("RemoteAddr() = %s, want 10.0.0.1", addr)
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
api:
  addr: ":50051"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	// Set env overrides.
	t.Setenv("MPJOIND_API_ADDR", ":60000")
	t.Setenv("MPJOIND_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.API.Addr != ":60000" {
		t.Errorf("API.Addr = %q, want %q (from env)", cfg.API.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
api:
  addr: ":50051"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("MPJOIND_METRICS_ADDR", ":9200")
	t.Setenv("MPJOIND_METRICS_PATH", "/custom")

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
	path := filepath.Join(dir, "mpjoind.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
