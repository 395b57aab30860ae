// Package config manages mpjoind daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
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

// Config holds the complete mpjoind configuration.
type Config struct {
	API     APIConfig     `koanf:"api"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	MPTCP   MPTCPConfig   `koanf:"mptcp"`
	GoBGP   GoBGPConfig   `koanf:"gobgp"`
	OVSDB   OVSDBConfig   `koanf:"ovsdb"`
	Netio   NetioConfig   `koanf:"netio"`
	Metas   []MetaConfig  `koanf:"metas"`
}

// APIConfig holds the plain HTTP control-plane server configuration.
type APIConfig struct {
	// Addr is the control-API listen address (e.g., ":8361").
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

// MPTCPConfig holds the parameters governing the JOIN handshake and
// address-event reactor. They are loaded, defaulted and validated
// here; cmd/mpjoind does not pass them on, and the daemon runs with
// mptcp.SynAckTimeout and mptcp.DefaultDADDelay.
type MPTCPConfig struct {
	// SynAckTimeout bounds a half-open RequestState's lifetime
	// (spec.md §6 SYN_RCV_TIMEOUT; SPEC_FULL.md §13 resolves it to
	// TCP_TIMEOUT_INIT).
	SynAckTimeout time.Duration `koanf:"syn_ack_timeout"`

	// DADDelay is the re-check interval for an address still
	// undergoing IPv6 Duplicate Address Detection (spec.md §4.6, §8
	// S7).
	DADDelay time.Duration `koanf:"dad_delay"`
}

// GoBGPConfig configures the optional gobgpadapter.RouteResolver used
// for mixed-family JOIN promotion (spec.md §4.4 step (i)). When
// Enabled is false, mixed-family promotion is unavailable and JOINs
// arriving in a family the meta wasn't established in are rejected.
type GoBGPConfig struct {
	// Enabled turns on the GoBGP-backed route resolver.
	Enabled bool `koanf:"enabled"`

	// Addr is GoBGP's gRPC API listen address (e.g., "127.0.0.1:50051").
	Addr string `koanf:"addr"`

	// LookupTimeout bounds each route lookup RPC.
	LookupTimeout time.Duration `koanf:"lookup_timeout"`
}

// OVSDBConfig configures the optional ovsdbaddr.Monitor, an alternate
// AddressMonitor for deployments whose addressing is driven by OVSDB
// rather than the kernel's own address list.
type OVSDBConfig struct {
	// Enabled selects the OVSDB-backed address monitor in place of the
	// default NETLINK_ROUTE one.
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OVSDB connection string (e.g.,
	// "unix:/var/run/openvswitch/db.sock").
	Endpoint string `koanf:"endpoint"`
}

// NetioConfig controls the default netlink-backed AddressMonitor's
// interface classification (spec.md §4.6 AddrEvent sourcing).
type NetioConfig struct {
	// ExcludeInterfaces lists interface names the address monitor
	// never reports events for (e.g., loopback, management NICs).
	ExcludeInterfaces []string `koanf:"exclude_interfaces"`

	// LowPrioInterfaces lists interface names whose addresses are
	// always registered with LowPrio/MP_BACKUP set.
	LowPrioInterfaces []string `koanf:"low_prio_interfaces"`
}

// MetaConfig describes a declarative MetaConnection from the
// configuration file. Each entry registers one MetaConnection on
// daemon startup.
type MetaConfig struct {
	// ID is this meta-connection's unique identifier.
	ID string `koanf:"id"`

	// Local is the local system's initial subflow address.
	Local string `koanf:"local"`

	// Remote is the remote peer's initial subflow address.
	Remote string `koanf:"remote"`

	// LocalPort/RemotePort are the initial subflow's TCP ports.
	LocalPort  uint16 `koanf:"local_port"`
	RemotePort uint16 `koanf:"remote_port"`

	// Interface restricts the initial subflow to a single network
	// interface (optional).
	Interface string `koanf:"interface"`

	// Family is "v4" or "v6"; inferred from Local when empty.
	Family string `koanf:"family"`

	// LocalKey/RemoteKey are the MPTCP connection keys exchanged
	// during the initial MP_CAPABLE handshake (out of this daemon's
	// scope to perform), supplied here so NewMetaConnection can derive
	// HMAC material for subsequent JOINs on this meta.
	LocalKey  uint64 `koanf:"local_key"`
	RemoteKey uint64 `koanf:"remote_key"`
}

// MetaKey returns a unique identifier for the meta connection, used
// by Validate to reject duplicate declared metas.
func (mc MetaConfig) MetaKey() string {
	return mc.Local + "|" + mc.Remote + "|" + mc.Interface
}

// LocalAddr parses Local as a netip.Addr.
func (mc MetaConfig) LocalAddr() (netip.Addr, error) {
	if mc.Local == "" {
		return netip.Addr{}, fmt.Errorf("meta local address: %w", ErrInvalidMetaLocal)
	}
	addr, err := netip.ParseAddr(mc.Local)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse meta local %q: %w: %w", mc.Local, ErrInvalidMetaLocal, err)
	}
	return addr, nil
}

// RemoteAddr parses Remote as a netip.Addr.
func (mc MetaConfig) RemoteAddr() (netip.Addr, error) {
	if mc.Remote == "" {
		return netip.Addr{}, fmt.Errorf("meta remote address: %w", ErrInvalidMetaRemote)
	}
	addr, err := netip.ParseAddr(mc.Remote)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse meta remote %q: %w: %w", mc.Remote, ErrInvalidMetaRemote, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":8361",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		MPTCP: MPTCPConfig{
			SynAckTimeout: 1 * time.Second,
			DADDelay:      1 * time.Second,
		},
		GoBGP: GoBGPConfig{
			Enabled:       false,
			LookupTimeout: 2 * time.Second,
		},
		OVSDB: OVSDBConfig{
			Enabled: false,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for mpjoind
// configuration. Variables are named MPJOIND_<section>_<key>, e.g.,
// MPJOIND_API_ADDR.
const envPrefix = "MPJOIND_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (MPJOIND_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	MPJOIND_API_ADDR       -> api.addr
//	MPJOIND_METRICS_ADDR   -> metrics.addr
//	MPJOIND_METRICS_PATH   -> metrics.path
//	MPJOIND_LOG_LEVEL      -> log.level
//	MPJOIND_LOG_FORMAT     -> log.format
//	MPJOIND_GOBGP_ENABLED  -> gobgp.enabled
//	MPJOIND_GOBGP_ADDR     -> gobgp.addr
//	MPJOIND_OVSDB_ENABLED  -> ovsdb.enabled
//	MPJOIND_OVSDB_ENDPOINT -> ovsdb.endpoint
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

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

// envKeyMapper transforms MPJOIND_API_ADDR -> api.addr. Strips the
// MPJOIND_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"api.addr":            defaults.API.Addr,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
		"mptcp.syn_ack_timeout": defaults.MPTCP.SynAckTimeout.String(),
		"mptcp.dad_delay":       defaults.MPTCP.DADDelay.String(),
		"gobgp.enabled":         defaults.GoBGP.Enabled,
		"gobgp.lookup_timeout":  defaults.GoBGP.LookupTimeout.String(),
		"ovsdb.enabled":         defaults.OVSDB.Enabled,
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
	// ErrEmptyAPIAddr indicates the control-API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidSynAckTimeout indicates the SYN-ACK timeout is invalid.
	ErrInvalidSynAckTimeout = errors.New("mptcp.syn_ack_timeout must be > 0")

	// ErrInvalidDADDelay indicates the DAD re-check delay is invalid.
	ErrInvalidDADDelay = errors.New("mptcp.dad_delay must be > 0")

	// ErrInvalidMetaLocal indicates a meta connection has an invalid
	// local address.
	ErrInvalidMetaLocal = errors.New("meta local address is invalid")

	// ErrInvalidMetaRemote indicates a meta connection has an invalid
	// remote address.
	ErrInvalidMetaRemote = errors.New("meta remote address is invalid")

	// ErrInvalidMetaFamily indicates a meta connection declared an
	// unrecognized family string.
	ErrInvalidMetaFamily = errors.New("meta family must be v4 or v6")

	// ErrDuplicateMetaKey indicates two metas share the same (local,
	// remote, interface) key.
	ErrDuplicateMetaKey = errors.New("duplicate meta key")

	// ErrDuplicateMetaID indicates two metas share the same ID.
	ErrDuplicateMetaID = errors.New("duplicate meta id")

	// ErrEmptyGoBGPAddr indicates gobgp.enabled is true but gobgp.addr
	// is empty.
	ErrEmptyGoBGPAddr = errors.New("gobgp.addr must not be empty when gobgp.enabled")

	// ErrEmptyOVSDBEndpoint indicates ovsdb.enabled is true but
	// ovsdb.endpoint is empty.
	ErrEmptyOVSDBEndpoint = errors.New("ovsdb.endpoint must not be empty when ovsdb.enabled")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if cfg.MPTCP.SynAckTimeout <= 0 {
		return ErrInvalidSynAckTimeout
	}

	if cfg.MPTCP.DADDelay <= 0 {
		return ErrInvalidDADDelay
	}

	if cfg.GoBGP.Enabled && cfg.GoBGP.Addr == "" {
		return ErrEmptyGoBGPAddr
	}

	if cfg.OVSDB.Enabled && cfg.OVSDB.Endpoint == "" {
		return ErrEmptyOVSDBEndpoint
	}

	if err := validateMetas(cfg.Metas); err != nil {
		return err
	}

	return nil
}

// ValidFamilies lists the recognized family strings.
var ValidFamilies = map[string]bool{
	"v4": true,
	"v6": true,
}

// validateMetas checks each declarative meta-connection entry for
// correctness.
func validateMetas(metas []MetaConfig) error {
	seenKeys := make(map[string]struct{}, len(metas))
	seenIDs := make(map[string]struct{}, len(metas))

	for i, mc := range metas {
		if _, err := mc.LocalAddr(); err != nil {
			return fmt.Errorf("metas[%d]: %w", i, err)
		}
		if _, err := mc.RemoteAddr(); err != nil {
			return fmt.Errorf("metas[%d]: %w", i, err)
		}

		if mc.Family != "" && !ValidFamilies[mc.Family] {
			return fmt.Errorf("metas[%d] family %q: %w", i, mc.Family, ErrInvalidMetaFamily)
		}

		if mc.ID != "" {
			if _, dup := seenIDs[mc.ID]; dup {
				return fmt.Errorf("metas[%d] id %q: %w", i, mc.ID, ErrDuplicateMetaID)
			}
			seenIDs[mc.ID] = struct{}{}
		}

		key := mc.MetaKey()
		if _, dup := seenKeys[key]; dup {
			return fmt.Errorf("metas[%d] key %q: %w", i, key, ErrDuplicateMetaKey)
		}
		seenKeys[key] = struct{}{}
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
