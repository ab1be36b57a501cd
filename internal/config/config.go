// Package config loads and validates the tmo configuration document. Every
// recognised field is listed here; there are no undocumented environment
// variables or hidden defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tmuxmon/tmo/internal/detector"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/util"
)

// Strategy names accepted by the strategy field.
const (
	StrategyPolling    = "polling"
	StrategyConcurrent = "concurrent"
)

// Config is the top-level configuration document.
type Config struct {
	CycleInterval int    `toml:"cycle_interval"` // seconds between cycle starts; floor 1
	Strategy      string `toml:"strategy"`
	MaxParallel   int    `toml:"max_parallel"`

	Pool          PoolConfig         `toml:"pool"`
	Cache         CacheConfig        `toml:"cache"`
	Crash         CrashConfig        `toml:"crash"`
	Recovery      RecoveryConfig     `toml:"recovery"`
	Notifications NotificationConfig `toml:"notifications"`
	Persistence   PersistenceConfig  `toml:"persistence"`
	Log           LogConfig          `toml:"log"`
}

// PoolConfig is the connection pool geometry, in seconds where durations
// apply.
type PoolConfig struct {
	Min            int `toml:"min"`
	Max            int `toml:"max"`
	AcquireTimeout int `toml:"acquire_timeout"`
	MaxIdle        int `toml:"max_idle"`
	MaxTotalAge    int `toml:"max_total_age"`
	SweepInterval  int `toml:"sweep_interval"`
}

// CacheConfig holds per-namespace TTLs (seconds) and the size bound.
type CacheConfig struct {
	PaneContentTTL         int `toml:"pane_content_ttl"`
	AgentStatusTTL         int `toml:"agent_status_ttl"`
	SessionInfoTTL         int `toml:"session_info_ttl"`
	ConfigTTL              int `toml:"config_ttl"`
	MaxEntriesPerNamespace int `toml:"max_entries_per_namespace"`
}

// SignatureEntry is one terminal-error signature.
type SignatureEntry struct {
	ID      string `toml:"id" yaml:"id"`
	Pattern string `toml:"pattern" yaml:"pattern"`
	Regex   bool   `toml:"regex" yaml:"regex"`
}

// RoleSignatureEntry binds a pattern to an agent role.
type RoleSignatureEntry struct {
	Role    string `toml:"role" yaml:"role"`
	Pattern string `toml:"pattern" yaml:"pattern"`
	Regex   bool   `toml:"regex" yaml:"regex"`
}

// CrashConfig configures the classifier. There is no built-in signature
// list; without configuration, crash detection is limited to what hash
// comparison and idleness can prove.
type CrashConfig struct {
	StuckThreshold int `toml:"stuck_threshold"`
	// SignaturesFile optionally points at a YAML catalog with the same two
	// lists; catalog entries are matched before inline entries.
	SignaturesFile          string               `toml:"signatures_file"`
	TerminalErrorSignatures []SignatureEntry     `toml:"terminal_error_signatures"`
	RoleSignatures          []RoleSignatureEntry `toml:"role_signatures"`
}

// RecoveryConfig holds PM recovery timings (seconds) and the respawn
// command.
type RecoveryConfig struct {
	GracePeriod     int     `toml:"grace_period"`
	CooldownBase    int     `toml:"cooldown_base"`
	CooldownGrowth  float64 `toml:"cooldown_growth"`
	MaxAttempts     int     `toml:"max_attempts"`
	ConfirmSamples  int     `toml:"confirm_samples"`
	PMLaunchCommand string  `toml:"pm_launch_command"`
}

// NotificationConfig holds queue parameters.
type NotificationConfig struct {
	QueueCapacity int `toml:"queue_capacity"`
	DedupeWindow  int `toml:"dedupe_window"` // seconds
}

// PersistenceConfig locates the tracker snapshot.
type PersistenceConfig struct {
	Path            string `toml:"path"`             // default: $XDG_DATA_HOME/tmo/state.bin
	PersistInterval int    `toml:"persist_interval"` // seconds
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug|info|warn|error
	Format string `toml:"format"` // text|json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		CycleInterval: 10,
		Strategy:      StrategyConcurrent,
		MaxParallel:   20,
		Pool: PoolConfig{
			Min:            5,
			Max:            20,
			AcquireTimeout: 5,
			MaxIdle:        60,
			MaxTotalAge:    600,
			SweepInterval:  15,
		},
		Cache: CacheConfig{
			PaneContentTTL:         10,
			AgentStatusTTL:         30,
			SessionInfoTTL:         60,
			ConfigTTL:              300,
			MaxEntriesPerNamespace: 1024,
		},
		Crash: CrashConfig{
			StuckThreshold: 6,
		},
		Recovery: RecoveryConfig{
			GracePeriod:    180,
			CooldownBase:   30,
			CooldownGrowth: 2.0,
			MaxAttempts:    3,
			ConfirmSamples: 2,
		},
		Notifications: NotificationConfig{
			QueueCapacity: 10000,
			DedupeWindow:  60,
		},
		Persistence: PersistenceConfig{
			PersistInterval: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default config file path, honoring
// XDG_CONFIG_HOME.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tmo", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tmo", "config.toml")
}

// StatePath resolves the tracker snapshot path, defaulting into the tmo
// data directory.
func (c *Config) StatePath() (string, error) {
	if c.Persistence.Path != "" {
		return c.Persistence.Path, nil
	}
	dir, err := util.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.bin"), nil
}

// Load reads the config at path, falling back to defaults for a missing
// file, and validates it. Unknown keys are rejected so typos surface.
func Load(path string) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	if cfg.Crash.SignaturesFile != "" {
		if err := cfg.mergeSignatureCatalog(); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks field ranges and compiles every signature, refusing the
// configuration on any misconfiguration.
func (c *Config) Validate() error {
	if c.CycleInterval < 1 {
		return fmt.Errorf("cycle_interval must be at least 1 second, got %d", c.CycleInterval)
	}
	if c.Strategy != StrategyPolling && c.Strategy != StrategyConcurrent {
		return fmt.Errorf("strategy must be %q or %q, got %q", StrategyPolling, StrategyConcurrent, c.Strategy)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be positive, got %d", c.MaxParallel)
	}
	if c.Pool.Min < 0 || c.Pool.Max < 1 || c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("pool.min/max out of range: min=%d max=%d", c.Pool.Min, c.Pool.Max)
	}
	if c.Crash.StuckThreshold < 1 {
		return fmt.Errorf("crash.stuck_threshold must be positive, got %d", c.Crash.StuckThreshold)
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery.max_attempts must be positive, got %d", c.Recovery.MaxAttempts)
	}
	if c.Recovery.CooldownGrowth < 1 {
		return fmt.Errorf("recovery.cooldown_growth must be at least 1, got %g", c.Recovery.CooldownGrowth)
	}
	if c.Notifications.QueueCapacity < 1 {
		return fmt.Errorf("notifications.queue_capacity must be positive, got %d", c.Notifications.QueueCapacity)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug|info|warn|error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text|json, got %q", c.Log.Format)
	}

	if _, err := c.TerminalSignatures(); err != nil {
		return err
	}
	if _, err := c.RoleBindings(); err != nil {
		return err
	}
	return nil
}

// TerminalSignatures compiles the terminal-error catalog in configured
// order.
func (c *Config) TerminalSignatures() ([]detector.Compiled, error) {
	sigs := make([]detector.Signature, 0, len(c.Crash.TerminalErrorSignatures))
	for i, e := range c.Crash.TerminalErrorSignatures {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("terminal-%d", i)
		}
		sigs = append(sigs, detector.Signature{ID: id, Pattern: e.Pattern, Regex: e.Regex})
	}
	return detector.Compile(sigs)
}

// RoleBinding pairs a compiled-signature source with its role.
type RoleBinding struct {
	Role      state.AgentRole
	Signature detector.Signature
}

// RoleBindings parses and validates the role-signature catalog.
func (c *Config) RoleBindings() ([]RoleBinding, error) {
	out := make([]RoleBinding, 0, len(c.Crash.RoleSignatures))
	for i, e := range c.Crash.RoleSignatures {
		role, err := state.ParseRole(e.Role)
		if err != nil {
			return nil, fmt.Errorf("crash.role_signatures[%d]: %w", i, err)
		}
		sig := detector.Signature{
			ID:      fmt.Sprintf("%s-%d", e.Role, i),
			Pattern: e.Pattern,
			Regex:   e.Regex,
		}
		if _, err := detector.Compile([]detector.Signature{sig}); err != nil {
			return nil, err
		}
		out = append(out, RoleBinding{Role: role, Signature: sig})
	}
	return out, nil
}

// Durations in native units.

func (c *Config) CycleIntervalDuration() time.Duration {
	return time.Duration(c.CycleInterval) * time.Second
}

func (c *Config) PersistIntervalDuration() time.Duration {
	return time.Duration(c.Persistence.PersistInterval) * time.Second
}

func (c *Config) DedupeWindowDuration() time.Duration {
	return time.Duration(c.Notifications.DedupeWindow) * time.Second
}

// Equal reports whether two configurations are identical, for no-op
// reconfigure detection.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return fmt.Sprintf("%+v", *c) == fmt.Sprintf("%+v", *other)
}
