package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"
)

// Config holds all application configuration.
type Config struct {
	Target    TargetConfig    `yaml:"target"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Link      LinkConfig      `yaml:"link"`
	LogLevel  string          `yaml:"log_level"`
}

// TargetConfig identifies the peripheral to look for.
type TargetConfig struct {
	Name string `yaml:"name"` // advertised local name, matched exactly
	MAC  string `yaml:"mac"`  // AA:BB:CC:DD:EE:FF, any case
}

// DiscoveryConfig holds scan settings.
type DiscoveryConfig struct {
	TimeoutMs int `yaml:"timeout_ms"` // 0 scans until interrupted
}

// LinkConfig holds GATT and transfer settings.
type LinkConfig struct {
	ServiceUUID  string `yaml:"service_uuid"`
	WriteUUID    string `yaml:"write_uuid"`
	NotifyUUID   string `yaml:"notify_uuid"`
	MTU          int    `yaml:"mtu"`
	FixedMTU     bool   `yaml:"fixed_mtu"` // skip the MTU request (iOS-like stacks)
	ChunkDelayMs int    `yaml:"chunk_delay_ms"`
}

// MTU bounds accepted in link.mtu.
const (
	MinMTU = 23
	MaxMTU = 517
)

// ErrNoTarget is returned by RequireTarget when no peripheral is configured.
var ErrNoTarget = errors.New("target.name and target.mac must be set")

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			TimeoutMs: 10000,
		},
		Link: LinkConfig{
			ServiceUUID:  "0000fe60-0000-1000-8000-00805f9b34fb",
			WriteUUID:    "0000fe61-0000-1000-8000-00805f9b34fb",
			NotifyUUID:   "0000fe62-0000-1000-8000-00805f9b34fb",
			MTU:          210,
			ChunkDelayMs: 20,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Target.MAC = strings.ToUpper(strings.TrimSpace(cfg.Target.MAC))
	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# blelink configuration\n" +
		"# Set target.name and target.mac to the peripheral's advertised name and address.\n\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values. An empty target is valid
// here; commands that need one call RequireTarget.
func (c *Config) Validate() error {
	if c.Target.MAC != "" {
		if _, err := bluetooth.ParseMAC(strings.ToUpper(c.Target.MAC)); err != nil {
			return fmt.Errorf("target.mac %q is not a MAC address", c.Target.MAC)
		}
	}

	if c.Discovery.TimeoutMs < 0 {
		return fmt.Errorf("discovery.timeout_ms must be >= 0, got %d", c.Discovery.TimeoutMs)
	}

	for _, f := range []struct{ name, value string }{
		{"link.service_uuid", c.Link.ServiceUUID},
		{"link.write_uuid", c.Link.WriteUUID},
		{"link.notify_uuid", c.Link.NotifyUUID},
	} {
		if _, err := uuid.Parse(f.value); err != nil {
			return fmt.Errorf("%s %q is not a UUID: %w", f.name, f.value, err)
		}
	}

	if c.Link.MTU < MinMTU || c.Link.MTU > MaxMTU {
		return fmt.Errorf("link.mtu must be between %d and %d, got %d", MinMTU, MaxMTU, c.Link.MTU)
	}

	if c.Link.ChunkDelayMs < 0 {
		return fmt.Errorf("link.chunk_delay_ms must be >= 0, got %d", c.Link.ChunkDelayMs)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// RequireTarget returns ErrNoTarget unless both target fields are set.
func (c *Config) RequireTarget() error {
	if c.Target.Name == "" || c.Target.MAC == "" {
		return ErrNoTarget
	}
	return nil
}

// DiscoveryTimeout returns discovery.timeout_ms as a duration.
func (c *Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.Discovery.TimeoutMs) * time.Millisecond
}

// ChunkDelay returns link.chunk_delay_ms as a duration.
func (c *Config) ChunkDelay() time.Duration {
	return time.Duration(c.Link.ChunkDelayMs) * time.Millisecond
}

// ParseLogLevel maps a config string to a slog.Level. Unknown values map
// to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
