// Package config provides configuration management for the mount tool.
// It uses koanf v2 to load configuration from YAML files and supports
// saving updated configuration (e.g., persisting a changed mount base).
//
// Configuration is loaded from ~/.config/steamos-mount/config.yaml by
// default. A missing file is not an error: every field has a usable default
// on a stock SteamOS install.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultPath returns the default location of the configuration file.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "steamos-mount", "config.yaml")
	}
	return filepath.Join("/etc", "steamos-mount", "config.yaml")
}

// Config holds the tool configuration loaded from the YAML config file.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// FstabPath is the mount table to manage.
	// Default: /etc/fstab.
	FstabPath string `koanf:"fstab_path" yaml:"fstab_path"`

	// BackupPath is where the pre-change table is copied before every write.
	// Default: /etc/fstab.steamos-mount.bak.
	BackupPath string `koanf:"backup_path" yaml:"backup_path"`

	// MountBase is the directory mount points are created under.
	// Default: /run/media/deck.
	MountBase string `koanf:"mount_base" yaml:"mount_base"`

	// ElevationTool selects how the daemon gains root: "pkexec" or "sudo".
	// Default: pkexec.
	ElevationTool string `koanf:"elevation_tool" yaml:"elevation_tool"`

	// DaemonPath overrides the daemon binary location. When empty the daemon
	// is looked up next to the CLI binary and then on PATH.
	DaemonPath string `koanf:"daemon_path" yaml:"daemon_path"`

	// HandshakeTimeoutSeconds bounds the wait for the daemon's first message
	// after the elevation prompt is answered.
	// Default: 120.
	HandshakeTimeoutSeconds int `koanf:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`

	// LogLevel controls logging verbosity.
	// Valid values: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// JournalPath is the operation journal database. Default:
	// ~/.local/share/steamos-mount/journal.db (XDG data dir).
	JournalPath string `koanf:"journal_path" yaml:"journal_path"`

	// WatchIntervalMinutes is the rescan period of the watch subcommand.
	// Default: 5.
	WatchIntervalMinutes int `koanf:"watch_interval_minutes" yaml:"watch_interval_minutes"`

	// MountUID and MountGID are the owner applied via mount options so the
	// desktop user can use NTFS and exFAT volumes without root.
	// Default: 1000 (the deck user).
	MountUID int `koanf:"mount_uid" yaml:"mount_uid"`
	MountGID int `koanf:"mount_gid" yaml:"mount_gid"`

	// SteamRoot is the Steam installation whose library list gets updated.
	// Default: ~/.steam/steam.
	SteamRoot string `koanf:"steam_root" yaml:"steam_root"`
}

// Validation errors returned by Load.
var (
	ErrInvalidElevationTool = errors.New("elevation_tool must be \"pkexec\" or \"sudo\"")
	ErrInvalidTimeout       = errors.New("handshake_timeout_seconds must be positive")
	ErrInvalidWatchInterval = errors.New("watch_interval_minutes must be positive")
)

// Load reads configuration from the specified YAML file path. A missing file
// yields the defaults. Returns an error if the file exists but cannot be
// parsed, or if a field fails validation.
func Load(path string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat(path); err == nil {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration fields.
func (c *Config) applyDefaults() {
	if c.FstabPath == "" {
		c.FstabPath = "/etc/fstab"
	}
	if c.BackupPath == "" {
		c.BackupPath = "/etc/fstab.steamos-mount.bak"
	}
	if c.MountBase == "" {
		c.MountBase = "/run/media/deck"
	}
	if c.ElevationTool == "" {
		c.ElevationTool = "pkexec"
	}
	if c.HandshakeTimeoutSeconds == 0 {
		c.HandshakeTimeoutSeconds = 120
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.JournalPath == "" {
		c.JournalPath = defaultJournalPath()
	}
	if c.WatchIntervalMinutes == 0 {
		c.WatchIntervalMinutes = 5
	}
	if c.MountUID == 0 {
		c.MountUID = 1000
	}
	if c.MountGID == 0 {
		c.MountGID = 1000
	}
	if c.SteamRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.SteamRoot = filepath.Join(home, ".steam", "steam")
		}
	}
}

func defaultJournalPath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "steamos-mount", "journal.db")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "steamos-mount", "journal.db")
}

// validate checks that configuration fields are usable.
func (c *Config) validate() error {
	switch c.ElevationTool {
	case "pkexec", "sudo":
	default:
		return ErrInvalidElevationTool
	}
	if c.HandshakeTimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if c.WatchIntervalMinutes <= 0 {
		return ErrInvalidWatchInterval
	}
	return nil
}

// Save writes the configuration to the specified YAML file path, creating
// the parent directory as needed.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}
