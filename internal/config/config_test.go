package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FstabPath != "/etc/fstab" {
		t.Errorf("FstabPath = %q", cfg.FstabPath)
	}
	if cfg.BackupPath != "/etc/fstab.steamos-mount.bak" {
		t.Errorf("BackupPath = %q", cfg.BackupPath)
	}
	if cfg.ElevationTool != "pkexec" {
		t.Errorf("ElevationTool = %q", cfg.ElevationTool)
	}
	if cfg.MountUID != 1000 || cfg.MountGID != 1000 {
		t.Errorf("MountUID/GID = %d/%d", cfg.MountUID, cfg.MountGID)
	}
	if cfg.HandshakeTimeoutSeconds != 120 {
		t.Errorf("HandshakeTimeoutSeconds = %d", cfg.HandshakeTimeoutSeconds)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "elevation_tool: sudo\nmount_base: /mnt/extra\nlog_level: debug\nmount_uid: 1001\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ElevationTool != "sudo" {
		t.Errorf("ElevationTool = %q", cfg.ElevationTool)
	}
	if cfg.MountBase != "/mnt/extra" {
		t.Errorf("MountBase = %q", cfg.MountBase)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.MountUID != 1001 {
		t.Errorf("MountUID = %d", cfg.MountUID)
	}
	// Untouched fields still get defaults.
	if cfg.FstabPath != "/etc/fstab" {
		t.Errorf("FstabPath = %q", cfg.FstabPath)
	}
}

func TestLoadRejectsBadElevationTool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("elevation_tool: doas\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidElevationTool) {
		t.Errorf("Load error = %v, want ErrInvalidElevationTool", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load defaults: %v", err)
	}
	cfg.MountBase = "/srv/games"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load saved: %v", err)
	}
	if loaded.MountBase != "/srv/games" {
		t.Errorf("MountBase = %q after round trip", loaded.MountBase)
	}
}
