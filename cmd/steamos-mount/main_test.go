// main_test.go drives run() end to end for the commands that need no
// privileged session: first-run config persistence, history, and status.
package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aitiotekt/steamos-mount/internal/config"
	"github.com/aitiotekt/steamos-mount/internal/journal"
)

// captureStdout redirects os.Stdout around fn and returns what was printed.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read captured output: %v", err)
	}
	return string(data)
}

func TestRunWritesDefaultConfigOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out := captureStdout(t, func() {
		if code := run([]string{"-config", path, "version"}); code != 0 {
			t.Errorf("run returned %d", code)
		}
	})
	if !strings.Contains(out, "steamos-mount") {
		t.Errorf("version output missing, got %q", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("reloading persisted config: %v", err)
	}
	if cfg.MountBase != "/run/media/deck" {
		t.Errorf("persisted config lost defaults, mount base %q", cfg.MountBase)
	}
}

func TestHistoryReportsTotalBeyondLimit(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.db")
	configPath := filepath.Join(dir, "config.yaml")
	if err := config.Save(configPath, &config.Config{JournalPath: journalPath}); err != nil {
		t.Fatalf("save config: %v", err)
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	for _, op := range []string{journal.OpUpsertEntry, journal.OpMount, journal.OpUnmount} {
		if err := j.Append(&journal.Record{Operation: op, Identity: "uuid=abcd-1234"}); err != nil {
			t.Fatalf("seed journal: %v", err)
		}
	}
	j.Close()

	out := captureStdout(t, func() {
		if code := run([]string{"-config", configPath, "history", "-n", "2"}); code != 0 {
			t.Errorf("run returned %d", code)
		}
	})

	if !strings.Contains(out, "Showing 2 of 3 operations") {
		t.Errorf("expected total count line, got:\n%s", out)
	}
	if strings.Count(out, "uuid=abcd-1234") != 2 {
		t.Errorf("expected 2 record lines, got:\n%s", out)
	}
}

func TestStatusMarksSteamLibraries(t *testing.T) {
	dir := t.TempDir()

	fstabPath := filepath.Join(dir, "fstab")
	fstabContent := strings.Join([]string{
		"# BEGIN STEAMOS-MOUNT-MANAGED",
		"# Created by steamos-mount. Do not edit this block by hand.",
		"UUID=abcd-1234  /run/media/deck/Games  ntfs3  defaults  0  0",
		"UUID=ffff-0000  /run/media/deck/Extra  exfat  defaults  0  0",
		"# END STEAMOS-MOUNT-MANAGED",
		"",
	}, "\n")
	if err := os.WriteFile(fstabPath, []byte(fstabContent), 0o644); err != nil {
		t.Fatalf("seed fstab: %v", err)
	}

	steamRoot := filepath.Join(dir, "steam")
	vdfDir := filepath.Join(steamRoot, "steamapps")
	if err := os.MkdirAll(vdfDir, 0o755); err != nil {
		t.Fatalf("mkdir steamapps: %v", err)
	}
	vdf := `"libraryfolders"
{
	"0"
	{
		"path"		"/run/media/deck/Games"
		"label"		"Games"
	}
}`
	if err := os.WriteFile(filepath.Join(vdfDir, "libraryfolders.vdf"), []byte(vdf), 0o644); err != nil {
		t.Fatalf("seed vdf: %v", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	err := config.Save(configPath, &config.Config{
		FstabPath: fstabPath,
		SteamRoot: steamRoot,
	})
	if err != nil {
		t.Fatalf("save config: %v", err)
	}

	out := captureStdout(t, func() {
		if code := run([]string{"-config", configPath, "status"}); code != 0 {
			t.Errorf("run returned %d", code)
		}
	})

	lines := strings.Split(out, "\n")
	var games, extra string
	for _, line := range lines {
		switch {
		case strings.Contains(line, "/run/media/deck/Games"):
			games = line
		case strings.Contains(line, "/run/media/deck/Extra"):
			extra = line
		}
	}
	if games == "" || !strings.Contains(games, "library") {
		t.Errorf("registered mount not marked as library:\n%s", out)
	}
	if extra == "" || strings.Contains(extra, "library") {
		t.Errorf("unregistered mount wrongly marked:\n%s", out)
	}
}
