package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aitiotekt/steamos-mount/internal/devices"
	"github.com/aitiotekt/steamos-mount/internal/fstab"
)

type fakeScanner struct {
	mu      sync.Mutex
	volumes []devices.Volume
	err     error
}

func (s *fakeScanner) Scan(context.Context) ([]devices.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volumes, s.err
}

func (s *fakeScanner) set(volumes []devices.Volume) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes = volumes
}

func volume(uuid string) devices.Volume {
	return devices.Volume{
		Identity:    fstab.NewMountIdentity(fstab.IdentityUUID, uuid),
		MountFSType: "ntfs3",
		Device:      devices.BlockDevice{Name: "sda1", Path: "/dev/sda1"},
	}
}

func newTestWatcher(scanner Scanner, onNew func(devices.Volume)) *Watcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(scanner, time.Minute, onNew, logger)
}

func TestBaselineVolumesAreNotReported(t *testing.T) {
	scanner := &fakeScanner{volumes: []devices.Volume{volume("aaaa-0001")}}

	var reported []devices.Volume
	w := newTestWatcher(scanner, func(v devices.Volume) { reported = append(reported, v) })

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	w.rescan(context.Background())
	if len(reported) != 0 {
		t.Errorf("baseline volume reported as new: %+v", reported)
	}
}

func TestNewVolumeReportedOnce(t *testing.T) {
	scanner := &fakeScanner{volumes: []devices.Volume{volume("aaaa-0001")}}

	var reported []devices.Volume
	w := newTestWatcher(scanner, func(v devices.Volume) { reported = append(reported, v) })

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	scanner.set([]devices.Volume{volume("aaaa-0001"), volume("bbbb-0002")})
	w.rescan(context.Background())
	w.rescan(context.Background())

	if len(reported) != 1 {
		t.Fatalf("reported %d times, want 1", len(reported))
	}
	if reported[0].Identity.Value != "bbbb-0002" {
		t.Errorf("reported identity = %s", reported[0].Identity.Spec())
	}
}

func TestStartFailsOnScanError(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("lsblk missing")}
	w := newTestWatcher(scanner, func(devices.Volume) {})

	if err := w.Start(context.Background()); err == nil {
		t.Error("Start succeeded despite failing scan")
	}
}

func TestRescanToleratesScanError(t *testing.T) {
	scanner := &fakeScanner{volumes: []devices.Volume{volume("aaaa-0001")}}
	var reported int
	w := newTestWatcher(scanner, func(devices.Volume) { reported++ })

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	scanner.mu.Lock()
	scanner.err = errors.New("transient")
	scanner.mu.Unlock()
	w.rescan(context.Background())

	scanner.mu.Lock()
	scanner.err = nil
	scanner.volumes = []devices.Volume{volume("aaaa-0001"), volume("bbbb-0002")}
	scanner.mu.Unlock()
	w.rescan(context.Background())

	if reported != 1 {
		t.Errorf("reported = %d, want 1 after recovery", reported)
	}
}
