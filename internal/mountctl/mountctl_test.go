package mountctl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"github.com/aitiotekt/steamos-mount/internal/protocol"
	"github.com/aitiotekt/steamos-mount/internal/session"
)

// fakeRunner returns a scripted outcome per program name.
type fakeRunner struct {
	outcomes map[string]*session.CommandOutcome
	cmds     []protocol.Command
}

func (r *fakeRunner) RunPrivileged(_ context.Context, cmd protocol.Command) (*session.CommandOutcome, error) {
	r.cmds = append(r.cmds, cmd)
	if exec, ok := cmd.(protocol.ExecCommand); ok {
		if outcome, ok := r.outcomes[exec.Program]; ok {
			return outcome, nil
		}
	}
	return &session.CommandOutcome{Success: true}, nil
}

func newTestController(runner *fakeRunner) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(runner, logger)
}

func TestUnitName(t *testing.T) {
	cases := map[string]string{
		"/home/deck/Drives/GamesSSD": "home-deck-Drives-GamesSSD.mount",
		"/run/media/deck/games":      "run-media-deck-games.mount",
	}
	for mountPoint, want := range cases {
		if got := UnitName(mountPoint); got != want {
			t.Errorf("UnitName(%q) = %q, want %q", mountPoint, got, want)
		}
	}
}

func TestMountStartsUnit(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(runner)

	if err := c.Mount(context.Background(), "/run/media/deck/games"); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	exec, ok := runner.cmds[0].(protocol.ExecCommand)
	if !ok || exec.Program != "systemctl" {
		t.Fatalf("first command = %+v", runner.cmds[0])
	}
	if exec.Args[0] != "start" || exec.Args[1] != "run-media-deck-games.mount" {
		t.Errorf("systemctl args = %v", exec.Args)
	}
}

func TestMountReportsDirtyVolume(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]*session.CommandOutcome{
		"systemctl": {Success: true, ExitCode: 1, Stderr: "mount: /dev/sda1: volume is dirty and \"force\" flag is not set"},
	}}
	c := newTestController(runner)

	err := c.Mount(context.Background(), "/run/media/deck/games")
	if !errors.Is(err, ErrDirtyVolume) {
		t.Errorf("Mount error = %v, want ErrDirtyVolume", err)
	}
}

func TestMountFailure(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]*session.CommandOutcome{
		"systemctl": {Success: true, ExitCode: 1, Stderr: "Job for run-media-deck-games.mount failed"},
	}}
	c := newTestController(runner)

	err := c.Mount(context.Background(), "/run/media/deck/games")
	if !errors.Is(err, ErrMountFailed) {
		t.Errorf("Mount error = %v, want ErrMountFailed", err)
	}
}

func TestUnmountStopsUnit(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(runner)

	if err := c.Unmount(context.Background(), "/run/media/deck/games"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	exec := runner.cmds[0].(protocol.ExecCommand)
	if exec.Args[0] != "stop" || exec.Args[1] != "run-media-deck-games.mount" {
		t.Errorf("systemctl args = %v", exec.Args)
	}
}

func TestEnsureMountPoint(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(runner)

	if err := c.EnsureMountPoint(context.Background(), "/run/media/deck/games"); err != nil {
		t.Fatalf("EnsureMountPoint: %v", err)
	}
	mkdir, ok := runner.cmds[0].(protocol.MkdirPCommand)
	if !ok || mkdir.Path != "/run/media/deck/games" {
		t.Errorf("command = %+v", runner.cmds[0])
	}
}

func TestDetectDirty(t *testing.T) {
	dmesg := "[  12.1] usb 1-1: new device\n" +
		"[  13.4] ntfs3: sda1: volume is dirty and \"force\" flag is not set!\n" +
		"[  14.0] sdb1: mounted clean\n"

	cases := []struct {
		name   string
		device string
		want   bool
	}{
		{"dirty device", "sda1", true},
		{"clean device", "sdb1", false},
		{"unknown device", "sdc1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{outcomes: map[string]*session.CommandOutcome{
				"dmesg": {Success: true, Stdout: dmesg},
			}}
			got, err := newTestController(runner).DetectDirty(context.Background(), tc.device)
			if err != nil {
				t.Fatalf("DetectDirty: %v", err)
			}
			if got != tc.want {
				t.Errorf("DetectDirty(%s) = %v, want %v", tc.device, got, tc.want)
			}
		})
	}
}

func TestDetectDirtyToleratesDmesgFailure(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]*session.CommandOutcome{
		"dmesg": {Success: true, ExitCode: 1, Stderr: "dmesg: read kernel buffer failed: Operation not permitted"},
	}}
	dirty, err := newTestController(runner).DetectDirty(context.Background(), "sda1")
	if err != nil {
		t.Fatalf("DetectDirty: %v", err)
	}
	if dirty {
		t.Error("unreadable kernel log reported as dirty")
	}
}

func TestRepair(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(runner)

	if err := c.Repair(context.Background(), "/dev/sda1", "ntfs3"); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	exec := runner.cmds[0].(protocol.ExecCommand)
	if exec.Program != "ntfsfix" || exec.Args[0] != "-d" || exec.Args[1] != "/dev/sda1" {
		t.Errorf("repair command = %+v", exec)
	}

	if err := c.Repair(context.Background(), "/dev/sdb1", "exfat"); !errors.Is(err, ErrNotNTFS) {
		t.Errorf("Repair on exfat = %v, want ErrNotNTFS", err)
	}
}

type fakeBus struct {
	state  string
	err    error
	closed bool
}

func (b *fakeBus) GetUnitPropertyContext(_ context.Context, unit, property string) (*sddbus.Property, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &sddbus.Property{Name: property, Value: godbus.MakeVariant(b.state)}, nil
}

func (b *fakeBus) Close() { b.closed = true }

func TestUnitActiveState(t *testing.T) {
	bus := &fakeBus{state: "active"}
	c := newTestController(&fakeRunner{})
	c.newBus = func(context.Context) (systemdBus, error) { return bus, nil }

	state, err := c.UnitActiveState(context.Background(), "/run/media/deck/games")
	if err != nil {
		t.Fatalf("UnitActiveState: %v", err)
	}
	if state != "active" {
		t.Errorf("state = %q", state)
	}
	if !bus.closed {
		t.Error("bus connection not closed")
	}
}
