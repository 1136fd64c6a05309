// Package mountctl drives systemd mount units for managed volumes and
// handles dirty NTFS volumes: detection via the kernel log and repair via
// ntfsfix. Everything privileged goes through the execution channel; unit
// state is read over the system bus without privileges.
package mountctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"

	"github.com/aitiotekt/steamos-mount/internal/protocol"
	"github.com/aitiotekt/steamos-mount/internal/session"
)

// Mount errors.
var (
	ErrDirtyVolume = errors.New("volume is dirty, repair it before mounting")
	ErrMountFailed = errors.New("mount unit failed to start")
	ErrNotNTFS     = errors.New("repair only applies to NTFS volumes")
)

// dirtyIndicators are the kernel and mount messages that identify an
// uncleanly detached NTFS volume.
var dirtyIndicators = []string{
	"volume is dirty",
	"Volume is dirty",
	"force flag is not set",
	"The disk contains an unclean file system",
}

// Runner runs one command on the authenticated channel.
type Runner interface {
	RunPrivileged(ctx context.Context, cmd protocol.Command) (*session.CommandOutcome, error)
}

// UnitName converts a mount point into its systemd mount unit name, e.g.
// /home/deck/Drives/GamesSSD becomes home-deck-Drives-GamesSSD.mount.
func UnitName(mountPoint string) string {
	return unit.UnitNamePathEscape(mountPoint) + ".mount"
}

// Controller starts and stops mount units and repairs dirty volumes.
type Controller struct {
	runner Runner
	logger *slog.Logger

	// newBus is swapped in tests.
	newBus func(ctx context.Context) (systemdBus, error)
}

// systemdBus is the slice of go-systemd's dbus connection the controller
// needs.
type systemdBus interface {
	GetUnitPropertyContext(ctx context.Context, unit string, propertyName string) (*sddbus.Property, error)
	Close()
}

// NewController builds a controller on the given privileged runner.
func NewController(runner Runner, logger *slog.Logger) *Controller {
	return &Controller{
		runner: runner,
		logger: logger.With(slog.String("component", "mountctl")),
		newBus: func(ctx context.Context) (systemdBus, error) {
			return sddbus.NewSystemConnectionContext(ctx)
		},
	}
}

// EnsureMountPoint creates the mount point directory. Existing directories
// are fine.
func (c *Controller) EnsureMountPoint(ctx context.Context, mountPoint string) error {
	outcome, err := c.runner.RunPrivileged(ctx, protocol.MkdirPCommand{Path: mountPoint})
	if err != nil {
		return fmt.Errorf("create mount point %s: %w", mountPoint, err)
	}
	if !outcome.Success {
		return fmt.Errorf("create mount point %s: %s", mountPoint, outcome.Err)
	}
	return nil
}

// Mount starts the mount unit for a mount point. The unit picks up device,
// filesystem, and options from the managed table entry, so the table must be
// written and systemd reloaded first. A dirty NTFS volume is reported as
// ErrDirtyVolume so callers can offer repair.
func (c *Controller) Mount(ctx context.Context, mountPoint string) error {
	name := UnitName(mountPoint)
	outcome, err := c.runner.RunPrivileged(ctx, protocol.ExecCommand{
		Program: "systemctl",
		Args:    []string{"start", name},
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	if outcome.ExitCode != 0 {
		if isDirtyVolumeError(outcome.Stderr) {
			return fmt.Errorf("%w: %s", ErrDirtyVolume, mountPoint)
		}
		return fmt.Errorf("%w: %s: %s", ErrMountFailed, name, outcome.Stderr)
	}
	c.logger.Info("mount unit started", slog.String("unit", name))
	return nil
}

// Unmount stops the mount unit for a mount point.
func (c *Controller) Unmount(ctx context.Context, mountPoint string) error {
	name := UnitName(mountPoint)
	outcome, err := c.runner.RunPrivileged(ctx, protocol.ExecCommand{
		Program: "systemctl",
		Args:    []string{"stop", name},
	})
	if err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if outcome.ExitCode != 0 {
		return fmt.Errorf("stop %s: exit %d: %s", name, outcome.ExitCode, outcome.Stderr)
	}
	c.logger.Info("mount unit stopped", slog.String("unit", name))
	return nil
}

// DetectDirty scans the kernel log for dirty-volume messages about the given
// device. dmesg needs privileges when kernel.dmesg_restrict is set, so it
// runs on the channel. A failing dmesg yields false rather than an error:
// the mount itself will surface a dirty volume anyway.
func (c *Controller) DetectDirty(ctx context.Context, deviceName string) (bool, error) {
	outcome, err := c.runner.RunPrivileged(ctx, protocol.ExecCommand{Program: "dmesg"})
	if err != nil {
		return false, fmt.Errorf("read kernel log: %w", err)
	}
	if outcome.ExitCode != 0 {
		c.logger.Warn("dmesg failed, cannot detect dirty volume",
			slog.String("stderr", outcome.Stderr))
		return false, nil
	}

	for _, line := range strings.Split(outcome.Stdout, "\n") {
		if strings.Contains(line, deviceName) && isDirtyVolumeError(line) {
			return true, nil
		}
	}
	return false, nil
}

// Repair clears the NTFS dirty flag with ntfsfix -d. The full-journal
// replay belongs to Windows; this only makes the volume mountable again.
func (c *Controller) Repair(ctx context.Context, devicePath, fsType string) error {
	if fsType != "ntfs3" {
		return fmt.Errorf("%w: %s is %s", ErrNotNTFS, devicePath, fsType)
	}
	outcome, err := c.runner.RunPrivileged(ctx, protocol.ExecCommand{
		Program: "ntfsfix",
		Args:    []string{"-d", devicePath},
	})
	if err != nil {
		return fmt.Errorf("repair %s: %w", devicePath, err)
	}
	if outcome.ExitCode != 0 {
		return fmt.Errorf("ntfsfix %s: exit %d: %s", devicePath, outcome.ExitCode, outcome.Stderr)
	}
	c.logger.Info("dirty flag cleared", slog.String("device", devicePath))
	return nil
}

// UnitActiveState reads the mount unit's ActiveState ("active", "inactive",
// "failed", ...) over the system bus, without privileges.
func (c *Controller) UnitActiveState(ctx context.Context, mountPoint string) (string, error) {
	bus, err := c.newBus(ctx)
	if err != nil {
		return "", fmt.Errorf("connect system bus: %w", err)
	}
	defer bus.Close()

	prop, err := bus.GetUnitPropertyContext(ctx, UnitName(mountPoint), "ActiveState")
	if err != nil {
		return "", fmt.Errorf("query %s: %w", UnitName(mountPoint), err)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState type %T", prop.Value.Value())
	}
	return state, nil
}

func isDirtyVolumeError(s string) bool {
	for _, indicator := range dirtyIndicators {
		if strings.Contains(s, indicator) {
			return true
		}
	}
	return false
}
