// Package devices discovers block devices that can be managed: NTFS and
// exFAT volumes on attached disks. Discovery shells out to lsblk for the
// device tree and uses gopsutil for usage figures on mounted volumes.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/aitiotekt/steamos-mount/internal/fstab"
)

// ErrNoStableIdentity is returned when a volume exposes neither a filesystem
// UUID nor a partition UUID and therefore cannot be referenced from the
// mount table.
var ErrNoStableIdentity = errors.New("volume has no UUID or PARTUUID")

// BlockDevice mirrors one node of the lsblk --json tree.
type BlockDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	FSType     string        `json:"fstype"`
	UUID       string        `json:"uuid"`
	PartUUID   string        `json:"partuuid"`
	Label      string        `json:"label"`
	Size       string        `json:"size"`
	Mountpoint string        `json:"mountpoint"`
	Removable  bool          `json:"rm"`
	Rotational bool          `json:"rota"`
	Transport  string        `json:"tran"`
	Children   []BlockDevice `json:"children"`
}

// Volume is a mountable filesystem found during a scan.
type Volume struct {
	Device BlockDevice

	// Identity is the stable reference used in the mount table.
	Identity fstab.MountIdentity

	// MountFSType is the kernel filesystem type to mount with. lsblk reports
	// NTFS volumes as "ntfs"; the in-kernel driver is "ntfs3".
	MountFSType string

	// Flash is true for non-rotational media, where discard makes sense.
	Flash bool

	// Usage is filled for mounted volumes only.
	Usage *disk.UsageStat
}

// Label returns a human-readable name for the volume.
func (v Volume) DisplayName() string {
	if v.Device.Label != "" {
		return v.Device.Label
	}
	return v.Device.Name
}

// SuggestedMountName derives a mount directory name from the label, falling
// back to the kernel device name. Characters outside [A-Za-z0-9._-] become
// underscores so the name is safe in a path and a systemd unit name.
func (v Volume) SuggestedMountName() string {
	name := mountNameSanitizer.ReplaceAllString(v.DisplayName(), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = v.Device.Name
	}
	return name
}

var mountNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// lsblkOutput is the top-level lsblk --json document.
type lsblkOutput struct {
	BlockDevices []BlockDevice `json:"blockdevices"`
}

var lsblkColumns = "NAME,PATH,TYPE,FSTYPE,UUID,PARTUUID,LABEL,SIZE,MOUNTPOINT,RM,ROTA,TRAN"

// Scanner enumerates mountable volumes. Zero privileges are needed: lsblk
// and statfs both work as the desktop user.
type Scanner struct {
	logger *slog.Logger

	// Injection points for tests.
	run   func(ctx context.Context, name string, args ...string) ([]byte, error)
	usage func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewScanner builds a scanner using the real lsblk binary.
func NewScanner(logger *slog.Logger) *Scanner {
	return &Scanner{
		logger: logger.With(slog.String("component", "devices")),
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		usage: disk.UsageWithContext,
	}
}

// Scan lists all mountable NTFS and exFAT volumes. Volumes without a stable
// identity are skipped with a warning rather than failing the scan.
func (s *Scanner) Scan(ctx context.Context) ([]Volume, error) {
	out, err := s.run(ctx, "lsblk", "--json", "-o", lsblkColumns)
	if err != nil {
		return nil, fmt.Errorf("run lsblk: %w", err)
	}

	var tree lsblkOutput
	if err := json.Unmarshal(out, &tree); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	var volumes []Volume
	for _, dev := range tree.BlockDevices {
		s.collect(ctx, dev, dev, &volumes)
	}
	return volumes, nil
}

// collect walks the device tree. The parent disk carries the rotational and
// transport attributes; partitions carry the filesystem.
func (s *Scanner) collect(ctx context.Context, parent, dev BlockDevice, out *[]Volume) {
	if vol, ok := s.toVolume(ctx, parent, dev); ok {
		*out = append(*out, vol)
	}
	for _, child := range dev.Children {
		s.collect(ctx, dev, child, out)
	}
}

func (s *Scanner) toVolume(ctx context.Context, parent, dev BlockDevice) (Volume, bool) {
	fsType := mountFSType(dev.FSType)
	if fsType == "" {
		return Volume{}, false
	}

	identity, err := identityFor(dev)
	if err != nil {
		s.logger.Warn("skipping volume without stable identity",
			slog.String("device", dev.Path))
		return Volume{}, false
	}

	vol := Volume{
		Device:      dev,
		Identity:    identity,
		MountFSType: fsType,
		Flash:       !parent.Rotational,
	}

	if dev.Mountpoint != "" {
		usage, err := s.usage(ctx, dev.Mountpoint)
		if err != nil {
			s.logger.Warn("failed to collect disk usage",
				slog.String("mountpoint", dev.Mountpoint),
				slog.String("error", err.Error()))
		} else {
			vol.Usage = usage
		}
	}
	return vol, true
}

// identityFor prefers the filesystem UUID and falls back to the partition
// UUID.
func identityFor(dev BlockDevice) (fstab.MountIdentity, error) {
	switch {
	case dev.UUID != "":
		return fstab.NewMountIdentity(fstab.IdentityUUID, dev.UUID), nil
	case dev.PartUUID != "":
		return fstab.NewMountIdentity(fstab.IdentityPARTUUID, dev.PartUUID), nil
	default:
		return fstab.MountIdentity{}, ErrNoStableIdentity
	}
}

// mountFSType maps an lsblk fstype to the driver this tool mounts with.
// Anything else is not managed.
func mountFSType(fsType string) string {
	switch strings.ToLower(fsType) {
	case "ntfs", "ntfs3":
		return "ntfs3"
	case "exfat":
		return "exfat"
	default:
		return ""
	}
}

// FindByIdentity scans and returns the volume with the given identity.
func (s *Scanner) FindByIdentity(ctx context.Context, id fstab.MountIdentity) (*Volume, error) {
	volumes, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range volumes {
		if volumes[i].Identity == id {
			return &volumes[i], nil
		}
	}
	return nil, nil
}
