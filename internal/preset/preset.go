// Package preset generates mount options tuned to the filesystem, the
// storage media, and how the device is attached. The output feeds directly
// into a managed mount-table entry.
package preset

import (
	"fmt"
	"strings"

	"github.com/aitiotekt/steamos-mount/internal/devices"
	"github.com/aitiotekt/steamos-mount/internal/fstab"
)

// Defaults for the systemd timeout options.
const (
	DefaultDeviceTimeoutSecs = 3
	DefaultIdleTimeoutSecs   = 60
)

// baseOptions are applied to every mount. umask=000 opens the volume to the
// desktop user; nofail keeps boot going when the device is absent.
var baseOptions = []string{"umask=000", "nofail", "rw", "noatime"}

// MediaType is the storage technology of the backing device.
type MediaType int

const (
	// MediaFlash covers SSDs, SD cards, and USB sticks. Enables discard.
	MediaFlash MediaType = iota
	// MediaRotational covers spinning disks, where discard must stay off.
	MediaRotational
)

// Attachment is how the device connects to the system.
type Attachment int

const (
	// AttachmentFixed devices are expected at boot; systemd waits briefly
	// for them.
	AttachmentFixed Attachment = iota
	// AttachmentRemovable devices mount on first access and unmount when
	// idle.
	AttachmentRemovable
)

// Preset describes one mount configuration.
type Preset struct {
	FSType     string // "ntfs3" or "exfat"
	Media      MediaType
	Attachment Attachment

	// DeviceTimeoutSecs applies to fixed devices, IdleTimeoutSecs to
	// removable ones. Zero omits the option.
	DeviceTimeoutSecs int
	IdleTimeoutSecs   int

	// CustomOptions are appended verbatim after the generated ones.
	CustomOptions []string
}

// New builds a preset with the default fixed-flash profile.
func New(fsType string) Preset {
	return Preset{
		FSType:            fsType,
		Media:             MediaFlash,
		Attachment:        AttachmentFixed,
		DeviceTimeoutSecs: DefaultDeviceTimeoutSecs,
		IdleTimeoutSecs:   DefaultIdleTimeoutSecs,
	}
}

// Suggest derives a preset from the scanned volume attributes: USB or
// explicitly removable devices get the removable profile, rotational disks
// lose discard.
func Suggest(vol devices.Volume) Preset {
	p := New(vol.MountFSType)
	if !vol.Flash {
		p.Media = MediaRotational
	}
	if vol.Device.Removable || vol.Device.Transport == "usb" {
		p.Attachment = AttachmentRemovable
	}
	return p
}

// Options generates the mount option list in a fixed, reproducible order.
func (p Preset) Options(uid, gid int) []string {
	opts := []string{fmt.Sprintf("uid=%d", uid), fmt.Sprintf("gid=%d", gid)}
	opts = append(opts, baseOptions...)

	if p.FSType == "ntfs3" {
		opts = append(opts, "prealloc")
	}
	if p.Media == MediaFlash {
		opts = append(opts, "discard")
	}

	switch p.Attachment {
	case AttachmentFixed:
		if p.DeviceTimeoutSecs > 0 {
			opts = append(opts, fmt.Sprintf("x-systemd.device-timeout=%ds", p.DeviceTimeoutSecs))
		}
	case AttachmentRemovable:
		opts = append(opts, "noauto", "x-systemd.automount")
		if p.IdleTimeoutSecs > 0 {
			opts = append(opts, fmt.Sprintf("x-systemd.idle-timeout=%ds", p.IdleTimeoutSecs))
		}
	}

	opts = append(opts, p.CustomOptions...)
	return opts
}

// Entry builds the managed mount-table entry for a volume at the given
// mount point.
func (p Preset) Entry(id fstab.MountIdentity, mountPoint string, uid, gid int) fstab.Entry {
	return fstab.Entry{
		Identity:       id,
		MountPoint:     mountPoint,
		FilesystemType: p.FSType,
		Options:        p.Options(uid, gid),
	}
}

// PreviewLine renders the mount-table line this preset would write, for
// display before the user confirms.
func (p Preset) PreviewLine(id fstab.MountIdentity, mountPoint string, uid, gid int) string {
	return p.Entry(id, mountPoint, uid, gid).Line()
}

// OptionsString is Options joined into the fstab field form.
func (p Preset) OptionsString(uid, gid int) string {
	return strings.Join(p.Options(uid, gid), ",")
}
