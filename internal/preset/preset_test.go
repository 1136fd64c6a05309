package preset

import (
	"strings"
	"testing"

	"github.com/aitiotekt/steamos-mount/internal/devices"
	"github.com/aitiotekt/steamos-mount/internal/fstab"
)

func optionsString(p Preset) string {
	return p.OptionsString(1000, 1000)
}

func TestFixedFlashNtfs(t *testing.T) {
	opts := optionsString(New("ntfs3"))

	for _, want := range []string{
		"uid=1000", "gid=1000", "umask=000", "nofail", "rw", "noatime",
		"prealloc", "discard", "x-systemd.device-timeout=3s",
	} {
		if !strings.Contains(opts, want) {
			t.Errorf("options %q missing %q", opts, want)
		}
	}
	if strings.Contains(opts, "noauto") {
		t.Errorf("fixed preset contains noauto: %q", opts)
	}
}

func TestExfatHasNoPrealloc(t *testing.T) {
	opts := optionsString(New("exfat"))
	if strings.Contains(opts, "prealloc") {
		t.Errorf("exfat options contain prealloc: %q", opts)
	}
	if !strings.Contains(opts, "discard") {
		t.Errorf("flash options missing discard: %q", opts)
	}
}

func TestRemovablePreset(t *testing.T) {
	p := New("exfat")
	p.Attachment = AttachmentRemovable
	opts := optionsString(p)

	for _, want := range []string{"noauto", "x-systemd.automount", "x-systemd.idle-timeout=60s"} {
		if !strings.Contains(opts, want) {
			t.Errorf("options %q missing %q", opts, want)
		}
	}
	if strings.Contains(opts, "x-systemd.device-timeout") {
		t.Errorf("removable preset waits for the device at boot: %q", opts)
	}
}

func TestRotationalHasNoDiscard(t *testing.T) {
	p := New("exfat")
	p.Media = MediaRotational
	if opts := optionsString(p); strings.Contains(opts, "discard") {
		t.Errorf("rotational options contain discard: %q", opts)
	}
}

func TestCustomOptionsAndIDs(t *testing.T) {
	p := New("ntfs3")
	p.CustomOptions = []string{"sync"}
	opts := p.OptionsString(1001, 1002)

	if !strings.Contains(opts, "uid=1001") || !strings.Contains(opts, "gid=1002") {
		t.Errorf("custom ids missing: %q", opts)
	}
	if !strings.HasSuffix(opts, ",sync") {
		t.Errorf("custom options not appended last: %q", opts)
	}
}

func TestSuggest(t *testing.T) {
	cases := []struct {
		name           string
		vol            devices.Volume
		wantMedia      MediaType
		wantAttachment Attachment
	}{
		{
			name:           "internal nvme",
			vol:            devices.Volume{MountFSType: "ntfs3", Flash: true, Device: devices.BlockDevice{Transport: "nvme"}},
			wantMedia:      MediaFlash,
			wantAttachment: AttachmentFixed,
		},
		{
			name:           "usb disk",
			vol:            devices.Volume{MountFSType: "exfat", Flash: true, Device: devices.BlockDevice{Transport: "usb"}},
			wantMedia:      MediaFlash,
			wantAttachment: AttachmentRemovable,
		},
		{
			name:           "internal hdd",
			vol:            devices.Volume{MountFSType: "ntfs3", Flash: false, Device: devices.BlockDevice{Transport: "sata"}},
			wantMedia:      MediaRotational,
			wantAttachment: AttachmentFixed,
		},
		{
			name:           "removable flag",
			vol:            devices.Volume{MountFSType: "exfat", Flash: true, Device: devices.BlockDevice{Removable: true}},
			wantMedia:      MediaFlash,
			wantAttachment: AttachmentRemovable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Suggest(tc.vol)
			if p.Media != tc.wantMedia || p.Attachment != tc.wantAttachment {
				t.Errorf("Suggest = media %v attachment %v, want %v %v",
					p.Media, p.Attachment, tc.wantMedia, tc.wantAttachment)
			}
			if p.FSType != tc.vol.MountFSType {
				t.Errorf("FSType = %q", p.FSType)
			}
		})
	}
}

func TestPreviewLine(t *testing.T) {
	id := fstab.NewMountIdentity(fstab.IdentityUUID, "ABCD-1234")
	line := New("ntfs3").PreviewLine(id, "/run/media/deck/games", 1000, 1000)

	if !strings.HasPrefix(line, "UUID=abcd-1234  /run/media/deck/games  ntfs3  ") {
		t.Errorf("preview line = %q", line)
	}
	if !strings.HasSuffix(line, "  0  0") {
		t.Errorf("preview line = %q", line)
	}
}
