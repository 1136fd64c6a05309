// entry.go defines the managed mount-table entry and its line format.
package fstab

import (
	"fmt"
	"strconv"
	"strings"
)

// IdentityKind selects how a device is identified in the mount table.
type IdentityKind string

// Supported identity kinds. UUID is preferred; PARTUUID covers filesystems
// without a usable UUID.
const (
	IdentityUUID     IdentityKind = "UUID"
	IdentityPARTUUID IdentityKind = "PARTUUID"
)

// MountIdentity identifies one managed device. The value is always held
// lowercase: the /dev/disk/by-uuid lookup path is case-sensitive and the
// kernel exposes these values in lowercase.
type MountIdentity struct {
	Kind  IdentityKind
	Value string
}

// NewMountIdentity builds a normalized identity.
func NewMountIdentity(kind IdentityKind, value string) MountIdentity {
	return MountIdentity{Kind: kind, Value: strings.ToLower(value)}
}

// Spec renders the identity as the fstab fs_spec field, e.g. "UUID=abcd-1234".
func (id MountIdentity) Spec() string {
	return fmt.Sprintf("%s=%s", id.Kind, id.Value)
}

// ParseIdentitySpec parses an fs_spec field back into an identity.
func ParseIdentitySpec(spec string) (MountIdentity, error) {
	kind, value, ok := strings.Cut(spec, "=")
	if !ok {
		return MountIdentity{}, fmt.Errorf("identity spec %q has no kind prefix", spec)
	}
	switch IdentityKind(kind) {
	case IdentityUUID, IdentityPARTUUID:
		return NewMountIdentity(IdentityKind(kind), value), nil
	default:
		return MountIdentity{}, fmt.Errorf("unsupported identity kind %q", kind)
	}
}

// Entry is one managed fstab line. Option order is significant and is
// reproduced verbatim on serialization.
type Entry struct {
	Identity       MountIdentity
	MountPoint     string
	FilesystemType string
	Options        []string
	DumpFlag       int
	FsckFlag       int
}

// Line renders the entry as an fstab line.
func (e Entry) Line() string {
	return fmt.Sprintf("%s  %s  %s  %s  %d  %d",
		e.Identity.Spec(),
		escapeFstabPath(e.MountPoint),
		e.FilesystemType,
		strings.Join(e.Options, ","),
		e.DumpFlag,
		e.FsckFlag,
	)
}

// parseEntryLine parses one managed-block line. Returns ok=false for blank
// and comment lines.
func parseEntryLine(line string) (Entry, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Entry{}, false, nil
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 6 {
		return Entry{}, false, fmt.Errorf("entry line has %d fields, want 6: %q", len(fields), line)
	}

	identity, err := ParseIdentitySpec(fields[0])
	if err != nil {
		return Entry{}, false, err
	}
	dump, err := strconv.Atoi(fields[4])
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse dump field of %q: %w", line, err)
	}
	fsck, err := strconv.Atoi(fields[5])
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse fsck field of %q: %w", line, err)
	}

	return Entry{
		Identity:       identity,
		MountPoint:     unescapeFstabPath(fields[1]),
		FilesystemType: fields[2],
		Options:        strings.Split(fields[3], ","),
		DumpFlag:       dump,
		FsckFlag:       fsck,
	}, true, nil
}

// escapeFstabPath encodes space, tab, newline, and backslash as the octal
// sequences fstab requires.
func escapeFstabPath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for _, r := range path {
		switch r {
		case ' ':
			b.WriteString(`\040`)
		case '\t':
			b.WriteString(`\011`)
		case '\n':
			b.WriteString(`\012`)
		case '\\':
			b.WriteString(`\134`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unescapeFstabPath decodes three-digit octal escapes.
func unescapeFstabPath(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
