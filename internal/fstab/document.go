// document.go holds the line-preserving mount-table document model. Every
// byte outside the managed block is opaque and reproduced verbatim; only the
// delimited block is parsed and regenerated.
package fstab

import (
	"errors"
	"fmt"
	"strings"
)

// Managed block markers. Everything between them is owned by this tool.
const (
	ManagedBlockBegin = "# BEGIN STEAMOS-MOUNT-MANAGED"
	ManagedBlockEnd   = "# END STEAMOS-MOUNT-MANAGED"

	managedBlockNotice = "# Created by steamos-mount. Do not edit this block by hand."
)

// ErrMalformedManagedBlock is returned when the markers cannot be paired:
// a begin marker with no end marker, or more than one block.
var ErrMalformedManagedBlock = errors.New("malformed managed block in mount table")

// Document is a parsed mount table. Lines before and after the managed block
// are kept verbatim, without their trailing newlines.
type Document struct {
	pre     []string
	post    []string
	entries []Entry

	hasBlock        bool
	endsWithNewline bool
	empty           bool
}

// Parse reads a mount table. Host-written lines are never interpreted; the
// managed block, if present, is decoded into entries.
func Parse(content string) (*Document, error) {
	doc := &Document{endsWithNewline: true}
	if content == "" {
		doc.empty = true
		return doc, nil
	}

	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		doc.endsWithNewline = false
	}

	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == ManagedBlockBegin:
			if inBlock || doc.hasBlock {
				return nil, fmt.Errorf("%w: repeated begin marker", ErrMalformedManagedBlock)
			}
			inBlock = true
			doc.hasBlock = true
		case trimmed == ManagedBlockEnd && inBlock:
			inBlock = false
		case inBlock:
			entry, ok, err := parseEntryLine(line)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedManagedBlock, err)
			}
			if ok {
				doc.entries = append(doc.entries, entry)
			}
		case doc.hasBlock:
			doc.post = append(doc.post, line)
		default:
			doc.pre = append(doc.pre, line)
		}
	}
	if inBlock {
		return nil, fmt.Errorf("%w: begin marker with no end marker", ErrMalformedManagedBlock)
	}
	return doc, nil
}

// Entries returns the managed entries in block order.
func (d *Document) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Lookup finds the managed entry for an identity.
func (d *Document) Lookup(id MountIdentity) (Entry, bool) {
	for _, e := range d.entries {
		if e.Identity == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Upsert replaces the entry with the same identity in place, or appends it.
// The block is created at end of file if it does not exist yet.
func (d *Document) Upsert(entry Entry) {
	d.ensureBlock()
	for i, e := range d.entries {
		if e.Identity == entry.Identity {
			d.entries[i] = entry
			return
		}
	}
	d.entries = append(d.entries, entry)
}

// Remove deletes the entry for an identity. Removing an absent identity is a
// no-op; the block markers stay even when the last entry goes.
func (d *Document) Remove(id MountIdentity) {
	for i, e := range d.entries {
		if e.Identity == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return
		}
	}
}

// ensureBlock records that the block must be rendered. A new block goes at
// end of file, separated from existing content by one blank line.
func (d *Document) ensureBlock() {
	if d.hasBlock {
		return
	}
	d.hasBlock = true
	if !d.empty && (len(d.pre) == 0 || d.pre[len(d.pre)-1] != "") {
		d.pre = append(d.pre, "")
	}
	d.empty = false
}

// Render serializes the document. Host lines come back byte for byte; the
// managed block is regenerated from the entries.
func (d *Document) Render() string {
	if d.empty && !d.hasBlock {
		return ""
	}

	var b strings.Builder
	writeLine := func(line string) {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	for _, line := range d.pre {
		writeLine(line)
	}
	if d.hasBlock {
		writeLine(ManagedBlockBegin)
		writeLine(managedBlockNotice)
		for _, e := range d.entries {
			writeLine(e.Line())
		}
		writeLine(ManagedBlockEnd)
	}
	for _, line := range d.post {
		writeLine(line)
	}

	out := b.String()
	// The trailing-newline convention of the input is kept whenever the last
	// line is a host line. A rendered block always ends in a newline.
	if !d.endsWithNewline && (!d.hasBlock || len(d.post) > 0) {
		out = strings.TrimSuffix(out, "\n")
	}
	return out
}
