// ops.go implements the individual privileged operations.
// Exec never goes through a shell: the argument vector is passed to the
// kernel as-is, so there is nothing to quote and nothing to inject into.
package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aitiotekt/steamos-mount/internal/protocol"
)

func handleExec(id uint64, cmd protocol.ExecCommand) protocol.Response {
	if cmd.Program == "" {
		return errorResponse(id, "empty program")
	}

	var stdout, stderr bytes.Buffer
	c := exec.Command(cmd.Program, cmd.Args...)
	c.Stdin = nil
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	resp := protocol.Response{
		ID:     id,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a normal outcome, reported as data so the
			// caller can inspect the code and stderr.
			resp.ExitCode = exitErr.ExitCode()
			return resp
		}
		return errorResponse(id, fmt.Sprintf("execute %s: %v", cmd.Program, err))
	}

	resp.Success = true
	return resp
}

func handleWriteFile(id uint64, cmd protocol.WriteFileCommand, policy *WritePolicy) protocol.Response {
	if err := policy.Check(cmd.Path); err != nil {
		return policyResponse(id, err)
	}
	if err := os.WriteFile(cmd.Path, []byte(cmd.Content), 0644); err != nil {
		return errorResponse(id, fmt.Sprintf("write %s: %v", cmd.Path, err))
	}
	return successResponse(id)
}

func handleCopyFile(id uint64, cmd protocol.CopyFileCommand, policy *WritePolicy) protocol.Response {
	if err := policy.Check(cmd.Dst); err != nil {
		return policyResponse(id, err)
	}
	if err := copyFile(cmd.Src, cmd.Dst); err != nil {
		return errorResponse(id, fmt.Sprintf("copy %s to %s: %v", cmd.Src, cmd.Dst, err))
	}
	return successResponse(id)
}

func handleMkdirP(id uint64, cmd protocol.MkdirPCommand) protocol.Response {
	if err := os.MkdirAll(cmd.Path, 0755); err != nil {
		return errorResponse(id, fmt.Sprintf("mkdir -p %s: %v", cmd.Path, err))
	}
	return successResponse(id)
}

func policyResponse(id uint64, err error) protocol.Response {
	return protocol.Response{
		ID:        id,
		ExitCode:  -1,
		Error:     err.Error(),
		ErrorKind: protocol.ErrorKindPolicyDenied,
	}
}

// copyFile duplicates src to dst byte for byte, preserving the source mode,
// and syncs before returning so a verified backup really is on disk.
func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer dest.Close()

	if _, err := io.Copy(dest, source); err != nil {
		return err
	}
	return dest.Sync()
}

// WritePolicy restricts where WriteFile and CopyFile may place content.
// Entries are either exact file paths or directory prefixes (trailing slash).
type WritePolicy struct {
	allowed []string
}

// NewWritePolicy builds a policy from the given entries. Entries are cleaned;
// a trailing slash marks a directory prefix.
func NewWritePolicy(entries []string) *WritePolicy {
	p := &WritePolicy{}
	for _, e := range entries {
		if e == "" {
			continue
		}
		if strings.HasSuffix(e, "/") {
			p.allowed = append(p.allowed, filepath.Clean(e)+"/")
		} else {
			p.allowed = append(p.allowed, filepath.Clean(e))
		}
	}
	return p
}

// DefaultWritePolicy permits the mount table and its sibling backups.
func DefaultWritePolicy() *WritePolicy {
	return NewWritePolicy([]string{"/etc/fstab", "/etc/fstab.steamos-mount.bak"})
}

// Check returns an error when path is outside the allow-list. The path is
// cleaned first so ".." segments cannot sidestep a prefix entry.
func (p *WritePolicy) Check(path string) error {
	if path == "" {
		return errors.New("empty destination path")
	}
	clean := filepath.Clean(path)
	for _, e := range p.allowed {
		if strings.HasSuffix(e, "/") {
			if strings.HasPrefix(clean, e) {
				return nil
			}
			continue
		}
		if clean == e {
			return nil
		}
	}
	return fmt.Errorf("destination %s is outside the write allow-list", clean)
}
