// spawner.go provides the process-backed Spawner implementations.
// PkexecSpawner shows the polkit authentication dialog; SudoSpawner prompts
// on a pseudo-terminal so it also works when launched from a desktop entry
// with no usable controlling terminal.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
)

// DaemonBinaryName is the privileged daemon executable.
const DaemonBinaryName = "steamos-mountd"

// ResolveDaemonPath locates the daemon binary next to the current executable,
// falling back to PATH lookup.
func ResolveDaemonPath() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), DaemonBinaryName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(DaemonBinaryName)
	if err != nil {
		return "", fmt.Errorf("daemon binary %s not found: %w", DaemonBinaryName, err)
	}
	return path, nil
}

// PkexecSpawner starts the daemon under pkexec for a GUI authentication
// prompt.
type PkexecSpawner struct {
	// DaemonPath is the steamos-mountd binary to elevate.
	DaemonPath string
}

// Spawn starts pkexec with the daemon and returns its transport.
func (s *PkexecSpawner) Spawn(ctx context.Context) (Transport, error) {
	tool, err := exec.LookPath("pkexec")
	if err != nil {
		return nil, fmt.Errorf("%w: pkexec", ErrElevationToolMissing)
	}

	cmd := exec.CommandContext(ctx, tool, s.DaemonPath)
	return startPiped(cmd)
}

// SudoSpawner starts the daemon under sudo. The password prompt needs a
// terminal; since the protocol owns stdin/stdout, a pty is allocated as the
// child's controlling terminal and relayed to the user's stdio.
type SudoSpawner struct {
	DaemonPath string
}

// Spawn starts sudo with the daemon and returns its transport.
func (s *SudoSpawner) Spawn(ctx context.Context) (Transport, error) {
	tool, err := exec.LookPath("sudo")
	if err != nil {
		return nil, fmt.Errorf("%w: sudo", ErrElevationToolMissing)
	}

	cmd := exec.CommandContext(ctx, tool, s.DaemonPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    2, // stderr is the pty slave
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("start sudo: %w", err)
	}
	// The slave stays open in the child; the parent end relays the prompt.
	tty.Close()

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	go func() { _, _ = io.Copy(os.Stderr, ptmx) }()

	return NewProcessTransport(cmd, stdin, stdout, func() { ptmx.Close() }), nil
}

func startPiped(cmd *exec.Cmd) (Transport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return NewProcessTransport(cmd, stdin, stdout, nil), nil
}

// NewSpawner returns the spawner for the configured elevation tool.
func NewSpawner(tool, daemonPath string) (Spawner, error) {
	switch tool {
	case "", "pkexec":
		return &PkexecSpawner{DaemonPath: daemonPath}, nil
	case "sudo":
		return &SudoSpawner{DaemonPath: daemonPath}, nil
	default:
		return nil, fmt.Errorf("unsupported elevation tool %q", tool)
	}
}
