// transport.go wraps a spawned daemon process in the Transport interface:
// newline-delimited JSON over the child's stdin/stdout pipes.
package session

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/aitiotekt/steamos-mount/internal/protocol"
)

// pkexec reports a dismissed authentication dialog with 126 and a failed
// authentication with 127. sudo uses 1 for both, which is indistinguishable
// from other failures, so only the polkit codes map to cancellation.
const (
	pkexecExitCancelled  = 126
	pkexecExitAuthFailed = 127
)

// ProcessTransport drives a daemon child process. Created by a Spawner.
type ProcessTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	cleanup func()
	waited  bool
	waitErr error
}

// NewProcessTransport wires up a started daemon command. stdin and stdout
// must be the child's pipes; cleanup, if non-nil, runs on Terminate.
func NewProcessTransport(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, cleanup func()) *ProcessTransport {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	return &ProcessTransport{cmd: cmd, stdin: stdin, stdout: scanner, cleanup: cleanup}
}

// Handshake reads the daemon's first message and decodes the secret.
// A missing or malformed handshake is fatal; if the child already exited
// with the polkit cancellation code, that is surfaced distinctly so callers
// never mistake a user's "no" for a transient failure.
func (t *ProcessTransport) Handshake(timeout time.Duration) ([]byte, error) {
	type result struct {
		secret []byte
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		if !t.stdout.Scan() {
			err := t.stdout.Err()
			if err == nil {
				err = io.EOF
			}
			ch <- result{nil, err}
			return
		}
		var hs protocol.Handshake
		if err := json.Unmarshal(t.stdout.Bytes(), &hs); err != nil {
			ch <- result{nil, fmt.Errorf("decode handshake: %w", err)}
			return
		}
		secret, err := hex.DecodeString(hs.Secret)
		if err != nil {
			ch <- result{nil, fmt.Errorf("decode handshake secret: %w", err)}
			return
		}
		ch <- result{secret, nil}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, t.classifyEarlyExit()
			}
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, r.err)
		}
		return r.secret, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: no handshake within %s", ErrHandshakeFailed, timeout)
	}
}

// classifyEarlyExit distinguishes a declined elevation prompt from other
// startup failures once the child's stdout has closed without a handshake.
func (t *ProcessTransport) classifyEarlyExit() error {
	err := t.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case pkexecExitCancelled, pkexecExitAuthFailed:
			return ErrAuthenticationCancelled
		}
	}
	return fmt.Errorf("%w: daemon exited before handshake", ErrHandshakeFailed)
}

// wait reaps the child exactly once.
func (t *ProcessTransport) wait() error {
	if t.waited {
		return t.waitErr
	}
	t.waited = true
	t.waitErr = t.cmd.Wait()
	return t.waitErr
}

// Send writes one request line.
func (t *ProcessTransport) Send(req protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Receive reads the next response line.
func (t *ProcessTransport) Receive() (*protocol.Response, error) {
	if !t.stdout.Scan() {
		if err := t.stdout.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, io.EOF
	}
	var resp protocol.Response
	if err := json.Unmarshal(t.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Terminate closes the daemon's stdin (which makes it exit on EOF) and reaps
// the child. Safe to call more than once.
func (t *ProcessTransport) Terminate() error {
	if t.stdin != nil {
		_ = t.stdin.Close()
		t.stdin = nil
	}
	if t.cleanup != nil {
		t.cleanup()
		t.cleanup = nil
	}
	if t.cmd != nil && t.cmd.Process != nil {
		// The daemon exits on stdin EOF; reap it. An error exit here is
		// expected when the session tore down mid-failure.
		_ = t.wait()
	}
	return nil
}
