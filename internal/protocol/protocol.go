// protocol.go defines the IPC protocol between the unprivileged CLI and the
// privileged daemon (steamos-mountd).
// Communication uses newline-delimited JSON over the daemon's stdin/stdout.
//
// Security model:
//  1. On startup the daemon generates a random 32-byte secret and sends it to
//     the parent as the first message (the handshake).
//  2. Every request carries an HMAC-SHA256 signature over (id, command).
//  3. Request ids must be strictly increasing; a valid signature on a stale id
//     is rejected as a replay.
package protocol

import (
	"encoding/json"
	"fmt"
)

// SecretLength is the handshake secret size in bytes.
const SecretLength = 32

// Command names as they appear on the wire.
const (
	CmdExec      = "exec"
	CmdWriteFile = "write_file"
	CmdCopyFile  = "copy_file"
	CmdMkdirP    = "mkdir_p"
	CmdShutdown  = "shutdown"
)

// Command is the closed set of operations the daemon executes.
// Each variant is a concrete struct; the daemon dispatches with a single
// type switch so adding a command is a compile-time concern.
type Command interface {
	// Name returns the wire name of the command.
	Name() string

	isCommand()
}

// ExecCommand runs a program with an argument vector. The program is never
// invoked through a shell.
type ExecCommand struct {
	Program string
	Args    []string
}

// WriteFileCommand overwrites a file's content in full.
type WriteFileCommand struct {
	Path    string
	Content string
}

// CopyFileCommand duplicates a file byte for byte (used for backups).
type CopyFileCommand struct {
	Src string
	Dst string
}

// MkdirPCommand creates a directory and its parents, idempotently.
type MkdirPCommand struct {
	Path string
}

// ShutdownCommand asks the daemon to exit cleanly after acknowledging.
type ShutdownCommand struct{}

func (ExecCommand) Name() string      { return CmdExec }
func (WriteFileCommand) Name() string { return CmdWriteFile }
func (CopyFileCommand) Name() string  { return CmdCopyFile }
func (MkdirPCommand) Name() string    { return CmdMkdirP }
func (ShutdownCommand) Name() string  { return CmdShutdown }

func (ExecCommand) isCommand()      {}
func (WriteFileCommand) isCommand() {}
func (CopyFileCommand) isCommand()  {}
func (MkdirPCommand) isCommand()    {}
func (ShutdownCommand) isCommand()  {}

// Handshake is the first message the daemon writes on its outbound stream.
type Handshake struct {
	// Secret is the hex-encoded HMAC secret.
	Secret string `json:"secret"`
}

// Request is the signed envelope sent to the daemon.
type Request struct {
	// ID must be strictly increasing within a session.
	ID uint64
	// MAC is the hex HMAC-SHA256 over (ID, Cmd).
	MAC string
	// Cmd is the operation to perform.
	Cmd Command
}

// Response is the daemon's reply. Responses are unsigned: trust flows only
// caller to daemon in this protocol.
type Response struct {
	ID       uint64 `json:"id"`
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	// Error carries a human-readable message when Success is false.
	Error string `json:"error,omitempty"`
	// ErrorKind discriminates protocol-integrity failures so the client can
	// map them to its error taxonomy without parsing message text.
	ErrorKind string `json:"error_kind,omitempty"`
}

// ErrorKind values reported in Response.ErrorKind.
const (
	ErrorKindInvalidSignature = "invalid_signature"
	ErrorKindReplayDetected   = "replay_detected"
	ErrorKindPolicyDenied     = "policy_denied"
	ErrorKindOperationFailed  = "operation_failed"
)

// wireRequest is the flat on-wire shape of a Request. One object per line,
// command fields merged into the envelope.
type wireRequest struct {
	ID      uint64   `json:"id"`
	Cmd     string   `json:"cmd"`
	Program string   `json:"program,omitempty"`
	Args    []string `json:"args,omitempty"`
	Path    string   `json:"path,omitempty"`
	Content string   `json:"content,omitempty"`
	Src     string   `json:"src,omitempty"`
	Dst     string   `json:"dst,omitempty"`
	MAC     string   `json:"mac,omitempty"`
}

func commandToWire(cmd Command) wireRequest {
	w := wireRequest{Cmd: cmd.Name()}
	switch c := cmd.(type) {
	case ExecCommand:
		w.Program = c.Program
		w.Args = c.Args
	case WriteFileCommand:
		w.Path = c.Path
		w.Content = c.Content
	case CopyFileCommand:
		w.Src = c.Src
		w.Dst = c.Dst
	case MkdirPCommand:
		w.Path = c.Path
	case ShutdownCommand:
	}
	return w
}

func commandFromWire(w wireRequest) (Command, error) {
	switch w.Cmd {
	case CmdExec:
		return ExecCommand{Program: w.Program, Args: w.Args}, nil
	case CmdWriteFile:
		return WriteFileCommand{Path: w.Path, Content: w.Content}, nil
	case CmdCopyFile:
		return CopyFileCommand{Src: w.Src, Dst: w.Dst}, nil
	case CmdMkdirP:
		return MkdirPCommand{Path: w.Path}, nil
	case CmdShutdown:
		return ShutdownCommand{}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", w.Cmd)
	}
}

// MarshalJSON renders the request as a single flat object.
func (r Request) MarshalJSON() ([]byte, error) {
	if r.Cmd == nil {
		return nil, fmt.Errorf("request %d has no command", r.ID)
	}
	w := commandToWire(r.Cmd)
	w.ID = r.ID
	w.MAC = r.MAC
	return json.Marshal(w)
}

// UnmarshalJSON parses the flat wire object back into a typed request.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cmd, err := commandFromWire(w)
	if err != nil {
		return err
	}
	r.ID = w.ID
	r.MAC = w.MAC
	r.Cmd = cmd
	return nil
}

// CommandPayload returns the canonical byte encoding of a command used as the
// HMAC payload. Both sides must derive the payload the same way, so it is the
// JSON of the command fields alone (no id, no mac).
func CommandPayload(cmd Command) ([]byte, error) {
	return json.Marshal(commandToWire(cmd))
}
