// daemon.go implements the privileged-side request loop for steamos-mountd.
// The daemon reads signed requests from its inbound stream, verifies them,
// executes exactly one at a time, and writes structured responses.
//
// Protocol integrity failures (bad signature, stale id) are answered with a
// structured error and then terminate the loop: a channel that produced one
// forged or replayed request is not worth continuing to serve.
package daemon

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aitiotekt/steamos-mount/internal/protocol"
)

// Errors returned by Run when the session is torn down for integrity reasons.
var (
	ErrInvalidSignature = errors.New("request signature verification failed")
	ErrReplayDetected   = errors.New("request id not strictly increasing")
)

// maxRequestBytes bounds a single request line. File writes carry whole file
// contents inline, so this is generous.
const maxRequestBytes = 4 << 20

// Options configures a daemon run.
type Options struct {
	// In is the inbound request stream (stdin in production).
	In io.Reader
	// Out is the outbound stream for the handshake and responses (stdout).
	Out io.Writer
	// Logger receives operational logs. Must not write to Out.
	Logger *slog.Logger
	// WritePolicy restricts WriteFile and CopyFile destinations.
	WritePolicy *WritePolicy
	// Secret overrides the generated handshake secret. Tests only.
	Secret []byte
}

// Run executes the daemon loop until Shutdown, stream EOF, or an integrity
// failure. It writes the handshake secret before accepting any request.
func Run(opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.WritePolicy
	if policy == nil {
		policy = DefaultWritePolicy()
	}

	secret := opts.Secret
	if secret == nil {
		var err error
		secret, err = protocol.GenerateSecret()
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(opts.Out)
	if err := enc.Encode(protocol.Handshake{Secret: hex.EncodeToString(secret)}); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	logger.Info("daemon ready")

	scanner := bufio.NewScanner(opts.In)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)

	// Last accepted request id, for anti-replay.
	var lastID uint64

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			// No trustworthy id to respond with.
			logger.Error("unparseable request", slog.String("error", err.Error()))
			continue
		}

		if req.ID <= lastID {
			logger.Warn("replay detected",
				slog.Uint64("id", req.ID),
				slog.Uint64("last_id", lastID),
			)
			respond(enc, protocol.Response{
				ID:        req.ID,
				ExitCode:  -1,
				Error:     fmt.Sprintf("request id %d not greater than last accepted id %d", req.ID, lastID),
				ErrorKind: protocol.ErrorKindReplayDetected,
			})
			return ErrReplayDetected
		}

		if !protocol.Verify(secret, req.ID, req.Cmd, req.MAC) {
			logger.Warn("signature verification failed", slog.Uint64("id", req.ID))
			respond(enc, protocol.Response{
				ID:        req.ID,
				ExitCode:  -1,
				Error:     "signature verification failed",
				ErrorKind: protocol.ErrorKindInvalidSignature,
			})
			return ErrInvalidSignature
		}

		lastID = req.ID

		if _, ok := req.Cmd.(protocol.ShutdownCommand); ok {
			logger.Info("shutdown requested", slog.Uint64("id", req.ID))
			respond(enc, protocol.Response{ID: req.ID, Success: true})
			return nil
		}

		resp := dispatch(req, policy, logger)
		respond(enc, resp)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request stream: %w", err)
	}
	logger.Info("request stream closed")
	return nil
}

// dispatch executes a verified request. Exactly one command runs at a time;
// the transport is a single ordered stream with no pipelining.
func dispatch(req protocol.Request, policy *WritePolicy, logger *slog.Logger) protocol.Response {
	logger.Info("executing command",
		slog.Uint64("id", req.ID),
		slog.String("cmd", req.Cmd.Name()),
	)

	switch cmd := req.Cmd.(type) {
	case protocol.ExecCommand:
		return handleExec(req.ID, cmd)
	case protocol.WriteFileCommand:
		return handleWriteFile(req.ID, cmd, policy)
	case protocol.CopyFileCommand:
		return handleCopyFile(req.ID, cmd, policy)
	case protocol.MkdirPCommand:
		return handleMkdirP(req.ID, cmd)
	default:
		// Shutdown is handled in the loop; anything else is a protocol bug.
		return errorResponse(req.ID, fmt.Sprintf("unhandled command %q", req.Cmd.Name()))
	}
}

func respond(enc *json.Encoder, resp protocol.Response) {
	// An encode failure means the parent is gone; the loop will terminate on
	// the next read anyway.
	_ = enc.Encode(resp)
}

func successResponse(id uint64) protocol.Response {
	return protocol.Response{ID: id, Success: true}
}

func errorResponse(id uint64, msg string) protocol.Response {
	return protocol.Response{
		ID:        id,
		ExitCode:  -1,
		Error:     msg,
		ErrorKind: protocol.ErrorKindOperationFailed,
	}
}
