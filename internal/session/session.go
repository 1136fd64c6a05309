// Package session implements the unprivileged side of the privileged
// execution channel: daemon lifecycle, handshake, request signing, and the
// synchronous request/response discipline.
//
// A Session is created lazily: the elevation prompt appears on the first
// privileged operation, and the authenticated channel is reused for every
// subsequent one. Cancelling the prompt is terminal - the session never
// re-prompts on its own.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aitiotekt/steamos-mount/internal/protocol"
)

// Session errors. Protocol-integrity failures are fatal to the session and
// never retried silently; the caller decides whether to build a fresh session.
var (
	ErrHandshakeFailed         = errors.New("daemon handshake failed")
	ErrAuthenticationCancelled = errors.New("authentication cancelled by user")
	ErrElevationToolMissing    = errors.New("privilege escalation tool not found")
	ErrInvalidSignature        = errors.New("daemon rejected request signature")
	ErrReplayDetected          = errors.New("daemon rejected request id as replayed")
	ErrSessionTerminated       = errors.New("privileged daemon exited unexpectedly")
	ErrSessionClosed           = errors.New("session is closed")
)

// DefaultHandshakeTimeout bounds the wait for the daemon's first message.
// The elevation prompt itself may block on user input indefinitely; this
// timeout only covers the window after the daemon process starts.
const DefaultHandshakeTimeout = 2 * time.Minute

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateSpawning
	StateAuthenticated
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSpawning:
		return "spawning"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the capability surface of a spawned daemon. The real
// implementation wraps a child process; tests substitute an in-memory fake.
type Transport interface {
	// Handshake reads the daemon's secret, waiting at most timeout.
	Handshake(timeout time.Duration) ([]byte, error)
	// Send writes one signed request.
	Send(req protocol.Request) error
	// Receive reads the next response.
	Receive() (*protocol.Response, error)
	// Terminate releases the channel and reaps the daemon process.
	Terminate() error
}

// Spawner starts the elevation wrapper plus daemon and returns its transport.
type Spawner interface {
	Spawn(ctx context.Context) (Transport, error)
}

// CommandOutcome is the structured result of one privileged command.
// A non-zero exit code from Exec is a normal outcome, not an error: callers
// inspect ExitCode and Stderr to decide on remediation.
type CommandOutcome struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is the daemon-reported failure message for file operations.
	Err string
}

// Session is a single logical actor: at most one outstanding request,
// enforced by the mutex around RunPrivileged. Independent sessions each own
// their daemon process, secret, and id counter.
type Session struct {
	mu sync.Mutex

	state     State
	failure   error
	spawner   Spawner
	transport Transport
	secret    []byte
	lastID    uint64

	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithHandshakeTimeout overrides the handshake wait bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) { s.handshakeTimeout = d }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger.With(slog.String("component", "session")) }
}

// New creates an uninitialized session. No process is spawned and no prompt
// is shown until the first RunPrivileged call.
func New(spawner Spawner, opts ...Option) *Session {
	s := &Session{
		state:            StateUninitialized,
		spawner:          spawner,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default().With(slog.String("component", "session")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunPrivileged executes one command on the authenticated channel, spawning
// the daemon first if needed. Requests are delivered in call order and each
// response is observed before the next request may be issued.
func (s *Session) RunPrivileged(ctx context.Context, cmd protocol.Command) (*CommandOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateFailed:
		// Terminal. In particular a cancelled prompt must not trigger a
		// second prompt the user never asked for.
		return nil, s.failure
	case StateUninitialized:
		if err := s.authenticateLocked(ctx); err != nil {
			return nil, err
		}
	case StateAuthenticated:
		// Reuse the channel; no new prompt.
	}

	return s.roundTripLocked(cmd)
}

// authenticateLocked spawns the daemon and performs the handshake.
// Any failure is terminal for this session.
func (s *Session) authenticateLocked(ctx context.Context) error {
	s.state = StateSpawning
	s.logger.Info("spawning privileged daemon")

	transport, err := s.spawner.Spawn(ctx)
	if err != nil {
		return s.failLocked(fmt.Errorf("spawn daemon: %w", err))
	}

	secret, err := transport.Handshake(s.handshakeTimeout)
	if err != nil {
		_ = transport.Terminate()
		return s.failLocked(fmt.Errorf("handshake: %w", err))
	}
	if len(secret) != protocol.SecretLength {
		_ = transport.Terminate()
		return s.failLocked(fmt.Errorf("%w: secret length %d", ErrHandshakeFailed, len(secret)))
	}

	s.transport = transport
	s.secret = secret
	s.state = StateAuthenticated
	s.logger.Info("session authenticated")
	return nil
}

func (s *Session) roundTripLocked(cmd protocol.Command) (*CommandOutcome, error) {
	id := s.lastID + 1
	mac, err := protocol.Sign(s.secret, id, cmd)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	if err := s.transport.Send(protocol.Request{ID: id, MAC: mac, Cmd: cmd}); err != nil {
		return nil, s.failLocked(fmt.Errorf("%w: %v", ErrSessionTerminated, err))
	}
	s.lastID = id

	resp, err := s.transport.Receive()
	if err != nil {
		return nil, s.failLocked(fmt.Errorf("%w: %v", ErrSessionTerminated, err))
	}
	if resp.ID != id {
		return nil, s.failLocked(fmt.Errorf("%w: response id %d for request %d", ErrSessionTerminated, resp.ID, id))
	}

	switch resp.ErrorKind {
	case protocol.ErrorKindInvalidSignature:
		return nil, s.failLocked(fmt.Errorf("%w: %s", ErrInvalidSignature, resp.Error))
	case protocol.ErrorKindReplayDetected:
		return nil, s.failLocked(fmt.Errorf("%w: %s", ErrReplayDetected, resp.Error))
	}

	return &CommandOutcome{
		Success:  resp.Success,
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Err:      resp.Error,
	}, nil
}

// failLocked marks the session terminally failed, tears down any transport,
// and returns the stored failure.
func (s *Session) failLocked(err error) error {
	s.state = StateFailed
	s.failure = err
	if s.transport != nil {
		_ = s.transport.Terminate()
		s.transport = nil
	}
	s.logger.Error("session failed", slog.String("error", err.Error()))
	return err
}

// Close shuts the session down. An authenticated daemon receives a signed
// Shutdown first. Closing a Closed or Uninitialized session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed, StateUninitialized:
		return nil
	case StateAuthenticated:
		id := s.lastID + 1
		if mac, err := protocol.Sign(s.secret, id, protocol.ShutdownCommand{}); err == nil {
			if err := s.transport.Send(protocol.Request{ID: id, MAC: mac, Cmd: protocol.ShutdownCommand{}}); err == nil {
				s.lastID = id
				// Best effort: the daemon acknowledges before exiting.
				_, _ = s.transport.Receive()
			}
		}
	}

	if s.transport != nil {
		_ = s.transport.Terminate()
		s.transport = nil
	}
	s.state = StateClosed
	s.logger.Info("session closed")
	return nil
}
