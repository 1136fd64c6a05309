// manager.go applies mount-table changes transactionally: read, mutate in
// memory, back up, write, reload. Nothing privileged runs when the rendered
// table is unchanged.
package fstab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aitiotekt/steamos-mount/internal/protocol"
	"github.com/aitiotekt/steamos-mount/internal/session"
)

// Default paths for the system mount table and its backup.
const (
	DefaultPath       = "/etc/fstab"
	DefaultBackupPath = "/etc/fstab.steamos-mount.bak"
)

// Manager errors. A failed backup aborts the transaction before the table is
// touched; a failed write leaves the backup in place for manual recovery.
var (
	ErrBackupFailed = errors.New("mount table backup failed")
	ErrWriteFailed  = errors.New("mount table write failed")
	ErrReloadFailed = errors.New("systemd daemon-reload failed")
)

// PrivilegedRunner runs one command on the authenticated channel.
// *session.Session satisfies it.
type PrivilegedRunner interface {
	RunPrivileged(ctx context.Context, cmd protocol.Command) (*session.CommandOutcome, error)
}

// Manager owns transactional edits of one mount table file. Reading is
// unprivileged; every write goes through the privileged runner.
type Manager struct {
	path       string
	backupPath string
	runner     PrivilegedRunner
	logger     *slog.Logger
}

// NewManager builds a manager for the given table and backup paths.
func NewManager(path, backupPath string, runner PrivilegedRunner, logger *slog.Logger) *Manager {
	if path == "" {
		path = DefaultPath
	}
	if backupPath == "" {
		backupPath = DefaultBackupPath
	}
	return &Manager{
		path:       path,
		backupPath: backupPath,
		runner:     runner,
		logger:     logger.With(slog.String("component", "fstab")),
	}
}

// Load reads and parses the current table without privileges.
func (m *Manager) Load() (*Document, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.path, err)
	}
	doc, err := Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	return doc, nil
}

// CurrentEntry returns the managed entry for an identity, if present.
func (m *Manager) CurrentEntry(id MountIdentity) (*Entry, error) {
	doc, err := m.Load()
	if err != nil {
		return nil, err
	}
	if entry, ok := doc.Lookup(id); ok {
		return &entry, nil
	}
	return nil, nil
}

// Apply upserts (entry non-nil) or removes (entry nil) the managed line for
// the identity. When the mutation changes nothing the call returns without a
// single privileged operation.
func (m *Manager) Apply(ctx context.Context, id MountIdentity, entry *Entry) error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.path, err)
	}
	doc, err := Parse(string(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", m.path, err)
	}

	if entry != nil {
		doc.Upsert(*entry)
	} else {
		doc.Remove(id)
	}

	rendered := doc.Render()
	if rendered == string(raw) {
		m.logger.Debug("mount table unchanged, skipping write",
			slog.String("identity", id.Spec()))
		return nil
	}

	if err := m.backup(ctx); err != nil {
		return err
	}

	outcome, err := m.runner.RunPrivileged(ctx, protocol.WriteFileCommand{
		Path:    m.path,
		Content: rendered,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", m.path, err)
	}
	if !outcome.Success {
		return fmt.Errorf("%w: %s (backup kept at %s)", ErrWriteFailed, outcome.Err, m.backupPath)
	}

	m.logger.Info("mount table updated",
		slog.String("identity", id.Spec()),
		slog.Bool("removed", entry == nil))

	return m.reload(ctx)
}

// backup copies the table to the fixed sibling backup path. The previous
// backup is overwritten.
func (m *Manager) backup(ctx context.Context) error {
	outcome, err := m.runner.RunPrivileged(ctx, protocol.CopyFileCommand{
		Src: m.path,
		Dst: m.backupPath,
	})
	if err != nil {
		return fmt.Errorf("back up %s: %w", m.path, err)
	}
	if !outcome.Success {
		return fmt.Errorf("%w: %s", ErrBackupFailed, outcome.Err)
	}
	return nil
}

// reload tells systemd to re-read the table so generated mount units match it.
func (m *Manager) reload(ctx context.Context) error {
	outcome, err := m.runner.RunPrivileged(ctx, protocol.ExecCommand{
		Program: "systemctl",
		Args:    []string{"daemon-reload"},
	})
	if err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if !outcome.Success || outcome.ExitCode != 0 {
		return fmt.Errorf("%w: exit %d: %s", ErrReloadFailed, outcome.ExitCode, outcome.Stderr)
	}
	return nil
}
