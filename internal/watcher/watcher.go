// Package watcher periodically rescans block devices and reports newly
// attached mountable volumes. It backs the watch subcommand, which keeps
// running and offers configuration for every drive the user plugs in.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aitiotekt/steamos-mount/internal/devices"
	"github.com/aitiotekt/steamos-mount/internal/fstab"
)

// Scanner is the device discovery surface the watcher polls.
type Scanner interface {
	Scan(ctx context.Context) ([]devices.Volume, error)
}

// Watcher rescans on a fixed interval and invokes the callback once per
// newly seen volume identity.
type Watcher struct {
	scanner  Scanner
	interval time.Duration
	onNew    func(devices.Volume)
	logger   *slog.Logger

	cron *cron.Cron

	mu    sync.Mutex
	known map[fstab.MountIdentity]bool
}

// New builds a watcher. onNew runs on the scheduler goroutine and must not
// block for long.
func New(scanner Scanner, interval time.Duration, onNew func(devices.Volume), logger *slog.Logger) *Watcher {
	return &Watcher{
		scanner:  scanner,
		interval: interval,
		onNew:    onNew,
		logger:   logger.With(slog.String("component", "watcher")),
		cron:     cron.New(),
		known:    make(map[fstab.MountIdentity]bool),
	}
}

// Start runs an immediate scan and schedules periodic rescans. Volumes
// present at startup are recorded as known without firing the callback, so
// only drives attached afterwards are reported.
func (w *Watcher) Start(ctx context.Context) error {
	baseline, err := w.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("initial device scan: %w", err)
	}
	w.mu.Lock()
	for _, vol := range baseline {
		w.known[vol.Identity] = true
	}
	w.mu.Unlock()
	w.logger.Info("watching for new drives",
		slog.Int("present", len(baseline)),
		slog.Duration("interval", w.interval))

	_, err = w.cron.AddFunc(fmt.Sprintf("@every %s", w.interval), func() {
		w.rescan(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule rescan: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the periodic rescans and waits for a running one to finish.
func (w *Watcher) Stop() {
	<-w.cron.Stop().Done()
}

// rescan reports every volume whose identity has not been seen before.
func (w *Watcher) rescan(ctx context.Context) {
	volumes, err := w.scanner.Scan(ctx)
	if err != nil {
		w.logger.Warn("device rescan failed", slog.String("error", err.Error()))
		return
	}

	for _, vol := range volumes {
		w.mu.Lock()
		seen := w.known[vol.Identity]
		w.known[vol.Identity] = true
		w.mu.Unlock()

		if !seen {
			w.logger.Info("new drive detected",
				slog.String("device", vol.Device.Path),
				slog.String("identity", vol.Identity.Spec()))
			w.onNew(vol)
		}
	}
}
