// main.go is the privileged daemon for steamos-mount.
// It is spawned under pkexec or sudo by the unprivileged CLI and serves
// HMAC-signed commands over stdin/stdout. Stdout carries the protocol, so
// all logging goes to stderr.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aitiotekt/steamos-mount/internal/daemon"
	"github.com/aitiotekt/steamos-mount/internal/logging"
	"github.com/aitiotekt/steamos-mount/internal/version"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	logger := logging.SetupLogger(os.Getenv("STEAMOS_MOUNTD_LOG_LEVEL"))

	// Die with the CLI: an orphaned root daemon holding an authenticated
	// channel must not outlive the process that spawned it.
	if err := daemon.RegisterParentDeathSignal(); err != nil {
		logger.Error("parent death signal setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("daemon starting",
		slog.String("version", version.Version),
		slog.Int("uid", os.Getuid()))

	err := daemon.Run(daemon.Options{
		In:          os.Stdin,
		Out:         os.Stdout,
		Logger:      logger,
		WritePolicy: daemon.DefaultWritePolicy(),
	})
	switch {
	case err == nil:
		logger.Info("daemon exiting")
	case errors.Is(err, daemon.ErrInvalidSignature), errors.Is(err, daemon.ErrReplayDetected):
		// Integrity violations already produced an error response; exit
		// non-zero so the spawner side sees the failure too.
		logger.Error("session integrity violation", slog.String("error", err.Error()))
		os.Exit(1)
	default:
		logger.Error("daemon failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
