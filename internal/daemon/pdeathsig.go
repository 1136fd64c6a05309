// pdeathsig.go arranges for the daemon to die with its parent.
// The kernel delivers SIGTERM to this process when the unprivileged parent
// exits, so a crashed CLI can never leave a root daemon behind.
package daemon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RegisterParentDeathSignal asks the kernel to send SIGTERM when the parent
// process dies. Must be called immediately after startup, before the
// handshake is emitted.
func RegisterParentDeathSignal() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_PDEATHSIG: %w", err)
	}
	// The parent may already have died between our spawn and the prctl call,
	// in which case no signal will ever arrive. Detect the reparent and bail.
	if unix.Getppid() == 1 {
		return fmt.Errorf("parent process already exited")
	}
	return nil
}
