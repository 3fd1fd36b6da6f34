//go:build !windows

package localrt

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/platform/apierr"
)

// deliverSignal sends the OS signal matching kind to p. Interrupt and
// Terminate are the graceful forms; Kill is unconditional.
func deliverSignal(p *os.Process, kind handle.SignalKind) error {
	switch kind {
	case handle.SignalInterrupt:
		return p.Signal(syscall.SIGINT)
	case handle.SignalTerminate:
		return p.Signal(syscall.SIGTERM)
	case handle.SignalKill:
		return p.Signal(syscall.SIGKILL)
	default:
		return apierr.ErrUnsupported
	}
}

// isAlive sends the null signal to p: delivery succeeds iff the process
// (or its zombie slot, briefly) still exists and is ours to signal.
func isAlive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}

// waitProcess waits for cmd to exit and extracts exit code and signal
// information from the platform wait status.
func waitProcess(cmd *exec.Cmd) (code int, signaled bool, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, false, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, false, err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, false, err
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), true, err
	}
	return waitStatus.ExitStatus(), false, err
}
