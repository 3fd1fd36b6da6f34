//go:build windows

package localrt

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/platform/apierr"
)

// deliverSignal emulates POSIX signal semantics on Windows, where only
// process termination is well-defined. Interrupt has no meaningful
// equivalent and is rejected; Terminate degrades straight to Kill.
func deliverSignal(p *os.Process, kind handle.SignalKind) error {
	switch kind {
	case handle.SignalInterrupt:
		return apierr.ErrUnsupported
	case handle.SignalTerminate, handle.SignalKill:
		return p.Kill()
	default:
		return apierr.ErrUnsupported
	}
}

// stillActive is the STILL_ACTIVE sentinel GetExitCodeProcess returns for
// a process that hasn't exited yet.
const stillActive = 259

// isAlive queries the process's exit code directly since Signal(0) has no
// meaningful implementation on Windows.
func isAlive(p *os.Process) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(p.Pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// waitProcess waits for cmd to exit. cmd.Process.Wait is used rather than
// cmd.Wait because the process may have been started by ConPTY rather than
// cmd.Start.
func waitProcess(cmd *exec.Cmd) (code int, signaled bool, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, false, err
	}
	return state.ExitCode(), false, nil
}
