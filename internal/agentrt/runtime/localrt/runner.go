// Package localrt implements handle.Runner by spawning the agent backend
// as a local child process behind a pseudo-terminal, grounded on the
// teacher's process.ProcessRunner (sh -lc spawning, two-phase shutdown)
// generalized to the single-process-per-Handle shape the runtime needs.
package localrt

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/apierr"
)

// Runner spawns the agent's model_backend command under a pseudo-terminal
// so interactive CLI backends that probe for a TTY behave normally.
type Runner struct {
	mu  sync.Mutex
	cmd *exec.Cmd
	pty ptyHandle
}

// New returns an unstarted local-process Runner.
func New() *Runner {
	return &Runner{}
}

// Spawn starts the configured command via a login shell, matching the
// teacher's "sh -lc" convention so shell profile environment (PATH
// adjustments, nvm, etc.) is loaded the same way it would be from an
// interactive terminal.
func (r *Runner) Spawn(ctx context.Context, cfg types.AgentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.ModelBackend == "" {
		return fmt.Errorf("%w: model_backend is required", apierr.ErrInvalidRequest)
	}

	cmd := exec.CommandContext(ctx, "sh", "-lc", cfg.ModelBackend)
	cmd.Env = buildEnv(cfg)

	pty, err := startPTY(cmd)
	if err != nil {
		return fmt.Errorf("%w: %s", apierr.ErrSpawnFailed, err)
	}

	r.cmd = cmd
	r.pty = pty
	return nil
}

// Stdin returns the pty master as the child's stdin sink.
func (r *Runner) Stdin() io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pty
}

// Stdout returns the pty master, which carries both the child's stdout
// and stderr once merged by the pseudo-terminal.
func (r *Runner) Stdout() io.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pty
}

// Stderr has no independent stream once a pty has merged stdout/stderr;
// callers should read combined output from Stdout.
func (r *Runner) Stderr() io.Reader {
	return nil
}

// Signal delivers kind to the child process.
func (r *Runner) Signal(kind handle.SignalKind) error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return apierr.ErrGone
	}
	return deliverSignal(cmd.Process, kind)
}

// Alive reports whether the child process still exists, via the
// platform's zero-signal liveness probe.
func (r *Runner) Alive() bool {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}
	return isAlive(cmd.Process)
}

// Wait blocks until the child exits and reports its ExitStatus.
func (r *Runner) Wait() (types.ExitStatus, error) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil {
		return types.ExitStatus{}, apierr.ErrGone
	}

	code, _, err := waitProcess(cmd)
	success := err == nil
	c := code
	return types.ExitStatus{Code: &c, Success: success}, nil
}
