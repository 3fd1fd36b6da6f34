package handle

import (
	"context"
	"io"

	"github.com/opsloom/agentctl/internal/agentrt/types"
)

// SignalKind is the set of control signals a Handle can deliver to its
// underlying process.
type SignalKind int

const (
	SignalInterrupt SignalKind = iota
	SignalTerminate
	SignalKill
)

// Runner is the small capability set a Handle drives: spawn, signal, wait,
// and stdio access. Multiple kinds of agent backend (local process, remote
// container, test double) satisfy it identically, so Handle never needs to
// know which one it's holding — the "dynamic dispatch over agent-runner
// kinds" design note resolved as a capability interface rather than a type
// hierarchy.
type Runner interface {
	// Spawn starts the child described by cfg and returns once the exec
	// call itself has succeeded or failed (not once the process exits).
	Spawn(ctx context.Context, cfg types.AgentConfig) error
	// Stdin returns the writer bound to the child's stdin.
	Stdin() io.Writer
	// Stdout and Stderr return readers pumped continuously until EOF.
	Stdout() io.Reader
	Stderr() io.Reader
	// Signal delivers kind to the running process.
	Signal(kind SignalKind) error
	// Wait blocks until the process exits and reports how.
	Wait() (types.ExitStatus, error)
	// Alive reports whether the underlying process/container is still
	// running, independent of Wait. The Supervisor polls this so a process
	// that vanishes without Wait observing the exit (e.g. a killed pty
	// child whose parent never reaps it) still gets marked Terminated.
	Alive() bool
}
