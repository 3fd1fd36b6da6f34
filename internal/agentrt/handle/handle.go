// Package handle implements AgentHandle: one spawned agent process, its
// stdin sink, buffered/broadcast stdio, and status/exit tracking under a
// per-handle lock.
package handle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// defaultQueueBytes is the default per-stream bounded queue size in bytes.
const defaultQueueBytes = 256 * 1024

// StatusChangeFunc is invoked after the handle's lock is released, once per
// transition, so the registry/supervisor can publish a DomainEvent without
// Handle needing to know about the EventBus.
type StatusChangeFunc func(id types.AgentID, from, to types.AgentStatus)

// StdioTruncateFunc is invoked at most once per second per stream while a
// handle's bounded stdio queue is evicting entries, so the registry can
// publish a throttled StdioEmitted truncation DomainEvent without Handle
// needing to know about the EventBus.
type StdioTruncateFunc func(id types.AgentID, stream string)

// Handle is the core's in-memory control object for one live agent.
type Handle struct {
	id  types.AgentID
	cfg types.AgentConfig

	runner Runner
	log    *logger.Logger

	mu     sync.Mutex
	status types.AgentStatus
	exit   *types.ExitStatus

	stdoutQ   *boundedQueue
	stderrQ   *boundedQueue
	broadcast *stdioBroadcast

	onStatusChange  StatusChangeFunc
	onStdioTruncate StdioTruncateFunc
	startedAt       time.Time
}

// New constructs a Handle bound to runner, in the Starting state. The
// caller is responsible for calling Spawn. onStdioTruncate may be nil.
func New(id types.AgentID, cfg types.AgentConfig, runner Runner, log *logger.Logger, onStatusChange StatusChangeFunc, onStdioTruncate StdioTruncateFunc) *Handle {
	return &Handle{
		id:              id,
		cfg:             cfg,
		runner:          runner,
		log:             log.WithFields(zap.String("component", "agent-handle"), zap.String("agent_id", id.String())),
		status:          types.StatusStarting,
		stdoutQ:         newBoundedQueue(defaultQueueBytes),
		stderrQ:         newBoundedQueue(defaultQueueBytes),
		broadcast:       newStdioBroadcast(),
		onStatusChange:  onStatusChange,
		onStdioTruncate: onStdioTruncate,
	}
}

// ID returns the agent's identity.
func (h *Handle) ID() types.AgentID { return h.id }

// Info returns a serializable snapshot of the handle's current state.
func (h *Handle) Info() types.AgentInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return types.AgentInfo{
		ID:           h.id,
		Name:         h.cfg.Name,
		ModelBackend: h.cfg.ModelBackend,
		Task:         h.cfg.Task,
		Status:       h.status,
		StartedAt:    h.startedAt,
		Exit:         h.exit,
	}
}

// Status returns the current status under lock.
func (h *Handle) Status() types.AgentStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Spawn starts the underlying process and pumps its stdio. The handle
// transitions Starting->Running on success or Starting->Failed on exec
// failure, recording the transition before returning so the caller's
// subsequent GetStatus always sees a state at least as advanced as this
// call's outcome.
func (h *Handle) Spawn(ctx context.Context) error {
	h.startedAt = time.Now().UTC()

	if err := h.runner.Spawn(ctx, h.cfg); err != nil {
		h.transition(types.StatusFailed)
		return err
	}

	h.transition(types.StatusRunning)

	if out := h.runner.Stdout(); out != nil {
		pump := newStdioPump("stdout", h.stdoutQ, h.broadcast, h.log)
		go pump.run(out, h.emitTruncation("stdout"))
	}
	if errStream := h.runner.Stderr(); errStream != nil {
		pump := newStdioPump("stderr", h.stderrQ, h.broadcast, h.log)
		go pump.run(errStream, h.emitTruncation("stderr"))
	}

	return nil
}

func (h *Handle) emitTruncation(stream string) func() {
	return func() {
		h.log.Debug("stdio queue truncated", zap.String("stream", stream))
		if h.onStdioTruncate != nil {
			h.onStdioTruncate(h.id, stream)
		}
	}
}

// WriteStdin writes bytes to the child's stdin, flushing synchronously.
// Fails ErrGone once the handle is terminal.
func (h *Handle) WriteStdin(p []byte) error {
	h.mu.Lock()
	if h.status.IsTerminal() {
		h.mu.Unlock()
		return apierr.ErrGone
	}
	h.mu.Unlock()

	w := h.runner.Stdin()
	if w == nil {
		return apierr.ErrGone
	}
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("%w: %s", apierr.ErrGone, err)
	}
	return nil
}

// ReadStdout dequeues one buffered stdout chunk, or (nil, false) if none
// is currently available.
func (h *Handle) ReadStdout() ([]byte, bool) {
	c, ok := h.stdoutQ.pop()
	if !ok {
		return nil, false
	}
	return c.Data, true
}

// ReadStderr dequeues one buffered stderr chunk, or (nil, false) if none
// is currently available.
func (h *Handle) ReadStderr() ([]byte, bool) {
	c, ok := h.stderrQ.pop()
	if !ok {
		return nil, false
	}
	return c.Data, true
}

// StdoutDropped and StderrDropped report the running eviction counters for
// each bounded queue.
func (h *Handle) StdoutDropped() uint64 { return h.stdoutQ.droppedCount() }
func (h *Handle) StderrDropped() uint64 { return h.stderrQ.droppedCount() }

// OutputLine is one buffered line of stdio, tagged with its source stream,
// as returned by PeekOutput for QueryOutput-style scanning.
type OutputLine struct {
	Stream string
	Data   []byte
}

// PeekOutput returns a non-destructive snapshot of the requested stream's
// currently buffered chunks ("stdout", "stderr", or "" for both, stdout
// first) in emission order. Unlike ReadStdout/ReadStderr this never
// dequeues, so QueryOutput can scan history without racing live readers.
func (h *Handle) PeekOutput(stream string) []OutputLine {
	var out []OutputLine
	if stream == "" || stream == "stdout" {
		for _, c := range h.stdoutQ.peekAll() {
			out = append(out, OutputLine{Stream: c.Stream, Data: c.Data})
		}
	}
	if stream == "" || stream == "stderr" {
		for _, c := range h.stderrQ.peekAll() {
			out = append(out, OutputLine{Stream: c.Stream, Data: c.Data})
		}
	}
	return out
}

// SubscribeStdio returns a live channel of StdioChunk values published from
// this point forward, plus a cancel func to unsubscribe.
func (h *Handle) SubscribeStdio(bufferDepth int) (<-chan StdioChunk, func()) {
	return h.broadcast.subscribe(bufferDepth)
}

// Signal delivers an Interrupt/Terminate/Kill to the process. The status
// transition implied by the signal is recorded before the syscall so
// observers see the intent even if the call itself is slow or fails.
func (h *Handle) Signal(kind SignalKind) error {
	h.mu.Lock()
	if h.status.IsTerminal() {
		h.mu.Unlock()
		return apierr.ErrGone
	}
	current := h.status
	h.mu.Unlock()

	if kind == SignalInterrupt && current == types.StatusRunning {
		h.transition(types.StatusPaused)
	}

	if err := h.runner.Signal(kind); err != nil {
		return err
	}

	switch kind {
	case SignalTerminate, SignalKill:
		h.transition(types.StatusTerminated)
	}
	return nil
}

// Resume transitions a Paused agent back to Running. It records the status
// change only: no signal is delivered to the underlying process.
func (h *Handle) Resume() error {
	h.mu.Lock()
	if h.status != types.StatusPaused {
		h.mu.Unlock()
		return fmt.Errorf("%w: agent is not paused", apierr.ErrInvalidRequest)
	}
	h.mu.Unlock()

	h.transition(types.StatusRunning)
	return nil
}

// Wait blocks until the process exits, updates status to Completed or
// Failed, and returns the ExitStatus.
func (h *Handle) Wait() (types.ExitStatus, error) {
	exit, err := h.runner.Wait()
	if err != nil && exit.Code == nil {
		h.mu.Lock()
		h.exit = &exit
		h.mu.Unlock()
		h.transition(types.StatusFailed)
		return exit, err
	}

	h.mu.Lock()
	h.exit = &exit
	h.mu.Unlock()

	if exit.Success {
		h.transition(types.StatusCompleted)
	} else {
		h.transition(types.StatusFailed)
	}
	return exit, nil
}

// Alive reports whether the underlying runner still considers the process
// running, independent of the status this Handle currently records.
func (h *Handle) Alive() bool {
	return h.runner.Alive()
}

// MarkTerminatedByLivenessCheck is called by the Supervisor when it detects
// the process is gone without having observed an exit status itself (e.g.
// the process vanished between poll ticks).
func (h *Handle) MarkTerminatedByLivenessCheck() {
	h.mu.Lock()
	terminal := h.status.IsTerminal()
	h.mu.Unlock()
	if !terminal {
		h.transition(types.StatusTerminated)
	}
}

// Close releases the broadcast channel's subscribers. Called once by the
// registry when the handle is finally reaped.
func (h *Handle) Close() {
	h.broadcast.closeAll()
}

func (h *Handle) transition(next types.AgentStatus) {
	h.mu.Lock()
	prev := h.status
	if prev.IsTerminal() || prev == next {
		h.mu.Unlock()
		return
	}
	h.status = next
	h.mu.Unlock()

	if h.onStatusChange != nil {
		h.onStatusChange(h.id, prev, next)
	}
}
