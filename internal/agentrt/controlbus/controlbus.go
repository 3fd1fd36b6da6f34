// Package controlbus implements the thin façade translating remote
// control requests into AgentRegistry/AgentHandle operations, per
// spec §4.5. Every method is safe to call concurrently and from a
// transport goroutine carrying a per-request context deadline.
package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// ProtocolVersion is reported by HealthCheck and checked at FramedSocket
// handshake.
const ProtocolVersion = 1

// ControlBus is the single entry point every transport/attach-token path
// dispatches control requests through.
type ControlBus struct {
	reg     *registry.Registry
	attach  AttachIssuer
	bridge  *MCPBridge
	log     *logger.Logger
	started time.Time
}

// New constructs a ControlBus bound to reg. attach and bridge may be nil
// until the attach/MCP subsystems are wired up; RequestAttach/CustomAction
// fail ErrUnsupported until then.
func New(reg *registry.Registry, attach AttachIssuer, bridge *MCPBridge, log *logger.Logger) *ControlBus {
	return &ControlBus{
		reg:     reg,
		attach:  attach,
		bridge:  bridge,
		log:     log.WithFields(zap.String("component", "control-bus")),
		started: time.Now(),
	}
}

// Spawn creates a new agent and waits for it to leave Starting, up to
// timeout.
func (b *ControlBus) Spawn(ctx context.Context, cfg types.AgentConfig, timeout time.Duration) (types.AgentInfo, error) {
	h, err := b.reg.Spawn(ctx, cfg)
	if err != nil {
		return types.AgentInfo{}, err
	}

	deadline := time.Now().Add(timeout)
	for h.Status() == types.StatusStarting {
		if time.Now().After(deadline) {
			return h.Info(), fmt.Errorf("%w: spawn did not leave starting", apierr.ErrTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return h.Info(), nil
}

// List returns agent snapshots, optionally filtered/limited.
func (b *ControlBus) List(filterStatus types.AgentStatus, limit int) []types.AgentInfo {
	return b.reg.List(filterStatus, limit)
}

// GetStatus returns one agent's current status.
func (b *ControlBus) GetStatus(id types.AgentID) (types.AgentStatus, error) {
	h, err := b.reg.Get(id)
	if err != nil {
		return "", err
	}
	return h.Status(), nil
}

// Signal dispatches Pause/Resume/Stop/Kill to the target agent's handle.
func (b *ControlBus) Signal(id types.AgentID, kind SignalRequestKind) error {
	h, err := b.reg.Get(id)
	if err != nil {
		return err
	}

	switch kind {
	case SignalResume:
		return h.Resume()
	case SignalPause:
		return h.Signal(handle.SignalInterrupt)
	case SignalStop:
		return h.Signal(handle.SignalTerminate)
	case SignalKill:
		return h.Signal(handle.SignalKill)
	default:
		return fmt.Errorf("%w: unknown signal kind %q", apierr.ErrInvalidRequest, kind)
	}
}

// WriteStdin forwards bytes to the agent's stdin.
func (b *ControlBus) WriteStdin(id types.AgentID, data []byte) error {
	h, err := b.reg.Get(id)
	if err != nil {
		return err
	}
	return h.WriteStdin(data)
}

// ReadStdout dequeues one buffered stdout chunk.
func (b *ControlBus) ReadStdout(id types.AgentID) ([]byte, bool, error) {
	h, err := b.reg.Get(id)
	if err != nil {
		return nil, false, err
	}
	data, ok := h.ReadStdout()
	return data, ok, nil
}

// ReadStderr dequeues one buffered stderr chunk.
func (b *ControlBus) ReadStderr(id types.AgentID) ([]byte, bool, error) {
	h, err := b.reg.Get(id)
	if err != nil {
		return nil, false, err
	}
	data, ok := h.ReadStderr()
	return data, ok, nil
}

// RequestAttach issues attach credentials for id via the configured
// AttachIssuer.
func (b *ControlBus) RequestAttach(id types.AgentID, clientType string) (AttachCredentials, error) {
	if b.attach == nil {
		return AttachCredentials{}, fmt.Errorf("%w: attach subsystem not configured", apierr.ErrUnsupported)
	}
	if _, err := b.reg.Get(id); err != nil {
		return AttachCredentials{}, err
	}
	return b.attach.RequestAttach(id, clientType)
}

// BatchControl applies kind to every id in sequence, stopping early on the
// first failure when failFast is set.
func (b *ControlBus) BatchControl(ids []types.AgentID, kind SignalRequestKind, failFast bool) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		err := b.Signal(id, kind)
		res := BatchResult{AgentID: id, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
		if err != nil && failFast {
			break
		}
	}
	return results
}

// CustomAction forwards an agent-backend extension call to the MCP
// bridge, bounded by timeout.
func (b *ControlBus) CustomAction(ctx context.Context, id types.AgentID, name string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if b.bridge == nil {
		return nil, fmt.Errorf("%w: no custom action bridge configured", apierr.ErrUnsupported)
	}
	if _, err := b.reg.Get(id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := b.bridge.Call(ctx, id.String(), name, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: custom action %q", apierr.ErrTimeout, name)
		}
		return nil, err
	}
	return result, nil
}

// QueryOutput scans an agent's buffered stdio (not yet dequeued by
// ReadStdout/ReadStderr) for lines matching regex, applying offset/limit
// over the match set. An empty stream scans both.
func (b *ControlBus) QueryOutput(id types.AgentID, stream, pattern string, limit, offset int) ([]OutputLine, error) {
	h, err := b.reg.Get(id)
	if err != nil {
		return nil, err
	}

	var re *regexp.Regexp
	if pattern != "" {
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid regex: %s", apierr.ErrInvalidRequest, err)
		}
	}

	var matched []OutputLine
	for _, line := range h.PeekOutput(stream) {
		text := string(line.Data)
		if re != nil && !re.MatchString(text) {
			continue
		}
		matched = append(matched, OutputLine{Stream: line.Stream, Text: text})
	}

	if offset >= len(matched) {
		return []OutputLine{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// HealthCheck reports the runtime's self-check summary.
func (b *ControlBus) HealthCheck() HealthStatus {
	return HealthStatus{
		Healthy:         true,
		UptimeSeconds:   time.Since(b.started).Seconds(),
		ActiveAgents:    b.reg.Len(),
		ProtocolVersion: ProtocolVersion,
		CheckedAt:       time.Now().UTC(),
	}
}
