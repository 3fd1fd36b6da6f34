// Package registry implements AgentRegistry: a concurrent map of agent id
// to AgentHandle with a concurrency cap and a linger window for late
// queries after an agent reaches a terminal status.
//
// Grounded on the teacher's instance.Manager (map + RWMutex, remove-from-map
// before slow teardown work, factory-constructed per-entry workers).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/events"
	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

const eventSource = "agentrt-registry"

// RunnerFactory constructs the handle.Runner backing a newly spawned
// agent. Selected per AgentConfig.ModelBackend so local-process and
// container-backed agents share one registry.
type RunnerFactory func(cfg types.AgentConfig) handle.Runner

// Registry holds every live AgentHandle.
type Registry struct {
	log    *logger.Logger
	bus    bus.EventBus
	runner RunnerFactory

	maxConcurrent int
	lingerWindow  time.Duration

	onSpawn func(types.AgentID)

	mu      sync.RWMutex
	handles map[types.AgentID]*entry
}

// SetOnSpawn registers a callback invoked with every newly spawned agent's
// id, used to hand the id to the Supervisor without the registry needing
// to import it (the supervisor re-looks up handles by id instead of the
// registry pushing them, avoiding an ownership cycle).
func (r *Registry) SetOnSpawn(fn func(types.AgentID)) {
	r.onSpawn = fn
}

type entry struct {
	handle *handle.Handle
}

// New constructs an empty Registry.
func New(log *logger.Logger, eventBus bus.EventBus, runnerFactory RunnerFactory, maxConcurrent int, lingerWindow time.Duration) *Registry {
	return &Registry{
		log:           log.WithFields(zap.String("component", "agent-registry")),
		bus:           eventBus,
		runner:        runnerFactory,
		maxConcurrent: maxConcurrent,
		lingerWindow:  lingerWindow,
		handles:       make(map[types.AgentID]*entry),
	}
}

// Spawn creates, registers, and starts a new agent, refusing with
// ErrCapacityExceeded when max_concurrent_agents handles are already live.
func (r *Registry) Spawn(ctx context.Context, cfg types.AgentConfig) (*handle.Handle, error) {
	id := types.NewAgentID()
	h := handle.New(id, cfg, r.runner(cfg), r.log, r.publishStatusChange, r.publishStdioTruncate)

	r.mu.Lock()
	if len(r.handles) >= r.maxConcurrent {
		r.mu.Unlock()
		return nil, apierr.ErrCapacityExceeded
	}
	r.handles[id] = &entry{handle: h}
	r.mu.Unlock()

	if err := h.Spawn(ctx); err != nil {
		r.mu.Lock()
		delete(r.handles, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", apierr.ErrSpawnFailed, err)
	}

	r.publish(events.DomainEvent{Kind: events.AgentStarted, AgentID: id.String()})
	if r.onSpawn != nil {
		r.onSpawn(id)
	}
	return h, nil
}

// Get returns the live handle for id, or ErrNotFound.
func (r *Registry) Get(id types.AgentID) (*handle.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", apierr.ErrNotFound, id)
	}
	return e.handle, nil
}

// List returns a snapshot of every live agent, optionally filtered by
// status, capped at limit (0 means unlimited).
func (r *Registry) List(filterStatus types.AgentStatus, limit int) []types.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.AgentInfo, 0, len(r.handles))
	for _, e := range r.handles {
		info := e.handle.Info()
		if filterStatus != "" && info.Status != filterStatus {
			continue
		}
		out = append(out, info)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CloseSession removes id from the registry immediately, regardless of its
// current status, matching the spec's explicit close_session/kill removal
// path. Returns ErrNotFound if id is unknown.
func (r *Registry) CloseSession(id types.AgentID) error {
	r.mu.Lock()
	e, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s", apierr.ErrNotFound, id)
	}
	delete(r.handles, id)
	r.mu.Unlock()

	e.handle.Close()
	return nil
}

// scheduleLinger arranges for id to be reaped lingerWindow after it was
// observed terminal, unless it has already been removed by an explicit
// close_session/kill.
func (r *Registry) scheduleLinger(id types.AgentID) {
	time.AfterFunc(r.lingerWindow, func() {
		r.mu.Lock()
		e, ok := r.handles[id]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.handles, id)
		r.mu.Unlock()
		e.handle.Close()
	})
}

// publishStatusChange is the handle.StatusChangeFunc wired into every
// Handle this registry spawns: it republishes the transition as a
// DomainEvent and, on reaching a terminal status, schedules the linger
// removal.
func (r *Registry) publishStatusChange(id types.AgentID, from, to types.AgentStatus) {
	r.publish(events.DomainEvent{
		Kind:       events.AgentStatusChanged,
		AgentID:    id.String(),
		FromStatus: string(from),
		ToStatus:   string(to),
	})
	if to.IsTerminal() {
		r.publish(events.DomainEvent{Kind: events.AgentCompleted, AgentID: id.String(), ToStatus: string(to)})
		r.scheduleLinger(id)
	}
}

func (r *Registry) publish(evt events.DomainEvent) {
	events.Publish(context.Background(), r.bus, eventSource, evt, r.log)
}

// publishStdioTruncate is the handle.StdioTruncateFunc wired into every
// Handle this registry spawns: it republishes a throttled truncation
// notice as a DomainEvent so an attached client learns its buffered
// output is lossy instead of silently falling behind.
func (r *Registry) publishStdioTruncate(id types.AgentID, stream string) {
	r.publish(events.DomainEvent{Kind: events.AgentStdioEmitted, AgentID: id.String(), Stream: stream})
}

// Len reports the number of currently live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
