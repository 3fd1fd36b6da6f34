// Package events provides the domain event taxonomy published on the
// runtime's EventBus as agents are spawned, run, and torn down.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// DomainEvent is the runtime's one tagged event envelope: a Kind
// discriminator (one of the constants below) plus whichever of the typed
// fields that Kind carries. Every publisher in the tree — registry, lease
// manager, attach session manager — builds one of these instead of an ad
// hoc map, so the fields a reader can expect for a given Kind live in one
// struct instead of three slightly different map literals.
type DomainEvent struct {
	Kind       string
	AgentID    string
	FromStatus string
	ToStatus   string
	LeaseID    string
	FilePath   string
	SessionID  string
	Stream     string
	BytesIn    uint64
	BytesOut   uint64
}

// ToBusEvent renders d as the EventBus's generic transport envelope,
// tagged with source, dropping any field d didn't set. The bus itself
// stays ignorant of the runtime's domain types; this is the one place a
// DomainEvent and a bus.Event meet.
func (d DomainEvent) ToBusEvent(source string) *bus.Event {
	data := make(map[string]any, 6)
	if d.AgentID != "" {
		data["agent_id"] = d.AgentID
	}
	if d.FromStatus != "" {
		data["from"] = d.FromStatus
	}
	if d.ToStatus != "" {
		data["to"] = d.ToStatus
	}
	if d.LeaseID != "" {
		data["lease_id"] = d.LeaseID
	}
	if d.FilePath != "" {
		data["file_path"] = d.FilePath
	}
	if d.SessionID != "" {
		data["session_id"] = d.SessionID
	}
	if d.Stream != "" {
		data["stream"] = d.Stream
	}
	if d.BytesIn != 0 {
		data["bytes_in"] = d.BytesIn
	}
	if d.BytesOut != 0 {
		data["bytes_out"] = d.BytesOut
	}
	return bus.NewEvent(d.Kind, source, data)
}

// Publish converts evt to the bus wire format and sends it under the
// standard per-agent subject. A nil eventBus is a silent no-op, matching
// the convention every publisher in the tree already follows; a publish
// failure is logged at Warn rather than returned, since losing one event
// to a downed NATS connection should never fail the operation that
// triggered it.
func Publish(ctx context.Context, eventBus bus.EventBus, source string, evt DomainEvent, log *logger.Logger) {
	if eventBus == nil {
		return
	}
	busEvt := evt.ToBusEvent(source)
	if err := eventBus.Publish(ctx, AgentSubject(evt.AgentID), busEvt); err != nil {
		log.Warn("failed to publish domain event",
			zap.String("kind", evt.Kind), zap.String("agent_id", evt.AgentID), zap.Error(err))
	}
}

// Event types for agent lifecycle.
const (
	AgentStarted       = "agent.started"
	AgentStatusChanged = "agent.status_changed"
	AgentStdioEmitted  = "agent.stdio_emitted"
	AgentCompleted     = "agent.completed"
)

// Event types for attach sessions.
const (
	AttachRequested    = "attach.requested"
	AttachConnected    = "attach.connected"
	AttachDisconnected = "attach.disconnected"
)

// Event types for leases.
const (
	LeaseAcquired = "lease.acquired"
	LeaseRenewed  = "lease.renewed"
	LeaseReleased = "lease.released"
	LeaseExpired  = "lease.expired"
)

// AgentSubject builds the per-agent event subject used for both publishing
// and wildcard subscription scoping.
func AgentSubject(agentID string) string {
	return "agent." + agentID
}

// AgentWildcardSubject returns a wildcard subscription covering every
// agent's events.
func AgentWildcardSubject() string {
	return "agent.*"
}
