// Package types holds the data model shared by every agentrt package:
// agent configuration, identity, status, and exit reporting.
package types

import (
	"time"

	"github.com/google/uuid"
)

// AgentID uniquely identifies one spawned agent for its entire lifetime,
// including after it has been reaped from the registry.
type AgentID uuid.UUID

// NewAgentID generates a fresh, random AgentID.
func NewAgentID() AgentID {
	return AgentID(uuid.New())
}

// String renders the AgentID in canonical UUID form.
func (id AgentID) String() string {
	return uuid.UUID(id).String()
}

// ParseAgentID parses a canonical UUID string into an AgentID.
func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, err
	}
	return AgentID(u), nil
}

// MarshalText implements encoding.TextMarshaler so AgentID round-trips
// through JSON as a plain string rather than a byte array.
func (id AgentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AgentID) UnmarshalText(text []byte) error {
	parsed, err := ParseAgentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AgentConfig is the immutable input used to spawn one agent.
type AgentConfig struct {
	// Name is a human-readable label, not required to be unique.
	Name string `json:"name"`
	// ModelBackend identifies the CLI harness + adapter to run, e.g.
	// "claude-code", "sh -c '...'", or "docker:agentctl/runner:latest".
	ModelBackend string `json:"model_backend"`
	// Task is the initial prompt handed to the backend.
	Task string `json:"task"`
	// Context is optional supplementary context injected as AGENT_CONTEXT.
	Context string `json:"context,omitempty"`
	// SystemPrompt is optional and injected as AGENT_SYSTEM_PROMPT.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// Environment is merged over the inherited process environment.
	Environment map[string]string `json:"environment,omitempty"`
}

// AgentStatus is the agent lifecycle state, see the state machine in
// handle.Handle for the legal transitions.
type AgentStatus string

const (
	StatusStarting  AgentStatus = "starting"
	StatusRunning   AgentStatus = "running"
	StatusPaused    AgentStatus = "paused"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusTerminated AgentStatus = "terminated"
)

// IsTerminal reports whether no further transition is possible.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// rank gives each status a position in the monotonic ordering used by the
// registry's spawn-then-observe invariant: a later status never reports a
// smaller rank than an earlier one for the same agent.
func (s AgentStatus) rank() int {
	switch s {
	case StatusStarting:
		return 0
	case StatusRunning:
		return 1
	case StatusPaused:
		return 1 // Paused and Running oscillate; neither supersedes the other.
	case StatusCompleted, StatusFailed, StatusTerminated:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next. Terminal states accept no further transitions.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusStarting:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusPaused || next == StatusCompleted || next == StatusFailed || next == StatusTerminated
	case StatusPaused:
		return next == StatusRunning || next == StatusCompleted || next == StatusFailed || next == StatusTerminated
	default:
		return false
	}
}

// AtLeast reports whether s is equal to or later in the state machine than
// other, satisfying the monotonicity invariant observers rely on.
func (s AgentStatus) AtLeast(other AgentStatus) bool {
	return s.rank() >= other.rank()
}

// ExitStatus describes how an agent's process terminated.
type ExitStatus struct {
	Code    *int `json:"code,omitempty"`
	Success bool `json:"success"`
}

// AgentInfo is the serializable, client-visible snapshot of one agent.
type AgentInfo struct {
	ID           AgentID     `json:"id"`
	Name         string      `json:"name"`
	ModelBackend string      `json:"model_backend"`
	Task         string      `json:"task"`
	Status       AgentStatus `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	Exit         *ExitStatus `json:"exit,omitempty"`
}
