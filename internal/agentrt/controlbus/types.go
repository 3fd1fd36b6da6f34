package controlbus

import (
	"encoding/json"
	"time"

	"github.com/opsloom/agentctl/internal/agentrt/types"
)

// SignalRequestKind names the Pause/Resume/Stop/Kill control requests,
// distinct from handle.SignalKind so callers at the wire boundary don't
// need to import the handle package.
type SignalRequestKind string

const (
	SignalPause  SignalRequestKind = "pause"
	SignalResume SignalRequestKind = "resume"
	SignalStop   SignalRequestKind = "stop"
	SignalKill   SignalRequestKind = "kill"
)

// AttachCredentials is returned by RequestAttach: a bearer token the TUI
// presents on the separate attach connection.
type AttachCredentials struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AttachIssuer is the subset of AttachSessionManager/AttachTokenStore that
// ControlBus needs, kept as an interface so this package doesn't have to
// import the attach package (which in turn depends on agentrt).
type AttachIssuer interface {
	RequestAttach(agentID types.AgentID, clientType string) (AttachCredentials, error)
}

// BatchResult is one id's outcome within a BatchControl call.
type BatchResult struct {
	AgentID types.AgentID `json:"agent_id"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
}

// OutputLine is one matched line from QueryOutput.
type OutputLine struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// HealthStatus answers the HealthCheck request.
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	UptimeSeconds   float64   `json:"uptime_s"`
	ActiveAgents    int       `json:"active_agents"`
	ProtocolVersion int       `json:"protocol_version"`
	CheckedAt       time.Time `json:"checked_at"`
}

// CustomActionResult wraps an opaque JSON payload returned by a
// CustomAction bridge call.
type CustomActionResult struct {
	Payload json.RawMessage `json:"payload"`
}
