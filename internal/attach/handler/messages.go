// Package handler implements the attach wire protocol (separate from the
// control transport's FramedSocket): JSON frames carried as gorilla/websocket
// text messages, with no length prefix of their own, per spec §4.11.
package handler

import "time"

// FrameType tags every attach-protocol frame.
type FrameType string

const (
	FrameHandshake         FrameType = "handshake"
	FrameHandshakeResponse FrameType = "handshake_response"
	FrameHistoricalOutput  FrameType = "historical_output"
	FrameStdout            FrameType = "stdout"
	FrameStderr            FrameType = "stderr"
	FrameStdin             FrameType = "stdin"
	FramePing              FrameType = "ping"
	FramePong              FrameType = "pong"
	FrameDisconnect        FrameType = "disconnect"
)

// ProtocolVersion is negotiated in the first frame.
const ProtocolVersion = 1

// Frame is the envelope every attach message is wrapped in.
type Frame struct {
	Type    FrameType `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Seq     uint64    `json:"seq,omitempty"`
}

// HandshakePayload is the client's opening frame.
type HandshakePayload struct {
	Version       int      `json:"version"`
	Token         string   `json:"token"`
	ClientType    string   `json:"client_type"`
	ClientVersion string   `json:"client_version"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// HandshakeResponsePayload is the server's reply.
type HandshakeResponsePayload struct {
	Success            bool     `json:"success"`
	Reason             string   `json:"reason,omitempty"`
	AgentID            string   `json:"agent_id,omitempty"`
	AgentName          string   `json:"agent_name,omitempty"`
	AgentTask          string   `json:"agent_task,omitempty"`
	HistoryAvailable   bool     `json:"history_available"`
	ServerCapabilities []string `json:"server_capabilities,omitempty"`
}

// HistoricalOutputPayload replays the agent's rolling stdio buffer right
// after a successful handshake.
type HistoricalOutputPayload struct {
	Lines []HistoryLine `json:"lines"`
}

// HistoryLine is one buffered chunk in the replay.
type HistoryLine struct {
	Stream string `json:"stream"`
	Data   string `json:"data"` // base64
}

// StdioPayload carries a live stdout/stderr chunk.
type StdioPayload struct {
	Data      string `json:"data"` // base64
	ByteCount int    `json:"byte_count"`
}

// StdinPayload carries client-to-agent bytes.
type StdinPayload struct {
	Data string `json:"data"` // base64
}

// DefaultPingInterval and DefaultPongGrace are standalone keepalive values.
// Handler does not read them: it takes its interval and grace from New,
// which the server fills from platform/config.AttachConfig (20s and 10s
// unless overridden).
var (
	DefaultPingInterval = 15 * time.Second
	DefaultPongGrace    = 45 * time.Second
)
