// Package wire defines the control transport's frame format: a 4-byte
// length-prefixed, version-tagged ProtocolMessage carrying every request,
// response, and event kind the control bus exchanges with a client.
//
// Grounded on the teacher's pkg/websocket.Message envelope, adapted from
// JSON-over-WS text frames to length-prefixed JSON-over-raw-socket binary
// frames (FramedSocket, see framedsocket.go).
package wire

import (
	"encoding/json"
	"time"
)

// Version is the current protocol version. FramedSocket.ReadMessage rejects
// any frame whose version field doesn't match, so it is never dispatched.
const Version = 1

// Kind tags every ProtocolMessage with the request/response/event shape it
// carries.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindError        Kind = "error"
	KindEvent        Kind = "event"
	KindLagged       Kind = "lagged"
	KindHandshake    Kind = "handshake"
	KindHandshakeAck Kind = "handshake_ack"
)

// Action names one control request kind, matching ControlBus's method set
// one-for-one.
type Action string

const (
	ActionSpawn          Action = "spawn"
	ActionList           Action = "list"
	ActionGetStatus      Action = "get_status"
	ActionSignal         Action = "signal"
	ActionWriteStdin     Action = "write_stdin"
	ActionReadStdout     Action = "read_stdout"
	ActionReadStderr     Action = "read_stderr"
	ActionRequestAttach  Action = "request_attach"
	ActionBatchControl   Action = "batch_control"
	ActionCustomAction   Action = "custom_action"
	ActionQueryOutput    Action = "query_output"
	ActionHealthCheck    Action = "health_check"
)

// Message is the single wire type FramedSocket reads and writes. Request
// carries Action and Payload; Response/Error carry Payload keyed to the
// originating RequestID; Event/Lagged are server-pushed.
type Message struct {
	Version   int             `json:"version"`
	Kind      Kind            `json:"kind"`
	RequestID string          `json:"request_id,omitempty"`
	Action    Action          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload mirrors the apierr taxonomy over the wire: Code is one of
// the apierr sentinel names (e.g. "not_found", "timeout") so clients can
// branch without parsing prose.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a request Message with a fresh RequestID supplied by
// the caller (TransportClient owns id generation so it can correlate the
// response).
func NewRequest(requestID string, action Action, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Version:   Version,
		Kind:      KindRequest,
		RequestID: requestID,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse builds a response Message paired to requestID.
func NewResponse(requestID string, action Action, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Version:   Version,
		Kind:      KindResponse,
		RequestID: requestID,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError builds an error Message paired to requestID.
func NewError(requestID string, action Action, code, message string) *Message {
	return &Message{
		Version:   Version,
		Kind:      KindError,
		RequestID: requestID,
		Action:    action,
		Error:     &ErrorPayload{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// NewEvent builds a server-pushed DomainEvent Message.
func NewEvent(payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Version:   Version,
		Kind:      KindEvent,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewLagged builds the marker a TransportServer emits at most once per
// second for a subscriber whose event channel is full.
func NewLagged(count uint64) (*Message, error) {
	data, err := json.Marshal(map[string]uint64{"count": count})
	if err != nil {
		return nil, err
	}
	return &Message{
		Version:   Version,
		Kind:      KindLagged,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload decodes m.Payload into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
