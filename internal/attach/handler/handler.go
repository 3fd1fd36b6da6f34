package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/attach/session"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// safeConn serializes writes to a *websocket.Conn. gorilla/websocket
// panics on concurrent writers; steadyState's stdout pump, readLoop's pong
// replies, and keepalive's pings all write to the same connection from
// separate goroutines, so every write goes through here.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

const (
	writeWait        = 10 * time.Second
	stdioChanDepth   = 256
	historyMaxLines  = 10000
	historyMaxBytes  = 1 << 20 // 1 MiB
)

// Handler serves one attach connection end to end: upgrade, handshake,
// history replay, and bidirectional stdio forwarding until disconnect.
type Handler struct {
	reg          *registry.Registry
	sessions     *session.Manager
	log          *logger.Logger
	pingInterval time.Duration
	pongGrace    time.Duration
}

// New constructs a Handler bound to reg/sessions.
func New(reg *registry.Registry, sessions *session.Manager, pingInterval, pongGrace time.Duration, log *logger.Logger) *Handler {
	return &Handler{
		reg:          reg,
		sessions:     sessions,
		log:          log.WithFields(zap.String("component", "attach-handler")),
		pingInterval: pingInterval,
		pongGrace:    pongGrace,
	}
}

// ServeHTTP upgrades the connection and runs the attach session until it
// ends. The AgentHandle is never affected by an attach session's lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("attach upgrade failed", zap.Error(err))
		return
	}
	defer wsConn.Close()
	conn := &safeConn{conn: wsConn}

	wsConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hsFrame Frame
	if err := wsConn.ReadJSON(&hsFrame); err != nil || hsFrame.Type != FrameHandshake {
		h.writeFrame(conn, Frame{Type: FrameHandshakeResponse, Payload: HandshakeResponsePayload{Success: false, Reason: "expected handshake"}})
		return
	}

	payloadBytes, _ := json.Marshal(hsFrame.Payload)
	var hs HandshakePayload
	if err := json.Unmarshal(payloadBytes, &hs); err != nil {
		h.writeFrame(conn, Frame{Type: FrameHandshakeResponse, Payload: HandshakeResponsePayload{Success: false, Reason: "malformed handshake"}})
		return
	}

	if hs.Version != ProtocolVersion {
		h.writeFrame(conn, Frame{Type: FrameHandshakeResponse, Payload: HandshakeResponsePayload{Success: false, Reason: "unsupported protocol version"}})
		return
	}

	sess, err := h.sessions.Connect(hs.Token, hs.ClientType, hs.ClientVersion)
	if err != nil {
		h.writeFrame(conn, Frame{Type: FrameHandshakeResponse, Payload: HandshakeResponsePayload{Success: false, Reason: err.Error()}})
		return
	}
	defer h.sessions.Disconnect(sess.ID)

	agentHandle, err := h.reg.Get(sess.AgentID)
	if err != nil {
		h.writeFrame(conn, Frame{Type: FrameHandshakeResponse, Payload: HandshakeResponsePayload{Success: false, Reason: err.Error()}})
		return
	}

	info := agentHandle.Info()
	h.writeFrame(conn, Frame{Type: FrameHandshakeResponse, Payload: HandshakeResponsePayload{
		Success:            true,
		AgentID:            info.ID.String(),
		AgentName:          info.Name,
		AgentTask:          info.Task,
		HistoryAvailable:   true,
		ServerCapabilities: []string{"stdin", "stdout", "stderr", "ping"},
	}})

	h.replayHistory(conn, agentHandle)
	h.steadyState(wsConn, conn, agentHandle, sess)
}

func (h *Handler) replayHistory(conn *safeConn, agentHandle *handle.Handle) {
	ring := NewHistoryRing(historyMaxBytes, historyMaxLines)
	for _, line := range agentHandle.PeekOutput("") {
		ring.Add(line.Stream, line.Data)
	}
	h.writeFrame(conn, Frame{Type: FrameHistoricalOutput, Payload: HistoricalOutputPayload{Lines: ring.Snapshot()}})
}

func (h *Handler) steadyState(wsConn *websocket.Conn, conn *safeConn, agentHandle *handle.Handle, sess *session.Session) {
	stdio, unsubscribe := agentHandle.SubscribeStdio(stdioChanDepth)
	defer unsubscribe()

	done := make(chan struct{})
	pongDeadline := make(chan struct{}, 1)

	wsConn.SetPongHandler(func(string) error {
		select {
		case pongDeadline <- struct{}{}:
		default:
		}
		return nil
	})

	go h.readLoop(wsConn, conn, agentHandle, sess, pongDeadline, done)
	go h.keepalive(conn, pongDeadline, done)

	for {
		select {
		case <-done:
			return
		case chunk, ok := <-stdio:
			if !ok {
				return
			}
			frameType := FrameStdout
			if chunk.Stream == "stderr" {
				frameType = FrameStderr
			}
			payload := StdioPayload{Data: base64.StdEncoding.EncodeToString(chunk.Bytes), ByteCount: len(chunk.Bytes)}
			if err := h.writeFrame(conn, Frame{Type: frameType, Payload: payload}); err != nil {
				return
			}
			h.sessions.Touch(sess.ID, 0, uint64(len(chunk.Bytes)))
		}
	}
}

func (h *Handler) readLoop(wsConn *websocket.Conn, conn *safeConn, agentHandle *handle.Handle, sess *session.Session, pongDeadline chan<- struct{}, done chan struct{}) {
	defer close(done)
	for {
		var frame Frame
		if err := wsConn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameStdin:
			payloadBytes, _ := json.Marshal(frame.Payload)
			var p StdinPayload
			if json.Unmarshal(payloadBytes, &p) != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.Data)
			if err != nil {
				continue
			}
			if err := agentHandle.WriteStdin(data); err != nil {
				return
			}
			h.sessions.Touch(sess.ID, uint64(len(data)), 0)
		case FramePing:
			h.writeFrame(conn, Frame{Type: FramePong})
		case FramePong:
			select {
			case pongDeadline <- struct{}{}:
			default:
			}
		case FrameDisconnect:
			return
		}
	}
}

func (h *Handler) keepalive(conn *safeConn, pongDeadline <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.writeFrame(conn, Frame{Type: FramePing}); err != nil {
				return
			}
			select {
			case <-pongDeadline:
			case <-time.After(h.pongGrace):
				conn.conn.Close()
				return
			case <-done:
				return
			}
		}
	}
}

func (h *Handler) writeFrame(conn *safeConn, frame Frame) error {
	return conn.writeJSON(frame)
}
