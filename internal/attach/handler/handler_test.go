package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/agentrt/runtime/localrt"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/attach/session"
	"github.com/opsloom/agentctl/internal/attach/tokenstore"
	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager, types.AgentID) {
	t.Helper()
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { memBus.Close() })

	reg := registry.New(log, memBus, func(types.AgentConfig) handle.Runner { return localrt.New() }, 10, time.Minute)
	h, err := reg.Spawn(context.Background(), types.AgentConfig{Name: "echo-agent", ModelBackend: "cat"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.CloseSession(h.Info().ID) })

	tokens := tokenstore.New(time.Minute, time.Hour, log)
	go tokens.Run()
	t.Cleanup(tokens.Stop)

	sessions := session.New(tokens, reg, memBus, 4, log)
	hdlr := New(reg, sessions, time.Second, time.Second, log)

	srv := httptest.NewServer(hdlr)
	t.Cleanup(srv.Close)
	return srv, sessions, h.Info().ID
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/attach"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandshake_ValidTokenSucceeds(t *testing.T) {
	srv, sessions, agentID := newTestServer(t)
	creds, err := sessions.RequestAttach(agentID, "cli")
	require.NoError(t, err)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHandshake, Payload: HandshakePayload{
		Version: ProtocolVersion, Token: creds.Token, ClientType: "cli", ClientVersion: "1.0.0",
	}}))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, FrameHandshakeResponse, resp.Type)

	payloadBytes, _ := json.Marshal(resp.Payload)
	var hs HandshakeResponsePayload
	require.NoError(t, json.Unmarshal(payloadBytes, &hs))
	require.True(t, hs.Success)
	require.Equal(t, agentID.String(), hs.AgentID)
}

func TestHandshake_BadTokenFails(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHandshake, Payload: HandshakePayload{
		Version: ProtocolVersion, Token: "bogus", ClientType: "cli", ClientVersion: "1.0.0",
	}}))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	var hs HandshakeResponsePayload
	payloadBytes, _ := json.Marshal(resp.Payload)
	require.NoError(t, json.Unmarshal(payloadBytes, &hs))
	require.False(t, hs.Success)
}

func TestHandshake_WrongVersionFails(t *testing.T) {
	srv, sessions, agentID := newTestServer(t)
	creds, err := sessions.RequestAttach(agentID, "cli")
	require.NoError(t, err)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHandshake, Payload: HandshakePayload{
		Version: ProtocolVersion + 1, Token: creds.Token, ClientType: "cli", ClientVersion: "1.0.0",
	}}))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	var hs HandshakeResponsePayload
	payloadBytes, _ := json.Marshal(resp.Payload)
	require.NoError(t, json.Unmarshal(payloadBytes, &hs))
	require.False(t, hs.Success)
}

func TestSteadyState_StdinEchoedBackAsStdout(t *testing.T) {
	srv, sessions, agentID := newTestServer(t)
	creds, err := sessions.RequestAttach(agentID, "cli")
	require.NoError(t, err)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHandshake, Payload: HandshakePayload{
		Version: ProtocolVersion, Token: creds.Token, ClientType: "cli", ClientVersion: "1.0.0",
	}}))

	var hsResp Frame
	require.NoError(t, conn.ReadJSON(&hsResp))

	var histResp Frame
	require.NoError(t, conn.ReadJSON(&histResp))
	require.Equal(t, FrameHistoricalOutput, histResp.Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameStdin, Payload: StdinPayload{
		Data: base64.StdEncoding.EncodeToString([]byte("hello\n")),
	}}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 10; i++ {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read stdout frame: %v", err)
		}
		if frame.Type != FrameStdout {
			continue
		}
		var p StdioPayload
		payloadBytes, _ := json.Marshal(frame.Payload)
		require.NoError(t, json.Unmarshal(payloadBytes, &p))
		data, err := base64.StdEncoding.DecodeString(p.Data)
		require.NoError(t, err)
		if strings.Contains(string(data), "hello") {
			return
		}
	}
	t.Fatal("never observed echoed stdin in stdout frames")
}

func TestPing_RepliesWithPong(t *testing.T) {
	srv, sessions, agentID := newTestServer(t)
	creds, err := sessions.RequestAttach(agentID, "cli")
	require.NoError(t, err)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHandshake, Payload: HandshakePayload{
		Version: ProtocolVersion, Token: creds.Token, ClientType: "cli", ClientVersion: "1.0.0",
	}}))
	var hsResp, histResp Frame
	require.NoError(t, conn.ReadJSON(&hsResp))
	require.NoError(t, conn.ReadJSON(&histResp))

	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, FramePong, resp.Type)
}
