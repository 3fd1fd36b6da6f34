package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsloom/agentctl/internal/agentrt/controlbus"
	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/agentrt/runtime/localrt"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/logger"
	"github.com/opsloom/agentctl/internal/transport/client"
	"github.com/opsloom/agentctl/internal/transport/server"
	"github.com/opsloom/agentctl/internal/transport/wire"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func startTestServer(t *testing.T) (net.Addr, *registry.Registry) {
	t.Helper()
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { memBus.Close() })

	reg := registry.New(log, memBus, func(types.AgentConfig) handle.Runner { return localrt.New() }, 10, time.Minute)
	bridge := controlbus.NewMCPBridge(log)
	cb := controlbus.New(reg, nil, bridge, log)
	srv := server.New(cb, memBus, 5*time.Second, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	return ln.Addr(), reg
}

func TestClient_SpawnRoundTrip(t *testing.T) {
	addr, _ := startTestServer(t)

	c := client.New(addr.String(), 16, nil, newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	require.Eventually(t, func() bool { return c.State() == client.StateConnected }, 2*time.Second, 10*time.Millisecond)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()

	resp, err := c.Send(reqCtx, wire.ActionSpawn, map[string]any{
		"config": map[string]string{"name": "test-agent", "model_backend": "true"},
	})
	require.NoError(t, err)
	require.Equal(t, wire.KindResponse, resp.Kind)
}

func TestClient_HealthCheckWhenDisconnectedFailsImmediately(t *testing.T) {
	c := client.New("127.0.0.1:1", 16, nil, newTestLogger(t))
	reqCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Send(reqCtx, wire.ActionHealthCheck, nil)
	require.Error(t, err)
}

func TestClient_QueuesRequestWhileDisconnectedThenDeliversOnConnect(t *testing.T) {
	addr, _ := startTestServer(t)

	c := client.New(addr.String(), 16, nil, newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	resp, err := c.Send(reqCtx, wire.ActionList, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, wire.KindResponse, resp.Kind)
}

func TestClient_QueueFullRejectsImmediately(t *testing.T) {
	c := client.New("127.0.0.1:1", 1, nil, newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	// First request fills the single queue slot; fire it without waiting.
	go func() {
		_, _ = c.Send(context.Background(), wire.ActionList, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer reqCancel()
	_, err := c.Send(reqCtx, wire.ActionList, nil)
	require.Error(t, err)
}
