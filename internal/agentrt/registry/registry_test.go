package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/runtime/localrt"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func localFactory(types.AgentConfig) handle.Runner { return localrt.New() }

func TestSpawn_RegistersAndRunsRealProcess(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	reg := New(log, memBus, localFactory, 10, time.Minute)
	h, err := reg.Spawn(context.Background(), types.AgentConfig{Name: "echoer", ModelBackend: "echo hi"})
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	got, err := reg.Get(h.Info().ID)
	require.NoError(t, err)
	require.Equal(t, h.Info().ID, got.Info().ID)
}

func TestSpawn_RefusesAtCapacity(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	reg := New(log, memBus, localFactory, 1, time.Minute)
	_, err := reg.Spawn(context.Background(), types.AgentConfig{Name: "a", ModelBackend: "sleep 5"})
	require.NoError(t, err)

	_, err = reg.Spawn(context.Background(), types.AgentConfig{Name: "b", ModelBackend: "sleep 5"})
	require.ErrorIs(t, err, apierr.ErrCapacityExceeded)
}

func TestGet_UnknownAgentNotFound(t *testing.T) {
	log := newTestLogger(t)
	reg := New(log, nil, localFactory, 10, time.Minute)
	_, err := reg.Get(types.NewAgentID())
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestList_FiltersByStatusAndRespectsLimit(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	reg := New(log, memBus, localFactory, 10, time.Minute)
	for i := 0; i < 3; i++ {
		_, err := reg.Spawn(context.Background(), types.AgentConfig{Name: "a", ModelBackend: "sleep 5"})
		require.NoError(t, err)
	}

	all := reg.List("", 0)
	require.Len(t, all, 3)

	limited := reg.List("", 2)
	require.Len(t, limited, 2)
}

func TestCloseSession_RemovesImmediately(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	reg := New(log, memBus, localFactory, 10, time.Minute)
	h, err := reg.Spawn(context.Background(), types.AgentConfig{Name: "a", ModelBackend: "sleep 5"})
	require.NoError(t, err)

	require.NoError(t, reg.CloseSession(h.Info().ID))
	require.Equal(t, 0, reg.Len())

	err = reg.CloseSession(h.Info().ID)
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

// TestSpawn_ShortLivedProcessLingersThenReaps exercises the terminal-status
// -> linger-window -> removal path against a real short-lived child.
func TestSpawn_ShortLivedProcessLingersThenReaps(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	reg := New(log, memBus, localFactory, 10, 50*time.Millisecond)
	h, err := reg.Spawn(context.Background(), types.AgentConfig{Name: "quick", ModelBackend: "true"})
	require.NoError(t, err)

	status, werr := h.Wait()
	require.NoError(t, werr)
	require.True(t, status.Success)

	require.Eventually(t, func() bool {
		_, err := reg.Get(h.Info().ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
