package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/agentrt/runtime/localrt"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/attach/tokenstore"
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

func newTestFixture(t *testing.T, maxPerAgent int) (*Manager, types.AgentID) {
	t.Helper()
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { memBus.Close() })

	reg := registry.New(log, memBus, func(types.AgentConfig) handle.Runner { return localrt.New() }, 10, time.Minute)
	h, err := reg.Spawn(context.Background(), types.AgentConfig{Name: "test-agent", ModelBackend: "sleep 5"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.CloseSession(h.Info().ID) })

	tokens := tokenstore.New(time.Minute, time.Hour, log)
	mgr := New(tokens, reg, memBus, maxPerAgent, log)
	return mgr, h.Info().ID
}

func TestRequestAttachThenConnectSucceeds(t *testing.T) {
	mgr, agentID := newTestFixture(t, 2)

	creds, err := mgr.RequestAttach(agentID, "cli")
	require.NoError(t, err)
	require.NotEmpty(t, creds.Token)

	sess, err := mgr.Connect(creds.Token, "cli", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, agentID, sess.AgentID)
}

func TestRequestAttach_UnknownAgentFails(t *testing.T) {
	mgr, _ := newTestFixture(t, 2)
	_, err := mgr.RequestAttach(types.NewAgentID(), "cli")
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestConnect_BadTokenFails(t *testing.T) {
	mgr, _ := newTestFixture(t, 2)
	_, err := mgr.Connect("bogus", "cli", "1.0.0")
	require.ErrorIs(t, err, apierr.ErrAuthFailed)
}

func TestConnect_EnforcesMaxSessionsPerAgent(t *testing.T) {
	mgr, agentID := newTestFixture(t, 1)

	creds1, err := mgr.RequestAttach(agentID, "cli")
	require.NoError(t, err)
	_, err = mgr.Connect(creds1.Token, "cli", "1.0.0")
	require.NoError(t, err)

	creds2, err := mgr.RequestAttach(agentID, "cli")
	require.NoError(t, err)
	_, err = mgr.Connect(creds2.Token, "cli", "1.0.0")
	require.ErrorIs(t, err, apierr.ErrCapacityExceeded)
}

func TestDisconnect_FreesSessionSlot(t *testing.T) {
	mgr, agentID := newTestFixture(t, 1)

	creds, err := mgr.RequestAttach(agentID, "cli")
	require.NoError(t, err)
	sess, err := mgr.Connect(creds.Token, "cli", "1.0.0")
	require.NoError(t, err)

	mgr.Disconnect(sess.ID)
	require.Empty(t, mgr.ActiveSessions(agentID))

	creds2, err := mgr.RequestAttach(agentID, "cli")
	require.NoError(t, err)
	_, err = mgr.Connect(creds2.Token, "cli", "1.0.0")
	require.NoError(t, err)
}

func TestTouch_UpdatesByteCounters(t *testing.T) {
	mgr, agentID := newTestFixture(t, 1)
	creds, err := mgr.RequestAttach(agentID, "cli")
	require.NoError(t, err)
	sess, err := mgr.Connect(creds.Token, "cli", "1.0.0")
	require.NoError(t, err)

	mgr.Touch(sess.ID, 10, 20)
	got := mgr.ActiveSessions(agentID)
	require.Len(t, got, 1)
	require.EqualValues(t, 10, got[0].BytesIn)
	require.EqualValues(t, 20, got[0].BytesOut)
}
