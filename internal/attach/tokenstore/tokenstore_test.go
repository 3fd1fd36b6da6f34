package tokenstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestGenerateThenValidateRoundTrips(t *testing.T) {
	s := New(time.Minute, time.Hour, newTestLogger(t))
	agentID := types.NewAgentID()

	tok, err := s.Generate(agentID)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Value)

	got, err := s.Validate(tok.Value)
	require.NoError(t, err)
	require.Equal(t, agentID, got)
}

func TestValidate_UnknownTokenFails(t *testing.T) {
	s := New(time.Minute, time.Hour, newTestLogger(t))
	_, err := s.Validate("bogus")
	require.ErrorIs(t, err, apierr.ErrAuthFailed)
}

func TestValidate_ExpiredTokenFails(t *testing.T) {
	s := New(time.Millisecond, time.Hour, newTestLogger(t))
	tok, err := s.Generate(types.NewAgentID())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = s.Validate(tok.Value)
	require.ErrorIs(t, err, apierr.ErrAuthFailed)
}

func TestRevoke_TokenImmediatelyInvalid(t *testing.T) {
	s := New(time.Minute, time.Hour, newTestLogger(t))
	tok, err := s.Generate(types.NewAgentID())
	require.NoError(t, err)

	s.Revoke(tok.Value)
	_, err = s.Validate(tok.Value)
	require.ErrorIs(t, err, apierr.ErrAuthFailed)

	s.Revoke(tok.Value) // idempotent
}

func TestGC_PrunesExpiredAndRevoked(t *testing.T) {
	s := New(5*time.Millisecond, time.Hour, newTestLogger(t))
	expiring, err := s.Generate(types.NewAgentID())
	require.NoError(t, err)

	live, err := s.Generate(types.NewAgentID())
	require.NoError(t, err)
	live.ExpiresAt = time.Now().Add(time.Minute) // outlives the 5ms store TTL
	s.Revoke(expiring.Value)

	require.Equal(t, 2, s.Len())
	time.Sleep(10 * time.Millisecond)
	s.gc()
	require.Equal(t, 1, s.Len())

	_, verr := s.Validate(live.Value)
	require.NoError(t, verr)
}
