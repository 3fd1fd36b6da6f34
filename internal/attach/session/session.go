// Package session implements AttachSessionManager: validates attach
// tokens, enforces the per-agent session cap, and emits attach lifecycle
// DomainEvents, per spec §4.10.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/controlbus"
	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/attach/tokenstore"
	"github.com/opsloom/agentctl/internal/events"
	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// Session tracks one live attach connection.
type Session struct {
	ID            string
	AgentID       types.AgentID
	Token         string
	ClientType    string
	ClientVersion string
	ConnectedAt   time.Time
	LastActivity  time.Time

	BytesIn  uint64
	BytesOut uint64
}

// Manager owns every live Session and the AttachTokenStore backing
// RequestAttach/validate.
type Manager struct {
	tokens          *tokenstore.Store
	reg             *registry.Registry
	bus             bus.EventBus
	log             *logger.Logger
	maxPerAgent     int

	mu       sync.Mutex
	sessions map[string]*Session
	byAgent  map[types.AgentID]int
	nextID   uint64
}

// New constructs a Manager. It implements controlbus.AttachIssuer.
func New(tokens *tokenstore.Store, reg *registry.Registry, eventBus bus.EventBus, maxPerAgent int, log *logger.Logger) *Manager {
	return &Manager{
		tokens:      tokens,
		reg:         reg,
		bus:         eventBus,
		log:         log.WithFields(zap.String("component", "attach-session-manager")),
		maxPerAgent: maxPerAgent,
		sessions:    make(map[string]*Session),
		byAgent:     make(map[types.AgentID]int),
	}
}

// RequestAttach validates the target agent exists and issues fresh attach
// credentials. Satisfies controlbus.AttachIssuer.
func (m *Manager) RequestAttach(agentID types.AgentID, clientType string) (controlbus.AttachCredentials, error) {
	if _, err := m.reg.Get(agentID); err != nil {
		return controlbus.AttachCredentials{}, err
	}

	t, err := m.tokens.Generate(agentID)
	if err != nil {
		return controlbus.AttachCredentials{}, err
	}

	m.publish(events.AttachRequested, agentID, "")
	return controlbus.AttachCredentials{Token: t.Value, AgentID: agentID.String(), ExpiresAt: t.ExpiresAt}, nil
}

// Connect validates token, enforces the per-agent session cap, and
// registers a new Session. Called by the AttachHandler after a successful
// handshake.
func (m *Manager) Connect(token, clientType, clientVersion string) (*Session, error) {
	agentID, err := m.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.byAgent[agentID] >= m.maxPerAgent {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: max_sessions_per_agent reached for agent %s", apierr.ErrCapacityExceeded, agentID)
	}
	m.nextID++
	id := fmt.Sprintf("sess-%d", m.nextID)
	now := time.Now().UTC()
	sess := &Session{
		ID:            id,
		AgentID:       agentID,
		Token:         token,
		ClientType:    clientType,
		ClientVersion: clientVersion,
		ConnectedAt:   now,
		LastActivity:  now,
	}
	m.sessions[id] = sess
	m.byAgent[agentID]++
	m.mu.Unlock()

	m.publish(events.AttachConnected, agentID, id)
	return sess, nil
}

// Touch updates a session's last-activity timestamp and byte counters.
func (m *Manager) Touch(sessionID string, bytesIn, bytesOut uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.LastActivity = time.Now().UTC()
	s.BytesIn += bytesIn
	s.BytesOut += bytesOut
}

// Disconnect removes a session, decrementing its agent's live count.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.byAgent[s.AgentID]--
		if m.byAgent[s.AgentID] <= 0 {
			delete(m.byAgent, s.AgentID)
		}
	}
	m.mu.Unlock()

	if ok {
		m.publish(events.AttachDisconnected, s.AgentID, sessionID)
	}
}

// ActiveSessions returns a snapshot of live sessions for agentID.
func (m *Manager) ActiveSessions(agentID types.AgentID) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.AgentID == agentID {
			out = append(out, *s)
		}
	}
	return out
}

const eventSource = "attach-session-manager"

func (m *Manager) publish(kind string, agentID types.AgentID, sessionID string) {
	events.Publish(context.Background(), m.bus, eventSource, events.DomainEvent{
		Kind:      kind,
		AgentID:   agentID.String(),
		SessionID: sessionID,
	}, m.log)
}
