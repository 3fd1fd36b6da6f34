// Package tokenstore implements AttachTokenStore: short-lived bearer
// tokens binding an attach session to an agent id, per spec §4.9.
package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// Token is one issued bearer credential.
type Token struct {
	Value     string
	AgentID   types.AgentID
	CreatedAt time.Time
	ExpiresAt time.Time
	revoked   bool
}

// Store is a mutex-guarded map of live tokens plus a background GC task.
type Store struct {
	log             *logger.Logger
	defaultTTL      time.Duration
	cleanupInterval time.Duration

	mu     sync.Mutex
	tokens map[string]*Token

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Store. Call Run to start the GC goroutine.
func New(defaultTTL, cleanupInterval time.Duration, log *logger.Logger) *Store {
	return &Store{
		log:             log.WithFields(zap.String("component", "attach-tokenstore")),
		defaultTTL:      defaultTTL,
		cleanupInterval: cleanupInterval,
		tokens:          make(map[string]*Token),
		stopCh:          make(chan struct{}),
	}
}

// Run blocks, pruning expired tokens every cleanupInterval, until Stop is
// called. Intended to be launched in its own goroutine.
func (s *Store) Run() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.gc()
		}
	}
}

// Stop halts the GC goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) gc() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for v, t := range s.tokens {
		if t.revoked || now.After(t.ExpiresAt) {
			delete(s.tokens, v)
		}
	}
}

// Generate issues a fresh 256-bit token bound to agentID, expiring after
// the store's default TTL.
func (s *Store) Generate(agentID types.AgentID) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("%w: generate token: %s", apierr.ErrInternal, err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	t := &Token{
		Value:     value,
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.defaultTTL),
	}

	s.mu.Lock()
	s.tokens[value] = t
	s.mu.Unlock()
	return t, nil
}

// Validate returns the bound agent id iff value is known, unexpired, and
// not revoked.
func (s *Store) Validate(value string) (types.AgentID, error) {
	s.mu.Lock()
	t, ok := s.tokens[value]
	s.mu.Unlock()

	if !ok {
		return types.AgentID{}, fmt.Errorf("%w: unknown attach token", apierr.ErrAuthFailed)
	}
	if t.revoked {
		return types.AgentID{}, fmt.Errorf("%w: attach token revoked", apierr.ErrAuthFailed)
	}
	if time.Now().After(t.ExpiresAt) {
		return types.AgentID{}, fmt.Errorf("%w: attach token expired", apierr.ErrAuthFailed)
	}
	return t.AgentID, nil
}

// Revoke invalidates value immediately, idempotently.
func (s *Store) Revoke(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[value]; ok {
		t.revoked = true
	}
}

// Len reports the number of tokens currently tracked (including expired
// ones not yet GC'd), useful for tests and metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
