// Package supervisor implements one lightweight health watcher per live
// agent: it polls liveness on a fixed interval and observes process exit,
// transitioning the AgentHandle's status and letting the registry
// republish the change as a DomainEvent.
//
// Per the design note on cyclic references, the Supervisor holds only an
// AgentId and re-looks the handle up in the Registry on each tick rather
// than the Registry handing it a direct reference — the Registry remains
// the sole owner of every Handle.
package supervisor

import (
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// Supervisor watches every agent the Registry spawns.
type Supervisor struct {
	reg          *registry.Registry
	log          *logger.Logger
	pollInterval time.Duration
}

// New constructs a Supervisor bound to reg. Call Watch for a spawned
// agent's id (typically wired via Registry.SetOnSpawn).
func New(reg *registry.Registry, log *logger.Logger, pollInterval time.Duration) *Supervisor {
	return &Supervisor{
		reg:          reg,
		log:          log.WithFields(zap.String("component", "supervisor")),
		pollInterval: pollInterval,
	}
}

// Watch starts one goroutine that waits for id's process to exit
// (transitioning Completed/Failed via Handle.Wait) while a ticker
// separately polls liveness so a Handle that vanished without Wait
// observing it still gets marked Terminated.
func (s *Supervisor) Watch(id types.AgentID) {
	h, err := s.reg.Get(id)
	if err != nil {
		return
	}

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		_, _ = h.Wait()
	}()

	go s.pollLiveness(id, waitDone)
}

func (s *Supervisor) pollLiveness(id types.AgentID, waitDone <-chan struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitDone:
			return
		case <-ticker.C:
			h, err := s.reg.Get(id)
			if err != nil {
				// Already reaped; Wait's goroutine (if still running) will
				// exit naturally once its process dies.
				return
			}
			if h.Status().IsTerminal() {
				return
			}
			if !h.Alive() {
				s.log.Debug("liveness check found process gone", zap.String("agent_id", id.String()))
				h.MarkTerminatedByLivenessCheck()
				return
			}
		}
	}
}
