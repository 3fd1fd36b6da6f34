// Package server implements TransportServer: the control transport's
// accept loop, per-connection request dispatch to ControlBus, and event
// fan-out from the EventBus to subscribed connections.
//
// Grounded on the teacher's pkg/websocket.Dispatcher (action -> handler
// lookup) generalized from a single WS connection to a net.Conn accept
// loop per spec §4.7, and on EventBus.Subscribe for the fan-out side.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/controlbus"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	domainevents "github.com/opsloom/agentctl/internal/events"
	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
	"github.com/opsloom/agentctl/internal/transport/wire"
)

// eventQueueDepth bounds each connection's outgoing event channel; beyond
// this a connection is considered lagged and frames are dropped rather
// than blocking the EventBus publisher.
const eventQueueDepth = 256

// Server accepts control-transport connections and dispatches their
// requests to a ControlBus.
type Server struct {
	bus            *controlbus.ControlBus
	eventBus       bus.EventBus
	log            *logger.Logger
	requestTimeout time.Duration

	mu        sync.Mutex
	listeners []net.Listener
}

// New constructs a Server bound to cb. eventBus may be nil to disable
// event fan-out (requests still work).
func New(cb *controlbus.ControlBus, eventBus bus.EventBus, requestTimeout time.Duration, log *logger.Logger) *Server {
	return &Server{
		bus:            cb,
		eventBus:       eventBus,
		log:            log.WithFields(zap.String("component", "transport-server")),
		requestTimeout: requestTimeout,
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	fs := wire.NewFramedSocket(conn)
	defer fs.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventCh := make(chan *wire.Message, eventQueueDepth)
	dropped := new(uint64)

	var sub bus.Subscription
	if s.eventBus != nil {
		var err error
		sub, err = s.eventBus.Subscribe(domainevents.AgentWildcardSubject(), func(_ context.Context, evt *bus.Event) error {
			return publishEvent(eventCh, dropped, evt)
		})
		if err != nil {
			s.log.Warn("failed to subscribe connection to event bus", zap.Error(err))
		}
	}
	if sub != nil {
		defer sub.Unsubscribe()
	}

	go s.drainEvents(connCtx, fs, eventCh, dropped)

	for {
		msg, err := fs.ReadMessage()
		if err != nil {
			return
		}
		if msg.Kind != wire.KindRequest {
			continue
		}
		go s.dispatch(connCtx, fs, msg)
	}
}

func (s *Server) drainEvents(ctx context.Context, fs *wire.FramedSocket, eventCh <-chan *wire.Message, dropped *uint64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastReported uint64

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-eventCh:
			if !ok {
				return
			}
			if err := fs.WriteMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			current := atomic.LoadUint64(dropped)
			if current == lastReported {
				continue
			}
			lastReported = current
			lagged, err := wire.NewLagged(current)
			if err != nil {
				continue
			}
			if err := fs.WriteMessage(lagged); err != nil {
				return
			}
		}
	}
}

// publishEvent is invoked by the EventBus for each delivery (on the
// publisher's goroutine for the in-memory bus): it must never block, so a full connection channel drops the event and records
// the drop instead.
func publishEvent(ch chan *wire.Message, dropped *uint64, evt *bus.Event) error {
	msg, err := wire.NewEvent(evt)
	if err != nil {
		return err
	}
	select {
	case ch <- msg:
	default:
		atomic.AddUint64(dropped, 1)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, fs *wire.FramedSocket, req *wire.Message) {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.handle(reqCtx, req)
	if err != nil {
		code, message := classifyError(err)
		_ = fs.WriteMessage(wire.NewError(req.RequestID, req.Action, code, message))
		return
	}
	out, err := wire.NewResponse(req.RequestID, req.Action, resp)
	if err != nil {
		_ = fs.WriteMessage(wire.NewError(req.RequestID, req.Action, "internal_error", err.Error()))
		return
	}
	_ = fs.WriteMessage(out)
}

func (s *Server) handle(ctx context.Context, req *wire.Message) (any, error) {
	switch req.Action {
	case wire.ActionSpawn:
		var p struct {
			Config  types.AgentConfig `json:"config"`
			Timeout time.Duration     `json:"timeout"`
		}
		if err := req.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
		}
		return s.bus.Spawn(ctx, p.Config, p.Timeout)

	case wire.ActionList:
		var p struct {
			Status types.AgentStatus `json:"status"`
			Limit  int               `json:"limit"`
		}
		_ = req.ParsePayload(&p)
		return s.bus.List(p.Status, p.Limit), nil

	case wire.ActionGetStatus:
		id, err := parseAgentID(req.Payload)
		if err != nil {
			return nil, err
		}
		return s.bus.GetStatus(id)

	case wire.ActionSignal:
		var p struct {
			AgentID types.AgentID               `json:"agent_id"`
			Kind    controlbus.SignalRequestKind `json:"kind"`
		}
		if err := req.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
		}
		return nil, s.bus.Signal(p.AgentID, p.Kind)

	case wire.ActionWriteStdin:
		var p struct {
			AgentID types.AgentID `json:"agent_id"`
			Data    []byte        `json:"data"`
		}
		if err := req.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
		}
		return nil, s.bus.WriteStdin(p.AgentID, p.Data)

	case wire.ActionReadStdout:
		id, err := parseAgentID(req.Payload)
		if err != nil {
			return nil, err
		}
		data, ok, err := s.bus.ReadStdout(id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": data, "available": ok}, nil

	case wire.ActionReadStderr:
		id, err := parseAgentID(req.Payload)
		if err != nil {
			return nil, err
		}
		data, ok, err := s.bus.ReadStderr(id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": data, "available": ok}, nil

	case wire.ActionRequestAttach:
		var p struct {
			AgentID    types.AgentID `json:"agent_id"`
			ClientType string        `json:"client_type"`
		}
		if err := req.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
		}
		return s.bus.RequestAttach(p.AgentID, p.ClientType)

	case wire.ActionBatchControl:
		var p struct {
			AgentIDs []types.AgentID              `json:"agent_ids"`
			Kind     controlbus.SignalRequestKind `json:"kind"`
			FailFast bool                         `json:"fail_fast"`
		}
		if err := req.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
		}
		return s.bus.BatchControl(p.AgentIDs, p.Kind, p.FailFast), nil

	case wire.ActionCustomAction:
		var p struct {
			AgentID types.AgentID   `json:"agent_id"`
			Name    string          `json:"name"`
			Params  json.RawMessage `json:"params"`
			Timeout time.Duration   `json:"timeout"`
		}
		if err := req.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
		}
		return s.bus.CustomAction(ctx, p.AgentID, p.Name, p.Params, p.Timeout)

	case wire.ActionQueryOutput:
		var p struct {
			AgentID types.AgentID `json:"agent_id"`
			Stream  string        `json:"stream"`
			Regex   string        `json:"regex"`
			Limit   int           `json:"limit"`
			Offset  int           `json:"offset"`
		}
		if err := req.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
		}
		return s.bus.QueryOutput(p.AgentID, p.Stream, p.Regex, p.Limit, p.Offset)

	case wire.ActionHealthCheck:
		return s.bus.HealthCheck(), nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", apierr.ErrInvalidRequest, req.Action)
	}
}

func parseAgentID(payload json.RawMessage) (types.AgentID, error) {
	var p struct {
		AgentID types.AgentID `json:"agent_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return types.AgentID{}, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, err)
	}
	return p.AgentID, nil
}

func classifyError(err error) (code, message string) {
	switch {
	case errors.Is(err, apierr.ErrNotFound):
		return "not_found", err.Error()
	case errors.Is(err, apierr.ErrGone):
		return "gone", err.Error()
	case errors.Is(err, apierr.ErrTimeout):
		return "timeout", err.Error()
	case errors.Is(err, apierr.ErrConflict):
		return "conflict", err.Error()
	case errors.Is(err, apierr.ErrUnsupported):
		return "unsupported", err.Error()
	case errors.Is(err, apierr.ErrCapacityExceeded):
		return "capacity_exceeded", err.Error()
	case errors.Is(err, apierr.ErrInvalidRequest):
		return "invalid_request", err.Error()
	case errors.Is(err, apierr.ErrSpawnFailed):
		return "spawn_failed", err.Error()
	default:
		return "internal_error", err.Error()
	}
}
