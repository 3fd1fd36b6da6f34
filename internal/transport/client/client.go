// Package client implements TransportClient: a reconnecting control
// transport client with request/response correlation and an offline
// command queue.
//
// Grounded on the teacher's wsclient.Client (pending-response map,
// request/response correlation, read loop), generalized to add the
// reconnect loop with exponential backoff and the bounded offline FIFO
// queue the teacher's client does not have (per spec §4.8).
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/logger"
	"github.com/opsloom/agentctl/internal/transport/wire"
)

// State is the connection's finite state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 30 * time.Second
	defaultMaxRetries = 0 // 0 means unbounded
)

// EventHandler receives server-pushed events and lagged markers.
type EventHandler func(msg *wire.Message)

// Client is a reconnecting TransportClient.
type Client struct {
	addr            string
	log             *logger.Logger
	maxQueueSize    int
	maxReconnectTry int
	onEvent         EventHandler

	mu       sync.RWMutex
	state    State
	conn     *wire.FramedSocket
	pending  map[string]chan *wire.Message
	queue    []*queuedRequest
	closed   bool
	closeCh  chan struct{}
}

type queuedRequest struct {
	msg    *wire.Message
	result chan *wire.Message
}

// New constructs a Client that dials addr over TCP. Call Start to begin
// connecting.
func New(addr string, maxQueueSize int, onEvent EventHandler, log *logger.Logger) *Client {
	return &Client{
		addr:            addr,
		log:             log.WithFields(zap.String("component", "transport-client")),
		maxQueueSize:    maxQueueSize,
		maxReconnectTry: defaultMaxRetries,
		onEvent:         onEvent,
		state:           StateDisconnected,
		pending:         make(map[string]chan *wire.Message),
		closeCh:         make(chan struct{}),
	}
}

// Start launches the connect/reconnect loop in the background.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context) {
	backoff := initialBackoff
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			attempts++
			if c.maxReconnectTry > 0 && attempts >= c.maxReconnectTry {
				c.setState(StateFailed)
				return
			}
			c.setState(StateReconnecting)
			c.log.Warn("connect failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		attempts = 0
		backoff = initialBackoff
		fs := wire.NewFramedSocket(conn)

		c.mu.Lock()
		c.conn = fs
		c.state = StateConnected
		c.mu.Unlock()

		c.log.Info("connected", zap.String("addr", c.addr))
		c.drainQueue()
		c.readLoop(ctx, fs)

		c.mu.Lock()
		c.conn = nil
		c.state = StateReconnecting
		c.mu.Unlock()
		c.failPending(errors.New("connection lost"))
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (c *Client) readLoop(ctx context.Context, fs *wire.FramedSocket) {
	for {
		msg, err := fs.ReadMessage()
		if err != nil {
			return
		}
		switch msg.Kind {
		case wire.KindResponse, wire.KindError:
			c.completeRequest(msg)
		case wire.KindEvent, wire.KindLagged:
			if c.onEvent != nil {
				c.onEvent(msg)
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) completeRequest(msg *wire.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) failPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *wire.Message)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- wire.NewError(id, "", "transport_error", cause.Error())
	}
}

// Send issues action/payload and blocks for the paired response, honoring
// ctx cancellation. Requests are correlated by a fresh request_id. If the
// client isn't Connected, the request is queued (unless action is
// health_check, which is never queued) up to maxQueueSize; beyond that it
// fails ErrQueueFull immediately.
func (c *Client) Send(ctx context.Context, action wire.Action, payload any) (*wire.Message, error) {
	req, err := wire.NewRequest(uuid.New().String(), action, payload)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	state := c.state
	conn := c.conn
	c.mu.RUnlock()

	if state != StateConnected || conn == nil {
		if action == wire.ActionHealthCheck {
			return nil, fmt.Errorf("%w: not connected", apierr.ErrTransport)
		}
		return c.enqueue(ctx, req)
	}

	return c.sendNow(ctx, conn, req)
}

func (c *Client) sendNow(ctx context.Context, conn *wire.FramedSocket, req *wire.Message) (*wire.Message, error) {
	result := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = result
	c.mu.Unlock()

	if err := conn.WriteMessage(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", apierr.ErrTransport, err)
	}

	select {
	case resp := <-result:
		if resp.Kind == wire.KindError {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) enqueue(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	c.mu.Lock()
	if len(c.queue) >= c.maxQueueSize {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: offline queue at capacity", apierr.ErrQueueFull)
	}
	result := make(chan *wire.Message, 1)
	c.queue = append(c.queue, &queuedRequest{msg: req, result: result})
	c.mu.Unlock()

	select {
	case resp := <-result:
		if resp.Kind == wire.KindError {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainQueue flushes the offline FIFO in order once a connection is
// established, forwarding each response back to its original caller.
func (c *Client) drainQueue() {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	conn := c.conn
	c.mu.Unlock()

	for _, qr := range queued {
		c.mu.Lock()
		c.pending[qr.msg.RequestID] = qr.result
		c.mu.Unlock()
		if err := conn.WriteMessage(qr.msg); err != nil {
			c.mu.Lock()
			delete(c.pending, qr.msg.RequestID)
			c.mu.Unlock()
			qr.result <- wire.NewError(qr.msg.RequestID, qr.msg.Action, "transport_error", err.Error())
		}
	}
}

// Close stops the reconnect loop and closes any live connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
