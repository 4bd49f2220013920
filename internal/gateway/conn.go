package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cryptodesk/pkg/protocol"
)

// Transport is how a connection reaches the server.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Closed reports whether s is terminal.
func (s State) Closed() bool {
	return s == StateDisconnected || s == StateFailed
}

// Conn is one multiplexed logical link. It is owned by the Hub; the
// Registry only references it through the Member interface.
//
// Outbound messages go through a bounded send queue. The queue is never
// closed; done is closed exactly once at teardown and every reader of the
// queue selects on it.
type Conn struct {
	id        string
	transport Transport
	remote    string
	hub       *Hub
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	inbound   sync.Mutex // serializes handle for transports with concurrent requests

	mu         sync.Mutex
	state      State
	userID     string
	lastPongAt time.Time
	throttled  bool
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) Transport() Transport { return c.transport }

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Context is cancelled at teardown and carries the connection's trace id.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// touch records liveness from the peer.
func (c *Conn) touch() {
	now := c.hub.now()
	c.mu.Lock()
	c.lastPongAt = now
	c.mu.Unlock()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if !c.state.Closed() {
		c.state = s
	}
	c.mu.Unlock()
}

// Enqueue queues msg without blocking. A full queue means the peer cannot
// keep up; the connection is evicted and Enqueue reports false.
func (c *Conn) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.hub.metrics.SendDropped()
		go c.hub.teardown(c, StateFailed, "send_buffer_full")
		return false
	}
}

// Send encodes and queues a protocol message.
func (c *Conn) Send(m protocol.Message) bool {
	b, err := protocol.Encode(m)
	if err != nil {
		c.log.Error("encode outbound message", "type", m.MessageType(), "err", err)
		return false
	}
	return c.Enqueue(b)
}

func (c *Conn) sendError(code, msg string, channels []string) {
	c.Send(protocol.Error{Code: code, Message: msg, Channels: channels})
}

// allowInbound applies the per-connection limiter. The first drop of a burst
// is reported to the peer; later drops in the same burst are silent.
func (c *Conn) allowInbound() bool {
	if c.limiter.Allow() {
		c.mu.Lock()
		c.throttled = false
		c.mu.Unlock()
		return true
	}
	c.mu.Lock()
	first := !c.throttled
	c.throttled = true
	c.mu.Unlock()
	c.hub.metrics.InboundLimited()
	if first {
		c.sendError(protocol.CodeRateLimited, "too many messages", nil)
	}
	return false
}
