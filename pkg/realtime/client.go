// Package realtime is the client side of the gateway's multiplexed
// connection. A Client keeps one logical connection alive across transport
// drops: it reconnects with capped exponential backoff, falls back from
// websocket to long polling, re-authenticates after every connect and
// re-subscribes the channels that were active before the drop.
//
// Every delay runs through a timers.Scheduler, so Disconnect and Close
// leave no timer that can fire afterwards.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"cryptodesk/internal/logger"
	"cryptodesk/pkg/protocol"
	"cryptodesk/pkg/timers"
)

var (
	ErrClosed     = errors.New("realtime: client closed")
	ErrNoDialers  = errors.New("realtime: no dialers configured")
	ErrFailed     = errors.New("realtime: reconnect attempts exhausted")
	ErrNotStarted = errors.New("realtime: not connected")
)

// State is the client's view of its connection.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected" // transport up, not authenticated
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateReconnecting   State = "reconnecting"
	StateFailed         State = "failed"
	StateDisconnected   State = "disconnected"
)

// Credentials authenticate the connection. An empty Token means anonymous.
type Credentials struct {
	UserID string
	Token  string
}

// Config configures a Client. Dialers are tried in order on every attempt;
// the first is the preferred transport.
type Config struct {
	Dialers []Dialer

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the backoff randomization factor, 0 for none.
	Jitter float64

	PingInterval time.Duration
	DialTimeout  time.Duration

	Clock  timers.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// ReconnectState mirrors the retry bookkeeping.
type ReconnectState struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	LastError   string        `json:"last_error,omitempty"`
}

// Status is a snapshot for rendering.
type Status struct {
	State        State          `json:"state"`
	Transport    string         `json:"transport,omitempty"`
	Degraded     bool           `json:"degraded"`
	ConnectionID string         `json:"connection_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Channels     []string       `json:"channels"`
	Reconnect    ReconnectState `json:"reconnect"`
}

// Client is a reconnecting multiplexed connection. It is safe for
// concurrent use. Handlers run on the client's goroutines and may call
// back into the Client.
type Client struct {
	cfg   Config
	log   *slog.Logger
	bus   *Bus
	sched *timers.Scheduler

	mu          sync.Mutex
	state       State
	gen         uint64 // bumped on Connect and Disconnect; stale callbacks compare
	creds       Credentials
	rejected    string // token the server refused; never resent automatically
	authPending bool
	userID      string
	channels    map[string]struct{}
	bo          *backoff.ExponentialBackOff
	attempt     int
	lastErr     string
	transport   Transport
	dialerIdx   int
	connID      string
	cancel      context.CancelFunc
	pingID      timers.ID
	retryID     timers.ID
	changed     chan struct{}
	closed      bool
}

// New creates a Client in the idle state.
func New(cfg Config) (*Client, error) {
	if len(cfg.Dialers) == 0 {
		return nil, ErrNoDialers
	}
	cfg.defaults()
	log := logger.Or(cfg.Logger).With("component", "realtime")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = cfg.Jitter
	bo.Reset()

	return &Client{
		cfg:      cfg,
		log:      log,
		bus:      newBus(log),
		sched:    timers.NewScheduler(cfg.Clock),
		state:    StateIdle,
		channels: make(map[string]struct{}),
		bo:       bo,
		changed:  make(chan struct{}),
	}, nil
}

// On registers a handler; see the Event* constants.
func (c *Client) On(event string, fn Handler) HandlerID { return c.bus.On(event, fn) }

// Off removes a handler.
func (c *Client) Off(id HandlerID) bool { return c.bus.Off(id) }

// Connect starts connecting with creds. It is a no-op while a connection is
// up or an attempt is in flight. Connect does not wait; use WaitReady.
func (c *Client) Connect(creds Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnecting, StateConnected, StateAuthenticating, StateReady, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	if creds.Token != c.creds.Token {
		c.rejected = ""
	}
	c.creds = creds
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.lastErr = ""
	c.bo.Reset()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.dial(gen)
	return nil
}

// Authenticate replaces the credentials and, when a transport is up, runs
// the handshake now. This is the only way to retry after an auth_error.
func (c *Client) Authenticate(creds Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.creds = creds
	c.rejected = ""
	t := c.transport
	if t == nil || creds.Token == "" {
		c.mu.Unlock()
		return nil
	}
	c.authPending = true
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	c.send(t, protocol.Authenticate{UserID: creds.UserID, Token: creds.Token})
	return nil
}

// Subscribe adds channels to the desired set and sends the request when
// connected. The set is re-sent after every reconnect.
func (c *Client) Subscribe(channels ...string) error {
	return c.updateChannels(channels, true)
}

// Unsubscribe removes channels from the desired set.
func (c *Client) Unsubscribe(channels ...string) error {
	return c.updateChannels(channels, false)
}

func (c *Client) updateChannels(channels []string, add bool) error {
	if len(channels) == 0 {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	for _, ch := range channels {
		if add {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	t := c.transport
	live := c.state == StateReady || c.state == StateConnected
	c.mu.Unlock()

	if t != nil && live {
		if add {
			c.send(t, protocol.Subscribe{Channels: channels})
		} else {
			c.send(t, protocol.Unsubscribe{Channels: channels})
		}
	}
	return nil
}

// Send writes an arbitrary message on the current transport.
func (c *Client) Send(m protocol.Message) error {
	c.mu.Lock()
	t := c.transport
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if t == nil {
		return ErrNotStarted
	}
	c.send(t, m)
	return nil
}

// Disconnect cancels any pending reconnect and closes the transport. It does
// not trigger a reconnect. Connect may be called again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	t := c.detachLocked()
	c.setStateLocked(StateDisconnected)
	// Under c.mu so a Connect that follows cannot lose its timers.
	c.sched.CancelAll()
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.bus.Emit(Event{Name: EventDisconnect})
}

// Close disconnects and drops every handler. The client cannot be reused.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.sched.CancelAll()
	c.mu.Unlock()
	c.bus.clear()
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:        c.state,
		ConnectionID: c.connID,
		UserID:       c.userID,
		Channels:     make([]string, 0, len(c.channels)),
		Reconnect: ReconnectState{
			Attempt:     c.attempt,
			MaxAttempts: c.cfg.MaxAttempts,
			BaseDelay:   c.cfg.BaseDelay,
			MaxDelay:    c.cfg.MaxDelay,
			LastError:   c.lastErr,
		},
	}
	if c.transport != nil {
		s.Transport = c.transport.Kind()
		s.Degraded = c.dialerIdx > 0
	}
	for ch := range c.channels {
		s.Channels = append(s.Channels, ch)
	}
	sort.Strings(s.Channels)
	return s
}

// WaitReady blocks until the client is ready, has failed, or ctx is done.
// A client left connected by a rejected token does not become ready.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, ch := c.state, c.changed
		c.mu.Unlock()
		switch state {
		case StateReady:
			return nil
		case StateFailed:
			return ErrFailed
		case StateIdle, StateDisconnected:
			return ErrNotStarted
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// detachLocked drops the current session and returns its transport.
func (c *Client) detachLocked() Transport {
	t := c.transport
	c.transport = nil
	c.connID = ""
	c.userID = ""
	c.authPending = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.sched.Cancel(c.pingID)
	c.sched.Cancel(c.retryID)
	return t
}

// dial makes one connection attempt, trying each dialer in order.
func (c *Client) dial(gen uint64) {
	var lastErr error
	for i, d := range c.cfg.Dialers {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		t, err := d.Dial(ctx)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Debug("dial failed", "dialer", i, "err", err)
			continue
		}
		c.established(gen, t, i)
		return
	}
	c.retry(gen, lastErr, true)
}

func (c *Client) established(gen uint64, t Transport, idx int) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		t.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.transport = t
	c.dialerIdx = idx
	c.cancel = cancel
	c.attempt = 0
	c.lastErr = ""
	c.bo.Reset()

	creds := c.creds
	auth := creds.Token != "" && creds.Token != c.rejected
	if auth {
		c.authPending = true
		c.setStateLocked(StateAuthenticating)
	} else {
		c.setStateLocked(StateConnected)
	}
	c.pingID = c.sched.After(c.cfg.PingInterval, func() { c.ping(gen) })
	c.mu.Unlock()

	c.log.Info("connected", "transport", t.Kind(), "degraded", idx > 0)
	go c.readLoop(ctx, gen, t)
	c.bus.Emit(Event{Name: EventConnect})

	if auth {
		c.send(t, protocol.Authenticate{UserID: creds.UserID, Token: creds.Token})
		return
	}
	c.resubscribe(t)
	if creds.Token == "" {
		c.markReady(gen)
	}
}

func (c *Client) markReady(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReady)
	c.mu.Unlock()
	c.bus.Emit(Event{Name: EventReady})
}

// retry schedules the next attempt. failed is false for a drop of an
// established session, which does not count as a failed attempt.
func (c *Client) retry(gen uint64, err error, failed bool) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.lastErr = err.Error()
	}
	if failed {
		c.attempt++
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.setStateLocked(StateFailed)
		attempt := c.attempt
		c.mu.Unlock()
		c.log.Warn("giving up reconnecting", "attempts", attempt, "err", err)
		c.bus.Emit(Event{Name: EventFailed, Err: err, Attempt: attempt})
		return
	}
	delay := c.bo.NextBackOff()
	attempt := c.attempt
	c.setStateLocked(StateReconnecting)
	c.retryID = c.sched.After(delay, func() {
		c.mu.Lock()
		if gen != c.gen || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		c.dial(gen)
	})
	c.mu.Unlock()

	c.log.Info("reconnecting", "attempt", attempt, "delay", delay, "err", err)
	c.bus.Emit(Event{Name: EventReconnecting, Err: err, Attempt: attempt, Delay: delay})
}

func (c *Client) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		frames, err := t.Recv(ctx)
		if err != nil {
			c.lost(gen, err)
			return
		}
		for _, f := range frames {
			c.handle(gen, t, f)
		}
	}
}

func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.transport == nil {
		c.mu.Unlock()
		return
	}
	t := c.detachLocked()
	c.mu.Unlock()

	t.Close()
	c.log.Warn("connection lost", "err", err)
	c.bus.Emit(Event{Name: EventDisconnect, Err: err})
	c.retry(gen, err, false)
}

func (c *Client) handle(gen uint64, t Transport, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.log.Debug("dropping malformed frame", "err", err)
		return
	}
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	switch m := msg.(type) {
	case protocol.Connected:
		c.mu.Lock()
		c.connID = m.ConnectionID
		c.mu.Unlock()
	case protocol.Authenticated:
		if m.Success {
			c.authenticated(gen, t, m.UserID)
		} else {
			c.authFailed(gen, t, m, m.Code)
		}
	case protocol.AuthError:
		c.authFailed(gen, t, m, m.Code)
	case protocol.Ping:
		c.send(t, protocol.Pong{})
	case protocol.Pong:
	case protocol.Subscribed:
		c.bus.Emit(Event{Name: EventSubscribed, Message: m})
	case protocol.Unsubscribed:
		c.bus.Emit(Event{Name: EventUnsubscribed, Message: m})
	case protocol.Error:
		c.bus.Emit(Event{Name: EventError, Message: m, Err: errors.New(m.Code)})
	case protocol.Unknown:
		c.log.Debug("ignoring unknown message type", "type", m.Type)
	default:
		c.bus.Emit(Event{Name: string(msg.MessageType()), Message: msg})
	}
}

func (c *Client) authenticated(gen uint64, t Transport, userID string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.authPending = false
	c.userID = userID
	c.mu.Unlock()

	c.resubscribe(t)
	c.markReady(gen)
}

// authFailed runs once per handshake even though the gateway reports a
// rejection twice (authenticated{success:false} and auth_error).
func (c *Client) authFailed(gen uint64, t Transport, m protocol.Message, code string) {
	c.mu.Lock()
	if gen != c.gen || !c.authPending {
		c.mu.Unlock()
		return
	}
	c.authPending = false
	c.userID = ""
	c.rejected = c.creds.Token
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Warn("authentication rejected", "code", code)
	c.resubscribe(t)
	c.bus.Emit(Event{Name: EventAuthError, Message: m, Err: errors.New(code)})
}

func (c *Client) resubscribe(t Transport) {
	c.mu.Lock()
	chans := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	if len(chans) == 0 {
		return
	}
	sort.Strings(chans)
	c.send(t, protocol.Subscribe{Channels: chans})
}

func (c *Client) ping(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.transport == nil {
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.pingID = c.sched.After(c.cfg.PingInterval, func() { c.ping(gen) })
	c.mu.Unlock()
	c.send(t, protocol.Ping{})
}

// send errors are left to the read loop, which sees the broken transport.
func (c *Client) send(t Transport, m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		c.log.Error("encode failed", "type", m.MessageType(), "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Send(ctx, b); err != nil {
		c.log.Debug("send failed", "type", m.MessageType(), "err", err)
	}
}
