// Package gateway is the server side of the real-time layer. The Hub accepts
// multiplexed connections over websocket or long-polling, drives each one
// through its authentication state machine, owns channel membership and fans
// price, notification and order events out to subscribers.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cryptodesk/internal/auth"
	"cryptodesk/internal/logger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
	"cryptodesk/internal/pricecache"
	"cryptodesk/pkg/protocol"
)

const (
	ChannelPrices        = "prices"
	ChannelNotifications = "notifications"
	ordersPrefix         = "orders:"
)

// OrdersChannel returns the private order-update channel of userID.
func OrdersChannel(userID string) string { return ordersPrefix + userID }

var (
	ErrUnknownConnection = errors.New("gateway: unknown connection")
	ErrConnectionClosed  = errors.New("gateway: connection closed")
	ErrNotAuthenticated  = errors.New("gateway: channel requires authentication")
	ErrForbiddenChannel  = errors.New("gateway: channel belongs to another user")
	ErrNoChannels        = errors.New("gateway: no channels given")
	ErrHubClosed         = errors.New("gateway: hub closed")
	errUserMismatch      = errors.New("claimed user does not match session")
)

// Config tunes connection handling.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	SendBuffer      int
	InboundRate     float64
	InboundBurst    int
	AuthTimeout     time.Duration
	PollWait        time.Duration
	StreamKeepAlive time.Duration
	PublicChannels  []string
	AllowedOrigins  []string
}

// DefaultConfig returns production defaults: ping every 25s, fail after 60s
// of silence.
func DefaultConfig() Config {
	return Config{
		PingInterval:    25 * time.Second,
		PongTimeout:     60 * time.Second,
		SendBuffer:      256,
		InboundRate:     20,
		InboundBurst:    40,
		AuthTimeout:     5 * time.Second,
		PollWait:        20 * time.Second,
		StreamKeepAlive: 20 * time.Second,
		PublicChannels:  []string{ChannelPrices},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.InboundRate <= 0 {
		c.InboundRate = d.InboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = d.InboundBurst
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.PollWait <= 0 {
		c.PollWait = d.PollWait
	}
	if c.StreamKeepAlive <= 0 {
		c.StreamKeepAlive = d.StreamKeepAlive
	}
	if len(c.PublicChannels) == 0 {
		c.PublicChannels = d.PublicChannels
	}
	return c
}

// Options carries the Hub's collaborators. Only Validator is required.
type Options struct {
	Validator auth.Validator
	Cache     *pricecache.Cache
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
	Logger    *slog.Logger
}

// Hub is the connection manager and the only writer of channel membership.
type Hub struct {
	cfg       Config
	validator auth.Validator
	registry  *Registry
	cache     *pricecache.Cache
	stream    *PriceStream
	metrics   *metrics.Metrics
	health    *metrics.HealthStatus
	log       *slog.Logger
	public    map[string]bool
	upgrader  websocket.Upgrader
	now       func() time.Time

	// Tick latency from observation to broadcast
	Latency *LatencyWindow

	mu     sync.RWMutex
	conns  map[string]*Conn
	ended  map[string]time.Time // closed polling sessions, for 410 replies
	closed bool
}

// NewHub creates a Hub.
func NewHub(cfg Config, opts Options) *Hub {
	cfg = cfg.withDefaults()
	log := logger.Or(opts.Logger).With("component", "gateway")

	h := &Hub{
		cfg:       cfg,
		validator: opts.Validator,
		registry:  NewRegistry(),
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		health:    opts.Health,
		log:       log,
		public:    make(map[string]bool, len(cfg.PublicChannels)),
		now:       time.Now,
		Latency:   NewLatencyWindow(10000),
		conns:     make(map[string]*Conn),
		ended:     make(map[string]time.Time),
	}
	if h.validator == nil {
		h.validator = auth.ValidatorFunc(func(context.Context, string) (string, error) {
			return "", auth.ErrUnavailable
		})
	}
	if h.cache == nil {
		h.cache = pricecache.New()
	}
	for _, ch := range cfg.PublicChannels {
		h.public[ch] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	h.stream = newPriceStream(h)
	return h
}

// Registry exposes channel membership for inspection.
func (h *Hub) Registry() *Registry { return h.registry }

// Cache returns the price cache fed by PublishTick.
func (h *Hub) Cache() *pricecache.Cache { return h.cache }

// Stream returns the dedicated price stream server.
func (h *Hub) Stream() *PriceStream { return h.stream }

func (h *Hub) isPublic(ch string) bool { return h.public[ch] }

// Accept registers a connection whose transport handshake has completed,
// moves it to connected, greets it and starts its heartbeat.
func (h *Hub) Accept(transport Transport, remote string) (*Conn, error) {
	id := uuid.NewString()
	now := h.now()
	ctx, cancel := context.WithCancel(logger.WithTraceID(context.Background(), logger.GenerateTraceID(id, now)))

	c := &Conn{
		id:         id,
		transport:  transport,
		remote:     remote,
		hub:        h,
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, h.cfg.SendBuffer),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst),
		state:      StateConnecting,
		lastPongAt: now,
	}
	c.log = h.log.With("conn_id", id, "transport", string(transport))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrHubClosed
	}
	h.conns[id] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.ConnOpened(string(transport))
	c.setState(StateConnected)
	c.Send(protocol.Connected{ConnectionID: id, Transport: string(transport)})
	go h.heartbeat(c)

	c.log.Info("connection accepted", "remote", remote, "total", total)
	return c, nil
}

// Conn looks a connection up by id.
func (h *Hub) Conn(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// handle dispatches one inbound frame. Frames from a connection are handled
// sequentially by its transport's read path.
func (h *Hub) handle(c *Conn, data []byte) {
	c.touch()
	if !c.allowInbound() {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		h.metrics.ProtocolError()
		c.log.Debug("dropping malformed frame", "err", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Authenticate:
		h.authenticate(c, m)
	case protocol.Subscribe:
		h.Subscribe(c.id, m.Channels)
	case protocol.Unsubscribe:
		h.Unsubscribe(c.id, m.Channels)
	case protocol.Ping:
		c.Send(protocol.Pong{})
	case protocol.Pong:
		// liveness already recorded
	case protocol.Unknown:
		h.metrics.ProtocolError()
		c.log.Debug("ignoring unknown message type", "type", m.Type)
	default:
		h.metrics.ProtocolError()
		c.log.Debug("ignoring server-only message from client", "type", m.MessageType())
	}
}

func (h *Hub) authenticate(c *Conn, m protocol.Authenticate) {
	c.mu.Lock()
	if c.state.Closed() {
		c.mu.Unlock()
		return
	}
	// Private memberships are only held while authenticated.
	c.state = StateAuthenticating
	c.userID = ""
	dropped := h.registry.RemoveExcept(c.id, h.isPublic)
	c.mu.Unlock()
	if len(dropped) > 0 {
		c.log.Debug("re-authenticating, private channels released", "channels", dropped)
	}

	ctx, cancel := context.WithTimeout(c.ctx, h.cfg.AuthTimeout)
	uid, err := h.validator.ValidateSessionToken(ctx, m.Token)
	cancel()
	if err == nil && uid != m.UserID {
		err = errUserMismatch
	}
	if err != nil {
		h.rejectAuth(c, err)
		return
	}

	c.mu.Lock()
	if c.state.Closed() {
		c.mu.Unlock()
		return
	}
	c.userID = uid
	c.state = StateAuthenticated
	c.mu.Unlock()

	h.metrics.Auth("ok")
	c.log.Info("authenticated", append([]any{"user_id", uid}, logger.LogWithTrace(c.ctx)...)...)
	c.Send(protocol.Authenticated{Success: true, UserID: uid})
}

// rejectAuth returns the connection to connected and drops every private
// membership. The connection stays open for a retry.
func (h *Hub) rejectAuth(c *Conn, err error) {
	code := protocol.CodeInvalidToken
	switch {
	case errors.Is(err, auth.ErrUnavailable):
		code = protocol.CodeAuthUnavailable
	case errors.Is(err, auth.ErrExpiredToken):
		code = protocol.CodeExpiredToken
	case errors.Is(err, errUserMismatch):
		code = protocol.CodeUserMismatch
	}

	c.mu.Lock()
	if c.state.Closed() {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.userID = ""
	removed := h.registry.RemoveExcept(c.id, h.isPublic)
	c.mu.Unlock()

	h.metrics.Auth(code)
	c.log.Warn("authentication rejected", "code", code, "err", err, "dropped_channels", removed)
	c.Send(protocol.Authenticated{Success: false, Code: code})
	c.Send(protocol.AuthError{Error: err.Error(), Code: code})
}

// authorize decides whether a connection in state s, authenticated as uid,
// may join ch.
func (h *Hub) authorize(s State, uid, ch string) error {
	if h.isPublic(ch) {
		return nil
	}
	if s != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if owner, ok := strings.CutPrefix(ch, ordersPrefix); ok && owner != uid {
		return ErrForbiddenChannel
	}
	return nil
}

// Subscribe joins the connection to channels. Channels the connection may
// not join are reported to it with an error event; the rest are confirmed
// with a subscribed event. The connection is never closed for a rejection.
func (h *Hub) Subscribe(connID string, channels []string) ([]string, error) {
	c, ok := h.Conn(connID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	chans := normalizeChannels(channels)
	if len(chans) == 0 {
		c.sendError(protocol.CodeBadRequest, "subscribe requires at least one channel", nil)
		return nil, ErrNoChannels
	}

	var granted, unauth, forbidden []string
	c.mu.Lock()
	if c.state.Closed() {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	for _, ch := range chans {
		switch h.authorize(c.state, c.userID, ch) {
		case nil:
			granted = append(granted, ch)
		case ErrForbiddenChannel:
			forbidden = append(forbidden, ch)
		default:
			unauth = append(unauth, ch)
		}
	}
	h.registry.Add(c, granted...)
	c.mu.Unlock()

	h.metrics.Subscribe("granted", len(granted))
	h.metrics.Subscribe("unauthenticated", len(unauth))
	h.metrics.Subscribe("forbidden", len(forbidden))

	var err error
	if len(unauth) > 0 {
		c.sendError(protocol.CodeNotAuthenticated, "authenticate before subscribing", unauth)
		err = ErrNotAuthenticated
	}
	if len(forbidden) > 0 {
		c.sendError(protocol.CodeForbidden, "channel belongs to another user", forbidden)
		if err == nil {
			err = ErrForbiddenChannel
		}
	}
	if len(granted) > 0 {
		c.Send(protocol.Subscribed{Channels: granted})
	}
	return granted, err
}

// Unsubscribe leaves channels. Leaving a channel the connection is not in is
// a no-op; the confirmation is always sent.
func (h *Hub) Unsubscribe(connID string, channels []string) error {
	c, ok := h.Conn(connID)
	if !ok {
		return ErrUnknownConnection
	}
	chans := normalizeChannels(channels)
	h.registry.Remove(c.id, chans...)
	c.Send(protocol.Unsubscribed{Channels: chans})
	return nil
}

// Broadcast sends m to every member of channel and returns how many queued
// it. A member that cannot keep up is evicted without affecting the others.
func (h *Hub) Broadcast(channel string, m protocol.Message) int {
	return h.fanout(channel, m, func(Member) bool { return true })
}

// BroadcastToUser sends m to the members of channel authenticated as userID.
func (h *Hub) BroadcastToUser(channel, userID string, m protocol.Message) int {
	return h.fanout(channel, m, func(mem Member) bool { return mem.UserID() == userID })
}

func (h *Hub) fanout(channel string, m protocol.Message, match func(Member) bool) int {
	b, err := protocol.Encode(m)
	if err != nil {
		h.log.Error("encode broadcast", "channel", channel, "err", err)
		return 0
	}
	n := 0
	for _, mem := range h.registry.Members(channel) {
		if match(mem) && mem.Enqueue(b) {
			n++
		}
	}
	h.metrics.Broadcast(channelClass(channel))
	return n
}

// PublishTick applies t to the price cache and, if it is the newest tick for
// its symbol, pushes it to the prices channel and every price stream peer.
func (h *Hub) PublishTick(t model.PriceTick) {
	t, err := t.Normalize()
	if err != nil {
		h.log.Warn("dropping invalid tick", "err", err)
		return
	}
	if !h.cache.Apply(t) {
		h.metrics.TickStale()
		return
	}

	lat := h.now().Sub(t.ObservedAt)
	h.Latency.Observe(lat)
	h.metrics.TickApplied(string(t.Source), lat)
	if h.health != nil {
		h.health.SetLastTickTime(t.ObservedAt)
	}

	msg := protocol.PriceUpdate{
		Prices:    map[string]string{t.Symbol: t.Price.String()},
		Source:    string(t.Source),
		Timestamp: t.ObservedAt.UnixMilli(),
	}
	h.Broadcast(ChannelPrices, msg)
	h.stream.Publish(msg)
}

// PublishEvent routes an order update to its owner's orders channel and a
// notification to the notifications channel, filtered by user when the
// event names one.
func (h *Hub) PublishEvent(e model.Event) {
	switch e.Type {
	case model.EventOrderUpdate:
		if e.UserID == "" {
			h.log.Warn("dropping order update without user_id")
			return
		}
		h.Broadcast(OrdersChannel(e.UserID), protocol.OrderUpdate{UserID: e.UserID, Payload: e.Payload})
	case model.EventNotification:
		msg := protocol.Notification{UserID: e.UserID, Payload: e.Payload}
		if e.UserID == "" {
			h.Broadcast(ChannelNotifications, msg)
		} else {
			h.BroadcastToUser(ChannelNotifications, e.UserID, msg)
		}
	default:
		h.log.Warn("dropping event of unknown type", "type", e.Type)
		return
	}
	h.metrics.EventRouted(string(e.Type))
}

// SetFeedStatus pushes the upstream feed state to price stream peers.
func (h *Hub) SetFeedStatus(state string, source model.Source) {
	h.stream.SetStatus(protocol.Status{State: state, Source: string(source)})
}

// heartbeat pings the connection every PingInterval and fails it once it has
// been silent for longer than PongTimeout.
func (h *Hub) heartbeat(c *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if silent := h.now().Sub(c.LastPongAt()); silent > h.cfg.PongTimeout {
				c.log.Warn("heartbeat timeout", "silent_for", silent.Round(time.Millisecond))
				h.metrics.HeartbeatFailed()
				h.teardown(c, StateFailed, "heartbeat_timeout")
				return
			}
			c.Send(protocol.Ping{})
		}
	}
}

// Disconnect tears a connection down as a normal close.
func (h *Hub) Disconnect(connID, reason string) {
	if c, ok := h.Conn(connID); ok {
		h.teardown(c, StateDisconnected, reason)
	}
}

// teardown moves c to a terminal state and removes it from every channel
// and from the hub. It is idempotent and safe to call concurrently with a
// broadcast that is enqueueing to c.
func (h *Hub) teardown(c *Conn, final State, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = final
		c.mu.Unlock()
		channels := h.registry.RemoveAll(c.id)

		h.mu.Lock()
		delete(h.conns, c.id)
		if c.transport == TransportPolling {
			h.rememberEndedLocked(c.id)
		}
		remaining := len(h.conns)
		h.mu.Unlock()

		close(c.done)
		c.cancel()
		h.metrics.ConnClosed(string(c.transport), reason)
		c.log.Info("connection closed", "state", final.String(), "reason", reason,
			"channels", len(channels), "remaining", remaining)
	})
}

// Close tears every connection down and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.teardown(c, StateDisconnected, "server_shutdown")
	}
	h.stream.Close()
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int            `json:"connections"`
	ByTransport map[string]int `json:"by_transport"`
	ByState     map[string]int `json:"by_state"`
	Channels    int            `json:"channels"`
	StreamPeers int            `json:"stream_peers"`
	Symbols     int            `json:"symbols"`
	Latency     LatencySummary `json:"tick_latency"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	s := Stats{
		Connections: len(conns),
		ByTransport: make(map[string]int),
		ByState:     make(map[string]int),
		Channels:    h.registry.ChannelCount(),
		StreamPeers: h.stream.PeerCount(),
		Symbols:     h.cache.Len(),
		Latency:     h.Latency.Summary(),
	}
	for _, c := range conns {
		s.ByTransport[string(c.transport)]++
		s.ByState[c.State().String()]++
	}
	return s
}

// normalizeChannels trims, drops empties and de-duplicates, keeping order.
func normalizeChannels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, ch := range in {
		ch = strings.TrimSpace(ch)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

func channelClass(ch string) string {
	switch {
	case ch == ChannelPrices, ch == ChannelNotifications:
		return ch
	case strings.HasPrefix(ch, ordersPrefix):
		return "orders"
	default:
		return "other"
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
