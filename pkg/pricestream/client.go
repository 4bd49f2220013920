// Package pricestream is a client for the gateway's dedicated price stream.
// It is deliberately separate from the multiplexed realtime client so price
// updates keep flowing when that connection is degraded.
package pricestream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptodesk/internal/logger"
	"cryptodesk/pkg/protocol"
	"cryptodesk/pkg/timers"
)

var ErrNoURL = errors.New("pricestream: url is required")

// Config configures a Client.
type Config struct {
	// URL of the stream, e.g. "ws://host:8080/prices/ws".
	URL string

	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 30s
	MaxAttempts int           // default 10
	Jitter      float64

	PingInterval time.Duration // default 30s
	ReadTimeout  time.Duration // default 60s
	DialTimeout  time.Duration // default 10s

	Dialer *websocket.Dialer
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
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Status is the read model callers render.
type Status struct {
	IsConnected      bool      `json:"isConnected"`
	IsConnecting     bool      `json:"isConnecting"`
	Source           string    `json:"source,omitempty"`
	FeedState        string    `json:"feedState,omitempty"`
	LastUpdate       time.Time `json:"lastUpdate"`
	Error            string    `json:"error,omitempty"`
	ReconnectAttempt int       `json:"reconnectAttempt"`
	Failed           bool      `json:"failed"`
}

// Client keeps a price stream connection open and mirrors the latest price
// per symbol.
type Client struct {
	cfg   Config
	log   *slog.Logger
	sched *timers.Scheduler

	// Optional hooks, set before Start. They run on the client's goroutines.
	OnUpdate func(protocol.PriceUpdate)
	OnStatus func(protocol.Status)
	// OnNotice is called once when reconnecting is abandoned, and not again
	// until a connection has succeeded.
	OnNotice func(msg string)

	mu         sync.Mutex
	running    bool
	gen        uint64
	conn       *websocket.Conn
	wmu        sync.Mutex // serializes writes on conn
	prices     map[string]decimal.Decimal
	status     Status
	bo         *backoff.ExponentialBackOff
	noticeSent bool
	pingID     timers.ID
}

// New validates cfg and returns a stopped client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	cfg.defaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = cfg.Jitter
	bo.Reset()

	return &Client{
		cfg:    cfg,
		log:    logger.Or(cfg.Logger).With("component", "pricestream"),
		sched:  timers.NewScheduler(cfg.Clock),
		prices: make(map[string]decimal.Decimal),
		bo:     bo,
	}, nil
}

// Start begins connecting. Calling Start on a running client does nothing;
// after a terminal failure it starts over with a fresh attempt counter.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running && !c.status.Failed {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.gen++
	gen := c.gen
	c.status.Failed = false
	c.status.IsConnecting = true
	c.status.ReconnectAttempt = 0
	c.status.Error = ""
	c.noticeSent = false
	c.bo.Reset()
	c.mu.Unlock()

	go c.dial(gen)
}

// Stop closes the connection and cancels every timer. Safe to call more
// than once.
func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.gen++
	conn := c.conn
	c.conn = nil
	c.status.IsConnected = false
	c.status.IsConnecting = false
	c.mu.Unlock()

	c.sched.CancelAll()
	if conn != nil {
		c.closeConn(conn)
	}
}

// GetPrice returns the most recent price received for symbol. Symbols are
// case-insensitive.
func (c *Client) GetPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[normalizeSymbol(symbol)]
	return p, ok
}

func normalizeSymbol(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Prices returns a copy of every known price.
func (c *Client) Prices() map[string]decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		c.retry(gen, err, true)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.status.IsConnected = true
	c.status.IsConnecting = false
	c.status.ReconnectAttempt = 0
	c.status.Error = ""
	c.noticeSent = false
	c.bo.Reset()
	c.pingID = c.sched.After(c.cfg.PingInterval, func() { c.ping(gen) })
	c.mu.Unlock()

	c.log.Info("price stream connected", "url", c.cfg.URL)
	go c.readLoop(gen, conn)
}

// retry schedules the next attempt. failed is false when an established
// connection dropped; that does not count against MaxAttempts.
func (c *Client) retry(gen uint64, err error, failed bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status.IsConnected = false
	if err != nil {
		c.status.Error = err.Error()
	}
	if failed {
		c.status.ReconnectAttempt++
	}
	if c.status.ReconnectAttempt >= c.cfg.MaxAttempts {
		c.status.IsConnecting = false
		c.status.Failed = true
		notify := !c.noticeSent
		c.noticeSent = true
		attempts := c.status.ReconnectAttempt
		c.mu.Unlock()

		c.log.Warn("price stream unavailable, giving up", "attempts", attempts, "err", err)
		if notify && c.OnNotice != nil {
			c.OnNotice("Live prices are unavailable. Retry to reconnect.")
		}
		return
	}
	c.status.IsConnecting = true
	delay := c.bo.NextBackOff()
	attempt := c.status.ReconnectAttempt
	c.sched.After(delay, func() { c.dial(gen) })
	c.mu.Unlock()

	c.log.Debug("price stream reconnecting", "attempt", attempt, "delay", delay, "err", err)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(gen, conn, err)
			return
		}
		c.handle(gen, conn, data)
	}
}

func (c *Client) lost(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sched.Cancel(c.pingID)
	c.mu.Unlock()

	conn.Close()
	c.log.Warn("price stream lost", "err", err)
	c.retry(gen, err, false)
}

func (c *Client) handle(gen uint64, conn *websocket.Conn, data []byte) {
	msg, err := protocol.DecodeStream(data)
	if err != nil {
		c.log.Debug("dropping malformed frame", "err", err)
		return
	}
	switch m := msg.(type) {
	case protocol.PriceUpdate:
		c.applyUpdate(gen, m)
	case protocol.Status:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.status.FeedState = m.State
		c.status.Source = m.Source
		c.mu.Unlock()
		if c.OnStatus != nil {
			c.OnStatus(m)
		}
	case protocol.KeepAlive:
		c.write(conn, protocol.Ping{})
	case protocol.Connection:
		c.log.Debug("price stream greeting", "message", m.Message)
	case protocol.Pong:
	case protocol.Unknown:
		c.log.Debug("ignoring unknown message type", "type", m.Type)
	default:
		c.log.Debug("ignoring unexpected message", "type", m.MessageType())
	}
}

func (c *Client) applyUpdate(gen uint64, u protocol.PriceUpdate) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	for sym, raw := range u.Prices {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			c.log.Debug("dropping unparseable price", "symbol", sym, "price", raw)
			continue
		}
		c.prices[normalizeSymbol(sym)] = p
	}
	if u.Source != "" {
		c.status.Source = u.Source
	}
	if u.Timestamp > 0 {
		c.status.LastUpdate = time.UnixMilli(u.Timestamp)
	} else {
		c.status.LastUpdate = c.sched.Clock().Now()
	}
	c.mu.Unlock()

	if c.OnUpdate != nil {
		c.OnUpdate(u)
	}
}

func (c *Client) ping(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.pingID = c.sched.After(c.cfg.PingInterval, func() { c.ping(gen) })
	c.mu.Unlock()
	c.write(conn, protocol.Ping{})
}

// write errors surface through the read loop.
func (c *Client) write(conn *websocket.Conn, m protocol.Message) {
	b := protocol.MustEncode(m)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.log.Debug("write failed", "type", m.MessageType(), "err", err)
	}
}

func (c *Client) closeConn(conn *websocket.Conn) {
	c.wmu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	conn.Close()
}
