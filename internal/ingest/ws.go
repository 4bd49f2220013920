package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"cryptodesk/internal/logger"
	"cryptodesk/internal/model"
)

// WSConfig holds configuration for a websocket price feed.
type WSConfig struct {
	// URL of the tick server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// WSFeed reads JSON ticks from a plain websocket server, one tick per text
// frame, and reconnects with exponential backoff.
type WSFeed struct {
	name   string
	source model.Source
	cfg    WSConfig
	log    *slog.Logger

	// Optional hooks.
	OnReconnect func()
	OnDrop      func()
}

// NewWSFeed returns an error if the URL is unparseable.
func NewWSFeed(name string, source model.Source, cfg WSConfig, log *slog.Logger) (*WSFeed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ingest: websocket feed url must be ws:// or wss://, got %q", cfg.URL)
	}
	return &WSFeed{
		name:   name,
		source: source,
		cfg:    cfg,
		log:    logger.Or(log).With("component", "ingest", "feed", name),
	}, nil
}

func (f *WSFeed) Name() string { return f.name }

// Run blocks until ctx is cancelled, reconnecting on disconnect. The backoff
// restarts from ReconnectDelay after any session that got connected.
func (f *WSFeed) Run(ctx context.Context, out chan<- model.PriceTick) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.ReconnectDelay
	bo.MaxInterval = f.cfg.MaxReconnectDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	for {
		connected, err := f.runOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		f.log.Warn("feed disconnected, reconnecting", "err", err, "delay", delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel.
func (f *WSFeed) runOnce(ctx context.Context, out chan<- model.PriceTick) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	f.log.Info("connected", "url", f.cfg.URL)

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		t, err := ParseTick(raw, "", f.source)
		if err != nil {
			f.log.Debug("dropping tick", "err", err, "raw", string(raw))
			continue
		}
		if !deliver(out, t) {
			f.log.Warn("tick channel full, dropping tick", "symbol", t.Symbol)
			if f.OnDrop != nil {
				f.OnDrop()
			}
		}
	}
}
