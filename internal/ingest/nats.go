package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"cryptodesk/internal/logger"
	"cryptodesk/internal/model"
)

// NATSConfig locates a NATS price subject.
type NATSConfig struct {
	URL           string
	Subject       string // e.g. prices.>
	ClientName    string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSFeed reads ticks from a NATS subject hierarchy, one subject per symbol
// (prices.btc). Reconnection is left to the NATS client.
type NATSFeed struct {
	name   string
	source model.Source
	cfg    NATSConfig
	log    *slog.Logger

	OnDrop func()
}

func NewNATSFeed(name string, source model.Source, cfg NATSConfig, log *slog.Logger) *NATSFeed {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "cryptodesk-" + name
	}
	return &NATSFeed{
		name:   name,
		source: source,
		cfg:    cfg,
		log:    logger.Or(log).With("component", "ingest", "feed", name),
	}
}

func (f *NATSFeed) Name() string { return f.name }

func (f *NATSFeed) Run(ctx context.Context, out chan<- model.PriceTick) error {
	opts := []nats.Option{
		nats.Name(f.cfg.ClientName),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(f.cfg.ReconnectWait),
		nats.MaxReconnects(f.cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.log.Warn("nats disconnected, reconnecting", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			f.log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			f.log.Info("nats connection closed")
		}),
	}
	nc, err := nats.Connect(f.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", f.cfg.URL, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 1024)
	sub, err := nc.ChanSubscribe(f.cfg.Subject, msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", f.cfg.Subject, err)
	}
	defer sub.Unsubscribe()
	f.log.Info("subscribed", "subject", f.cfg.Subject)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			f.handle(m.Subject, m.Data, out)
		}
	}
}

func (f *NATSFeed) handle(subject string, data []byte, out chan<- model.PriceTick) {
	t, err := ParseTick(data, symbolFromTopic(subject, '.'), f.source)
	if err != nil {
		f.log.Debug("dropping tick", "subject", subject, "err", err)
		return
	}
	if !deliver(out, t) {
		f.log.Warn("tick channel full, dropping tick", "symbol", t.Symbol)
		if f.OnDrop != nil {
			f.OnDrop()
		}
	}
}
