package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"

	"cryptodesk/internal/logger"
	"cryptodesk/internal/model"
)

var errSubscriptionClosed = errors.New("ingest: subscription channel closed")

// RedisFeed reads ticks published on Redis channels matching a pattern, one
// channel per symbol (prices:btc).
type RedisFeed struct {
	name    string
	source  model.Source
	client  *goredis.Client
	pattern string
	log     *slog.Logger

	// OnDrop is called when out is full and a tick is discarded.
	OnDrop func()
}

func NewRedisFeed(name string, source model.Source, client *goredis.Client, pattern string, log *slog.Logger) *RedisFeed {
	return &RedisFeed{
		name:    name,
		source:  source,
		client:  client,
		pattern: pattern,
		log:     logger.Or(log).With("component", "ingest", "feed", name),
	}
}

func (f *RedisFeed) Name() string { return f.name }

func (f *RedisFeed) Run(ctx context.Context, out chan<- model.PriceTick) error {
	ps := f.client.PSubscribe(ctx, f.pattern)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("psubscribe %s: %w", f.pattern, err)
	}
	f.log.Info("subscribed", "pattern", f.pattern)
	return consumeRedis(ctx, ps.Channel(), func(m *goredis.Message) { f.handle(m, out) })
}

func (f *RedisFeed) handle(m *goredis.Message, out chan<- model.PriceTick) {
	t, err := ParseTick([]byte(m.Payload), symbolFromTopic(m.Channel, ':'), f.source)
	if err != nil {
		f.log.Debug("dropping tick", "channel", m.Channel, "err", err)
		return
	}
	if !deliver(out, t) {
		f.log.Warn("tick channel full, dropping tick", "symbol", t.Symbol)
		if f.OnDrop != nil {
			f.OnDrop()
		}
	}
}

// RedisEvents routes notifications and order updates published on Redis
// channels matching a pattern (events:*) to the hub.
type RedisEvents struct {
	client  *goredis.Client
	pattern string
	sink    model.EventSink
	log     *slog.Logger
}

func NewRedisEvents(client *goredis.Client, pattern string, sink model.EventSink, log *slog.Logger) *RedisEvents {
	return &RedisEvents{
		client:  client,
		pattern: pattern,
		sink:    sink,
		log:     logger.Or(log).With("component", "ingest", "events", "redis"),
	}
}

func (r *RedisEvents) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.pattern)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("psubscribe %s: %w", r.pattern, err)
	}
	r.log.Info("subscribed", "pattern", r.pattern)
	return consumeRedis(ctx, ps.Channel(), r.handle)
}

func (r *RedisEvents) handle(m *goredis.Message) {
	e, err := ParseEvent([]byte(m.Payload))
	if err != nil {
		r.log.Debug("dropping event", "channel", m.Channel, "err", err)
		return
	}
	r.sink.PublishEvent(e)
}

// consumeRedis hands every message to handle until ctx is cancelled or the
// subscription channel is closed.
func consumeRedis(ctx context.Context, msgs <-chan *goredis.Message, handle func(*goredis.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return errSubscriptionClosed
			}
			handle(m)
		}
	}
}
