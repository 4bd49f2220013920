// Package ingest connects the gateway to its upstreams: price feeds over
// Redis PubSub, NATS or a plain websocket, and user events over Redis PubSub
// or Kafka. Feeds emit model.PriceTick values into a channel; FanOut copies
// them to the hub and the journal.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptodesk/internal/model"
)

// Feed is one upstream price source.
type Feed interface {
	Name() string
	// Run streams ticks into out until ctx is cancelled. A nil return means
	// the feed stopped because of ctx.
	Run(ctx context.Context, out chan<- model.PriceTick) error
}

var (
	ErrBadPayload = errors.New("ingest: malformed payload")
	ErrBadEvent   = errors.New("ingest: unknown event type")
)

// wireTick is the upstream tick format:
//
//	{"symbol":"btc","price":"64012.5","ts":1700000000000}
//
// price may be a JSON string or number; ts is unix milliseconds. symbol may
// be omitted when the topic carries it (prices:btc, prices.btc).
type wireTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     int64           `json:"ts"`
}

// ParseTick decodes one upstream tick. fallbackSymbol is used when the
// payload has none. The tick is attributed to source regardless of payload.
func ParseTick(data []byte, fallbackSymbol string, source model.Source) (model.PriceTick, error) {
	var w wireTick
	if err := json.Unmarshal(data, &w); err != nil {
		return model.PriceTick{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if w.Symbol == "" {
		w.Symbol = fallbackSymbol
	}
	t := model.PriceTick{
		Symbol: w.Symbol,
		Price:  w.Price,
		Source: source,
	}
	if w.TS > 0 {
		t.ObservedAt = time.UnixMilli(w.TS)
	}
	return t.Normalize()
}

// ParseEvent decodes {"type":"notification"|"order_update","user_id":...,"payload":...}.
func ParseEvent(data []byte) (model.Event, error) {
	var e model.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	switch e.Type {
	case model.EventNotification, model.EventOrderUpdate:
		return e, nil
	default:
		return e, fmt.Errorf("%w: %q", ErrBadEvent, e.Type)
	}
}

// symbolFromTopic returns the segment after the last sep, so prices:btc and
// prices.btc both yield btc.
func symbolFromTopic(topic string, sep byte) string {
	if i := strings.LastIndexByte(topic, sep); i >= 0 {
		return topic[i+1:]
	}
	return ""
}

// deliver hands t to out without blocking. It reports false when out is full.
func deliver(out chan<- model.PriceTick, t model.PriceTick) bool {
	select {
	case out <- t:
		return true
	default:
		return false
	}
}

// Forward reads ticks until in is closed or ctx is cancelled and hands each
// one to every sink in order.
func Forward(ctx context.Context, in <-chan model.PriceTick, sinks ...model.TickSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			for _, s := range sinks {
				s.PublishTick(t)
			}
		}
	}
}
