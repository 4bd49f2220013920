package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"cryptodesk/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseTick(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		fallback string
		want     string
		wantErr  error
	}{
		{"string price", `{"symbol":"BTC","price":"64000.5","ts":1700000000000}`, "", "btc", nil},
		{"number price", `{"symbol":"eth","price":3000.25}`, "", "eth", nil},
		{"symbol from topic", `{"price":"1.5"}`, "sol", "sol", nil},
		{"no symbol", `{"price":"1.5"}`, "", "", model.ErrEmptySymbol},
		{"zero price", `{"symbol":"btc","price":"0"}`, "", "", model.ErrBadPrice},
		{"garbage", `not json`, "", "", ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTick([]byte(tt.data), tt.fallback, model.SourceSecondary)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Symbol != tt.want || got.Source != model.SourceSecondary {
				t.Fatalf("tick = %+v", got)
			}
			if got.ObservedAt.IsZero() {
				t.Fatal("ObservedAt not filled")
			}
		})
	}

	got, _ := ParseTick([]byte(`{"symbol":"btc","price":"1","ts":1700000000000}`), "", model.SourcePrimary)
	if !got.ObservedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("ObservedAt = %v", got.ObservedAt)
	}
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent([]byte(`{"type":"order_update","user_id":"u1","payload":{"id":"o1"}}`))
	if err != nil || e.Type != model.EventOrderUpdate || e.UserID != "u1" || string(e.Payload) != `{"id":"o1"}` {
		t.Fatalf("event = %+v err = %v", e, err)
	}
	if _, err := ParseEvent([]byte(`{"type":"trade"}`)); !errors.Is(err, ErrBadEvent) {
		t.Fatalf("err = %v, want ErrBadEvent", err)
	}
	if _, err := ParseEvent([]byte(`[`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
}

type tickRecorder struct {
	mu    sync.Mutex
	ticks []model.PriceTick
}

func (r *tickRecorder) PublishTick(t model.PriceTick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
}

func (r *tickRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *eventRecorder) PublishEvent(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestForwardToEverySink(t *testing.T) {
	in := make(chan model.PriceTick, 2)
	a, b := &tickRecorder{}, &tickRecorder{}
	in <- model.PriceTick{Symbol: "btc"}
	in <- model.PriceTick{Symbol: "eth"}
	close(in)
	Forward(context.Background(), in, a, b)
	if a.len() != 2 || b.len() != 2 {
		t.Fatalf("a = %d b = %d", a.len(), b.len())
	}
}

func TestRedisFeedHandle(t *testing.T) {
	f := NewRedisFeed("redis-primary", model.SourcePrimary, nil, "prices:*", quietLogger())
	out := make(chan model.PriceTick, 1)
	dropped := 0
	f.OnDrop = func() { dropped++ }

	msgs := make(chan *goredis.Message, 4)
	msgs <- &goredis.Message{Channel: "prices:btc", Payload: `{"price":"64000"}`}
	msgs <- &goredis.Message{Channel: "prices:eth", Payload: `{"price":"bad"}`}
	msgs <- &goredis.Message{Channel: "prices:sol", Payload: `{"price":"150"}`}
	close(msgs)

	err := consumeRedis(context.Background(), msgs, func(m *goredis.Message) { f.handle(m, out) })
	if !errors.Is(err, errSubscriptionClosed) {
		t.Fatalf("err = %v", err)
	}
	got := <-out
	if got.Symbol != "btc" || got.Price.String() != "64000" {
		t.Fatalf("tick = %+v", got)
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1 (sol overflowed)", dropped)
	}
}

func TestRedisEventsHandle(t *testing.T) {
	rec := &eventRecorder{}
	r := NewRedisEvents(nil, "events:*", rec, quietLogger())
	r.handle(&goredis.Message{Channel: "events:u1", Payload: `{"type":"notification","user_id":"u1","payload":"hi"}`})
	r.handle(&goredis.Message{Channel: "events:u1", Payload: `{"type":"nope"}`})
	if len(rec.events) != 1 || rec.events[0].UserID != "u1" {
		t.Fatalf("events = %+v", rec.events)
	}
}

func TestConsumeRedisStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := consumeRedis(ctx, make(chan *goredis.Message), func(*goredis.Message) {}); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestNATSFeedHandle(t *testing.T) {
	f := NewNATSFeed("nats-secondary", model.SourceSecondary, NATSConfig{Subject: "prices.>"}, quietLogger())
	out := make(chan model.PriceTick, 1)
	f.handle("prices.btc", []byte(`{"price":"63999.9","ts":1700000000000}`), out)
	got := <-out
	if got.Symbol != "btc" || got.Source != model.SourceSecondary {
		t.Fatalf("tick = %+v", got)
	}
}

type fakeKafka struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeKafka) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaEvents(t *testing.T) {
	r := &fakeKafka{msgs: []kafka.Message{
		{Value: []byte(`{"type":"order_update","user_id":"u1","payload":{"status":"filled"}}`)},
		{Value: []byte(`garbage`)},
		{Value: []byte(`{"type":"notification","payload":"maintenance"}`)},
	}}
	rec := &eventRecorder{}
	if err := NewKafkaEvents(r, rec, quietLogger()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.events) != 2 {
		t.Fatalf("events = %d, want 2", len(rec.events))
	}
	if rec.events[0].Type != model.EventOrderUpdate || rec.events[1].UserID != "" {
		t.Fatalf("events = %+v", rec.events)
	}
	if !r.closed {
		t.Fatal("reader not closed")
	}
}
