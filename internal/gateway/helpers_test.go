package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptodesk/internal/auth"
	"cryptodesk/internal/model"
	"cryptodesk/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollWait = 50 * time.Millisecond
	return cfg
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *auth.Static) {
	t.Helper()
	tokens := auth.NewStatic()
	tokens.Put("tok-user1", "user1", time.Time{})
	tokens.Put("tok-user2", "user2", time.Time{})
	h := NewHub(cfg, Options{Validator: tokens, Logger: quietLogger()})
	t.Cleanup(h.Close)
	return h, tokens
}

func openPoll(t *testing.T, h *Hub) string {
	t.Helper()
	c, err := h.OpenPoll("test")
	if err != nil {
		t.Fatalf("OpenPoll: %v", err)
	}
	msgs := poll(t, h, c.ID())
	if len(msgs) == 0 {
		t.Fatal("no greeting")
	}
	if _, ok := msgs[0].(protocol.Connected); !ok {
		t.Fatalf("first message = %T, want Connected", msgs[0])
	}
	return c.ID()
}

func send(t *testing.T, h *Hub, sid string, msgs ...protocol.Message) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		raw = append(raw, protocol.MustEncode(m))
	}
	if err := h.PollSend(sid, raw); err != nil {
		t.Fatalf("PollSend: %v", err)
	}
}

func poll(t *testing.T, h *Hub, sid string) []protocol.Message {
	t.Helper()
	raw, err := h.Poll(context.Background(), sid)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	out := make([]protocol.Message, 0, len(raw))
	for _, r := range raw {
		m, err := protocol.Decode(r)
		if err != nil {
			t.Fatalf("decode %s: %v", r, err)
		}
		out = append(out, m)
	}
	return out
}

func findMsg[T protocol.Message](msgs []protocol.Message) (T, bool) {
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func authenticateAs(t *testing.T, h *Hub, sid, user, token string) {
	t.Helper()
	send(t, h, sid, protocol.Authenticate{UserID: user, Token: token})
	got, ok := findMsg[protocol.Authenticated](poll(t, h, sid))
	if !ok || !got.Success {
		t.Fatalf("authenticate %s: got %+v", user, got)
	}
}

func tick(symbol, price string, at time.Time) model.PriceTick {
	return model.PriceTick{
		Symbol:     symbol,
		Price:      decimal.RequireFromString(price),
		Source:     model.SourcePrimary,
		ObservedAt: at,
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not torn down")
	}
}
