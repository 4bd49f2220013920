package pricestream

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptodesk/internal/auth"
	"cryptodesk/internal/gateway"
	"cryptodesk/internal/model"
	"cryptodesk/pkg/protocol"
	"cryptodesk/pkg/timers"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err != ErrNoURL {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_ReceivesSnapshotAndUpdates(t *testing.T) {
	tokens := auth.NewStatic()
	hub := gateway.NewHub(gateway.DefaultConfig(), gateway.Options{Validator: tokens, Logger: quietLogger()})
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(hub.Stream())
	t.Cleanup(srv.Close)

	now := time.Now()
	hub.PublishTick(model.PriceTick{Symbol: "btc", Price: decimal.NewFromInt(64000), Source: model.SourcePrimary, ObservedAt: now})

	c := newTestClient(t, Config{URL: wsURL(srv)})
	var updates atomic.Int32
	c.OnUpdate = func(protocol.PriceUpdate) { updates.Add(1) }
	c.Start()
	c.Start()

	eventually(t, "snapshot", func() bool {
		p, ok := c.GetPrice("btc")
		return ok && p.Equal(decimal.NewFromInt(64000))
	})

	hub.PublishTick(model.PriceTick{Symbol: "btc", Price: decimal.RequireFromString("64100.5"), Source: model.SourcePrimary, ObservedAt: now.Add(time.Second)})
	eventually(t, "update", func() bool {
		p, _ := c.GetPrice("btc")
		return p.Equal(decimal.RequireFromString("64100.5"))
	})

	st := c.Status()
	if !st.IsConnected || st.IsConnecting || st.Source != "primary" || st.LastUpdate.IsZero() {
		t.Fatalf("status = %+v", st)
	}
	if st.FeedState != "starting" {
		t.Fatalf("feed state = %q, want starting", st.FeedState)
	}
	if updates.Load() < 2 {
		t.Fatalf("OnUpdate called %d times", updates.Load())
	}
	if _, ok := c.GetPrice("eth"); ok {
		t.Fatal("unknown symbol reported a price")
	}
}

func TestClient_SymbolsAreCaseInsensitive(t *testing.T) {
	c := newTestClient(t, Config{URL: "ws://unused"})
	c.applyUpdate(c.gen, protocol.PriceUpdate{Prices: map[string]string{"ETH": "3000", "sol": "150"}})

	for _, sym := range []string{"eth", "ETH", " Eth "} {
		if p, ok := c.GetPrice(sym); !ok || !p.Equal(decimal.NewFromInt(3000)) {
			t.Fatalf("GetPrice(%q) = %s, %v", sym, p, ok)
		}
	}
	if p, ok := c.GetPrice("SOL"); !ok || !p.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("GetPrice(SOL) = %s, %v", p, ok)
	}
	if _, ok := c.Prices()["ETH"]; ok {
		t.Fatal("prices keyed by upstream casing")
	}
}

func TestClient_AnswersKeepAliveWithPing(t *testing.T) {
	pings := make(chan struct{}, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(protocol.KeepAlive{}))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if m, err := protocol.DecodeStream(data); err == nil {
				if _, ok := m.(protocol.Ping); ok {
					select {
					case pings <- struct{}{}:
					default:
					}
				}
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, Config{URL: wsURL(srv)})
	c.Start()
	select {
	case <-pings:
	case <-time.After(3 * time.Second):
		t.Fatal("keep_alive not answered with ping")
	}
}

func TestClient_PeriodicPing(t *testing.T) {
	clock := timers.NewFake(epoch)
	pings := make(chan struct{}, 4)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if m, _ := protocol.DecodeStream(data); m != nil && m.MessageType() == protocol.TypePing {
				pings <- struct{}{}
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, Config{URL: wsURL(srv), Clock: clock})
	c.Start()
	eventually(t, "connected", func() bool { return c.Status().IsConnected })

	clock.Advance(30 * time.Second)
	select {
	case <-pings:
	case <-time.After(3 * time.Second):
		t.Fatal("no ping after interval")
	}
}

func TestClient_BackoffAndSingleNotice(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(dead)
	dead.Close()

	clock := timers.NewFake(epoch)
	c := newTestClient(t, Config{URL: url, MaxAttempts: 4, Clock: clock})
	var mu sync.Mutex
	var notices []string
	c.OnNotice = func(msg string) {
		mu.Lock()
		notices = append(notices, msg)
		mu.Unlock()
	}

	c.Start()
	eventually(t, "first retry", func() bool { return clock.Pending() == 1 })

	var delays []time.Duration
	for clock.Pending() > 0 {
		d, _ := clock.NextDelay()
		delays = append(delays, d)
		clock.Advance(d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}

	st := c.Status()
	if !st.Failed || st.IsConnecting || st.ReconnectAttempt != 4 || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
	mu.Lock()
	n := len(notices)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("notice emitted %d times, want 1", n)
	}
}

func TestClient_StopCancelsRetry(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(dead)
	dead.Close()

	clock := timers.NewFake(epoch)
	c := newTestClient(t, Config{URL: url, Clock: clock})
	c.Start()
	eventually(t, "first retry", func() bool { return clock.Pending() == 1 })

	c.Stop()
	c.Stop()
	if clock.Pending() != 0 {
		t.Fatalf("%d timers pending after Stop", clock.Pending())
	}
	clock.Advance(time.Hour)
	if st := c.Status(); st.IsConnecting || st.IsConnected || st.ReconnectAttempt != 1 {
		t.Fatalf("status after Stop = %+v", st)
	}
}

func TestClient_ReconnectAfterDropResetsAttempt(t *testing.T) {
	var conns atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(protocol.PriceUpdate{
			Prices: map[string]string{"eth": "3000"}, Source: "secondary", Timestamp: 1,
		}))
		ws.Close()
	}))
	defer srv.Close()

	clock := timers.NewFake(epoch)
	c := newTestClient(t, Config{URL: wsURL(srv), Clock: clock})
	c.Start()

	eventually(t, "retry after drop", func() bool {
		st := c.Status()
		d, ok := clock.NextDelay()
		return conns.Load() == 1 && !st.IsConnected && st.IsConnecting &&
			clock.Pending() == 1 && ok && d == time.Second
	})
	if st := c.Status(); st.ReconnectAttempt != 0 || st.Source != "secondary" {
		t.Fatalf("status = %+v", st)
	}
	if p, ok := c.GetPrice("eth"); !ok || !p.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("eth = %v %v", p, ok)
	}

	clock.Advance(time.Second)
	eventually(t, "second connection", func() bool { return conns.Load() == 2 })
}
