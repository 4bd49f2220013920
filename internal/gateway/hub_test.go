package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptodesk/internal/auth"
	"cryptodesk/internal/model"
	"cryptodesk/pkg/protocol"
)

func TestAuthenticateThenSubscribe(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)

	authenticateAs(t, h, sid, "user1", "tok-user1")
	send(t, h, sid, protocol.Subscribe{Channels: []string{"prices", "notifications"}})

	sub, ok := findMsg[protocol.Subscribed](poll(t, h, sid))
	if !ok {
		t.Fatal("no subscribed reply")
	}
	if want := []string{"prices", "notifications"}; !reflect.DeepEqual(sub.Channels, want) {
		t.Fatalf("subscribed = %v, want %v", sub.Channels, want)
	}
	if got := h.Registry().Channels(sid); !reflect.DeepEqual(got, []string{"notifications", "prices"}) {
		t.Fatalf("registry channels = %v", got)
	}
	c, _ := h.Conn(sid)
	if c.State() != StateAuthenticated || c.UserID() != "user1" {
		t.Fatalf("state = %s user = %q", c.State(), c.UserID())
	}
}

func TestSubscribePrivateWithoutAuth(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)

	send(t, h, sid, protocol.Subscribe{Channels: []string{"orders:user1"}})
	msgs := poll(t, h, sid)
	e, ok := findMsg[protocol.Error](msgs)
	if !ok {
		t.Fatalf("no error reply in %v", msgs)
	}
	if e.Code != protocol.CodeNotAuthenticated || !reflect.DeepEqual(e.Channels, []string{"orders:user1"}) {
		t.Fatalf("error = %+v", e)
	}
	if _, ok := findMsg[protocol.Subscribed](msgs); ok {
		t.Fatal("unexpected subscribed reply")
	}
	if h.Registry().Has(sid, "orders:user1") {
		t.Fatal("membership granted without auth")
	}

	// The connection stays usable.
	send(t, h, sid, protocol.Ping{})
	if _, ok := findMsg[protocol.Pong](poll(t, h, sid)); !ok {
		t.Fatal("no pong after rejected subscribe")
	}
}

func TestSubscribeMixedGrantsPublicOnly(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)

	send(t, h, sid, protocol.Subscribe{Channels: []string{"prices", "notifications"}})
	msgs := poll(t, h, sid)
	sub, _ := findMsg[protocol.Subscribed](msgs)
	if !reflect.DeepEqual(sub.Channels, []string{"prices"}) {
		t.Fatalf("subscribed = %v, want [prices]", sub.Channels)
	}
	e, _ := findMsg[protocol.Error](msgs)
	if !reflect.DeepEqual(e.Channels, []string{"notifications"}) {
		t.Fatalf("error channels = %v", e.Channels)
	}
}

func TestSubscribeOtherUsersOrders(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	authenticateAs(t, h, sid, "user1", "tok-user1")

	granted, err := h.Subscribe(sid, []string{"orders:user2", "orders:user1"})
	if !errors.Is(err, ErrForbiddenChannel) {
		t.Fatalf("err = %v, want ErrForbiddenChannel", err)
	}
	if !reflect.DeepEqual(granted, []string{"orders:user1"}) {
		t.Fatalf("granted = %v", granted)
	}
	e, _ := findMsg[protocol.Error](poll(t, h, sid))
	if e.Code != protocol.CodeForbidden {
		t.Fatalf("code = %q, want forbidden", e.Code)
	}
}

func TestSubscribeEmpty(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	if _, err := h.Subscribe(sid, []string{" ", ""}); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.Subscribe("nope", []string{"prices"}); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("err = %v", err)
	}
}

func TestAuthFailureCodes(t *testing.T) {
	tests := []struct {
		name string
		auth protocol.Authenticate
		code string
	}{
		{"unknown token", protocol.Authenticate{UserID: "user1", Token: "bogus"}, protocol.CodeInvalidToken},
		{"wrong user", protocol.Authenticate{UserID: "user2", Token: "tok-user1"}, protocol.CodeUserMismatch},
		{"missing user", protocol.Authenticate{Token: "tok-user1"}, protocol.CodeUserMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHub(t, testConfig())
			sid := openPoll(t, h)
			send(t, h, sid, tt.auth)
			msgs := poll(t, h, sid)

			a, ok := findMsg[protocol.Authenticated](msgs)
			if !ok || a.Success || a.Code != tt.code {
				t.Fatalf("authenticated = %+v, want failure %s", a, tt.code)
			}
			ae, ok := findMsg[protocol.AuthError](msgs)
			if !ok || ae.Code != tt.code {
				t.Fatalf("auth_error = %+v", ae)
			}
			c, _ := h.Conn(sid)
			if c.State() != StateConnected {
				t.Fatalf("state = %s, want connected", c.State())
			}
		})
	}
}

func TestExpiredToken(t *testing.T) {
	h, tokens := newTestHub(t, testConfig())
	tokens.Put("old", "user1", time.Now().Add(-time.Minute))
	sid := openPoll(t, h)
	send(t, h, sid, protocol.Authenticate{UserID: "user1", Token: "old"})
	ae, _ := findMsg[protocol.AuthError](poll(t, h, sid))
	if ae.Code != protocol.CodeExpiredToken {
		t.Fatalf("code = %q", ae.Code)
	}
}

func TestFailedReauthDropsPrivateChannels(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	authenticateAs(t, h, sid, "user1", "tok-user1")
	send(t, h, sid, protocol.Subscribe{Channels: []string{"prices", "orders:user1", "notifications"}})
	poll(t, h, sid)

	send(t, h, sid, protocol.Authenticate{UserID: "user1", Token: "revoked"})
	poll(t, h, sid)

	if got := h.Registry().Channels(sid); !reflect.DeepEqual(got, []string{"prices"}) {
		t.Fatalf("channels after failed re-auth = %v, want [prices]", got)
	}
	c, _ := h.Conn(sid)
	if c.UserID() != "" {
		t.Fatalf("user id kept after failed auth: %q", c.UserID())
	}
}

func TestReauthAsOtherUserDropsPrivateChannels(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	authenticateAs(t, h, sid, "user1", "tok-user1")
	send(t, h, sid, protocol.Subscribe{Channels: []string{"prices", "orders:user1"}})
	poll(t, h, sid)

	authenticateAs(t, h, sid, "user2", "tok-user2")
	if got := h.Registry().Channels(sid); !reflect.DeepEqual(got, []string{"prices"}) {
		t.Fatalf("channels = %v", got)
	}
}

func TestReauthInFlightHoldsNoPrivateChannels(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	validator := auth.ValidatorFunc(func(ctx context.Context, token string) (string, error) {
		if token == "slow" {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "user1", nil
	})
	h := NewHub(testConfig(), Options{Validator: validator, Logger: quietLogger()})
	t.Cleanup(h.Close)

	sid := openPoll(t, h)
	authenticateAs(t, h, sid, "user1", "tok-user1")
	send(t, h, sid, protocol.Subscribe{Channels: []string{"prices", "orders:user1", "notifications"}})
	poll(t, h, sid)

	done := make(chan error, 1)
	go func() {
		done <- h.PollSend(sid, []json.RawMessage{
			protocol.MustEncode(protocol.Authenticate{UserID: "user1", Token: "slow"}),
		})
	}()
	<-entered

	c, _ := h.Conn(sid)
	if c.State() != StateAuthenticating {
		close(release)
		t.Fatalf("state = %s, want authenticating", c.State())
	}
	orders := h.Registry().Has(sid, "orders:user1")
	notes := h.Registry().Has(sid, "notifications")
	delivered := h.Broadcast("orders:user1", protocol.OrderUpdate{UserID: "user1"})
	prices := h.Registry().Has(sid, "prices")
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if orders || notes || delivered != 0 {
		t.Fatalf("private channels held while authenticating: orders=%v notifications=%v delivered=%d", orders, notes, delivered)
	}
	if !prices {
		t.Fatal("public channel dropped during re-auth")
	}
	if c.State() != StateAuthenticated || c.UserID() != "user1" {
		t.Fatalf("state = %s user = %q after re-auth", c.State(), c.UserID())
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	a := openPoll(t, h)
	b := openPoll(t, h)
	send(t, h, a, protocol.Subscribe{Channels: []string{"prices"}})
	poll(t, h, a)

	h.PublishTick(tick("BTC", "50000.5", time.Now()))

	pu, ok := findMsg[protocol.PriceUpdate](poll(t, h, a))
	if !ok {
		t.Fatal("subscriber got no price_update")
	}
	if pu.Prices["btc"] != "50000.5" || pu.Source != "primary" {
		t.Fatalf("price_update = %+v", pu)
	}
	if msgs := poll(t, h, b); len(msgs) != 0 {
		t.Fatalf("non-subscriber received %v", msgs)
	}
}

func TestStaleTickNotBroadcast(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	send(t, h, sid, protocol.Subscribe{Channels: []string{"prices"}})
	poll(t, h, sid)

	now := time.Now()
	h.PublishTick(tick("eth", "3000", now))
	h.PublishTick(tick("eth", "2900", now.Add(-time.Second)))

	msgs := poll(t, h, sid)
	n := 0
	for _, m := range msgs {
		if _, ok := m.(protocol.PriceUpdate); ok {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("got %d price updates, want 1", n)
	}
	if got, _ := h.Cache().Get("ETH"); got.Price.String() != "3000" {
		t.Fatalf("cached price = %s", got.Price)
	}
}

func TestInvalidTickDropped(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	h.PublishTick(tick("btc", "0", time.Now()))
	h.PublishTick(model.PriceTick{Symbol: "btc", Price: decimal.NewFromInt(1), Source: "bogus"})
	h.PublishTick(model.PriceTick{Symbol: " ", Price: decimal.NewFromInt(1), Source: model.SourcePrimary})
	if h.Cache().Len() != 0 {
		t.Fatal("invalid tick reached the cache")
	}
}

func TestOrderUpdateRouting(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	a := openPoll(t, h)
	b := openPoll(t, h)
	authenticateAs(t, h, a, "user1", "tok-user1")
	authenticateAs(t, h, b, "user2", "tok-user2")
	send(t, h, a, protocol.Subscribe{Channels: []string{OrdersChannel("user1")}})
	send(t, h, b, protocol.Subscribe{Channels: []string{OrdersChannel("user2")}})
	poll(t, h, a)
	poll(t, h, b)

	h.PublishEvent(model.Event{Type: model.EventOrderUpdate, UserID: "user1", Payload: json.RawMessage(`{"id":"o1"}`)})
	h.PublishEvent(model.Event{Type: model.EventOrderUpdate, Payload: json.RawMessage(`{"id":"anon"}`)})

	ou, ok := findMsg[protocol.OrderUpdate](poll(t, h, a))
	if !ok || string(ou.Payload) != `{"id":"o1"}` {
		t.Fatalf("order update = %+v", ou)
	}
	if msgs := poll(t, h, b); len(msgs) != 0 {
		t.Fatalf("other user received %v", msgs)
	}
}

func TestNotificationUserFilter(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	a := openPoll(t, h)
	b := openPoll(t, h)
	authenticateAs(t, h, a, "user1", "tok-user1")
	authenticateAs(t, h, b, "user2", "tok-user2")
	for _, sid := range []string{a, b} {
		send(t, h, sid, protocol.Subscribe{Channels: []string{ChannelNotifications}})
		poll(t, h, sid)
	}

	h.PublishEvent(model.Event{Type: model.EventNotification, UserID: "user1", Payload: json.RawMessage(`"hi"`)})
	if _, ok := findMsg[protocol.Notification](poll(t, h, a)); !ok {
		t.Fatal("addressee got nothing")
	}
	if msgs := poll(t, h, b); len(msgs) != 0 {
		t.Fatalf("user2 received %v", msgs)
	}

	h.PublishEvent(model.Event{Type: model.EventNotification, Payload: json.RawMessage(`"all"`)})
	for _, sid := range []string{a, b} {
		if _, ok := findMsg[protocol.Notification](poll(t, h, sid)); !ok {
			t.Fatalf("%s missed broadcast notification", sid)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	send(t, h, sid, protocol.Subscribe{Channels: []string{"prices"}})
	send(t, h, sid, protocol.Unsubscribe{Channels: []string{"prices", "never-joined"}})

	u, ok := findMsg[protocol.Unsubscribed](poll(t, h, sid))
	if !ok || !reflect.DeepEqual(u.Channels, []string{"prices", "never-joined"}) {
		t.Fatalf("unsubscribed = %+v", u)
	}
	if h.Registry().ChannelCount() != 0 {
		t.Fatal("membership left behind")
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	h, _ := newTestHub(t, cfg)

	c, err := h.OpenPoll("silent")
	if err != nil {
		t.Fatal(err)
	}
	h.Subscribe(c.ID(), []string{"prices"})

	waitDone(t, c)
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
	if h.Registry().ChannelCount() != 0 || h.ConnCount() != 0 {
		t.Fatal("timed out connection left state behind")
	}
}

func TestSlowConsumerEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 4
	h, _ := newTestHub(t, cfg)

	slow, _ := h.OpenPoll("slow")
	fast := openPoll(t, h)
	h.Subscribe(slow.ID(), []string{"prices"})
	h.Subscribe(fast, []string{"prices"})
	poll(t, h, fast)

	base := time.Now()
	for i := 0; i < 3; i++ {
		h.PublishTick(tick("btc", fmt.Sprint(100+i), base.Add(time.Duration(i)*time.Millisecond)))
	}
	if got := len(poll(t, h, fast)); got != 3 {
		t.Fatalf("fast consumer got %d messages, want 3", got)
	}

	waitDone(t, slow)
	if slow.State() != StateFailed {
		t.Fatalf("slow state = %s", slow.State())
	}
	if h.Registry().Has(slow.ID(), "prices") {
		t.Fatal("evicted connection still subscribed")
	}
}

func TestTeardownLeavesNoMemberships(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 1024
	h, _ := newTestHub(t, cfg)

	stop := make(chan struct{})
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.Broadcast(ChannelPrices, protocol.PriceUpdate{Prices: map[string]string{"btc": "1"}})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := h.OpenPoll("load")
			if err != nil {
				t.Error(err)
				return
			}
			h.Subscribe(c.ID(), []string{"prices", "extra"})
			h.Disconnect(c.ID(), "client_close")
			h.Subscribe(c.ID(), []string{"prices"})
		}()
	}
	wg.Wait()
	close(stop)
	bg.Wait()

	if n := h.Registry().ChannelCount(); n != 0 {
		t.Fatalf("%d channels still have members", n)
	}
	if n := h.ConnCount(); n != 0 {
		t.Fatalf("%d connections still registered", n)
	}
}

func TestInboundRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.InboundRate = 1
	cfg.InboundBurst = 2
	h, _ := newTestHub(t, cfg)
	sid := openPoll(t, h)

	send(t, h, sid, protocol.Ping{}, protocol.Ping{}, protocol.Ping{}, protocol.Ping{})
	msgs := poll(t, h, sid)
	var pongs, limited int
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.Pong:
			pongs++
		case protocol.Error:
			if v.Code == protocol.CodeRateLimited {
				limited++
			}
		}
	}
	if pongs != 2 || limited != 1 {
		t.Fatalf("pongs = %d limited = %d, want 2 and 1", pongs, limited)
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	err := h.PollSend(sid, []json.RawMessage{
		json.RawMessage(`{"no_type":true}`),
		json.RawMessage(`{"type":"launch_rockets"}`),
		json.RawMessage(`"text"`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if msgs := poll(t, h, sid); len(msgs) != 0 {
		t.Fatalf("replies to malformed frames: %v", msgs)
	}
	if c, ok := h.Conn(sid); !ok || c.State() != StateConnected {
		t.Fatal("connection closed by malformed frames")
	}
}

func TestCloseRejectsNewConnections(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	c, _ := h.OpenPoll("x")
	h.Close()
	waitDone(t, c)
	if _, err := h.OpenPoll("y"); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("err = %v, want ErrHubClosed", err)
	}
}

func TestClosedPollSessionIsGone(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	h.now = func() time.Time { return time.Unix(0, now.Load()) }

	sid := openPoll(t, h)
	if err := h.ClosePoll(sid); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Poll(context.Background(), sid); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("poll after close: err = %v, want ErrConnectionClosed", err)
	}
	if err := h.PollSend(sid, nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("send after close: err = %v, want ErrConnectionClosed", err)
	}
	if _, err := h.Poll(context.Background(), "never-opened"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("unknown sid: err = %v, want ErrUnknownConnection", err)
	}

	now.Add(int64(endedSessionTTL))
	other := openPoll(t, h)
	h.Disconnect(other, "client_close")
	if _, err := h.Poll(context.Background(), sid); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expired sid: err = %v, want ErrUnknownConnection", err)
	}
	h.mu.RLock()
	n := len(h.ended)
	h.mu.RUnlock()
	if n != 1 {
		t.Fatalf("remembered sessions = %d, want 1", n)
	}
}

func TestStats(t *testing.T) {
	h, _ := newTestHub(t, testConfig())
	sid := openPoll(t, h)
	authenticateAs(t, h, sid, "user1", "tok-user1")
	h.Subscribe(sid, []string{"prices"})
	h.PublishTick(tick("sol", "150", time.Now()))

	s := h.Stats()
	if s.Connections != 1 || s.ByTransport["polling"] != 1 || s.ByState["authenticated"] != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if s.Channels != 1 || s.Symbols != 1 || s.Latency.Count != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
