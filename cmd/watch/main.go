// cmd/watch is a terminal client for the gateway. It keeps a realtime
// session (websocket with long-polling fallback), the dedicated price stream
// and the liveness probes running, and logs what it sees.
//
//	watch -base http://localhost:8080 -user user1 -token tok-user1 -channels prices,notifications
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cryptodesk/internal/logger"
	"cryptodesk/pkg/keepalive"
	"cryptodesk/pkg/pricestream"
	"cryptodesk/pkg/protocol"
	"cryptodesk/pkg/realtime"
)

func main() {
	base := flag.String("base", envOrDefault("WATCH_BASE_URL", "http://localhost:8080"), "gateway base URL")
	user := flag.String("user", os.Getenv("WATCH_USER_ID"), "user id (optional)")
	token := flag.String("token", os.Getenv("WATCH_TOKEN"), "session token (optional)")
	channels := flag.String("channels", envOrDefault("WATCH_CHANNELS", "prices"), "comma-separated channels")
	probe := flag.Bool("keepalive", true, "probe /api/ping to keep the backend awake")
	every := flag.Duration("summary", 30*time.Second, "how often to log a status summary")
	level := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "debug | info | warn | error")
	flag.Parse()

	log := logger.Init("watch", logger.ParseLevel(*level))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpBase := strings.TrimRight(*base, "/")
	wsBase := "ws" + strings.TrimPrefix(httpBase, "http")

	rt, err := realtime.New(realtime.Config{
		Dialers: []realtime.Dialer{
			realtime.WSDialer{URL: wsBase + "/rt/ws"},
			realtime.PollDialer{BaseURL: httpBase + "/rt/poll"},
		},
		Logger: log,
	})
	if err != nil {
		log.Error("realtime client", "err", err)
		os.Exit(1)
	}
	defer rt.Close()
	watchRealtime(rt, log)

	ps, err := pricestream.New(pricestream.Config{URL: wsBase + "/prices/ws", Logger: log})
	if err != nil {
		log.Error("price stream client", "err", err)
		os.Exit(1)
	}
	ps.OnStatus = func(s protocol.Status) {
		log.Info("feed status", "state", s.State, "source", s.Source)
	}
	ps.OnNotice = func(msg string) { log.Warn(msg) }
	ps.Start()
	defer ps.Stop()

	if *probe {
		ka, err := keepalive.New(keepalive.Config{
			PingURL:   httpBase + "/api/ping",
			HealthURL: httpBase + "/api/health",
			Logger:    log,
		})
		if err != nil {
			log.Error("keepalive", "err", err)
			os.Exit(1)
		}
		ka.Start()
		defer ka.Stop()
	}

	rt.Subscribe(splitList(*channels)...)
	if err := rt.Connect(realtime.Credentials{UserID: *user, Token: *token}); err != nil {
		log.Error("connect", "err", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopping")
			return
		case <-ticker.C:
			summarize(rt, ps, log)
		}
	}
}

func watchRealtime(rt *realtime.Client, log *slog.Logger) {
	rt.On(realtime.EventConnect, func(realtime.Event) {
		st := rt.Status()
		log.Info("connected", "transport", st.Transport, "degraded", st.Degraded)
	})
	rt.On(realtime.EventReady, func(realtime.Event) {
		log.Info("session ready", "user", rt.Status().UserID)
	})
	rt.On(realtime.EventDisconnect, func(ev realtime.Event) {
		log.Warn("disconnected", "err", ev.Err)
	})
	rt.On(realtime.EventReconnecting, func(ev realtime.Event) {
		log.Info("reconnecting", "attempt", ev.Attempt, "delay", ev.Delay)
	})
	rt.On(realtime.EventFailed, func(ev realtime.Event) {
		log.Error("gave up reconnecting", "attempts", ev.Attempt, "err", ev.Err)
	})
	rt.On(realtime.EventAuthError, func(ev realtime.Event) {
		log.Warn("authentication rejected; continuing with public channels", "err", ev.Err)
	})
	rt.On(realtime.EventSubscribed, func(ev realtime.Event) {
		if m, ok := ev.Message.(protocol.Subscribed); ok {
			log.Info("subscribed", "channels", m.Channels)
		}
	})
	rt.On(realtime.EventError, func(ev realtime.Event) {
		if m, ok := ev.Message.(protocol.Error); ok {
			log.Warn("gateway error", "code", m.Code, "message", m.Message)
		}
	})
	rt.On(string(protocol.TypePriceUpdate), func(ev realtime.Event) {
		if m, ok := ev.Message.(protocol.PriceUpdate); ok {
			log.Debug("price update", "prices", m.Prices, "source", m.Source)
		}
	})
	rt.On(string(protocol.TypeNotification), func(ev realtime.Event) {
		if m, ok := ev.Message.(protocol.Notification); ok {
			log.Info("notification", "payload", string(m.Payload))
		}
	})
	rt.On(string(protocol.TypeOrderUpdate), func(ev realtime.Event) {
		if m, ok := ev.Message.(protocol.OrderUpdate); ok {
			log.Info("order update", "payload", string(m.Payload))
		}
	})
}

func summarize(rt *realtime.Client, ps *pricestream.Client, log *slog.Logger) {
	st := rt.Status()
	prices := ps.Prices()
	syms := make([]string, 0, len(prices))
	for s := range prices {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	attrs := []any{
		"session", st.State,
		"transport", st.Transport,
		"channels", st.Channels,
		"stream_connected", ps.Status().IsConnected,
	}
	for _, s := range syms {
		attrs = append(attrs, s, prices[s].String())
	}
	log.Info("summary", attrs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
