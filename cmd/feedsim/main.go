// cmd/feedsim is a demo price publisher for running the gateway without a
// real upstream. It random-walks a few symbols and publishes every tick as
//
//	{"symbol":"btc","price":"64012.5","ts":1700000000000}
//
// to Redis (prices:<symbol>), NATS (prices.<symbol>) and/or websocket
// clients on /ws, depending on which outputs are configured.
//
// Config (env vars):
//
//	FEEDSIM_REDIS_ADDR    Redis address; empty disables Redis
//	FEEDSIM_NATS_URL      NATS URL; empty disables NATS
//	FEEDSIM_WS_ADDR       websocket listen address; empty disables (e.g. ":9001")
//	FEEDSIM_SYMBOLS       comma-separated SYMBOL:PRICE pairs (default "btc:64000,eth:3200,sol:150")
//	FEEDSIM_INTERVAL_MS   publish interval in milliseconds (default 500)
//	LOG_LEVEL             debug | info | warn | error
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cryptodesk/internal/logger"
)

type tickMsg struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     int64           `json:"ts"`
}

type instrument struct {
	Symbol string
	Price  decimal.Decimal
}

// publisher is one output for generated ticks.
type publisher interface {
	publish(ctx context.Context, symbol string, payload []byte) error
}

type redisPublisher struct{ client *goredis.Client }

func (p redisPublisher) publish(ctx context.Context, symbol string, payload []byte) error {
	return p.client.Publish(ctx, "prices:"+symbol, payload).Err()
}

type natsPublisher struct{ conn *nats.Conn }

func (p natsPublisher) publish(_ context.Context, symbol string, payload []byte) error {
	return p.conn.Publish("prices."+symbol, payload)
}

// ─── websocket hub ────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) publish(_ context.Context, _ string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- payload:
		default: // slow client
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "err", err)
			return
		}
		log.Info("client connected", "remote", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Info("client disconnected", "remote", r.RemoteAddr)
		}()

		// Drain reads so close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── generator ────────────────────────────────────────────────────────────────

var (
	walkStep  = decimal.RequireFromString("0.001")
	priceTick = decimal.RequireFromString("0.01")
)

// walkPrice moves price by up to ±0.1%, rounded to cents, never below one
// cent.
func walkPrice(rng *rand.Rand, price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat(rng.Float64()*2 - 1).Mul(walkStep)
	next := price.Add(price.Mul(pct)).Round(2)
	if next.LessThan(priceTick) {
		return priceTick
	}
	return next
}

func runGenerator(ctx context.Context, pubs []publisher, instruments []instrument, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i := range instruments {
				instruments[i].Price = walkPrice(rng, instruments[i].Price)
				b, err := json.Marshal(tickMsg{
					Symbol: instruments[i].Symbol,
					Price:  instruments[i].Price,
					TS:     now.UnixMilli(),
				})
				if err != nil {
					continue
				}
				for _, p := range pubs {
					if err := p.publish(ctx, instruments[i].Symbol, b); err != nil && ctx.Err() == nil {
						log.Warn("publish failed", "symbol", instruments[i].Symbol, "err", err)
					}
				}
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log := logger.Init("feedsim", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	if err := run(log); err != nil {
		log.Error("feedsim exited", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instruments := parseInstruments(envOrDefault("FEEDSIM_SYMBOLS", "btc:64000,eth:3200,sol:150"), log)
	if len(instruments) == 0 {
		return errors.New("no instruments configured via FEEDSIM_SYMBOLS")
	}
	interval := time.Duration(envIntOrDefault("FEEDSIM_INTERVAL_MS", 500)) * time.Millisecond

	var pubs []publisher
	if addr := os.Getenv("FEEDSIM_REDIS_ADDR"); addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		pubs = append(pubs, redisPublisher{client: rdb})
		log.Info("publishing to redis", "addr", addr)
	}
	if url := os.Getenv("FEEDSIM_NATS_URL"); url != "" {
		nc, err := nats.Connect(url, nats.Name("cryptodesk-feedsim"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		pubs = append(pubs, natsPublisher{conn: nc})
		log.Info("publishing to nats", "url", url)
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := os.Getenv("FEEDSIM_WS_ADDR"); addr != "" {
		h := newHub()
		pubs = append(pubs, h)

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", wsHandler(h, log))
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
		})
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("websocket listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if len(pubs) == 0 {
		return errors.New("no outputs: set FEEDSIM_REDIS_ADDR, FEEDSIM_NATS_URL or FEEDSIM_WS_ADDR")
	}

	log.Info("generating", "symbols", len(instruments), "interval", interval)
	g.Go(func() error {
		runGenerator(gctx, pubs, instruments, interval, log)
		return nil
	})
	return g.Wait()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string, log *slog.Logger) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		sym := strings.ToLower(strings.TrimSpace(seg[0]))
		price := decimal.NewFromInt(100)
		if len(seg) == 2 {
			p, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
			if err != nil || !p.IsPositive() {
				log.Warn("skipping invalid symbol spec", "spec", part)
				continue
			}
			price = p
		}
		result = append(result, instrument{Symbol: sym, Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
