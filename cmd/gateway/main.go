// cmd/gateway is the realtime gateway: websocket and long-polling sessions,
// the dedicated price stream, upstream feed ingestion and the REST liveness
// routes, in one process.
//
// Config comes from an optional YAML file (-config) plus env overrides; see
// config.Load for the variables.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"cryptodesk/config"
	"cryptodesk/internal/auth"
	"cryptodesk/internal/gateway"
	"cryptodesk/internal/healthsrv"
	"cryptodesk/internal/httpapi"
	"cryptodesk/internal/ingest"
	"cryptodesk/internal/logger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
	"cryptodesk/internal/notification"
	"cryptodesk/internal/pricecache"
	"cryptodesk/internal/ratelimit"
	redisstore "cryptodesk/internal/store/redis"
	sqlitestore "cryptodesk/internal/store/sqlite"
)

const (
	journalRetention = 7 * 24 * time.Hour
	pruneInterval    = time.Hour
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init("gateway", logger.ParseLevel(cfg.Server.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("gateway exited", "err", err)
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	var err error
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	// ---- Redis (sessions, rate limits, feeds, events) ----
	var rdb *goredis.Client
	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		log.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
		prom.CircuitState(int(to))
	}
	if cfg.Redis.Addr != "" {
		rdb, err = redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			if cfg.Auth.Backend == "redis" {
				return fmt.Errorf("redis: %w", err)
			}
			log.Warn("redis unavailable, continuing without it", "err", err)
			rdb = nil
		}
		health.SetRedisConnected(rdb != nil)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// ---- Session validation ----
	var validator auth.Validator
	var pool *pgxpool.Pool
	switch cfg.Auth.Backend {
	case "postgres":
		pool, err = auth.NewPostgresPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		validator = auth.NewPostgresValidator(pool)
	default:
		validator = auth.NewRedisValidator(rdb, cb)
	}
	log.Info("session validation ready", "backend", cfg.Auth.Backend)

	// ---- Price journal (optional) ----
	cache := pricecache.New()
	var journal *sqlitestore.Journal
	if cfg.SQLite.Path != "" {
		journal, err = sqlitestore.Open(sqlitestore.Config{
			Path:          cfg.SQLite.Path,
			BatchSize:     cfg.SQLite.BatchSize,
			FlushInterval: cfg.SQLite.FlushInterval,
			Logger:        log,
			Metrics:       prom,
		})
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defer journal.Close()
		health.SetSQLiteOK(true)

		latest, err := journal.LoadLatest(ctx)
		if err != nil {
			log.Warn("could not warm price cache", "err", err)
		} else {
			log.Info("price cache warmed", "symbols", cache.Warm(latest))
		}
	}

	// ---- Hub ----
	hub := gateway.NewHub(gateway.Config{
		PingInterval:    cfg.Gateway.PingInterval,
		PongTimeout:     cfg.Gateway.PongTimeout,
		SendBuffer:      cfg.Gateway.SendBuffer,
		InboundRate:     cfg.Gateway.InboundRate,
		InboundBurst:    cfg.Gateway.InboundBurst,
		PollWait:        cfg.Gateway.PollWait,
		StreamKeepAlive: cfg.Gateway.StreamKeepAlive,
		PublicChannels:  cfg.Gateway.PublicChannels,
		AllowedOrigins:  cfg.Gateway.AllowedOrigins,
	}, gateway.Options{
		Validator: validator,
		Cache:     cache,
		Metrics:   prom,
		Health:    health,
		Logger:    log,
	})

	notifiers := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Alerts.WebhookURL))
	}
	supervisor := ingest.NewSupervisor(ingest.SupervisorOptions{
		StaleAfter: cfg.Alerts.StaleAfter,
		Sink:       hub,
		Notifier:   notifiers,
		Health:     health,
		Metrics:    prom,
		Logger:     log,
	})

	// ---- Feeds ----
	feeds, err := buildFeeds(cfg, rdb, prom, log)
	if err != nil {
		return err
	}

	tickCh := make(chan model.PriceTick, 10000)
	fanout := ingest.NewFanOut(5000)
	fanout.OnDrop = prom.FanoutDrop
	liveCh := fanout.Subscribe("hub")
	var journalCh <-chan model.PriceTick
	if journal != nil {
		journalCh = fanout.Subscribe("journal")
	}

	// ---- HTTP ----
	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	if rdb != nil {
		limiter = &ratelimit.Fallback{
			Primary:   redisstore.NewRateLimiter(rdb, cb, cfg.RateLimit.Limit, cfg.RateLimit.Window),
			Secondary: limiter,
			Log:       log,
		}
	}
	router := httpapi.NewRouter(httpapi.Options{
		Hub:            hub,
		Health:         health,
		Metrics:        prom,
		Limiter:        limiter,
		Gatherer:       reg,
		FanOut:         fanout,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Logger:         log,
	})
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sqlDB *sql.DB
	if journal != nil {
		sqlDB = journal.DB()
	}
	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	g, gctx := errgroup.WithContext(ctx)

	for _, f := range feeds {
		g.Go(func() error {
			log.Info("feed started", "feed", f.Name())
			if err := f.Run(gctx, tickCh); err != nil {
				// Keep serving; the supervisor marks the source stale.
				log.Error("feed stopped", "feed", f.Name(), "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		fanout.Run(gctx, tickCh)
		return nil
	})
	g.Go(func() error {
		ingest.Forward(gctx, liveCh, hub, supervisor)
		return nil
	})
	g.Go(func() error { return supervisor.Run(gctx) })

	if journal != nil {
		g.Go(func() error {
			journal.Run(gctx, journalCh)
			return nil
		})
		g.Go(func() error {
			pruneLoop(gctx, journal, log)
			return nil
		})
	}

	if rdb != nil {
		events := ingest.NewRedisEvents(rdb, cfg.Redis.EventPattern, hub, log)
		g.Go(func() error {
			if err := events.Run(gctx); err != nil {
				log.Error("redis events stopped", "err", err)
			}
			return nil
		})
	}
	if cfg.Kafka.Topic != "" {
		reader := ingest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic)
		events := ingest.NewKafkaEvents(reader, hub, log)
		g.Go(func() error {
			if err := events.Run(gctx); err != nil {
				log.Error("kafka events stopped", "err", err)
			}
			return nil
		})
	}

	if cfg.Server.GRPCHealthAddr != "" {
		hs := healthsrv.New(log)
		hs.Follow(health)
		g.Go(func() error { return hs.ListenAndServe(gctx, cfg.Server.GRPCHealthAddr) })
	}

	g.Go(func() error {
		log.Info("http listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildFeeds(cfg *config.Config, rdb *goredis.Client, prom *metrics.Metrics, log *slog.Logger) ([]ingest.Feed, error) {
	var feeds []ingest.Feed
	for _, fc := range cfg.Feeds {
		source := model.Source(fc.Source)
		drop := func() { prom.FanoutDrop("feed:" + fc.Name) }
		switch fc.Kind {
		case "redis":
			if rdb == nil {
				log.Warn("skipping redis feed, redis unavailable", "feed", fc.Name)
				continue
			}
			f := ingest.NewRedisFeed(fc.Name, source, rdb, cfg.Redis.PricePattern, log)
			f.OnDrop = drop
			feeds = append(feeds, f)
		case "nats":
			f := ingest.NewNATSFeed(fc.Name, source, ingest.NATSConfig{
				URL:           cfg.NATS.URL,
				Subject:       cfg.NATS.Subject,
				ReconnectWait: cfg.NATS.ReconnectWait,
				MaxReconnects: cfg.NATS.MaxReconnects,
			}, log)
			f.OnDrop = drop
			feeds = append(feeds, f)
		case "websocket":
			f, err := ingest.NewWSFeed(fc.Name, source, ingest.WSConfig{URL: fc.URL}, log)
			if err != nil {
				return nil, fmt.Errorf("feed %s: %w", fc.Name, err)
			}
			f.OnDrop = drop
			f.OnReconnect = func() { log.Info("feed reconnecting", "feed", fc.Name) }
			feeds = append(feeds, f)
		}
	}
	if len(feeds) == 0 {
		log.Warn("no price feeds configured")
	}
	return feeds, nil
}

func pruneLoop(ctx context.Context, j *sqlitestore.Journal, log *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx, time.Now().Add(-journalRetention))
			if err != nil {
				log.Warn("journal prune failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("journal pruned", "rows", n)
			}
		}
	}
}
