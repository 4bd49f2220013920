package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the gateway process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Feeds     []FeedConfig    `yaml:"feeds"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	GRPCHealthAddr string        `yaml:"grpc_health_addr"`
	LogLevel       string        `yaml:"log_level"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// GatewayConfig tunes connection handling.
type GatewayConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	SendBuffer      int           `yaml:"send_buffer"`
	PollWait        time.Duration `yaml:"poll_wait"`
	InboundRate     float64       `yaml:"inbound_rate"`
	InboundBurst    int           `yaml:"inbound_burst"`
	StreamKeepAlive time.Duration `yaml:"stream_keepalive"`
	PublicChannels  []string      `yaml:"public_channels"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// PricePattern is the PSubscribe pattern for upstream ticks.
	PricePattern string `yaml:"price_pattern"`
	// EventPattern is the PSubscribe pattern for notifications and order updates.
	EventPattern string `yaml:"event_pattern"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SQLiteConfig struct {
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuthConfig selects the session store used to validate tokens.
type AuthConfig struct {
	Backend string `yaml:"backend"` // redis | postgres
}

type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// FeedConfig describes one upstream price source.
type FeedConfig struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`   // redis | nats | websocket
	Source string `yaml:"source"` // primary | secondary
	URL    string `yaml:"url"`    // websocket feeds only
}

type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Load reads an optional .env file, the YAML file at path (may be empty),
// then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.GRPCHealthAddr = getEnv("GRPC_HEALTH_ADDR", c.Server.GRPCHealthAddr)
	c.Server.LogLevel = getEnv("LOG_LEVEL", c.Server.LogLevel)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)
	c.SQLite.Path = getEnv("SQLITE_PATH", c.SQLite.Path)
	c.Auth.Backend = getEnv("AUTH_BACKEND", c.Auth.Backend)
	c.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alerts.WebhookURL)
	c.RateLimit.Limit = getEnvInt("RATE_LIMIT", c.RateLimit.Limit)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}

	g := &c.Gateway
	if g.PingInterval == 0 {
		g.PingInterval = 25 * time.Second
	}
	if g.PongTimeout == 0 {
		g.PongTimeout = 60 * time.Second
	}
	if g.SendBuffer == 0 {
		g.SendBuffer = 256
	}
	if g.PollWait == 0 {
		g.PollWait = 20 * time.Second
	}
	if g.InboundRate == 0 {
		g.InboundRate = 20
	}
	if g.InboundBurst == 0 {
		g.InboundBurst = 40
	}
	if g.StreamKeepAlive == 0 {
		g.StreamKeepAlive = 20 * time.Second
	}
	if len(g.PublicChannels) == 0 {
		g.PublicChannels = []string{"prices"}
	}

	if c.Redis.PricePattern == "" {
		c.Redis.PricePattern = "prices:*"
	}
	if c.Redis.EventPattern == "" {
		c.Redis.EventPattern = "events:*"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "prices.>"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "cryptodesk-gateway"
	}
	if c.SQLite.BatchSize == 0 {
		c.SQLite.BatchSize = 200
	}
	if c.SQLite.FlushInterval == 0 {
		c.SQLite.FlushInterval = time.Second
	}
	if c.Auth.Backend == "" {
		c.Auth.Backend = "redis"
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 60
	}
	if c.Alerts.StaleAfter == 0 {
		c.Alerts.StaleAfter = 15 * time.Second
	}
	for i := range c.Feeds {
		if c.Feeds[i].Source == "" {
			c.Feeds[i].Source = "primary"
		}
		if c.Feeds[i].Name == "" {
			c.Feeds[i].Name = c.Feeds[i].Kind + "-" + c.Feeds[i].Source
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.PongTimeout <= c.Gateway.PingInterval {
		errs = append(errs, errors.New("gateway.pong_timeout must exceed gateway.ping_interval"))
	}
	if c.Gateway.SendBuffer < 1 {
		errs = append(errs, errors.New("gateway.send_buffer must be positive"))
	}
	switch c.Auth.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("auth.backend=redis requires redis.addr"))
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("auth.backend=postgres requires postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.backend %q", c.Auth.Backend))
	}
	for _, f := range c.Feeds {
		switch f.Kind {
		case "redis":
			if c.Redis.Addr == "" {
				errs = append(errs, fmt.Errorf("feed %s: redis.addr not set", f.Name))
			}
		case "nats":
			if c.NATS.URL == "" {
				errs = append(errs, fmt.Errorf("feed %s: nats.url not set", f.Name))
			}
		case "websocket":
			if f.URL == "" {
				errs = append(errs, fmt.Errorf("feed %s: url not set", f.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("feed %s: unknown kind %q", f.Name, f.Kind))
		}
		if f.Source != "primary" && f.Source != "secondary" {
			errs = append(errs, fmt.Errorf("feed %s: source must be primary or secondary", f.Name))
		}
	}
	if c.Kafka.Topic != "" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.topic set without kafka.brokers"))
	}
	return errors.Join(errs...)
}

// IsPublic reports whether ch can be joined without authenticating.
func (g GatewayConfig) IsPublic(ch string) bool {
	for _, p := range g.PublicChannels {
		if p == ch {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
