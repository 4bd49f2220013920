package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the real-time gateway.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	Connections      *prometheus.GaugeVec   // labels: transport
	ConnectionsTotal *prometheus.CounterVec // labels: transport
	Disconnects      *prometheus.CounterVec // labels: reason
	AuthResults      *prometheus.CounterVec // labels: result
	Subscriptions    *prometheus.CounterVec // labels: result
	Broadcasts       *prometheus.CounterVec // labels: channel_class
	SendDrops        prometheus.Counter
	HeartbeatFails   prometheus.Counter
	InboundDropped   prometheus.Counter
	ProtocolErrors   prometheus.Counter

	TicksApplied   *prometheus.CounterVec // labels: source
	TicksStale     prometheus.Counter
	FanoutDrops    *prometheus.CounterVec // labels: subscriber
	E2ELatency     prometheus.Histogram
	FeedState      *prometheus.GaugeVec // labels: feed; 1=live 0=down
	StreamPeers    prometheus.Gauge
	EventsRouted   *prometheus.CounterVec // labels: type
	JournalCommits prometheus.Histogram

	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RateLimited              *prometheus.CounterVec // labels: route
}

// NewMetrics creates all metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rt_connections",
			Help: "Open multiplexed connections by transport",
		}, []string{"transport"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_connections_total",
			Help: "Accepted multiplexed connections by transport",
		}, []string{"transport"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_disconnects_total",
			Help: "Connection teardowns by reason",
		}, []string{"reason"}),
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_auth_total",
			Help: "Authenticate handshakes by result",
		}, []string{"result"}),
		Subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_subscriptions_total",
			Help: "Channel subscribe requests by result",
		}, []string{"result"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_broadcasts_total",
			Help: "Messages fanned out by channel class",
		}, []string{"channel_class"}),
		SendDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_send_drops_total",
			Help: "Connections evicted because their send buffer was full",
		}),
		HeartbeatFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_heartbeat_failures_total",
			Help: "Connections failed by heartbeat timeout",
		}),
		InboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_inbound_rate_limited_total",
			Help: "Client messages dropped by the per-connection limiter",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_protocol_errors_total",
			Help: "Malformed or unknown client frames",
		}),
		TicksApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prices_ticks_applied_total",
			Help: "Ticks stored in the price cache by source",
		}, []string{"source"}),
		TicksStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prices_ticks_stale_total",
			Help: "Ticks dropped because a newer tick was already cached",
		}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prices_fanout_drops_total",
			Help: "Ticks dropped by the ingest fan-out per subscriber",
		}, []string{"subscriber"}),
		E2ELatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prices_e2e_latency_seconds",
			Help:    "Latency from upstream observation to broadcast",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prices_feed_live",
			Help: "Upstream feed liveness (1=live, 0=stale)",
		}, []string{"feed"}),
		StreamPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prices_stream_peers",
			Help: "Connected price stream peers",
		}),
		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_events_routed_total",
			Help: "Notifications and order updates routed to channels",
		}, []string{"type"}),
		JournalCommits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prices_journal_commit_duration_seconds",
			Help:    "SQLite price journal batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected with 429 by route",
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.Connections,
		m.ConnectionsTotal,
		m.Disconnects,
		m.AuthResults,
		m.Subscriptions,
		m.Broadcasts,
		m.SendDrops,
		m.HeartbeatFails,
		m.InboundDropped,
		m.ProtocolErrors,
		m.TicksApplied,
		m.TicksStale,
		m.FanoutDrops,
		m.E2ELatency,
		m.FeedState,
		m.StreamPeers,
		m.EventsRouted,
		m.JournalCommits,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RateLimited,
	)

	return m
}

func (m *Metrics) ConnOpened(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Inc()
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnClosed(transport, reason string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Auth(result string) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(result).Inc()
}

func (m *Metrics) Subscribe(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Subscriptions.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) Broadcast(class string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(class).Inc()
}

func (m *Metrics) SendDropped() {
	if m == nil {
		return
	}
	m.SendDrops.Inc()
}

func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.HeartbeatFails.Inc()
}

func (m *Metrics) InboundLimited() {
	if m == nil {
		return
	}
	m.InboundDropped.Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) TickApplied(source string, latency time.Duration) {
	if m == nil {
		return
	}
	m.TicksApplied.WithLabelValues(source).Inc()
	if latency >= 0 {
		m.E2ELatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) TickStale() {
	if m == nil {
		return
	}
	m.TicksStale.Inc()
}

func (m *Metrics) FanoutDrop(subscriber string) {
	if m == nil {
		return
	}
	m.FanoutDrops.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) SetFeedLive(feed string, live bool) {
	if m == nil {
		return
	}
	v := 0.0
	if live {
		v = 1
	}
	m.FeedState.WithLabelValues(feed).Set(v)
}

func (m *Metrics) SetStreamPeers(n int) {
	if m == nil {
		return
	}
	m.StreamPeers.Set(float64(n))
}

func (m *Metrics) EventRouted(kind string) {
	if m == nil {
		return
	}
	m.EventsRouted.WithLabelValues(kind).Inc()
}

func (m *Metrics) JournalCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.JournalCommits.Observe(d.Seconds())
}

// CircuitState records a breaker transition; to is 0=closed, 1=open, 2=half-open.
func (m *Metrics) CircuitState(to int) {
	if m == nil {
		return
	}
	m.RedisCircuitBreakerState.Set(float64(to))
	if to == 1 {
		m.RedisCircuitBreakerTrips.Inc()
	}
}

func (m *Metrics) RateLimitHit(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}
