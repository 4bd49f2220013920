// Package httpapi is the gateway's HTTP surface: the real-time transports,
// the price stream, and the small REST endpoints used for liveness.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptodesk/internal/gateway"
	"cryptodesk/internal/ingest"
	"cryptodesk/internal/logger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/ratelimit"
)

// Options wires the router to the rest of the process. Hub is required.
type Options struct {
	Hub            *gateway.Hub
	Health         *metrics.HealthStatus
	Metrics        *metrics.Metrics
	Limiter        ratelimit.Limiter
	Gatherer       prometheus.Gatherer
	FanOut         *ingest.FanOut
	AllowedOrigins []string
	Logger         *slog.Logger
	Debug          bool
}

type server struct {
	hub     *gateway.Hub
	health  *metrics.HealthStatus
	metrics *metrics.Metrics
	fanout  *ingest.FanOut
	log     *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(opts Options) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &server{
		hub:     opts.Hub,
		health:  opts.Health,
		metrics: opts.Metrics,
		fanout:  opts.FanOut,
		log:     logger.Or(opts.Logger).With("component", "http"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), cors(opts.AllowedOrigins))

	// Real-time transports
	r.GET("/rt/ws", gin.WrapF(s.hub.ServeWS))
	r.POST("/rt/poll", s.openPoll)
	r.GET("/rt/poll/:sid", s.poll)
	r.POST("/rt/poll/:sid", s.pollSend)
	r.DELETE("/rt/poll/:sid", s.closePoll)
	r.GET("/prices/ws", gin.WrapH(s.hub.Stream()))

	api := r.Group("/api")
	if opts.Limiter != nil {
		api.Use(rateLimit(opts.Limiter, s.metrics, s.log))
	}
	api.GET("/ping", s.ping)
	api.GET("/health", s.apiHealth)
	api.GET("/metrics", s.stats)

	if opts.Health != nil {
		r.GET("/healthz", gin.WrapH(opts.Health))
	}
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (s *server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Long polls would flood the log at info level.
		level := slog.LevelInfo
		if c.FullPath() == "/rt/poll/:sid" || c.Writer.Status() < 400 {
			level = slog.LevelDebug
		}
		s.log.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
			"remote", c.ClientIP())
	}
}

func cors(allowed []string) gin.HandlerFunc {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (len(set) == 0 || set[origin]) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *server) openPoll(c *gin.Context) {
	conn, err := s.hub.OpenPoll(c.ClientIP())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sid": conn.ID()})
}

func (s *server) poll(c *gin.Context) {
	msgs, err := s.hub.Poll(c.Request.Context(), c.Param("sid"))
	if err != nil {
		pollError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *server) pollSend(c *gin.Context) {
	var msgs []json.RawMessage
	if err := c.ShouldBindJSON(&msgs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of messages"})
		return
	}
	if err := s.hub.PollSend(c.Param("sid"), msgs); err != nil {
		pollError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) closePoll(c *gin.Context) {
	if err := s.hub.ClosePoll(c.Param("sid")); err != nil {
		pollError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pollError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnknownConnection):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
	case errors.Is(err, gateway.ErrConnectionClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UnixMilli()})
}

func (s *server) apiHealth(c *gin.Context) {
	body := gin.H{"status": "healthy", "gateway": s.hub.Stats()}
	code := http.StatusOK
	if s.health != nil {
		rep := s.health.Report()
		body["status"] = rep.Status
		body["dependencies"] = rep
		if rep.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, body)
}

func (s *server) stats(c *gin.Context) {
	body := gin.H{"gateway": s.hub.Stats()}
	if s.fanout != nil {
		body["fanout"] = s.fanout.ChannelStats()
	}
	c.JSON(http.StatusOK, body)
}
