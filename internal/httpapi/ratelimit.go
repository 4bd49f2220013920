package httpapi

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cryptodesk/internal/metrics"
	"cryptodesk/internal/ratelimit"
)

// rateLimit counts each request against the client's window and advertises
// the budget in X-RateLimit-* headers. If the limiter fails the request is
// let through.
func rateLimit(l ratelimit.Limiter, m *metrics.Metrics, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := l.Allow(c.Request.Context(), "api:"+c.ClientIP())
		if err != nil {
			log.Warn("rate limiter unavailable", "err", err)
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			m.RateLimitHit(c.FullPath())
			wait := math.Ceil(time.Until(d.ResetAt).Seconds())
			if wait < 1 {
				wait = 1
			}
			h.Set("Retry-After", strconv.Itoa(int(wait)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "rate_limited",
				"rateLimitReset": d.ResetAt.UnixMilli(),
			})
			return
		}
		c.Next()
	}
}
