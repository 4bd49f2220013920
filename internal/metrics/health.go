package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// HealthStatus tracks the liveness of the gateway's dependencies.
type HealthStatus struct {
	mu sync.RWMutex

	feeds        map[string]bool
	LastTickTime time.Time

	RedisConfigured bool
	RedisConnected  bool
	RedisLatencyMs  float64
	SQLiteOK        bool
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	// OnChange is called with the new overall serving state after any
	// update that flips it.
	OnChange func(serving bool)
	serving  bool
}

// HealthReport is the JSON view of HealthStatus.
type HealthReport struct {
	Status          string          `json:"status"`
	Uptime          string          `json:"uptime"`
	Feeds           map[string]bool `json:"feeds"`
	LastTickTime    string          `json:"last_tick_time,omitempty"`
	TickAge         string          `json:"tick_age,omitempty"`
	RedisConnected  bool            `json:"redis_connected"`
	RedisLatencyMs  float64         `json:"redis_latency_ms"`
	SQLiteOK        bool            `json:"sqlite_ok"`
	SQLiteLatencyMs float64         `json:"sqlite_latency_ms"`
	LastCheckAt     string          `json:"last_check_at,omitempty"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		feeds:     make(map[string]bool),
		StartedAt: time.Now(),
		SQLiteOK:  true,
	}
}

func (h *HealthStatus) SetFeedLive(feed string, live bool) {
	h.mu.Lock()
	h.feeds[feed] = live
	h.mu.Unlock()
	h.notify()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConfigured = true
	h.RedisConnected = v
	h.mu.Unlock()
	h.notify()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
	h.notify()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConfigured = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
	h.notify()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
	h.notify()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Serving reports whether the gateway can deliver prices: at least one feed
// is live (or none are configured) and configured dependencies are up.
func (h *HealthStatus) Serving() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.servingLocked()
}

func (h *HealthStatus) servingLocked() bool {
	if h.RedisConfigured && !h.RedisConnected {
		return false
	}
	if len(h.feeds) == 0 {
		return true
	}
	for _, live := range h.feeds {
		if live {
			return true
		}
	}
	return false
}

func (h *HealthStatus) notify() {
	h.mu.Lock()
	now := h.servingLocked()
	changed := now != h.serving
	h.serving = now
	cb := h.OnChange
	h.mu.Unlock()
	if changed && cb != nil {
		cb(now)
	}
}

// Report builds the JSON view.
func (h *HealthStatus) Report() HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if !h.servingLocked() {
		status = "unhealthy"
	} else if !h.SQLiteOK {
		status = "degraded"
	} else {
		for _, live := range h.feeds {
			if !live {
				status = "degraded"
				break
			}
		}
	}

	feeds := make(map[string]bool, len(h.feeds))
	names := make([]string, 0, len(h.feeds))
	for k := range h.feeds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		feeds[k] = h.feeds[k]
	}

	r := HealthReport{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Feeds:           feeds,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
	}
	if !h.LastTickTime.IsZero() {
		r.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		r.TickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}
