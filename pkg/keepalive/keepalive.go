// Package keepalive periodically probes the gateway's REST liveness
// endpoints so a backend on scale-to-zero hosting is not suspended while a
// user has the application open. It never gives up: failures only stretch
// the delay, and rate-limit hints push the next probe past the advertised
// reset time.
package keepalive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"cryptodesk/internal/logger"
	"cryptodesk/pkg/timers"
)

// Config configures a Scheduler. PingURL is required; HealthURL is the
// heavier fallback and may be empty.
type Config struct {
	PingURL   string
	HealthURL string

	Interval     time.Duration // default 4m
	InitialDelay time.Duration // default 10s
	FailureBase  time.Duration // default 30s
	FailureMax   time.Duration // default 15m
	Timeout      time.Duration // per request, default 10s
	LowWater     int           // default 5

	Client *http.Client
	Clock  timers.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 4 * time.Minute
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 10 * time.Second
	}
	if c.FailureBase <= 0 {
		c.FailureBase = 30 * time.Second
	}
	if c.FailureMax <= 0 {
		c.FailureMax = 15 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.LowWater <= 0 {
		c.LowWater = 5
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
}

// Status is the only view of the scheduler's outcomes.
type Status struct {
	Running             bool      `json:"running"`
	Probes              int       `json:"probes"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	RateLimitKnown      bool      `json:"rateLimitKnown"`
	RateLimitRemaining  int       `json:"rateLimitRemaining"`
	RateLimitResetAt    time.Time `json:"rateLimitResetAt"`
	LastSuccess         time.Time `json:"lastSuccess"`
	LastError           string    `json:"lastError,omitempty"`
	NextProbeAt         time.Time `json:"nextProbeAt"`
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeThrottled
)

var errThrottled = errors.New("keepalive: rate limited")

// Scheduler issues the liveness probes.
type Scheduler struct {
	cfg   Config
	log   *slog.Logger
	sched *timers.Scheduler
	clock timers.Clock

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	bo     *backoff.ExponentialBackOff
	status Status
}

// New returns a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.PingURL == "" {
		return nil, errors.New("keepalive: ping url is required")
	}
	cfg.defaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.FailureBase
	bo.MaxInterval = cfg.FailureMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	sched := timers.NewScheduler(cfg.Clock)
	return &Scheduler{
		cfg:   cfg,
		log:   logger.Or(cfg.Logger).With("component", "keepalive"),
		sched: sched,
		clock: sched.Clock(),
		bo:    bo,
	}, nil
}

// Start schedules the first probe after InitialDelay. A running scheduler
// is left alone.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Running {
		return
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.status.Running = true
	s.scheduleLocked(ctx, s.gen, s.cfg.InitialDelay)
}

// Stop cancels every pending probe and aborts one in flight. Safe to call
// repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.status.Running = false
	s.status.NextProbeAt = time.Time{}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.sched.CancelAll()
}

// GetStatus returns a snapshot.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// throttledLocked reports whether the rate-limit window forbids a probe now.
func (s *Scheduler) throttledLocked(now time.Time) bool {
	st := &s.status
	if !st.RateLimitKnown {
		return false
	}
	if !now.Before(st.RateLimitResetAt) {
		// Window over; the next response tells us the new budget.
		st.RateLimitKnown = false
		return false
	}
	return st.RateLimitRemaining <= s.cfg.LowWater
}

// scheduleLocked arms the next probe after delay, or at the rate-limit reset
// when that is later and the budget is at the low-water mark.
func (s *Scheduler) scheduleLocked(ctx context.Context, gen uint64, delay time.Duration) {
	now := s.clock.Now()
	at := now.Add(delay)
	if s.throttledLocked(now) && at.Before(s.status.RateLimitResetAt) {
		at = s.status.RateLimitResetAt
	}
	s.status.NextProbeAt = at
	s.sched.After(at.Sub(now), func() { s.fire(ctx, gen) })
}

func (s *Scheduler) fire(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.throttledLocked(s.clock.Now()) {
		s.scheduleLocked(ctx, gen, 0)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	out, err := s.probe(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.status.Probes++
	var next time.Duration
	switch out {
	case outcomeOK:
		s.status.ConsecutiveFailures = 0
		s.status.LastSuccess = s.clock.Now()
		s.status.LastError = ""
		s.bo.Reset()
		next = s.cfg.Interval
	case outcomeThrottled:
		s.status.LastError = err.Error()
		next = s.cfg.Interval
		s.log.Info("liveness probe rate limited", "reset_at", s.status.RateLimitResetAt)
	default:
		s.status.ConsecutiveFailures++
		s.status.LastError = err.Error()
		next = s.bo.NextBackOff()
		s.log.Warn("liveness probe failed",
			"failures", s.status.ConsecutiveFailures, "retry_in", next, "err", err)
	}
	s.scheduleLocked(ctx, gen, next)
}

// probe tries the ping endpoint, then the health endpoint unless the ping
// left the rate-limit budget at the low-water mark. Success from either is a
// full success.
func (s *Scheduler) probe(ctx context.Context) (outcome, error) {
	out, err := s.get(ctx, s.cfg.PingURL)
	if out != outcomeFailed || s.cfg.HealthURL == "" {
		return out, err
	}
	s.mu.Lock()
	throttled := s.throttledLocked(s.clock.Now())
	s.mu.Unlock()
	if throttled {
		// The failed ping spent the budget down to the low-water mark.
		return out, err
	}
	s.log.Debug("ping failed, trying health", "err", err)
	out, herr := s.get(ctx, s.cfg.HealthURL)
	if out == outcomeFailed {
		return out, fmt.Errorf("ping: %v; health: %w", err, herr)
	}
	return out, herr
}

func (s *Scheduler) get(ctx context.Context, url string) (outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return outcomeFailed, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return outcomeFailed, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	s.mu.Lock()
	s.observeLocked(resp, body)
	s.mu.Unlock()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeThrottled, errThrottled
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeOK, nil
	default:
		return outcomeFailed, fmt.Errorf("%s: %s", url, resp.Status)
	}
}

// observeLocked records rate-limit hints from a response.
func (s *Scheduler) observeLocked(resp *http.Response, body []byte) {
	now := s.clock.Now()
	st := &s.status
	h := resp.Header

	reset := parseReset(h.Get("X-RateLimit-Reset"))
	if resp.StatusCode == http.StatusTooManyRequests {
		var b struct {
			RateLimitReset int64 `json:"rateLimitReset"`
		}
		if json.Unmarshal(body, &b) == nil && b.RateLimitReset > 0 {
			reset = time.UnixMilli(b.RateLimitReset)
		}
		if reset.IsZero() {
			if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
				reset = now.Add(time.Duration(secs) * time.Second)
			}
		}
		if reset.IsZero() {
			reset = now.Add(s.cfg.Interval)
		}
		st.RateLimitKnown = true
		st.RateLimitRemaining = 0
		st.RateLimitResetAt = reset
		return
	}

	rem, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	if rem < 0 {
		rem = 0
	}
	// Within one window the budget only goes down.
	sameWindow := reset.IsZero() || reset.Equal(st.RateLimitResetAt)
	if st.RateLimitKnown && sameWindow && now.Before(st.RateLimitResetAt) && rem > st.RateLimitRemaining {
		rem = st.RateLimitRemaining
	}
	st.RateLimitKnown = true
	st.RateLimitRemaining = rem
	if !reset.IsZero() {
		st.RateLimitResetAt = reset
	}
}

// parseReset accepts unix seconds or unix milliseconds.
func parseReset(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
