package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"cryptodesk/internal/ratelimit"
)

// RateLimiter is a fixed-window counter shared by every gateway replica.
// Each window is one key incremented with INCR and expired at window end.
type RateLimiter struct {
	client goredis.Cmdable
	cb     *CircuitBreaker
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRateLimiter allows limit requests per key per window.
func NewRateLimiter(client goredis.Cmdable, cb *CircuitBreaker, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		cb:     cb,
		limit:  limit,
		window: window,
		prefix: "ratelimit",
		now:    time.Now,
	}
}

// Allow counts one request for key.
func (l *RateLimiter) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	now := l.now()
	start := now.Truncate(l.window)
	resetAt := start.Add(l.window)
	k := fmt.Sprintf("%s:%s:%d", l.prefix, key, start.Unix())

	var count int64
	run := func(ctx context.Context) error {
		pipe := l.client.TxPipeline()
		incr := pipe.Incr(ctx, k)
		pipe.ExpireAt(ctx, k, resetAt.Add(time.Second))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		count = incr.Val()
		return nil
	}

	var err error
	if l.cb != nil {
		err = l.cb.Execute(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return ratelimit.NewDecision(l.limit, int(count), resetAt), nil
}
