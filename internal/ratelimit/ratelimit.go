// Package ratelimit provides fixed-window request limiting for the HTTP
// surface. Decisions carry the remaining budget and the window reset time so
// handlers can advertise them to clients.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Decision is the outcome of counting one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// NewDecision builds a decision for the count-th request in a window.
func NewDecision(limit, count int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Memory is an in-process fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	start := now.Truncate(m.window)

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || !b.start.Equal(start) {
		b = &bucket{start: start}
		m.buckets[key] = b
		m.sweepLocked(start)
	}
	b.count++
	return NewDecision(m.limit, b.count, start.Add(m.window)), nil
}

// sweepLocked drops buckets from earlier windows.
func (m *Memory) sweepLocked(current time.Time) {
	for k, b := range m.buckets {
		if b.start.Before(current) {
			delete(m.buckets, k)
		}
	}
}

// Fallback uses Primary and switches to Secondary for any request on which
// Primary returns an error.
type Fallback struct {
	Primary   Limiter
	Secondary Limiter
	Log       *slog.Logger
}

func (f *Fallback) Allow(ctx context.Context, key string) (Decision, error) {
	d, err := f.Primary.Allow(ctx, key)
	if err == nil {
		return d, nil
	}
	if f.Log != nil {
		f.Log.Warn("primary rate limiter failed, using fallback", "err", err)
	}
	return f.Secondary.Allow(ctx, key)
}
