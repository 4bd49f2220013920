package gateway

import (
	"math"
	"slices"
	"sync"
	"time"
)

// LatencySummary describes the tick delivery latencies currently held by a
// LatencyWindow, in milliseconds.
type LatencySummary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// LatencyWindow keeps the most recent observation-to-broadcast latencies in
// a ring. Safe for concurrent use.
type LatencyWindow struct {
	mu    sync.Mutex
	ring  []time.Duration
	next  int
	count int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 10000
	}
	return &LatencyWindow{ring: make([]time.Duration, size)}
}

// Observe records one latency. Negative values (clock skew between the feed
// and this host) are clamped to zero.
func (w *LatencyWindow) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	w.mu.Lock()
	w.ring[w.next] = d
	w.next = (w.next + 1) % len(w.ring)
	if w.count < len(w.ring) {
		w.count++
	}
	w.mu.Unlock()
}

// Summary computes percentiles over the window. An empty window yields the
// zero summary.
func (w *LatencyWindow) Summary() LatencySummary {
	w.mu.Lock()
	ms := make([]float64, 0, w.count)
	for i := 0; i < w.count; i++ {
		ms = append(ms, float64(w.ring[i])/float64(time.Millisecond))
	}
	w.mu.Unlock()

	if len(ms) == 0 {
		return LatencySummary{}
	}
	slices.Sort(ms)
	return LatencySummary{
		Count: len(ms),
		P50:   quantile(ms, 0.50),
		P95:   quantile(ms, 0.95),
		P99:   quantile(ms, 0.99),
		Max:   ms[len(ms)-1],
	}
}

// Reset discards every sample.
func (w *LatencyWindow) Reset() {
	w.mu.Lock()
	w.next, w.count = 0, 0
	w.mu.Unlock()
}

// quantile interpolates linearly between the two closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := q * float64(n-1)
	lo := int(math.Floor(rank))
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
