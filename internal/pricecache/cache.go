// Package pricecache holds the latest known price per symbol.
//
// The cache is written only by the ingest path and read by the broadcast
// path. A tick whose ObservedAt is older than the stored tick for the same
// symbol is rejected, so out-of-order ticks from a flaky upstream can never
// move a symbol backwards in time.
package pricecache

import (
	"sort"
	"sync"

	"cryptodesk/internal/model"
)

type Cache struct {
	mu     sync.RWMutex
	prices map[string]model.PriceTick
}

func New() *Cache {
	return &Cache{prices: make(map[string]model.PriceTick)}
}

// Apply stores t if it is not older than the current entry for its symbol.
// It reports whether the tick was stored. Ticks with an equal ObservedAt
// replace the current entry.
func (c *Cache) Apply(t model.PriceTick) bool {
	t.Symbol = model.NormalizeSymbol(t.Symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.prices[t.Symbol]; ok && t.ObservedAt.Before(cur.ObservedAt) {
		return false
	}
	c.prices[t.Symbol] = t
	return true
}

// Get returns the latest tick for symbol.
func (c *Cache) Get(symbol string) (model.PriceTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.prices[model.NormalizeSymbol(symbol)]
	return t, ok
}

// Snapshot returns a copy of every entry, sorted by symbol.
func (c *Cache) Snapshot() []model.PriceTick {
	c.mu.RLock()
	out := make([]model.PriceTick, 0, len(c.prices))
	for _, t := range c.prices {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Warm applies persisted ticks at startup. It returns how many were stored.
func (c *Cache) Warm(ticks []model.PriceTick) int {
	n := 0
	for _, t := range ticks {
		if c.Apply(t) {
			n++
		}
	}
	return n
}

// Len returns the number of symbols held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
