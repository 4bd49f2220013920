package pricecache

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptodesk/internal/model"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(sym, price string, offset time.Duration) model.PriceTick {
	return model.PriceTick{
		Symbol:     sym,
		Price:      decimal.RequireFromString(price),
		Source:     model.SourcePrimary,
		ObservedAt: base.Add(offset),
	}
}

func TestApply_DropsOlderTick(t *testing.T) {
	c := New()
	if !c.Apply(tick("btc", "100", 2*time.Second)) {
		t.Fatal("first tick rejected")
	}
	if c.Apply(tick("btc", "90", time.Second)) {
		t.Fatal("older tick applied")
	}
	got, _ := c.Get("btc")
	if !got.Price.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("price = %s, want 100", got.Price)
	}
	if !c.Apply(tick("btc", "101", 2*time.Second)) {
		t.Fatal("equal-timestamp tick rejected")
	}
}

func TestApply_LowercasesSymbol(t *testing.T) {
	c := New()
	c.Apply(tick("ETH", "3000", 0))
	if _, ok := c.Get("eth"); !ok {
		t.Fatal("lowercase lookup failed")
	}
	if _, ok := c.Get("Eth"); !ok {
		t.Fatal("mixed-case lookup failed")
	}
}

func TestApply_MonotonicUnderShuffle(t *testing.T) {
	c := New()
	r := rand.New(rand.NewSource(42))
	offsets := r.Perm(200)
	var last time.Time
	for _, o := range offsets {
		c.Apply(tick("sol", "1", time.Duration(o)*time.Millisecond))
		got, _ := c.Get("sol")
		if got.ObservedAt.Before(last) {
			t.Fatalf("observedAt went backwards: %v < %v", got.ObservedAt, last)
		}
		last = got.ObservedAt
	}
	if want := base.Add(199 * time.Millisecond); !last.Equal(want) {
		t.Fatalf("final observedAt = %v, want %v", last, want)
	}
}

func TestSnapshot_SortedCopy(t *testing.T) {
	c := New()
	c.Apply(tick("eth", "3000", 0))
	c.Apply(tick("btc", "60000", 0))
	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].Symbol != "btc" || snap[1].Symbol != "eth" {
		t.Fatalf("snapshot = %+v", snap)
	}
	snap[0].Symbol = "mutated"
	if _, ok := c.Get("btc"); !ok {
		t.Fatal("snapshot mutation leaked into cache")
	}
}

func TestWarm(t *testing.T) {
	c := New()
	c.Apply(tick("btc", "2", 10*time.Second))
	n := c.Warm([]model.PriceTick{tick("btc", "1", 0), tick("eth", "5", 0)})
	if n != 1 {
		t.Fatalf("warm stored %d, want 1", n)
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestApply_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Apply(tick("btc", "1", time.Duration(i*8+g)*time.Microsecond))
				c.Snapshot()
			}
		}(g)
	}
	wg.Wait()
	got, _ := c.Get("btc")
	if want := base.Add(time.Duration(499*8+7) * time.Microsecond); !got.ObservedAt.Equal(want) {
		t.Fatalf("observedAt = %v, want %v", got.ObservedAt, want)
	}
}
