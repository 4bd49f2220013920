package model

import (
	"context"
)

// ── Port interfaces ──
// These decouple the publishing path from concrete stores and feeds.

// TickSink receives applied price ticks.
type TickSink interface {
	PublishTick(t PriceTick)
}

// EventSink receives notifications and order updates.
type EventSink interface {
	PublishEvent(e Event)
}

// TickWriter persists ticks.
type TickWriter interface {
	// Run reads ticks from tickCh and writes them in batches.
	// Blocks until ctx is cancelled or tickCh is closed.
	Run(ctx context.Context, tickCh <-chan PriceTick)

	// Close releases underlying resources.
	Close() error
}

// TickReader loads persisted prices.
type TickReader interface {
	// LoadLatest returns the newest stored tick per symbol.
	LoadLatest(ctx context.Context) ([]PriceTick, error)
}
