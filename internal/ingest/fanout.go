package ingest

import (
	"context"
	"sync"

	"cryptodesk/internal/model"
)

// FanOut copies ticks from a single input channel to N named outputs. A full
// output drops the tick for that consumer only, so a slow journal never
// holds up live broadcast.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int

	// OnDrop is called with the consumer name when a tick is dropped for it.
	OnDrop func(name string)
}

type output struct {
	name string
	ch   chan model.PriceTick
}

func NewFanOut(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel. Outputs are closed
// when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.PriceTick {
	ch := make(chan model.PriceTick, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.PriceTick) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, o := range f.outputs {
				select {
				case o.ch <- t:
				default:
					if f.OnDrop != nil {
						f.OnDrop(o.name)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one output.
type ChannelStat struct {
	Name string `json:"name"`
	Len  int    `json:"len"`
	Cap  int    `json:"cap"`
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Name: o.name, Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
