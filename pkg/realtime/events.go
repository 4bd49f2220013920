package realtime

import (
	"log/slog"
	"sync"
	"time"

	"cryptodesk/pkg/protocol"
)

// Lifecycle event names. Server data events use their wire type as the name
// ("price_update", "notification", "order_update").
const (
	EventConnect      = "connect"
	EventReady        = "ready"
	EventDisconnect   = "disconnect"
	EventReconnecting = "reconnecting"
	EventFailed       = "failed"
	EventAuthError    = "auth_error"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

// Event is passed to handlers. Fields not relevant to Name are zero.
type Event struct {
	Name    string
	Message protocol.Message
	Err     error

	// Set on reconnecting.
	Attempt int
	Delay   time.Duration
}

// Handler receives events.
type Handler func(Event)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// Bus is a per-client event registry. Emit calls handlers synchronously in
// registration order; a panicking handler is logged and skipped.
type Bus struct {
	log *slog.Logger

	mu       sync.Mutex
	seq      HandlerID
	handlers map[string][]registration
}

func newBus(log *slog.Logger) *Bus {
	return &Bus{log: log, handlers: make(map[string][]registration)}
}

// On registers fn for event name.
func (b *Bus) On(name string, fn Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.handlers[name] = append(b.handlers[name], registration{id: b.seq, fn: fn})
	return b.seq
}

// Off removes a registration. It reports whether id was registered.
func (b *Bus) Off(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, regs := range b.handlers {
		for i, r := range regs {
			if r.id != id {
				continue
			}
			// Copy so an in-flight Emit keeps its snapshot.
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, name)
			} else {
				b.handlers[name] = next
			}
			return true
		}
	}
	return false
}

// Emit delivers ev to every handler registered for ev.Name.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	regs := b.handlers[ev.Name]
	b.mu.Unlock()
	for _, r := range regs {
		b.call(r, ev)
	}
}

func (b *Bus) call(r registration, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("event handler panicked", "event", ev.Name, "handler", r.id, "panic", p)
		}
	}()
	r.fn(ev)
}

// Len returns the number of handlers registered for name.
func (b *Bus) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[name])
}

func (b *Bus) clear() {
	b.mu.Lock()
	b.handlers = make(map[string][]registration)
	b.mu.Unlock()
}
