package bus

import (
	"log/slog"
	"sync"

	"github.com/civium/archon/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable domain-event bus. Handlers publish every emitted
// event through it; the audit log receives a read-only tap channel carrying
// every event published.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.EventKind][]chan types.Event
	tapCh       chan types.Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.EventKind][]chan types.Event),
		tapCh:       make(chan types.Event, tapBufSize),
	}
}

// Publish fans out ev to all subscribers of its kind and to the tap channel.
// Non-blocking: if a subscriber's channel is full, the event is dropped with
// a warning. The bus never applies backpressure to a deliberation.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Kind()]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("[BUS] subscriber channel full, event dropped", "kind", ev.Kind(), "session", ev.Meta().SessionID)
		}
	}

	select {
	case b.tapCh <- ev:
	default:
		slog.Warn("[BUS] tap channel full, audit event dropped", "kind", ev.Kind())
	}
}

// Subscribe returns a receive-only channel that delivers events of kind k.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(k types.EventKind) <-chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// Tap returns the read-only tap channel for the audit log. Only one consumer
// should call this; calling it multiple times returns the same channel.
func (b *Bus) Tap() <-chan types.Event {
	return b.tapCh
}
