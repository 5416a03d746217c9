// Package event provides typed notification events and a fan-out bus.
// Components emit tagged event values instead of loosely-typed closures so
// subscribers can switch on the concrete type.
package event

import (
	"sync"

	"github.com/ecofield/fieldsync/internal/logging"
)

// Event is the tagged union of notifications flowing through the bus.
type Event interface {
	isEvent()
}

// SyncNeeded signals that a local mutation is awaiting upload.
type SyncNeeded struct {
	Reason string
}

func (SyncNeeded) isEvent() {}

// ConnectivityChanged signals an observed connectivity transition.
type ConnectivityChanged struct {
	Online bool
}

func (ConnectivityChanged) isEvent() {}

// Reasons for SyncNeeded events.
const (
	ReasonAuditCreated   = "audit_created"
	ReasonJobCardUpdated = "job_card_updated"
)

// Handler receives events from a Bus.
type Handler func(Event)

// Bus fans events out to subscribers. Delivery is synchronous within Publish;
// a panicking subscriber is recovered and logged so it cannot affect the
// publisher or the other subscribers.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
	log      *logging.Logger
}

// NewBus creates an event bus.
func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Get()
	}
	return &Bus{log: log.WithComponent("event")}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Publish delivers an event to every subscriber in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		b.deliver(h, ev)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", nil, map[string]interface{}{"panic": r})
		}
	}()
	h(ev)
}
