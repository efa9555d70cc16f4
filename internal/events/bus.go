package events

import (
	"sync"
	"time"
)

// Event represents a system event with typed data
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data,omitempty"`
}

// Handler receives published events
type Handler func(Event)

// Bus is an in-process publish/subscribe hub. Dispatch is synchronous:
// handlers run on the emitter's goroutine, so subscribers must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit publishes an event to all matching handlers
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	matched = append(matched, b.handlers[event.Type]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	for _, h := range matched {
		h(event)
	}
}
