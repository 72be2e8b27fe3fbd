// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for the companion
const (
	// Voice events
	EventTypePhaseChanged     EventType = "voice.phase_changed"
	EventTypePartial          EventType = "voice.partial"
	EventTypeNotice           EventType = "voice.notice"
	EventTypeVoiceUnavailable EventType = "voice.unavailable"

	// Transcript events
	EventTypeTurnAppended      EventType = "transcript.appended"
	EventTypeTranscriptCleared EventType = "transcript.cleared"

	// Safety events
	EventTypeSafetyFlagged EventType = "safety.flagged"

	// Avatar events
	EventTypeAvatarBlend EventType = "avatar.blend"

	// Log events
	EventTypeLog EventType = "log.entry"
)

// AllEventTypes lists every event the companion publishes.
var AllEventTypes = []EventType{
	EventTypePhaseChanged,
	EventTypePartial,
	EventTypeNotice,
	EventTypeVoiceUnavailable,
	EventTypeTurnAppended,
	EventTypeTranscriptCleared,
	EventTypeSafetyFlagged,
	EventTypeAvatarBlend,
	EventTypeLog,
}

// Event represents a bus event
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles events
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	eventType EventType
	id        uint64
}

type entry struct {
	id      uint64
	handler Handler
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]entry
	nextID   uint64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]entry),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], entry{id: b.nextID, handler: handler})
	return Subscription{eventType: eventType, id: b.nextID}
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) []Subscription {
	subs := make([]Subscription, 0, len(eventTypes))
	for _, et := range eventTypes {
		subs = append(subs, b.Subscribe(et, handler))
	}
	return subs
}

// Unsubscribe removes previously registered handlers.
func (b *EventBus) Unsubscribe(subs ...Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range subs {
		list := b.handlers[sub.eventType]
		for i, e := range list {
			if e.id == sub.id {
				b.handlers[sub.eventType] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

func (b *EventBus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.handlers[eventType]
	handlers := make([]Handler, len(list))
	for i, e := range list {
		handlers[i] = e.handler
	}
	return handlers
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]entry)
}
