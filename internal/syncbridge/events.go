package syncbridge

import (
	"sync"
	"time"
)

type EventType string

const (
	EventOperation            EventType = "operation"
	EventConflict             EventType = "conflict"
	EventResolutionPending    EventType = "resolution_pending"
	EventError                EventType = "error"
	EventCriticalError        EventType = "critical_error"
	EventAlertCreated         EventType = "alert_created"
	EventStatsUpdated         EventType = "stats_updated"
	EventInitialized          EventType = "initialized"
	EventInitializationFailed EventType = "initialization_failed"
	EventStopped              EventType = "stopped"
)

// Event is one entry on the engine's push stream.
type Event struct {
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. Publishing never
// blocks: a subscriber that stops draining loses events rather than stalling
// the engine. This replaces the emitter-style global the engine's ancestry
// used; subscription is explicit and scoped to one Bus instance.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   map[int]chan Event{},
		buffer: buffer,
	}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. The channel is closed on cancel or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *Bus) Publish(eventType EventType, payload any) {
	ev := Event{Type: eventType, At: time.Now().UTC(), Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
