// Package bus fans gateway events out to presentation-layer subscribers
// (the WebSocket API, tests, anything watching connection state). The
// connection controller publishes from its own event loop and never blocks
// on a consumer.
package bus

import (
	"sync"
	"time"
)

// EventType classifies a gateway event for subscribers.
type EventType string

const (
	EventState         EventType = "state"
	EventCaptureOpened EventType = "capture_opened"
	EventCaptureClosed EventType = "capture_closed"
	EventDecodeError   EventType = "decode_error"
)

// Event is the JSON-serialisable envelope delivered to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriber holds a buffered channel for one consumer.
type subscriber struct {
	ch chan Event
}

// Bus fans events out to all registered subscribers. Channel-based
// subscribers keep it transport-agnostic and testable without a WebSocket.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New constructs a ready Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer. Returns a receive channel and an
// unsubscribe function that must be called when the consumer goes away
// (it closes the channel).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers. Slow consumers are
// skipped (their buffer is full) to avoid stalling the controller loop;
// they can re-sync from the REST status endpoint.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Slow consumer – drop silently.
		}
	}
}

// PublishState is a convenience wrapper for EventState events.
func (b *Bus) PublishState(data interface{}) {
	b.Publish(Event{Type: EventState, Data: data})
}

// PublishCaptureOpened is a convenience wrapper for EventCaptureOpened events.
func (b *Bus) PublishCaptureOpened(data interface{}) {
	b.Publish(Event{Type: EventCaptureOpened, Data: data})
}

// PublishCaptureClosed is a convenience wrapper for EventCaptureClosed events.
func (b *Bus) PublishCaptureClosed(data interface{}) {
	b.Publish(Event{Type: EventCaptureClosed, Data: data})
}

// PublishDecodeError is a convenience wrapper for EventDecodeError events.
func (b *Bus) PublishDecodeError(data interface{}) {
	b.Publish(Event{Type: EventDecodeError, Data: data})
}

// Len returns the current subscriber count (useful for metrics/tests).
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
