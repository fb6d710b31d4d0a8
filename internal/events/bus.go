package events

import (
	"sync"
)

// Sink receives published events. Components depend on Sink rather than on a
// concrete bus so callers choose how events are consumed.
type Sink interface {
	Publish(event Event)
}

// Bus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Publish sends an event to all subscribers of the event's topic and to every
// SubscribeAll channel. Non-blocking: if a subscriber's channel is full, the
// event is dropped for that subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[event.Topic()] {
		select {
		case ch <- event:
		default:
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range b.allSubs {
		close(ch)
	}
}

// Fanout publishes every event to each of its sinks in order.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(event Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(event)
		}
	}
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}
