/*
broker.go - Route event fan-out

PURPOSE:
  Every successful waypoint transition is published on its route's topic.
  Field dashboards subscribe to a route and receive the events as SSE.

IMPLEMENTATIONS:
  Broker:      In-process fan-out, one server instance
  RedisBroker: Redis pub/sub, several server instances share one stream

DELIVERY:
  Best effort. A slow subscriber drops events instead of blocking the
  publisher; the waypoint state in the store remains authoritative.

SEE ALSO:
  - broker_redis.go: Redis implementation
  - api/sse.go: Streams a subscription to the browser
*/
package events

import (
	"sync"
)

// Event is one message on a route topic.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Publisher sends events. Transitions depend on this alone.
type Publisher interface {
	Publish(topic string, evt Event)
}

// EventBroker publishes and subscribes by topic (a route id).
type EventBroker interface {
	Publisher
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Close() error
}

// =============================================================================
// IN-MEMORY BROKER
// =============================================================================

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close drops every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, m := range b.subs {
		for ch := range m {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(string, Event) {}
