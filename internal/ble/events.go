package ble

import (
	"github.com/cskr/pubsub/v2"
)

// eventTopic identifies one of the platform event streams.
type eventTopic uint

const (
	topicAvailability eventTopic = iota
	topicDeviceFound
	topicConnection
	topicCharacteristic
)

func (t eventTopic) String() string {
	switch t {
	case topicAvailability:
		return "availability"
	case topicDeviceFound:
		return "device-found"
	case topicConnection:
		return "connection"
	case topicCharacteristic:
		return "characteristic"
	default:
		return "unknown"
	}
}

// eventBufferSize is the per-subscriber channel capacity. Events published
// to a full subscriber are dropped rather than stalling the platform.
const eventBufferSize = 64

// availabilityEvent is published on topicAvailability.
type availabilityEvent struct {
	available bool
}

// eventBus fans platform callbacks out to the session that currently owns
// the relevant stream. It lives as long as its AdapterSession.
type eventBus struct {
	ps *pubsub.PubSub[eventTopic, any]
}

func newEventBus() *eventBus {
	return &eventBus{ps: pubsub.New[eventTopic, any](eventBufferSize)}
}

func (b *eventBus) publish(topic eventTopic, ev any) {
	b.ps.TryPub(ev, topic)
}

// subscribe returns a subscription receiving events of the given topics.
func (b *eventBus) subscribe(topics ...eventTopic) *subscription {
	return &subscription{C: b.ps.Sub(topics...), bus: b}
}

// subscription is one consumer's view of the bus. C is closed once the
// subscription is cancelled.
type subscription struct {
	C   chan any
	bus *eventBus
}

// cancel unsubscribes and drains any buffered events so the bus never
// blocks on this channel. Safe to call more than once.
func (s *subscription) cancel() {
	if s == nil {
		return
	}
	go s.bus.ps.Unsub(s.C)
	for range s.C {
	}
}
