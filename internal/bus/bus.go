package bus

import (
	"encoding/json"
	"sync"
)

// Topics the core publishes and subscribes to.
const (
	TopicIdentityChanged      = "identity.changed"
	TopicConnectivityRestored = "connectivity.restored"
	TopicExternalOrderCreated = "order.created.external"
	TopicOrderUpdated         = "order.updated"
	TopicConflictDetected     = "conflict.detected"
	TopicAlertChanged         = "alert.changed"
)

// Event is a message delivered to subscribers of a topic.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Bus is the in-process publish/subscribe notifier. Upstream signals (AMQP)
// and core components all meet here, so no component depends on another's
// concrete type to observe it.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events for topic and a cancel func.
// The channel is buffered; a subscriber that stops draining loses events
// rather than blocking publishers.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[topic]
		for i, c := range chans {
			if c == ch {
				b.subs[topic] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
	return ch, cancel
}

// Publish marshals payload and delivers it to every subscriber of topic.
// Delivery is non-blocking: a full subscriber buffer drops the event.
func (b *Bus) Publish(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ev := Event{Topic: topic, Payload: raw}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}
