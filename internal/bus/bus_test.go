package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	ch1, cancel1 := b.Subscribe(TopicOrderUpdated)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(TopicOrderUpdated)
	defer cancel2()

	b.Publish(TopicOrderUpdated, map[string]string{"id": "o-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			var got map[string]string
			if err := json.Unmarshal(ev.Payload, &got); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if got["id"] != "o-1" {
				t.Errorf("payload id = %q, want o-1", got["id"])
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(TopicConflictDetected)
	defer cancel()

	b.Publish(TopicOrderUpdated, "ignored")

	select {
	case ev := <-ch:
		t.Fatalf("received cross-topic event %q", ev.Topic)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(TopicAlertChanged)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Publishing afterwards must not panic or deliver.
	b.Publish(TopicAlertChanged, "late")
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(TopicOrderUpdated)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(TopicOrderUpdated, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
