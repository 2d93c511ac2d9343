package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventOrderPending, 1)
	b, unsubB := bus.Subscribe(EventOrderPending, 1)
	defer unsubA()
	defer unsubB()

	bus.Publish(EventOrderPending, "payload")

	for _, ch := range []<-chan any{a, b} {
		select {
		case got := <-ch:
			if got != "payload" {
				t.Fatalf("got %v, want payload", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the message")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventRiskAlert, 1)
	defer unsub()

	bus.Publish(EventRiskAlert, 1)
	bus.Publish(EventRiskAlert, 2) // buffer full, must not block

	if got := <-ch; got != 1 {
		t.Fatalf("got %v, want first message", got)
	}
	if bus.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", bus.Dropped())
	}
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderFilled, 1)

	unsub()
	unsub() // second call is a no-op

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}

	// Publishing to a topic with no subscribers must not panic.
	bus.Publish(EventOrderFilled, "late")
}
