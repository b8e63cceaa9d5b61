package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(nil)
	ch, unsub := bus.Subscribe(EventEntryFilled, 1)
	defer unsub()

	bus.Publish(EventEntryFilled, map[string]any{"symbol": "BTCUSDT"})

	select {
	case payload := <-ch:
		fields, ok := payload.(map[string]any)
		if !ok || fields["symbol"] != "BTCUSDT" {
			t.Fatalf("payload = %#v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestPublishIsTopicScoped(t *testing.T) {
	bus := NewBus(nil)
	ch, unsub := bus.Subscribe(EventPositionClosed, 1)
	defer unsub()

	bus.Publish(EventEntryFilled, "other topic")

	select {
	case payload := <-ch:
		t.Fatalf("unexpected delivery: %#v", payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, unsub := bus.Subscribe(EventRiskAlert, 1)
	unsub()

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(EventRiskAlert, nil)
}

// A full subscriber buffer drops the message instead of blocking the
// publisher.
func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil)
	ch, unsub := bus.Subscribe(EventSignalAdmitted, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(EventSignalAdmitted, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if first := <-ch; first != 0 {
		t.Fatalf("first buffered payload = %v, want 0", first)
	}
}

func TestDroppedCountsLostDeliveries(t *testing.T) {
	bus := NewBus(nil)
	_, unsub := bus.Subscribe(EventEntryPlaced, 1)
	defer unsub()

	for i := 0; i < 4; i++ {
		bus.Publish(EventEntryPlaced, i)
	}
	// One publish fit the buffer; three overflowed.
	if got := bus.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	bus := NewBus(nil)
	_, unsub := bus.Subscribe(EventEntryFilled, 1)
	unsub()
	unsub()
	bus.Publish(EventEntryFilled, nil)
}
