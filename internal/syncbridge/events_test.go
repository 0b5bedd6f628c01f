package syncbridge

import (
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(EventOperation, map[string]string{"id": "op1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventOperation {
				t.Fatalf("subscriber %d: type = %s", i, ev.Type)
			}
			if ev.At.IsZero() {
				t.Fatalf("subscriber %d: missing timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(EventStopped, nil)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(EventOperation, 1)
	bus.Publish(EventOperation, 2)
	bus.Publish(EventOperation, 3)

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != 1 {
				t.Fatalf("received = %d, want 1 buffered event", received)
			}
			return
		}
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after bus close")
	}

	// Subscribing to a closed bus yields a closed channel.
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()
	if _, ok := <-ch2; ok {
		t.Fatal("late subscription should be closed immediately")
	}
}
