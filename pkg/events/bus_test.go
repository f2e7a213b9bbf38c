package events

import (
	"errors"
	"testing"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus[int](4)
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubA()
	defer unsubB()

	if err := bus.Publish(42); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if got := <-a; got != 42 {
		t.Fatalf("subscriber a got %d", got)
	}
	if got := <-b; got != 42 {
		t.Fatalf("subscriber b got %d", got)
	}
}

func TestBusDropsOldestWhenBufferFull(t *testing.T) {
	bus := NewBus[int](2)
	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 1; i <= 5; i++ {
		if err := bus.Publish(i); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	// The two most recent events survive.
	if got := <-ch; got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := <-ch; got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus[string](1)
	ch, unsub := bus.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestBusShutdownRejectsNewEvents(t *testing.T) {
	bus := NewBus[int](1)
	ch, _ := bus.Subscribe()

	bus.Shutdown()

	if err := bus.Publish(1); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after shutdown")
	}
}
