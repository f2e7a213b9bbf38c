// Package events implements a small fan-out bus used to broadcast job
// status events to external collaborators (CLI, GUI) without each of them
// holding a reference to the orchestrator.
package events

import (
	"errors"
	"sync"
)

// ErrShuttingDown is returned by Publish after Shutdown has been called.
var ErrShuttingDown = errors.New("event bus is shutting down")

// Bus delivers every published value to all current subscribers. A slow
// subscriber whose buffer is full has the oldest pending event dropped in
// favor of the new one, so delivery never blocks the publisher and the most
// recent state always gets through.
type Bus[T any] struct {
	mu             sync.RWMutex
	subscribers    map[int]chan T
	nextID         int
	bufferSize     int
	isShuttingDown bool
	active         sync.WaitGroup
}

// NewBus creates a bus whose subscriber channels buffer up to bufferSize
// events.
func NewBus[T any](bufferSize int) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus[T]{
		subscribers: make(map[int]chan T),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// an unsubscribe function. The channel is closed on unsubscribe or shutdown.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to all subscribers. New events are rejected
// once the bus is shutting down so that consumers see a clean end of stream.
func (b *Bus[T]) Publish(event T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isShuttingDown {
		return ErrShuttingDown
	}

	b.active.Add(1)
	defer b.active.Done()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Buffer full: drop the oldest pending event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
	return nil
}

// Shutdown stops accepting new events, waits for in-flight publishes to
// finish and closes all subscriber channels.
func (b *Bus[T]) Shutdown() {
	b.mu.Lock()
	b.isShuttingDown = true
	b.mu.Unlock()

	b.active.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
