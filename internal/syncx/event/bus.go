// Package event provides a small typed publish/subscribe bus. It replaces
// ad-hoc listener slices so multiple independent consumers can observe sync
// progress, conflicts and connectivity without coupling to any one of them,
// and stays safe under concurrent publishers.
package event

import "sync"

// Bus fans events of type T out to subscribers. Publish never blocks on a
// subscriber: handlers run synchronously on the publisher's goroutine, so
// they must be fast and must not call back into the publisher.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]func(T))}
}

// Subscribe registers a handler and returns an unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Bus[T]) Subscribe(handler func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers an event to every current subscriber.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	handlers := make([]func(T), 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len returns the current subscriber count.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
