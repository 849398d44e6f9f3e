// Package eventbus is the in-process publish/subscribe hub between the CLI
// runners that produce events and the consumers that persist or relay them.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/mtzanidakis/jarvis/internal/events"
)

// Handler receives every published event. Handlers run on the publisher's
// goroutine and must not block for long.
type Handler func(events.Event)

// Subscription identifies a registered handler.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler Handler
}

// Bus delivers each event synchronously to all subscribers in registration
// order. It does not buffer: a slow subscriber stalls the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID Subscription
}

func New() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, handler: h})
	return b.nextID
}

func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// Copy so snapshots held by in-flight publishers stay intact.
			subs := make([]subscriber, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// Publish returns once every subscriber has seen ev. A panicking subscriber
// is logged and skipped.
func (b *Bus) Publish(ev events.Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s, ev)
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func deliver(s subscriber, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber failed", "subscription", uint64(s.id), "type", ev.Type, "panic", r)
		}
	}()
	s.handler(ev)
}
