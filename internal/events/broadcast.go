// Package events fans out flow events to in-process subscribers. The flow
// store stays the durable source of truth; the broadcaster only saves live
// consumers (console renderers, hub aggregation) from polling the database.
package events

import (
	"sync"

	"github.com/codex-autorunner/car/internal/flowstore"
)

// Broadcaster fans out events to multiple subscribers.
// One Broadcaster per flow run. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []flowstore.Event
	clients map[uint64]chan flowstore.Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on real broadcaster Close(), not slow-client drops
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan flowstore.Event),
		doneCh:  make(chan struct{}),
	}
}

// Send fans one event out to every subscriber. Called by the engine after
// the event has been appended to the store.
func (b *Broadcaster) Send(ev flowstore.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop to prevent blocking the engine.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The events channel receives a replay of all historical events,
// then live events. The done channel is closed only when the broadcaster is
// closed (run finished), NOT when a slow client is dropped. This lets
// callers distinguish the two cases.
func (b *Broadcaster) Subscribe() (<-chan flowstore.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan flowstore.Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Replay history. Channel is sized to fit all history plus live headroom,
	// so this never blocks while holding the mutex.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be sent. All client channels are
// closed. Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events received so far.
func (b *Broadcaster) History() []flowstore.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]flowstore.Event, len(b.history))
	copy(out, b.history)
	return out
}
