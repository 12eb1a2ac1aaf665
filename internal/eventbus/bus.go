// Package eventbus is the in-process signal fabric between the
// registry, the poller and the sinks.
package eventbus

import (
	"sync"
	"time"
)

// Event types flowing through the bus.
const (
	// EventScopesChanged fires when a subscriber's watchlist changes and
	// the set of courses worth polling may have moved.
	EventScopesChanged = "scopes.changed"
	// EventPollCycle fires after every poll cycle, success or not. Data
	// carries the cycle result.
	EventPollCycle = "poll.cycle"
	// EventBroadcastPublish fires when a truth payload goes out on the
	// broadcast channel.
	EventBroadcastPublish = "broadcast.publish"
)

// Event is a small in-memory signal. Publish never blocks; a slow
// subscriber loses events rather than stalling the publisher. Data
// stays small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{subs: map[int]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		deliver(ch, e)
	}
}

// deliver attempts a non-blocking send. An unsubscribe can close the
// channel between the snapshot and the send, so the panic is absorbed
// here.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
