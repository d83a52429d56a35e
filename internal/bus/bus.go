// Package bus fans out store and snapshot events to in-process listeners
// such as the daemon's event log.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 100

// Event is one published message. Payload is one of the *Event structs in
// topics.go.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	id      uint64
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the channel was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus is safe for concurrent use. A nil *Bus accepts Publish and drops
// everything, so the store and tests can run without one.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
}

func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer returns a Bus whose subscriptions buffer n events. n < 1
// uses DefaultBuffer.
func NewWithBuffer(n int) *Bus {
	if n < 1 {
		n = DefaultBuffer
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: n}
}

// Subscribe registers interest in topics starting with prefix; "" matches
// everything. Slow readers lose events rather than stall publishers.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: prefix, ch: make(chan Event, b.buffer)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe closes the subscription's channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers to every matching subscription without blocking.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
