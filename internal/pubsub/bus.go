// Package pubsub is an in-process, topic-keyed broadcast bus.
//
// Every subscription owns an unbounded FIFO queue drained by its own
// goroutine, so a slow consumer never blocks the publisher or other
// consumers. Payloads published before a subscription exists are never
// delivered to it.
package pubsub

import (
	"context"
	"sync"
)

// Bus fans payloads of type T out to the subscribers of a topic.
// The zero value is not usable; call New.
type Bus[T any] struct {
	mu     sync.RWMutex
	topics map[string]*topic[T]
	nextID uint64
	closed bool
}

type topic[T any] struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription[T]
}

// New returns an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{topics: make(map[string]*topic[T])}
}

// Publish enqueues payload for every current subscriber of name and returns
// how many subscribers it reached. It never blocks on consumers.
func (b *Bus[T]) Publish(name string, payload T) int {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := 0
	for _, sub := range t.subs {
		if sub.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// Subscribe registers a subscription on name. It ends when Cancel is called,
// ctx is done, or the bus is closed; its channel is closed at that point.
func (b *Bus[T]) Subscribe(ctx context.Context, name string) *Subscription[T] {
	sub := &Subscription[T]{
		topic:  name,
		bus:    b,
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.done) })
		close(sub.out)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	t := b.topics[name]
	if t == nil {
		t = &topic[T]{subs: make(map[uint64]*Subscription[T])}
		b.topics[name] = t
	}
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()
	b.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go sub.pump(ctx)
	return sub
}

// Subscribers returns the number of live subscriptions on name.
func (b *Bus[T]) Subscribers(name string) int {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close cancels every subscription. Later Subscribe calls return
// subscriptions that are already finished.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	var subs []*Subscription[T]
	for _, t := range b.topics {
		t.mu.Lock()
		for _, sub := range t.subs {
			subs = append(subs, sub)
		}
		t.mu.Unlock()
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (b *Bus[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[sub.topic]
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub.id)
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(b.topics, sub.topic)
	}
}

// Subscription is one consumer's view of a topic.
type Subscription[T any] struct {
	id    uint64
	topic string
	bus   *Bus[T]

	mu     sync.Mutex
	queue  []T
	closed bool

	out       chan T
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Topic returns the topic name the subscription listens on.
func (s *Subscription[T]) Topic() string {
	return s.topic
}

// Done is closed once the subscription has been cancelled.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Cancel unsubscribes and releases any queued payloads. Safe to call more
// than once and from any goroutine.
func (s *Subscription[T]) Cancel() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.bus != nil {
			s.bus.remove(s)
		}
	})
}

// enqueue appends payload to the queue without blocking.
func (s *Subscription[T]) enqueue(payload T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// pump moves queued payloads to out in order until the subscription ends.
func (s *Subscription[T]) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.Cancel()
				return
			}
		}
		next := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		case <-ctx.Done():
			s.Cancel()
			return
		}
	}
}
