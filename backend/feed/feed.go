// Package feed implements observable values.
//
// A Subscription receives the value current at subscribe time, then every
// published value. Delivery keeps only the latest undelivered value, so a slow
// subscriber sees the newest state instead of a backlog.
package feed

import "sync"

type Feed[T any] struct {
	mx     sync.Mutex
	value  T
	subs   map[*Subscription[T]]struct{}
	closed bool
}

type Subscription[T any] struct {
	feed *Feed[T]
	c    chan T
	once sync.Once
}

func New[T any](initial T) *Feed[T] {
	return &Feed[T]{
		value: initial,
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

func (f *Feed[T]) Value() T {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.value
}

// Publish stores v and hands it to every subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed {
		return
	}
	f.value = v
	for sub := range f.subs {
		sub.offer(v)
	}
}

// Update applies fn to the current value under the feed lock and publishes
// the result.
func (f *Feed[T]) Update(fn func(T) T) T {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed {
		return f.value
	}
	f.value = fn(f.value)
	for sub := range f.subs {
		sub.offer(f.value)
	}
	return f.value
}

// Subscribe registers a subscriber. On a closed feed the returned
// subscription holds the last value and its channel is already closed.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	_, sub := f.subscribe(true)
	return sub
}

// Watch is Subscribe with the current value returned directly instead of
// being queued, so the channel carries changes only.
func (f *Feed[T]) Watch() (T, *Subscription[T]) {
	return f.subscribe(false)
}

func (f *Feed[T]) subscribe(preload bool) (T, *Subscription[T]) {
	sub := &Subscription[T]{
		feed: f,
		c:    make(chan T, 1),
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	current := f.value
	if preload {
		sub.c <- current
	}
	if f.closed {
		close(sub.c)
		sub.once.Do(func() {})
		return current, sub
	}
	f.subs[sub] = struct{}{}
	return current, sub
}

// Close completes every subscription. Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		sub.once.Do(func() { close(sub.c) })
	}
	f.subs = nil
}

// C yields values until the subscription or its feed is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.c
}

func (s *Subscription[T]) Close() {
	s.feed.mx.Lock()
	defer s.feed.mx.Unlock()
	if s.feed.subs != nil {
		delete(s.feed.subs, s)
	}
	s.once.Do(func() { close(s.c) })
}

// offer must be called with the feed lock held.
func (s *Subscription[T]) offer(v T) {
	select {
	case s.c <- v:
		return
	default:
	}
	// drop the stale value the subscriber has not picked up yet
	select {
	case <-s.c:
	default:
	}
	select {
	case s.c <- v:
	default:
	}
}
