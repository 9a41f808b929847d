// Package sink provides a bounded, replayable multicast of run events.
package sink

import "sync"

// DefaultCapacity is the replay history size used when none is given.
const DefaultCapacity = 512

type subscriber[T any] struct {
	// deliver returns false to drop the subscriber.
	deliver func(T) bool
	done    func()
}

// Sink fans events out to subscribers and keeps the most recent events so a
// late subscriber can replay them. Subscriber callbacks run under the sink's
// lock, in publish order, and must not block or call back into the sink.
type Sink[T any] struct {
	mu        sync.Mutex
	history   *ring[T]
	subs      map[int]*subscriber[T]
	nextID    int
	completed bool
}

// New creates a sink keeping up to capacity past events.
func New[T any](capacity int) *Sink[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink[T]{
		history: newRing[T](capacity),
		subs:    make(map[int]*subscriber[T]),
	}
}

// Publish records v and delivers it to every subscriber. It returns false
// once the sink is complete.
func (s *Sink[T]) Publish(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return false
	}
	s.history.push(v)
	for id, sub := range s.subs {
		if !sub.deliver(v) {
			delete(s.subs, id)
			if sub.done != nil {
				sub.done()
			}
		}
	}
	return true
}

// Complete ends the stream. Current subscribers get onComplete; later ones
// replay history and then get onComplete immediately.
func (s *Sink[T]) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.completed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		if sub.done != nil {
			sub.done()
		}
	}
}

// Subscribe replays buffered history to onEvent and then delivers live
// events until the sink completes or cancel is called. onComplete may be nil.
func (s *Sink[T]) Subscribe(onEvent func(T), onComplete func()) (cancel func()) {
	return s.add(&subscriber[T]{
		deliver: func(v T) bool { onEvent(v); return true },
		done:    onComplete,
	})
}

// SubscribeChan is Subscribe over a channel. The channel is closed when the
// sink completes, when cancel is called, or when the subscriber falls more
// than buffer live events behind. Room for the full replay is added on top.
func (s *Sink[T]) SubscribeChan(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer+len(s.history.data))
	var once sync.Once
	closeCh := func() { once.Do(func() { close(ch) }) }
	cancel := s.add(&subscriber[T]{
		deliver: func(v T) bool {
			select {
			case ch <- v:
				return true
			default:
				return false
			}
		},
		done: closeCh,
	})
	return ch, func() {
		cancel()
		closeCh()
	}
}

func (s *Sink[T]) add(sub *subscriber[T]) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.history.items() {
		if !sub.deliver(v) {
			if sub.done != nil {
				sub.done()
			}
			return func() {}
		}
	}
	if s.completed {
		if sub.done != nil {
			sub.done()
		}
		return func() {}
	}

	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// History returns the buffered events, oldest first.
func (s *Sink[T]) History() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.items()
}

// Completed reports whether Complete was called.
func (s *Sink[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Subscribers returns the number of live subscribers.
func (s *Sink[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
