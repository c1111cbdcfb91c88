// Package stream provides a minimal last-value-replay publish/subscribe primitive.
//
// It models the observable state each store exposes (current identity, catalog,
// cart, enrolled, the gateway loading flag): subscribers receive the most recent
// value immediately and every subsequent publication. Delivery is best-effort;
// a slow subscriber only ever loses intermediate values, never the latest one.
package stream

import "sync"

// Stream is a broadcast channel that replays the last published value to late
// subscribers.
type Stream[T any] struct {
	mu   sync.Mutex
	last T
	has  bool
	subs map[int]chan T
	next int
}

// New constructs an empty stream (no value published yet).
func New[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T)}
}

// Publish stores v as the latest value and delivers it to all subscribers.
// If a subscriber's buffer is full, its oldest pending value is dropped so the
// newest is always deliverable.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = v
	s.has = true
	for _, ch := range s.subs {
		send(ch, v)
	}
}

// Last returns the most recently published value, if any.
func (s *Stream[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.has
}

// Subscribe registers a listener with the given buffer size (minimum 1).
// The last published value, when present, is replayed immediately.
// The returned cancel func unregisters and closes the channel; it is idempotent.
func (s *Stream[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	if s.has {
		send(ch, s.last)
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// send delivers v without blocking, evicting the oldest buffered value if needed.
func send[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
