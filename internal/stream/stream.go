// Package stream provides in-process fan-out of typed values to any number of
// subscribers. The socket client uses one stream per inbound message kind so
// callers observe the connection without touching it.
package stream

import (
	"context"
	"log"
	"sync"
)

// Stream fans values out to subscriber channels. Publishing never blocks: a
// subscriber whose buffer is full misses the value and a warning is logged,
// mirroring the delivery model of the underlying socket (slow consumers do not
// stall the read loop).
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buf    int
	closed bool
}

// New creates a stream whose subscriber channels hold buf values.
func New[T any](buf int) *Stream[T] {
	if buf < 1 {
		buf = 16
	}
	return &Stream[T]{subs: make(map[int]chan T), buf: buf}
}

// Subscribe registers a new subscriber. The returned cancel func removes the
// subscription and closes the channel; it is safe to call more than once.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.buf)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber without blocking.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- v:
		default:
			log.Printf("stream: subscriber %d buffer full, dropping value", id)
		}
	}
}

// Close closes all subscriber channels. Further Publish calls are no-ops and
// further Subscribe calls return a closed channel.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// First subscribes, waits for the first value matching pred and returns it.
// It blocks until a match arrives, the stream closes, or the context is done.
func First[T any](ctx context.Context, s *Stream[T], pred func(T) bool) (T, error) {
	ch, cancel := s.Subscribe()
	defer cancel()

	var zero T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return zero, ErrClosed
			}
			if pred(v) {
				return v, nil
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
