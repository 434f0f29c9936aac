package cdp

import (
	"sync"
	"sync/atomic"
)

// stream is a bounded, drop-oldest delivery queue. The driving loop is the
// only sender and the only closer; consumers receive from ch.
type stream[T any] struct {
	ch      chan T
	dropped atomic.Uint64
	closed  bool // loop only

	mu  sync.Mutex
	err error
}

func newStream[T any](capacity int) *stream[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &stream[T]{ch: make(chan T, capacity)}
}

// push enqueues v without blocking. When the queue is full the oldest queued
// item is discarded to make room. It reports whether an item was discarded.
func (s *stream[T]) push(v T) bool {
	if s.closed {
		return false
	}
	discarded := false
	for {
		select {
		case s.ch <- v:
			return discarded
		default:
		}
		select {
		case <-s.ch:
			discarded = true
			s.dropped.Add(1)
		default:
		}
	}
}

// close ends the sequence. err records why; nil means an explicit close.
func (s *stream[T]) close(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func (s *stream[T]) reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
