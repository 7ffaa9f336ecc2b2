package notify

import (
	"sync"
	"sync/atomic"
)

// sinkBuffer is the backlog a slow sink may build before events are dropped.
const sinkBuffer = 128

// sink runs deliveries for a slow observer on its own goroutine so Publish
// never waits on the network. Events beyond the buffer are dropped, the same
// policy the Hub applies to slow subscribers.
type sink struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

func newSink(size int, deliver func(Event)) *sink {
	s := &sink{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for evt := range s.ch {
			deliver(evt)
		}
	}()
	return s
}

// offer queues evt without blocking. It reports false when the event was
// dropped because the buffer is full or the sink is closed.
func (s *sink) offer(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close stops accepting events and waits for the backlog to drain.
func (s *sink) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}
