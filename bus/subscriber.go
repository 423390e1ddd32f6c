package bus

import (
	"context"
	"sync"

	"github.com/dshills/agentflow-go/graph/emit"
)

// Subscriber is one consumer of a topic's event stream.
//
// Events queue in a private bounded buffer; when the buffer fills, the
// oldest queued events are dropped and the next delivered event is marked
// Lagging. A subscriber never blocks the publisher or other subscribers.
type Subscriber struct {
	id    string
	topic *topic
	cap   int

	mu      sync.Mutex
	buf     []emit.Event
	dropped bool
	closed  bool

	notify chan struct{}
}

// push queues an event, dropping the oldest on overflow. Caller holds the
// topic lock; push takes only the subscriber's own lock.
func (s *Subscriber) push(event emit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.buf) >= s.cap {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped = true
	}
	s.buf = append(s.buf, event)
	s.wake()
}

func (s *Subscriber) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.wake()
}

// wake is a non-blocking notify; callers hold s.mu (or the subscriber is
// not yet shared).
func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscriber's topic closes
// (ErrClosed after the buffer drains), or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (emit.Event, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			event := s.buf[0]
			copy(s.buf, s.buf[1:])
			s.buf = s.buf[:len(s.buf)-1]
			if s.dropped {
				event.Lagging = true
				s.dropped = false
			}
			s.mu.Unlock()
			return event, nil
		}
		if s.closed {
			s.mu.Unlock()
			return emit.Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return emit.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscriber from its topic and releases its buffer.
// Idempotent.
func (s *Subscriber) Close() {
	t := s.topic
	t.mu.Lock()
	delete(t.subs, s.id)
	t.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.wake()
	s.mu.Unlock()
}
