package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Next once a subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// Subscription is a subscriber handle with a bounded FIFO inbox.
type Subscription struct {
	boardID string
	size    int
	onDrop  func(*Subscription, Event)

	mu     sync.Mutex
	inbox  []Event
	notify chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool
	dropped   atomic.Int64
}

func newSubscription(boardID string, size int, onDrop func(*Subscription, Event)) *Subscription {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Subscription{
		boardID: boardID,
		size:    size,
		onDrop:  onDrop,
		inbox:   make([]Event, 0, size),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// BoardID returns the board this subscription listens to.
func (s *Subscription) BoardID() string {
	return s.boardID
}

// deliver enqueues e, evicting the oldest non-heartbeat event when full.
func (s *Subscription) deliver(e Event) {
	if s.closed.Load() {
		return
	}

	var evicted *Event
	s.mu.Lock()
	if len(s.inbox) >= s.size {
		idx := 0
		for i, queued := range s.inbox {
			if queued.Type != Heartbeat {
				idx = i
				break
			}
		}
		old := s.inbox[idx]
		evicted = &old
		s.inbox = append(s.inbox[:idx], s.inbox[idx+1:]...)
	}
	s.inbox = append(s.inbox, e)
	s.mu.Unlock()

	if evicted != nil {
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop(s, *evicted)
		}
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done, or the subscription
// is closed. Events queued before Close are still returned.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.inbox) > 0 {
			e := s.inbox[0]
			s.inbox[0] = Event{}
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		if s.closed.Load() {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// Dropped returns how many events were evicted from this inbox.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close releases the subscription. The bus drops it on its next publish.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}
