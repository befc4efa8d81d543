package mux

import (
	"context"
	"io"
	"sync"

	"github.com/dockerflow/gateway/internal/model"
)

// Subscription is one subscriber's FIFO queue of undelivered output.
type Subscription struct {
	id    uint64
	hub   *Hub
	limit int

	mu     sync.Mutex
	queue  [][]byte
	queued int
	done   bool
	err    error
	notify chan struct{}
}

func newSubscription(h *Hub, id uint64, limit int) *Subscription {
	return &Subscription{
		id:     id,
		hub:    h,
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the hub-unique subscriber id.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Close unsubscribes from the hub.
func (s *Subscription) Close() bool {
	return s.hub.Unsubscribe(s)
}

// push appends data, or fails the subscription with ErrOutputOverrun when
// the queue would exceed its limit. It returns false once the subscription
// is finished.
func (s *Subscription) push(data []byte) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	if s.queued+len(data) > s.limit {
		s.queue = nil
		s.queued = 0
		s.done = true
		s.err = model.ErrOutputOverrun
		s.mu.Unlock()
		s.wake()
		return false
	}
	s.queue = append(s.queue, data)
	s.queued += len(data)
	s.mu.Unlock()
	s.wake()
	return true
}

// finish marks the subscription ended with err. The first cause wins.
func (s *Subscription) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

// abort discards undelivered data and finishes with err.
func (s *Subscription) abort(err error) {
	s.mu.Lock()
	s.queue = nil
	s.queued = 0
	s.mu.Unlock()
	s.finish(err)
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until output is available and returns everything queued,
// concatenated in publish order. After the subscription ends and its queue
// is drained, Next returns the terminating error.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			var out []byte
			if len(s.queue) == 1 {
				out = s.queue[0]
			} else {
				out = make([]byte, 0, s.queued)
				for _, chunk := range s.queue {
					out = append(out, chunk...)
				}
			}
			s.queue = nil
			s.queued = 0
			s.mu.Unlock()
			return out, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Err returns the terminating error, or nil while the subscription is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		return nil
	}
	return s.err
}

// Queued returns the number of undelivered bytes.
func (s *Subscription) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}
