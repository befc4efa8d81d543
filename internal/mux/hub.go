// Package mux fans one session's output stream out to any number of
// subscribers, each with its own bounded queue.
//
// A single goroutine publishes into a Hub. Publish never blocks on a slow
// subscriber: a subscriber whose undelivered bytes would exceed its limit
// is dropped with model.ErrOutputOverrun and the rest keep receiving.
package mux

import (
	"sync"

	"github.com/dockerflow/gateway/internal/buffer"
	"github.com/dockerflow/gateway/internal/model"
)

// DefaultSinkLimit is the per-subscriber backlog limit when none is configured.
const DefaultSinkLimit = 1 << 20

// Options configures a Hub.
type Options struct {
	// SinkLimit bounds undelivered bytes per subscriber.
	SinkLimit int

	// ReplayBytes, when positive, keeps that many trailing bytes and hands
	// them to each new subscriber as its first chunk.
	ReplayBytes int

	// OnDrop is called, outside the hub lock, for each subscriber removed
	// because it overran its limit.
	OnDrop func(sub *Subscription, err error)
}

// Hub distributes published chunks to subscribers.
type Hub struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	replay   *buffer.RingBuffer
	limit    int
	onDrop   func(*Subscription, error)
	closed   bool
	closeErr error
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	if opts.SinkLimit <= 0 {
		opts.SinkLimit = DefaultSinkLimit
	}
	h := &Hub{
		subs:   make(map[uint64]*Subscription),
		limit:  opts.SinkLimit,
		onDrop: opts.OnDrop,
	}
	if opts.ReplayBytes > 0 {
		h.replay = buffer.NewRingBuffer(opts.ReplayBytes)
	}
	return h
}

// Subscribe registers a new subscriber that receives every chunk published
// after this call, preceded by the replay tail when replay is enabled.
// Subscribing to a closed hub yields a subscription that is already finished.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := newSubscription(h, h.nextID, h.limit)
	if h.closed {
		sub.finish(h.closeErr)
		return sub
	}
	if h.replay != nil {
		if tail := h.replay.ReadAll(); len(tail) > 0 {
			sub.push(tail)
		}
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub. Undelivered data is discarded. It reports
// whether sub was still registered here; a subscription from another hub
// with the same id is left alone.
func (h *Hub) Unsubscribe(sub *Subscription) bool {
	h.mu.Lock()
	ok := h.subs[sub.id] == sub
	if ok {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()

	sub.abort(model.ErrTransportClosed)
	return ok
}

// Publish delivers chunk to every subscriber in publish order. The chunk
// is copied, so the caller may reuse its buffer.
func (h *Hub) Publish(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)

	var dropped []*Subscription

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.replay != nil {
		h.replay.Write(data)
	}
	for id, sub := range h.subs {
		if !sub.push(data) {
			delete(h.subs, id)
			dropped = append(dropped, sub)
		}
	}
	onDrop := h.onDrop
	h.mu.Unlock()

	if onDrop != nil {
		for _, sub := range dropped {
			onDrop(sub, model.ErrOutputOverrun)
		}
	}
}

// Close ends every subscription. Subscribers drain what is already queued
// and then receive err, or io.EOF when err is nil. Later publishes are ignored.
func (h *Hub) Close(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.closeErr = err
	subs := make([]*Subscription, 0, len(h.subs))
	for id, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.finish(err)
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Replay returns a copy of the replay tail, or nil when replay is disabled.
func (h *Hub) Replay() []byte {
	if h.replay == nil {
		return nil
	}
	return h.replay.ReadAll()
}
