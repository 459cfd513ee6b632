package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/LuminPulse-AI/clinicsync"
)

// defaultSubscriberBuffer absorbs bursts such as a bulk intake import. A slow
// subscriber that falls further behind loses events and recovers on its next
// full refresh.
const defaultSubscriberBuffer = 1024

var errHubClosed = errors.New("change hub closed")

type subscriber struct {
	ctx    context.Context
	ch     chan clinicsync.ChangeEvent
	closed atomic.Bool
}

// Hub fans ChangeEvents out to every push subscriber without blocking the
// publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      atomic.Bool
	buffer      int

	// OnDrop, when set, is called for each event a full subscriber misses.
	OnDrop func(clinicsync.ChangeEvent)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		buffer:      defaultSubscriberBuffer,
	}
}

// Publish delivers ev to every current subscriber.
func (h *Hub) Publish(ev clinicsync.ChangeEvent) {
	if h.closed.Load() {
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		h.trySend(sub, ev)
	}
}

// Subscribe registers a subscriber until ctx is done or the hub shuts down,
// at which point the returned channel is closed.
func (h *Hub) Subscribe(ctx context.Context) (<-chan clinicsync.ChangeEvent, error) {
	if h.closed.Load() {
		return nil, errHubClosed
	}

	sub := &subscriber{
		ctx: ctx,
		ch:  make(chan clinicsync.ChangeEvent, h.buffer),
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go h.monitorContext(sub)

	return sub.ch, nil
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Shutdown closes every subscriber channel. Later Subscribe calls fail.
func (h *Hub) Shutdown() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	h.subscribers = nil
}

func (h *Hub) monitorContext(sub *subscriber) {
	<-sub.ctx.Done()
	h.removeSubscriber(sub)
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers == nil {
		return
	}
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

func (h *Hub) trySend(sub *subscriber, ev clinicsync.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			sub.closed.Store(true)
		}
	}()

	select {
	case sub.ch <- ev:
	default:
		if h.OnDrop != nil {
			h.OnDrop(ev)
		}
	}
}
