package pubsub

import (
	"context"
	"errors"
	"sync"
)

// Hub is an in-process Publisher and Subscriber.
// A subscriber whose buffer overflows is disconnected instead of silently
// losing messages, so that its owner notices the gap and re-fetches.
// All methods are safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]map[uint64]*queue
	nextID     uint64
	bufferSize int
	closed     bool
}

// NewHub creates a Hub whose subscriptions buffer up to bufferSize messages.
//
// Postcondition: Returns a non-nil Hub; bufferSize <= 0 selects the default of 64.
func NewHub(bufferSize int) *Hub {
	return &Hub{
		topics:     make(map[string]map[uint64]*queue),
		bufferSize: bufferSize,
	}
}

// Subscribe implements Subscriber. The subscription is closed when ctx is done.
//
// Postcondition: Returns an open Subscription, or ErrClosed after Close.
func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	q := newQueue(h.nextID, topic, h.bufferSize, h.detach)
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[uint64]*queue)
	}
	h.topics[topic][q.id] = q
	q.setStop(context.AfterFunc(ctx, func() { _ = q.Close() }))
	return q, nil
}

// Publish implements Publisher. Delivery to each subscriber never blocks.
//
// Postcondition: Every subscriber with buffer space has received the message;
// subscribers that could not receive it have been closed and are reported in the error.
func (h *Hub) Publish(ctx context.Context, topic, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*queue, 0, len(h.topics[topic]))
	for _, q := range h.topics[topic] {
		subs = append(subs, q)
	}
	h.mu.RUnlock()

	msg := Message{Topic: topic, Event: event, Payload: payload}
	var errs []error
	for _, q := range subs {
		if err := q.push(msg); err != nil {
			errs = append(errs, err)
			_ = q.Close()
		}
	}
	return errors.Join(errs...)
}

// SubscriberCount returns the number of open subscriptions on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close ends every subscription; later Publish and Subscribe calls return ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*queue
	for _, subs := range h.topics {
		for _, q := range subs {
			all = append(all, q)
		}
	}
	h.mu.Unlock()

	for _, q := range all {
		_ = q.Close()
	}
}

func (h *Hub) detach(q *queue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[q.topic]; ok {
		delete(subs, q.id)
		if len(subs) == 0 {
			delete(h.topics, q.topic)
		}
	}
}
