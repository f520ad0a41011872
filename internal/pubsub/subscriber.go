package pubsub

import (
	"fmt"
	"sync"
)

// queue routes published messages into a buffered channel for one subscriber.
type queue struct {
	id       uint64
	topic    string
	messages chan Message
	mu       sync.Mutex
	closed   bool
	stop     func() bool
	onClose  func(*queue)
}

func newQueue(id uint64, topic string, bufferSize int, onClose func(*queue)) *queue {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &queue{
		id:       id,
		topic:    topic,
		messages: make(chan Message, bufferSize),
		onClose:  onClose,
	}
}

func (q *queue) setStop(stop func() bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stop = stop
}

// push enqueues msg without blocking.
//
// Postcondition: Returns an error if the queue is closed or its buffer is full.
func (q *queue) push(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("subscriber %d on %s is closed", q.id, q.topic)
	}
	select {
	case q.messages <- msg:
		return nil
	default:
		return fmt.Errorf("subscriber %d on %s buffer full", q.id, q.topic)
	}
}

// Messages implements Subscription.
func (q *queue) Messages() <-chan Message {
	return q.messages
}

// Close implements Subscription.
//
// Postcondition: The messages channel is closed and the queue is detached from its hub.
func (q *queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.messages)
	stop := q.stop
	q.mu.Unlock()

	if stop != nil {
		stop()
	}
	if q.onClose != nil {
		q.onClose(q)
	}
	return nil
}
