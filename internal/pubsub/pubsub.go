// Package pubsub defines the topic-based transport that carries sync events and
// provides an in-process implementation.
package pubsub

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned when publishing to or subscribing on a closed transport.
var ErrClosed = errors.New("pubsub: closed")

// Message is one event delivered on a topic.
type Message struct {
	Topic   string
	Event   string
	Payload []byte
}

// Publisher sends events to every current subscriber of a topic.
type Publisher interface {
	// Publish delivers event with payload to topic. It must not block on slow
	// subscribers; a non-nil error means at least one delivery failed.
	Publish(ctx context.Context, topic, event string, payload []byte) error
}

// Subscription is a live stream of messages for one topic.
type Subscription interface {
	// Messages is closed when the subscription ends for any reason (Close, a
	// dropped connection, the transport shutting down).
	Messages() <-chan Message
	// Close ends the subscription. It is safe to call more than once.
	Close() error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// CombatTopic returns the topic carrying sync events for one combat.
func CombatTopic(combatID string) string {
	return "combat." + combatID
}

// CombatIDFromTopic is the inverse of CombatTopic.
func CombatIDFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "combat.")
	return id, ok && id != ""
}
