package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/skirmish/internal/pubsub"
)

func receive(t *testing.T, sub pubsub.Subscription) pubsub.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return pubsub.Message{}
	}
}

func TestCombatTopic(t *testing.T) {
	assert.Equal(t, "combat.abc", pubsub.CombatTopic("abc"))

	id, ok := pubsub.CombatIDFromTopic("combat.abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = pubsub.CombatIDFromTopic("lobby")
	assert.False(t, ok)
}

func TestHub_FanOutToTopicOnly(t *testing.T) {
	hub := pubsub.NewHub(4)
	ctx := context.Background()

	a1, err := hub.Subscribe(ctx, "combat.a")
	require.NoError(t, err)
	a2, err := hub.Subscribe(ctx, "combat.a")
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, "combat.b")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, "combat.a", "turn_change", []byte(`{"currentTurn":1}`)))

	for _, sub := range []pubsub.Subscription{a1, a2} {
		msg := receive(t, sub)
		assert.Equal(t, "turn_change", msg.Event)
		assert.Equal(t, "combat.a", msg.Topic)
		assert.JSONEq(t, `{"currentTurn":1}`, string(msg.Payload))
	}
	select {
	case <-b.Messages():
		t.Fatal("combat.b must not receive combat.a events")
	default:
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := pubsub.NewHub(4)
	assert.NoError(t, hub.Publish(context.Background(), "combat.none", "combat_end", nil))
}

func TestHub_OverflowDisconnectsSubscriber(t *testing.T) {
	hub := pubsub.NewHub(1)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, "combat.a")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, "combat.a", "round_change", nil))
	err = hub.Publish(ctx, "combat.a", "round_change", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")

	_, ok := <-sub.Messages() // buffered message still readable
	assert.True(t, ok)
	_, ok = <-sub.Messages()
	assert.False(t, ok, "overflowed subscription must be closed")
	assert.Equal(t, 0, hub.SubscriberCount("combat.a"))
}

func TestHub_CloseSubscriptionDetaches(t *testing.T) {
	hub := pubsub.NewHub(4)
	sub, err := hub.Subscribe(context.Background(), "combat.a")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.SubscriberCount("combat.a"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, hub.SubscriberCount("combat.a"))
}

func TestHub_ContextCancelClosesSubscription(t *testing.T) {
	hub := pubsub.NewHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, "combat.a")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return hub.SubscriberCount("combat.a") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub := pubsub.NewHub(4)
	sub, err := hub.Subscribe(context.Background(), "combat.a")
	require.NoError(t, err)

	hub.Close()
	_, ok := <-sub.Messages()
	assert.False(t, ok)

	_, err = hub.Subscribe(context.Background(), "combat.a")
	assert.ErrorIs(t, err, pubsub.ErrClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), "combat.a", "x", nil), pubsub.ErrClosed)
}

func TestHub_PublishHonoursCancelledContext(t *testing.T) {
	hub := pubsub.NewHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Publish(ctx, "combat.a", "x", nil), context.Canceled)
}
