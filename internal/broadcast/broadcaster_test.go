package broadcast_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/skirmish/internal/broadcast"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/pubsub"
)

type failingPublisher struct {
	calls int
}

func (f *failingPublisher) Publish(context.Context, string, string, []byte) error {
	f.calls++
	return errors.New("transport down")
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func subscribe(t *testing.T, hub *pubsub.Hub, combatID string) pubsub.Subscription {
	t.Helper()
	sub, err := hub.Subscribe(context.Background(), pubsub.CombatTopic(combatID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func next(t *testing.T, sub pubsub.Subscription) pubsub.Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return pubsub.Message{}
	}
}

func TestBroadcaster_TurnChanged(t *testing.T) {
	hub := pubsub.NewHub(8)
	sub := subscribe(t, hub, "c1")
	b := broadcast.New(hub, time.Second, zap.NewNop())

	b.TurnChanged(context.Background(), &combat.Combat{ID: "c1", CurrentTurn: 2, CurrentRound: 3, Version: 7})

	msg := next(t, sub)
	assert.Equal(t, broadcast.EventTurnChange, msg.Event)
	assert.JSONEq(t, `{"currentTurn":2,"currentRound":3,"version":7}`, string(msg.Payload))

	ev, err := broadcast.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, broadcast.TurnChange{CurrentTurn: 2, CurrentRound: 3, Version: 7}, ev)
}

func TestBroadcaster_ParticipantUpdated(t *testing.T) {
	hub := pubsub.NewHub(8)
	sub := subscribe(t, hub, "c1")
	b := broadcast.New(hub, time.Second, zap.NewNop())

	hp := 12
	conds := combat.NewConditionSet("prone", "blinded")
	b.ParticipantUpdated(context.Background(), "c1", "p1", combat.Changes{CurrentHP: &hp, Conditions: &conds}, 4)

	msg := next(t, sub)
	assert.Equal(t, broadcast.EventParticipantUpdate, msg.Event)
	assert.JSONEq(t,
		`{"participantId":"p1","changes":{"currentHp":12,"conditions":["blinded","prone"]},"version":4}`,
		string(msg.Payload))
}

func TestBroadcaster_EmptyChangesNotSent(t *testing.T) {
	pub := &failingPublisher{}
	b := broadcast.New(pub, time.Second, zap.NewNop())
	b.ParticipantUpdated(context.Background(), "c1", "p1", combat.Changes{}, 1)
	assert.Zero(t, pub.calls)
}

func TestBroadcaster_OtherEvents(t *testing.T) {
	hub := pubsub.NewHub(8)
	sub := subscribe(t, hub, "c1")
	b := broadcast.New(hub, time.Second, zap.NewNop())
	ctx := context.Background()

	b.RoundChanged(ctx, &combat.Combat{ID: "c1", CurrentRound: 5, Version: 2})
	b.ParticipantAdded(ctx, &combat.Participant{ID: "p9", CombatID: "c1", Name: "Goblin", MaxHP: 7, CurrentHP: 7, CombatVersion: 3})
	b.ParticipantRemoved(ctx, "c1", "p9", 4)
	b.CombatEnded(ctx, "c1", 5)

	ev, err := broadcast.Decode(next(t, sub))
	require.NoError(t, err)
	assert.Equal(t, broadcast.RoundChange{CurrentRound: 5, Version: 2}, ev)

	ev, err = broadcast.Decode(next(t, sub))
	require.NoError(t, err)
	add, ok := ev.(broadcast.ParticipantAdd)
	require.True(t, ok)
	assert.Equal(t, "Goblin", add.Participant.Name)
	assert.Equal(t, int64(3), add.Version)

	ev, err = broadcast.Decode(next(t, sub))
	require.NoError(t, err)
	assert.Equal(t, broadcast.ParticipantRemove{ParticipantID: "p9", Version: 4}, ev)

	ev, err = broadcast.Decode(next(t, sub))
	require.NoError(t, err)
	assert.Equal(t, broadcast.CombatEnd{CombatID: "c1", Version: 5}, ev)
}

func TestBroadcaster_FailureIsLoggedAndSwallowed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &failingPublisher{}
	b := broadcast.New(pub, time.Second, zap.New(core))

	assert.NotPanics(t, func() {
		b.CombatEnded(context.Background(), "c1", 9)
	})
	assert.Equal(t, 1, pub.calls)

	entries := logs.FilterMessage("publishing sync event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "c1", fields["combat_id"])
	assert.Equal(t, broadcast.EventCombatEnd, fields["event"])
}

func TestBroadcaster_TimeoutBoundsPublish(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := broadcast.New(blockingPublisher{}, 20*time.Millisecond, zap.New(core))

	start := time.Now()
	b.CombatEnded(context.Background(), "c1", 1)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, logs.Len())
}

func TestBroadcaster_CancelledCallerStillPublishes(t *testing.T) {
	hub := pubsub.NewHub(8)
	sub := subscribe(t, hub, "c1")
	b := broadcast.New(hub, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.CombatEnded(ctx, "c1", 3)

	assert.Equal(t, broadcast.EventCombatEnd, next(t, sub).Event)
}

func TestDecode_Unknown(t *testing.T) {
	_, err := broadcast.Decode(pubsub.Message{Event: "loot_drop", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, broadcast.ErrUnknownEvent)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := broadcast.Decode(pubsub.Message{Event: broadcast.EventTurnChange, Payload: []byte(`{"currentTurn":`)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, broadcast.ErrUnknownEvent)

	_, err = broadcast.Decode(pubsub.Message{Event: broadcast.EventParticipantAdd, Payload: []byte(`{"version":1}`)})
	assert.Error(t, err)
}
