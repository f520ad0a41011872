package gameserver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/apiclient"
	"github.com/cory-johannsen/skirmish/internal/apperr"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/pubsub/ws"
	"github.com/cory-johannsen/skirmish/internal/reconcile"
)

type view struct {
	Version int64
	Round   int
	Turn    int
	HP      map[string]int
	Order   map[string]int
}

func viewOf(c *combat.Combat) view {
	v := view{Version: c.Version, Round: c.CurrentRound, Turn: c.CurrentTurn, HP: map[string]int{}, Order: map[string]int{}}
	for _, p := range c.Participants {
		v.HP[p.ID] = p.CurrentHP
		v.Order[p.ID] = p.Order
	}
	return v
}

// A player following a combat over the event stream converges on what the GM sees.
func TestSync_PlayerSnapshotConverges(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)
	goblin := a.addParticipant(t, c.ID, "Goblin", 12, 7)
	a.addParticipant(t, c.ID, "Wolf", 15, 11)

	fetcher, err := apiclient.New(a.server.URL, player)
	require.NoError(t, err)
	dialer, err := ws.NewDialer(a.server.URL, player, ws.Config{}, zap.NewNop())
	require.NoError(t, err)

	rec := reconcile.New(c.ID, fetcher, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, dialer) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("reconciler did not stop")
		}
	})

	require.Eventually(t, func() bool {
		return len(a.sessions.ClientsInCombat(c.ID)) == 1 && rec.Snapshot() != nil
	}, 3*time.Second, 10*time.Millisecond)

	type step struct {
		method, path string
		body         any
	}
	for _, st := range []step{
		{http.MethodPost, "/combats/" + c.ID + "/sort", nil},
		{http.MethodPost, "/combats/" + c.ID + "/next-turn", nil},
		{http.MethodPost, "/participants/" + goblin.ID + "/hp", map[string]int{"delta": -4}},
		{http.MethodPost, "/combats/" + c.ID + "/next-turn", nil},
		{http.MethodPost, "/combats/" + c.ID + "/next-turn", nil},
	} {
		resp := a.api.Do(st.method, st.path, gm, st.body)
		require.Equal(t, http.StatusOK, resp.Status, "%s %s: %s", st.method, st.path, resp.Body)
	}

	var authoritative combat.Combat
	a.api.Do(http.MethodGet, "/combats/"+c.ID, gm, nil).Decode(t, &authoritative)
	want := viewOf(&authoritative)
	assert.Equal(t, 2, want.Round)
	assert.Equal(t, 3, want.HP[goblin.ID])

	assert.Eventually(t, func() bool {
		snap := rec.Snapshot()
		return snap != nil && assert.ObjectsAreEqual(want, viewOf(snap))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSync_RemovalReachesPlayer(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)
	doomed := a.addParticipant(t, c.ID, "Skeleton", 4, 13)
	a.addParticipant(t, c.ID, "Knight", 9, 20)

	fetcher, err := apiclient.New(a.server.URL, player)
	require.NoError(t, err)
	dialer, err := ws.NewDialer(a.server.URL, player, ws.Config{}, zap.NewNop())
	require.NoError(t, err)

	rec := reconcile.New(c.ID, fetcher, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = rec.Run(ctx, dialer) }()

	require.Eventually(t, func() bool {
		return len(a.sessions.ClientsInCombat(c.ID)) == 1 && rec.Snapshot() != nil
	}, 3*time.Second, 10*time.Millisecond)

	resp := a.api.Do(http.MethodDelete, "/participants/"+doomed.ID, gm, nil)
	require.Equal(t, http.StatusOK, resp.Status)

	assert.Eventually(t, func() bool {
		snap := rec.Snapshot()
		if snap == nil || len(snap.Participants) != 1 {
			return false
		}
		return snap.Participants[0].Name == "Knight"
	}, 3*time.Second, 10*time.Millisecond)
}

// The GM's own snapshot reflects each mutation as soon as the call returns, and
// merging the broadcast echoes afterwards changes nothing.
func TestSync_ActingClientAppliesResultBeforeEcho(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)
	goblin := a.addParticipant(t, c.ID, "Goblin", 12, 7)
	wolf := a.addParticipant(t, c.ID, "Wolf", 15, 11)
	doomed := a.addParticipant(t, c.ID, "Rat", 3, 2)

	client, err := apiclient.New(a.server.URL, gm)
	require.NoError(t, err)
	rec := reconcile.New(c.ID, client, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, rec.Refresh(ctx))
	client.Track(rec)

	// Echoes queue here and are merged only at the end.
	echoes := a.subscribe(t, c.ID)

	_, err = client.SortByInitiative(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, wolf.ID, rec.Snapshot().Participants[0].ID)

	_, err = client.NextTurn(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Snapshot().CurrentTurn)

	_, err = client.ApplyHPDelta(ctx, goblin.ID, -4)
	require.NoError(t, err)
	p, ok := rec.Snapshot().Participant(goblin.ID)
	require.True(t, ok)
	assert.Equal(t, 3, p.CurrentHP)

	version, err := client.RemoveParticipant(ctx, doomed.ID)
	require.NoError(t, err)
	_, ok = rec.Snapshot().Participant(doomed.ID)
	assert.False(t, ok)
	assert.Equal(t, version, rec.Snapshot().Version)

	optimistic := viewOf(rec.Snapshot())

	msgs := drain(echoes)
	require.NotEmpty(t, msgs)
	for _, msg := range msgs {
		require.NoError(t, rec.Apply(ctx, msg))
	}
	assert.Equal(t, optimistic, viewOf(rec.Snapshot()))

	var authoritative combat.Combat
	a.api.Do(http.MethodGet, "/combats/"+c.ID, gm, nil).Decode(t, &authoritative)
	assert.Equal(t, viewOf(&authoritative), optimistic)
}

func TestSync_TrackerIgnoresFailedMutations(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)
	a.addParticipant(t, c.ID, "Goblin", 12, 7)

	client, err := apiclient.New(a.server.URL, gm)
	require.NoError(t, err)
	rec := reconcile.New(c.ID, client, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, rec.Refresh(ctx))
	client.Track(rec)

	_, err = client.EndCombat(ctx, c.ID)
	require.NoError(t, err)
	before := rec.Snapshot()
	assert.Equal(t, combat.StateEnded, before.State)

	_, err = client.NextTurn(ctx, c.ID)
	assert.ErrorIs(t, err, apperr.ErrFailedPrecondition)
	assert.Equal(t, before, rec.Snapshot())
}
