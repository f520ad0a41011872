// Package storetest is the behavioural contract every combat.Store adapter must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) combat.Store

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGetCombat", func(t *testing.T) { testCreateAndGetCombat(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ParticipantsOrderedAndVersioned", func(t *testing.T) { testParticipantsOrdered(t, newStore(t)) })
	t.Run("UpdateParticipantPartial", func(t *testing.T) { testUpdateParticipant(t, newStore(t)) })
	t.Run("DeleteParticipantKeepsOrder", func(t *testing.T) { testDeleteParticipant(t, newStore(t)) })
	t.Run("UpdateCombat", func(t *testing.T) { testUpdateCombat(t, newStore(t)) })
	t.Run("SaveCombat", func(t *testing.T) { testSaveCombat(t, newStore(t)) })
	t.Run("SaveCombatIsAtomic", func(t *testing.T) { testSaveCombatAtomic(t, newStore(t)) })
	t.Run("DeleteCombatCascades", func(t *testing.T) { testDeleteCombat(t, newStore(t)) })
}

func intPtr(v int) *int { return &v }

func createCombat(t *testing.T, s combat.Store) *combat.Combat {
	t.Helper()
	c, err := s.CreateCombat(context.Background(), combat.NewCombat("Bridge ambush", "three goblins"))
	require.NoError(t, err)
	return c
}

func addParticipant(t *testing.T, s combat.Store, combatID, name string, order, initiative int) *combat.Participant {
	t.Helper()
	p, err := s.CreateParticipant(context.Background(), &combat.Participant{
		CombatID:   combatID,
		Name:       name,
		IsNPC:      true,
		Initiative: initiative,
		CurrentHP:  10,
		MaxHP:      12,
		ArmorClass: intPtr(13),
		Rotation:   combat.InRotation,
		Conditions: combat.NewConditionSet("hidden"),
		Order:      order,
	})
	require.NoError(t, err)
	return p
}

func testCreateAndGetCombat(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Bridge ambush", c.Name)
	assert.Equal(t, "three goblins", c.Description)
	assert.Equal(t, combat.StateActive, c.State)
	assert.Equal(t, 1, c.CurrentRound)
	assert.Equal(t, 0, c.CurrentTurn)
	assert.Equal(t, int64(1), c.Version)
	assert.Empty(t, c.Participants)
	assert.False(t, c.CreatedAt.IsZero())

	got, err := s.GetCombat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Version, got.Version)
	assert.NotNil(t, got.Participants)
	assert.Empty(t, got.Participants)
}

func testNotFound(t *testing.T, s combat.Store) {
	ctx := context.Background()
	missing := uuid.NewString()

	_, err := s.GetCombat(ctx, missing)
	assert.ErrorIs(t, err, combat.ErrCombatNotFound)
	_, err = s.GetCombat(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, combat.ErrCombatNotFound)
	_, err = s.UpdateCombat(ctx, missing, combat.CombatFields{CurrentRound: intPtr(2)})
	assert.ErrorIs(t, err, combat.ErrCombatNotFound)
	assert.ErrorIs(t, s.DeleteCombat(ctx, missing), combat.ErrCombatNotFound)
	_, err = s.ListParticipants(ctx, missing)
	assert.ErrorIs(t, err, combat.ErrCombatNotFound)
	_, err = s.CreateParticipant(ctx, &combat.Participant{CombatID: missing, Name: "x", Conditions: combat.ConditionSet{}})
	assert.ErrorIs(t, err, combat.ErrCombatNotFound)

	_, err = s.GetParticipant(ctx, missing)
	assert.ErrorIs(t, err, combat.ErrParticipantNotFound)
	hp := 1
	_, err = s.UpdateParticipant(ctx, missing, combat.Changes{CurrentHP: &hp})
	assert.ErrorIs(t, err, combat.ErrParticipantNotFound)
	_, err = s.DeleteParticipant(ctx, missing)
	assert.ErrorIs(t, err, combat.ErrParticipantNotFound)
}

func testParticipantsOrdered(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	third := addParticipant(t, s, c.ID, "Ogre", 2, 5)
	first := addParticipant(t, s, c.ID, "Goblin", 0, 15)
	second := addParticipant(t, s, c.ID, "Wolf", 1, 10)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int64(2), third.CombatVersion)
	assert.Equal(t, int64(4), second.CombatVersion)
	assert.True(t, first.Conditions.Has("hidden"))
	require.NotNil(t, first.ArmorClass)
	assert.Equal(t, 13, *first.ArmorClass)

	got, err := s.GetCombat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	require.Len(t, got.Participants, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID},
		[]string{got.Participants[0].ID, got.Participants[1].ID, got.Participants[2].ID})
	for _, p := range got.Participants {
		assert.Equal(t, int64(4), p.CombatVersion)
		assert.Equal(t, c.ID, p.CombatID)
	}

	list, err := s.ListParticipants(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	p, err := s.GetParticipant(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "Wolf", p.Name)
	assert.Equal(t, int64(4), p.CombatVersion)
}

func testUpdateParticipant(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	p := addParticipant(t, s, c.ID, "Goblin", 0, 12)

	hp := 3
	conds := combat.NewConditionSet("prone", "bleeding")
	updated, err := s.UpdateParticipant(ctx, p.ID, combat.Changes{CurrentHP: &hp, Conditions: &conds})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.CurrentHP)
	assert.Equal(t, 12, updated.MaxHP, "untouched fields are kept")
	assert.Equal(t, "Goblin", updated.Name)
	assert.Equal(t, []string{"bleeding", "prone"}, updated.Conditions.Sorted(), "conditions are replaced")
	assert.Equal(t, p.CombatVersion+1, updated.CombatVersion)

	removed := combat.Removed
	updated, err = s.UpdateParticipant(ctx, p.ID, combat.Changes{ArmorClassCleared: true, Rotation: &removed})
	require.NoError(t, err)
	assert.Nil(t, updated.ArmorClass)
	assert.Equal(t, combat.Removed, updated.Rotation)
	assert.Equal(t, 3, updated.CurrentHP)

	ac := 17
	updated, err = s.UpdateParticipant(ctx, p.ID, combat.Changes{ArmorClass: &ac})
	require.NoError(t, err)
	require.NotNil(t, updated.ArmorClass)
	assert.Equal(t, 17, *updated.ArmorClass)

	got, err := s.GetCombat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.CombatVersion, got.Version)
}

func testDeleteParticipant(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	a := addParticipant(t, s, c.ID, "A", 0, 20)
	b := addParticipant(t, s, c.ID, "B", 1, 15)
	cc := addParticipant(t, s, c.ID, "C", 2, 10)

	version, err := s.DeleteParticipant(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, cc.CombatVersion+1, version)

	got, err := s.GetCombat(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Participants, 2)
	assert.Equal(t, a.ID, got.Participants[0].ID)
	assert.Equal(t, 0, got.Participants[0].Order)
	assert.Equal(t, cc.ID, got.Participants[1].ID)
	assert.Equal(t, 2, got.Participants[1].Order, "removal does not reindex")
	assert.Equal(t, version, got.Version)

	_, err = s.DeleteParticipant(ctx, b.ID)
	assert.ErrorIs(t, err, combat.ErrParticipantNotFound)
}

func testUpdateCombat(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	ended := combat.StateEnded
	updated, err := s.UpdateCombat(ctx, c.ID, combat.CombatFields{State: &ended, CurrentRound: intPtr(4), CurrentTurn: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, combat.StateEnded, updated.State)
	assert.Equal(t, 4, updated.CurrentRound)
	assert.Equal(t, 2, updated.CurrentTurn)
	assert.Equal(t, "Bridge ambush", updated.Name)
	assert.Equal(t, c.Version+1, updated.Version)
}

func testSaveCombat(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	addParticipant(t, s, c.ID, "A", 0, 5)
	addParticipant(t, s, c.ID, "B", 1, 25)

	cur, err := s.GetCombat(ctx, c.ID)
	require.NoError(t, err)
	combat.SortByInitiative(cur)
	cur.CurrentRound = 3
	cur.Participants[0].Conditions = combat.NewConditionSet("hasted")
	cur.Participants[1].CurrentHP = 0

	saved, err := s.SaveCombat(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, cur.Version+1, saved.Version)
	assert.Equal(t, 3, saved.CurrentRound)
	require.Len(t, saved.Participants, 2)
	assert.Equal(t, "B", saved.Participants[0].Name)
	assert.Equal(t, 0, saved.Participants[0].Order)
	assert.True(t, saved.Participants[0].Conditions.Has("hasted"))
	assert.Equal(t, "A", saved.Participants[1].Name)
	assert.Equal(t, 0, saved.Participants[1].CurrentHP)
	for _, p := range saved.Participants {
		assert.Equal(t, saved.Version, p.CombatVersion)
	}
}

func testSaveCombatAtomic(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	addParticipant(t, s, c.ID, "A", 0, 5)

	cur, err := s.GetCombat(ctx, c.ID)
	require.NoError(t, err)
	cur.CurrentRound = 9
	cur.Participants[0].CurrentHP = 1
	cur.Participants = append(cur.Participants, &combat.Participant{
		ID: uuid.NewString(), CombatID: c.ID, Name: "ghost", Conditions: combat.ConditionSet{},
	})

	_, err = s.SaveCombat(ctx, cur)
	require.ErrorIs(t, err, combat.ErrParticipantNotFound)

	after, err := s.GetCombat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CurrentRound, "no partial combat write")
	assert.Equal(t, 10, after.Participants[0].CurrentHP, "no partial participant write")
	assert.Equal(t, cur.Version, after.Version)
}

func testDeleteCombat(t *testing.T, s combat.Store) {
	ctx := context.Background()
	c := createCombat(t, s)
	p := addParticipant(t, s, c.ID, "A", 0, 5)

	require.NoError(t, s.DeleteCombat(ctx, c.ID))
	_, err := s.GetCombat(ctx, c.ID)
	assert.ErrorIs(t, err, combat.ErrCombatNotFound)
	_, err = s.GetParticipant(ctx, p.ID)
	assert.ErrorIs(t, err, combat.ErrParticipantNotFound)
}
