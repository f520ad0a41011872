package combat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
)

func TestNewCombat_StartsActiveAtRoundOne(t *testing.T) {
	c := combat.NewCombat("Ambush", "on the road")
	assert.True(t, c.IsActive())
	assert.Equal(t, 1, c.CurrentRound)
	assert.Equal(t, 0, c.CurrentTurn)
	assert.NotNil(t, c.Participants)
}

func TestCombat_CloneIsDeep(t *testing.T) {
	ac := 12
	c := combat.NewCombat("A", "")
	c.Participants = append(c.Participants, &combat.Participant{
		ID: "p1", Name: "Rat", ArmorClass: &ac, Conditions: combat.NewConditionSet("prone"),
	})

	cp := c.Clone()
	cp.Participants[0].Name = "Bat"
	*cp.Participants[0].ArmorClass = 3
	cp.Participants[0].Conditions["grabbed"] = struct{}{}

	assert.Equal(t, "Rat", c.Participants[0].Name)
	assert.Equal(t, 12, *c.Participants[0].ArmorClass)
	assert.False(t, c.Participants[0].Conditions.Has("grabbed"))
}

func TestCombat_ParticipantLookup(t *testing.T) {
	c := combat.NewCombat("A", "")
	c.Participants = []*combat.Participant{{ID: "x"}, {ID: "y"}}
	p, ok := c.Participant("y")
	require.True(t, ok)
	assert.Equal(t, "y", p.ID)
	_, ok = c.Participant("z")
	assert.False(t, ok)
}

func TestCombat_SortParticipantsByOrderThenID(t *testing.T) {
	c := combat.NewCombat("A", "")
	c.Participants = []*combat.Participant{
		{ID: "c", Order: 2}, {ID: "b", Order: 0}, {ID: "a", Order: 2},
	}
	c.SortParticipants()
	var ids []string
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestParseStates_RejectUnknownLabels(t *testing.T) {
	_, err := combat.ParseCombatState("paused")
	assert.Error(t, err)
	_, err = combat.ParseRotationState("benched")
	assert.Error(t, err)
}

func TestNewConditionSet_DropsEmptyAndDuplicates(t *testing.T) {
	s := combat.NewConditionSet("stunned", "", "stunned", "blinded")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"blinded", "stunned"}, s.Sorted())
}

func TestConditionSet_Property_EqualIgnoresInsertionOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tags := rapid.SliceOf(rapid.StringMatching(`[a-z]{1,6}`)).Draw(t, "tags")
		reversed := make([]string, len(tags))
		for i, tag := range tags {
			reversed[len(tags)-1-i] = tag
		}
		a := combat.NewConditionSet(tags...)
		b := combat.NewConditionSet(reversed...)
		if !a.Equal(b) || !b.Equal(a) {
			t.Fatalf("sets differ: %v vs %v", a.Sorted(), b.Sorted())
		}
		if !a.Equal(a.Clone()) {
			t.Fatal("clone not equal")
		}
	})
}
