package combat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
)

func makeCombat(inits ...int) *combat.Combat {
	c := combat.NewCombat("Ambush at the ford", "")
	c.ID = "combat-1"
	names := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for i, init := range inits {
		c.Participants = append(c.Participants, &combat.Participant{
			ID:         names[i],
			CombatID:   c.ID,
			Name:       names[i],
			Initiative: init,
			MaxHP:      20,
			CurrentHP:  20,
			Rotation:   combat.InRotation,
			Conditions: combat.ConditionSet{},
			Order:      i,
		})
	}
	return c
}

func rotationIDs(c *combat.Combat) []string {
	var ids []string
	for _, p := range combat.Rotation(c) {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestRotation_SkipsRemovedAndOrdersByOrder(t *testing.T) {
	c := makeCombat(20, 15, 10)
	c.Participants[0].Order = 5
	c.Participants[1].Rotation = combat.Removed
	assert.Equal(t, []string{"C", "A"}, rotationIDs(c))
}

func TestNextTurn_EmptyRotationIsNoop(t *testing.T) {
	c := makeCombat()
	assert.False(t, combat.NextTurn(c))
	assert.Equal(t, 1, c.CurrentRound)
	assert.Equal(t, 0, c.CurrentTurn)

	c = makeCombat(10)
	c.Participants[0].Rotation = combat.Removed
	assert.False(t, combat.NextTurn(c))
	assert.False(t, combat.PreviousTurn(c))
	assert.Equal(t, 1, c.CurrentRound)
}

func TestScenarioA_WrapForwardThenBack(t *testing.T) {
	c := makeCombat(20, 15, 10)
	for i := 0; i < 3; i++ {
		require.True(t, combat.NextTurn(c))
	}
	assert.Equal(t, 2, c.CurrentRound)
	assert.Equal(t, 0, c.CurrentTurn)

	require.True(t, combat.PreviousTurn(c))
	assert.Equal(t, 1, c.CurrentRound)
	assert.Equal(t, 2, c.CurrentTurn)
	assert.Equal(t, "C", combat.Current(c).ID)
}

func TestScenarioB_RoundOneFloor(t *testing.T) {
	c := makeCombat(12)
	assert.False(t, combat.PreviousTurn(c))
	assert.Equal(t, 1, c.CurrentRound)
	assert.Equal(t, 0, c.CurrentTurn)
}

func TestPreviousTurn_SingleParticipantLaterRound(t *testing.T) {
	c := makeCombat(12)
	c.CurrentRound = 3
	require.True(t, combat.PreviousTurn(c))
	assert.Equal(t, 2, c.CurrentRound)
	assert.Equal(t, 0, c.CurrentTurn)
}

func TestPreviousTurn_IndexBeyondShrunkRotation(t *testing.T) {
	c := makeCombat(20, 15, 10)
	c.CurrentTurn = 3 // left behind by a removal
	require.True(t, combat.PreviousTurn(c))
	assert.Equal(t, 2, c.CurrentTurn)
	assert.Equal(t, 1, c.CurrentRound)
}

func TestNextTurn_Property_RoundNonDecreasing(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "participants")
		inits := make([]int, n)
		c := makeCombat(inits...)
		steps := rapid.IntRange(0, 60).Draw(rt, "steps")
		last := c.CurrentRound
		for i := 0; i < steps; i++ {
			combat.NextTurn(c)
			assert.GreaterOrEqual(rt, c.CurrentRound, last)
			last = c.CurrentRound
			if n > 0 {
				assert.Less(rt, c.CurrentTurn, n)
				assert.GreaterOrEqual(rt, c.CurrentTurn, 0)
			}
		}
	})
}

func TestNextTurn_Property_FullRotationBumpsRound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "participants")
		c := makeCombat(make([]int, n)...)
		c.CurrentRound = rapid.IntRange(1, 50).Draw(rt, "round")
		start := c.CurrentRound
		for i := 0; i < n; i++ {
			combat.NextTurn(c)
		}
		assert.Equal(rt, 0, c.CurrentTurn)
		assert.Equal(rt, start+1, c.CurrentRound)
	})
}

func TestPreviousTurn_Property_UndoesNextTurn(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "participants")
		c := makeCombat(make([]int, n)...)
		c.CurrentRound = rapid.IntRange(1, 20).Draw(rt, "round")
		c.CurrentTurn = rapid.IntRange(0, n-1).Draw(rt, "turn")
		round, turn := c.CurrentRound, c.CurrentTurn

		combat.NextTurn(c)
		combat.PreviousTurn(c)
		assert.Equal(rt, round, c.CurrentRound)
		assert.Equal(rt, turn, c.CurrentTurn)
	})
}

func TestPreviousTurn_Property_IdempotentAtFloor(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "participants")
		c := makeCombat(make([]int, n)...)
		times := rapid.IntRange(1, 5).Draw(rt, "times")
		for i := 0; i < times; i++ {
			combat.PreviousTurn(c)
		}
		assert.Equal(rt, 1, c.CurrentRound)
		assert.Equal(rt, 0, c.CurrentTurn)
	})
}

func TestSortByInitiative_OrdersDescendingAndRewinds(t *testing.T) {
	c := makeCombat(10, 20, 15)
	c.CurrentRound = 4
	c.CurrentTurn = 2

	combat.SortByInitiative(c)

	assert.Equal(t, []string{"B", "C", "A"}, rotationIDs(c))
	assert.Equal(t, 0, c.CurrentTurn)
	assert.Equal(t, 4, c.CurrentRound)
	for i, p := range c.Participants {
		assert.Equal(t, i, p.Order)
	}
}

func TestSortByInitiative_TiesKeepPriorOrder(t *testing.T) {
	c := makeCombat(10, 10, 10)
	c.Participants[0].Order = 2
	c.Participants[2].Order = 0
	combat.SortByInitiative(c)
	assert.Equal(t, []string{"C", "B", "A"}, rotationIDs(c))
}

func TestSortByInitiative_IncludesRemovedParticipants(t *testing.T) {
	c := makeCombat(5, 10)
	c.Participants[1].Rotation = combat.Removed
	combat.SortByInitiative(c)
	b, ok := c.Participant("B")
	require.True(t, ok)
	assert.Equal(t, 0, b.Order)
}

func TestSortByInitiative_Property_NonIncreasingInitiative(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "participants")
		inits := make([]int, n)
		for i := range inits {
			inits[i] = rapid.IntRange(-5, 25).Draw(rt, "init")
		}
		c := makeCombat(inits...)
		prior := make(map[string]int, n)
		for _, p := range c.Participants {
			prior[p.ID] = p.Order
		}

		combat.SortByInitiative(c)

		rot := combat.Rotation(c)
		for i := 1; i < len(rot); i++ {
			a, b := rot[i-1], rot[i]
			assert.GreaterOrEqual(rt, a.Initiative, b.Initiative)
			if a.Initiative == b.Initiative {
				assert.Less(rt, prior[a.ID], prior[b.ID])
			}
		}
		assert.Equal(rt, 0, c.CurrentTurn)
	})
}

func TestReset_RestoresEverything(t *testing.T) {
	c := makeCombat(20, 15, 10)
	c.CurrentRound = 7
	c.CurrentTurn = 2
	c.Participants[0].CurrentHP = 3
	c.Participants[1].Rotation = combat.Removed
	c.Participants[2].Conditions = combat.NewConditionSet("prone", "blinded")
	c.Participants[2].Order = 9

	combat.Reset(c)

	assert.Equal(t, 1, c.CurrentRound)
	assert.Equal(t, 0, c.CurrentTurn)
	for _, p := range c.Participants {
		assert.Equal(t, p.MaxHP, p.CurrentHP)
		assert.Equal(t, 0, p.Conditions.Len())
		assert.True(t, p.InRotation())
	}
	assert.Equal(t, 9, c.Participants[2].Order)
	assert.Equal(t, 10, c.Participants[2].Initiative)
}

func TestScenarioD_RemovalDoesNotReindex(t *testing.T) {
	c := makeCombat(20, 15, 10)
	c.CurrentTurn = 1
	require.Equal(t, "B", combat.Current(c).ID)

	c.Participants = append(c.Participants[:1], c.Participants[2:]...)

	assert.Equal(t, 1, c.CurrentTurn)
	assert.Equal(t, "C", combat.Current(c).ID)
	assert.Equal(t, 2, c.Participants[1].Order)
}
