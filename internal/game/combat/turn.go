package combat

import "sort"

// Rotation returns the participants that take turns, ordered by Order ascending.
//
// Postcondition: Every returned participant is InRotation; the slice aliases c's participants.
func Rotation(c *Combat) []*Participant {
	out := make([]*Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.InRotation() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Current returns the participant whose turn it is.
//
// Postcondition: Returns nil when the rotation is empty or CurrentTurn is out of range.
func Current(c *Combat) *Participant {
	rot := Rotation(c)
	if c.CurrentTurn < 0 || c.CurrentTurn >= len(rot) {
		return nil
	}
	return rot[c.CurrentTurn]
}

// SortByInitiative re-sequences every participant by Initiative descending and
// rewinds to the first turn of the current round.
// Ties keep their prior relative Order.
//
// Postcondition: Order values are 0..N-1 in non-increasing Initiative; CurrentTurn == 0;
// CurrentRound is unchanged.
func SortByInitiative(c *Combat) bool {
	sorted := make([]*Participant, len(c.Participants))
	copy(sorted, c.Participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Initiative != b.Initiative {
			return a.Initiative > b.Initiative
		}
		return a.Order < b.Order
	})

	changed := c.CurrentTurn != 0
	for i, p := range sorted {
		if p.Order != i {
			p.Order = i
			changed = true
		}
	}
	c.Participants = sorted
	c.CurrentTurn = 0
	return changed
}

// NextTurn advances to the next participant in the rotation, starting a new
// round after the last one.
//
// Postcondition: No-op returning false when the rotation is empty. Otherwise CurrentTurn
// is incremented; on wrap it becomes 0 and CurrentRound is incremented.
func NextTurn(c *Combat) bool {
	n := len(Rotation(c))
	if n == 0 {
		return false
	}
	c.CurrentTurn++
	if c.CurrentTurn >= n {
		c.CurrentTurn = 0
		c.CurrentRound++
	}
	return true
}

// PreviousTurn steps back one participant. Round 1 is a hard floor.
//
// Postcondition: No-op returning false when the rotation is empty. At (round 1, turn 0)
// the state is unchanged. Otherwise CurrentTurn is decremented, wrapping to the last
// rotation slot of the previous round.
func PreviousTurn(c *Combat) bool {
	n := len(Rotation(c))
	if n == 0 {
		return false
	}
	prevTurn, prevRound := c.CurrentTurn, c.CurrentRound

	turn := c.CurrentTurn - 1
	if turn >= n {
		// A removal shrank the rotation underneath the index.
		turn = n - 1
	}
	if turn < 0 {
		if c.CurrentRound > 1 {
			turn = n - 1
			c.CurrentRound--
		} else {
			turn = 0
			c.CurrentRound = 1
		}
	}
	c.CurrentTurn = turn
	return c.CurrentTurn != prevTurn || c.CurrentRound != prevRound
}

// Reset restores every participant to full health in the rotation with no
// conditions, and rewinds to round 1, turn 0. Order and Initiative are kept.
//
// Postcondition: For every participant CurrentHP == MaxHP, Conditions is empty and
// Rotation == InRotation; CurrentRound == 1; CurrentTurn == 0.
func Reset(c *Combat) {
	for _, p := range c.Participants {
		p.Rotation = InRotation
		p.Conditions = ConditionSet{}
		p.CurrentHP = p.MaxHP
	}
	c.CurrentRound = 1
	c.CurrentTurn = 0
}
