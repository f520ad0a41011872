// Package combat implements the authoritative encounter model and turn engine.
package combat

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CombatState distinguishes a running encounter from an ended one.
type CombatState int

const (
	// StateActive is a running (or still being set up) encounter.
	StateActive CombatState = iota
	// StateEnded is terminal.
	StateEnded
)

// String returns the persisted label for the state.
func (s CombatState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ParseCombatState converts a persisted label back into a CombatState.
//
// Postcondition: Returns an error for any label other than "active" or "ended".
func ParseCombatState(s string) (CombatState, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "ended":
		return StateEnded, nil
	default:
		return StateActive, fmt.Errorf("unknown combat state %q", s)
	}
}

// RotationState records whether a participant takes turns.
type RotationState int

const (
	// InRotation participants are part of the turn order.
	InRotation RotationState = iota
	// Removed participants keep their record but are skipped (dead, fled).
	Removed
)

// String returns the persisted label for the rotation state.
func (r RotationState) String() string {
	switch r {
	case InRotation:
		return "in_rotation"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ParseRotationState converts a persisted label back into a RotationState.
func ParseRotationState(s string) (RotationState, error) {
	switch s {
	case "in_rotation":
		return InRotation, nil
	case "removed":
		return Removed, nil
	default:
		return InRotation, fmt.Errorf("unknown rotation state %q", s)
	}
}

// MarshalJSON encodes the rotation state as its label.
func (r RotationState) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a label produced by MarshalJSON.
func (r *RotationState) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRotationState(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalJSON encodes the combat state as its label.
func (s CombatState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a label produced by MarshalJSON.
func (s *CombatState) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	parsed, err := ParseCombatState(label)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ConditionSet is a set of status-effect tags.
// The zero value is an empty set.
type ConditionSet map[string]struct{}

// NewConditionSet builds a set from tags, ignoring empty strings and duplicates.
func NewConditionSet(tags ...string) ConditionSet {
	s := make(ConditionSet, len(tags))
	for _, t := range tags {
		if t != "" {
			s[t] = struct{}{}
		}
	}
	return s
}

// Has reports whether tag is in the set.
func (s ConditionSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Len returns the number of tags.
func (s ConditionSet) Len() int { return len(s) }

// Sorted returns the tags in lexical order.
//
// Postcondition: Returns a non-nil slice.
func (s ConditionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s ConditionSet) Clone() ConditionSet {
	out := make(ConditionSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same tags.
func (s ConditionSet) Equal(o ConditionSet) bool {
	if len(s) != len(o) {
		return false
	}
	for t := range s {
		if !o.Has(t) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s ConditionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array of tags.
func (s *ConditionSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewConditionSet(tags...)
	return nil
}

// Participant is one combatant in an encounter.
type Participant struct {
	ID       string `json:"id"`
	CombatID string `json:"combatId"`
	// CharacterID is set when the participant was imported from an external character.
	CharacterID string        `json:"characterId,omitempty"`
	Name        string        `json:"name"`
	IsNPC       bool          `json:"isNpc"`
	Initiative  int           `json:"initiative"`
	CurrentHP   int           `json:"currentHp"`
	MaxHP       int           `json:"maxHp"`
	ArmorClass  *int          `json:"armorClass,omitempty"`
	Rotation    RotationState `json:"rotation"`
	Conditions  ConditionSet  `json:"conditions"`
	Notes       string        `json:"notes,omitempty"`
	// Order is the rotation key; it is independent of Initiative.
	Order int `json:"order"`
	// CombatVersion is the owning combat's version as of the read or write that produced this record.
	CombatVersion int64     `json:"combatVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// InRotation reports whether the participant takes turns.
func (p *Participant) InRotation() bool { return p.Rotation == InRotation }

// Clone returns a deep copy.
func (p *Participant) Clone() *Participant {
	out := *p
	if p.ArmorClass != nil {
		ac := *p.ArmorClass
		out.ArmorClass = &ac
	}
	out.Conditions = p.Conditions.Clone()
	return &out
}

// Combat is the authoritative state of one encounter.
type Combat struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	State        CombatState    `json:"state"`
	CurrentRound int            `json:"currentRound"`
	CurrentTurn  int            `json:"currentTurn"`
	Version      int64          `json:"version"`
	Participants []*Participant `json:"participants"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// NewCombat returns an empty, active combat at round 1, turn 0.
//
// Postcondition: State == StateActive; CurrentRound == 1; CurrentTurn == 0.
func NewCombat(name, description string) *Combat {
	return &Combat{
		Name:         name,
		Description:  description,
		State:        StateActive,
		CurrentRound: 1,
		CurrentTurn:  0,
		Participants: []*Participant{},
	}
}

// IsActive reports whether the encounter is still running.
func (c *Combat) IsActive() bool { return c.State == StateActive }

// Participant returns the participant with the given ID.
//
// Postcondition: Returns (participant, true) if found, or (nil, false) otherwise.
func (c *Combat) Participant(id string) (*Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// SortParticipants orders Participants by Order ascending, breaking ties by ID.
func (c *Combat) SortParticipants() {
	sort.SliceStable(c.Participants, func(i, j int) bool {
		a, b := c.Participants[i], c.Participants[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

// Clone returns a deep copy, including every participant.
func (c *Combat) Clone() *Combat {
	out := *c
	out.Participants = make([]*Participant, len(c.Participants))
	for i, p := range c.Participants {
		out.Participants[i] = p.Clone()
	}
	return &out
}
