package combat

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidParticipant is returned when a draft or patch violates participant invariants.
var ErrInvalidParticipant = errors.New("invalid participant")

// Draft describes a participant to be added to a combat.
type Draft struct {
	Name        string
	CharacterID string
	IsNPC       bool
	Initiative  int
	MaxHP       int
	// CurrentHP defaults to MaxHP when nil.
	CurrentHP  *int
	ArmorClass *int
	Conditions ConditionSet
	Notes      string
}

// Patch is a partial participant update. Nil fields are left unchanged.
type Patch struct {
	Name       *string
	Initiative *int
	CurrentHP  *int
	MaxHP      *int
	ArmorClass *int
	// ClearArmorClass removes the armor class; it wins over ArmorClass.
	ClearArmorClass bool
	Rotation        *RotationState
	// Conditions replaces the whole set when non-nil.
	Conditions ConditionSet
	Notes      *string
	Order      *int
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Initiative == nil && p.CurrentHP == nil && p.MaxHP == nil &&
		p.ArmorClass == nil && !p.ClearArmorClass && p.Rotation == nil && p.Conditions == nil &&
		p.Notes == nil && p.Order == nil
}

// ClampHP bounds hp to [0, maxHP].
//
// Precondition: maxHP >= 0.
// Postcondition: 0 <= result <= maxHP.
func ClampHP(hp, maxHP int) int {
	if hp < 0 {
		return 0
	}
	if hp > maxHP {
		return maxHP
	}
	return hp
}

// NextOrder returns the Order that appends a new participant to the end of the rotation.
//
// Postcondition: Returns 0 when existing is empty, otherwise max(Order)+1.
func NextOrder(existing []*Participant) int {
	if len(existing) == 0 {
		return 0
	}
	maxOrder := existing[0].Order
	for _, p := range existing[1:] {
		if p.Order > maxOrder {
			maxOrder = p.Order
		}
	}
	return maxOrder + 1
}

// NewParticipant builds a participant for combatID from d, appended after existing.
//
// Precondition: d.Name must be non-empty; d.MaxHP must be >= 0.
// Postcondition: Returns a participant InRotation with CurrentHP clamped to [0, MaxHP],
// or an error wrapping ErrInvalidParticipant.
func NewParticipant(combatID string, d Draft, existing []*Participant) (*Participant, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidParticipant)
	}
	if d.MaxHP < 0 {
		return nil, fmt.Errorf("%w: max hp must be >= 0, got %d", ErrInvalidParticipant, d.MaxHP)
	}
	hp := d.MaxHP
	if d.CurrentHP != nil {
		hp = ClampHP(*d.CurrentHP, d.MaxHP)
	}
	conds := d.Conditions.Clone()
	var ac *int
	if d.ArmorClass != nil {
		v := *d.ArmorClass
		ac = &v
	}
	return &Participant{
		CombatID:    combatID,
		CharacterID: d.CharacterID,
		Name:        name,
		IsNPC:       d.IsNPC,
		Initiative:  d.Initiative,
		CurrentHP:   hp,
		MaxHP:       d.MaxHP,
		ArmorClass:  ac,
		Rotation:    InRotation,
		Conditions:  conds,
		Notes:       d.Notes,
		Order:       NextOrder(existing),
	}, nil
}

// ApplyPatch applies patch to p in place and reports the resulting field changes.
// HP is clamped against the resulting MaxHP, so a patch that changes both fields is
// clamped after applying both, and lowering MaxHP alone pulls CurrentHP down with it.
//
// Precondition: p must be non-nil.
// Postcondition: On success 0 <= p.CurrentHP <= p.MaxHP. On error p is unchanged.
func ApplyPatch(p *Participant, patch Patch) (Changes, error) {
	if patch.MaxHP != nil && *patch.MaxHP < 0 {
		return Changes{}, fmt.Errorf("%w: max hp must be >= 0, got %d", ErrInvalidParticipant, *patch.MaxHP)
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return Changes{}, fmt.Errorf("%w: name must not be empty", ErrInvalidParticipant)
	}

	before := p.Clone()

	if patch.Name != nil {
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Initiative != nil {
		p.Initiative = *patch.Initiative
	}
	if patch.MaxHP != nil {
		p.MaxHP = *patch.MaxHP
	}
	if patch.CurrentHP != nil {
		p.CurrentHP = *patch.CurrentHP
	}
	p.CurrentHP = ClampHP(p.CurrentHP, p.MaxHP)
	if patch.ClearArmorClass {
		p.ArmorClass = nil
	} else if patch.ArmorClass != nil {
		ac := *patch.ArmorClass
		p.ArmorClass = &ac
	}
	if patch.Rotation != nil {
		p.Rotation = *patch.Rotation
	}
	if patch.Conditions != nil {
		p.Conditions = patch.Conditions.Clone()
	}
	if patch.Notes != nil {
		p.Notes = *patch.Notes
	}
	if patch.Order != nil {
		p.Order = *patch.Order
	}
	return Diff(before, p), nil
}

// HPDeltaPatch builds the patch that moves p's HP by delta, saturating at 0 and MaxHP.
//
// Postcondition: The patch's CurrentHP lies in [0, p.MaxHP], even for deltas near the int limits.
func HPDeltaPatch(p *Participant, delta int) Patch {
	var hp int
	switch {
	case delta > 0 && p.CurrentHP > math.MaxInt-delta:
		hp = p.MaxHP
	case delta < 0 && p.CurrentHP < math.MinInt-delta:
		hp = 0
	default:
		hp = ClampHP(p.CurrentHP+delta, p.MaxHP)
	}
	return Patch{CurrentHP: &hp}
}
