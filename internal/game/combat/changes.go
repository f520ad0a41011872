package combat

// Changes carries the resulting values of the participant fields touched by a
// mutation. Values are absolute, never deltas, so applying the same Changes
// twice yields the same participant.
type Changes struct {
	Name              *string        `json:"name,omitempty"`
	Initiative        *int           `json:"initiative,omitempty"`
	CurrentHP         *int           `json:"currentHp,omitempty"`
	MaxHP             *int           `json:"maxHp,omitempty"`
	ArmorClass        *int           `json:"armorClass,omitempty"`
	ArmorClassCleared bool           `json:"armorClassCleared,omitempty"`
	Rotation          *RotationState `json:"rotation,omitempty"`
	Conditions        *ConditionSet  `json:"conditions,omitempty"`
	Notes             *string        `json:"notes,omitempty"`
	Order             *int           `json:"order,omitempty"`
}

// IsEmpty reports whether no field is carried.
func (c Changes) IsEmpty() bool {
	return c.Name == nil && c.Initiative == nil && c.CurrentHP == nil && c.MaxHP == nil &&
		c.ArmorClass == nil && !c.ArmorClassCleared && c.Rotation == nil && c.Conditions == nil &&
		c.Notes == nil && c.Order == nil
}

// ApplyTo shallow-merges the carried fields into p.
//
// Precondition: p must be non-nil.
// Postcondition: Every carried field of p equals the value in c; others are untouched.
func (c Changes) ApplyTo(p *Participant) {
	if c.Name != nil {
		p.Name = *c.Name
	}
	if c.Initiative != nil {
		p.Initiative = *c.Initiative
	}
	if c.MaxHP != nil {
		p.MaxHP = *c.MaxHP
	}
	if c.CurrentHP != nil {
		p.CurrentHP = *c.CurrentHP
	}
	if c.ArmorClassCleared {
		p.ArmorClass = nil
	} else if c.ArmorClass != nil {
		ac := *c.ArmorClass
		p.ArmorClass = &ac
	}
	if c.Rotation != nil {
		p.Rotation = *c.Rotation
	}
	if c.Conditions != nil {
		p.Conditions = c.Conditions.Clone()
	}
	if c.Notes != nil {
		p.Notes = *c.Notes
	}
	if c.Order != nil {
		p.Order = *c.Order
	}
}

// Diff returns the fields of after that differ from before.
func Diff(before, after *Participant) Changes {
	var c Changes
	if before.Name != after.Name {
		v := after.Name
		c.Name = &v
	}
	if before.Initiative != after.Initiative {
		v := after.Initiative
		c.Initiative = &v
	}
	if before.CurrentHP != after.CurrentHP {
		v := after.CurrentHP
		c.CurrentHP = &v
	}
	if before.MaxHP != after.MaxHP {
		v := after.MaxHP
		c.MaxHP = &v
	}
	switch {
	case before.ArmorClass != nil && after.ArmorClass == nil:
		c.ArmorClassCleared = true
	case after.ArmorClass != nil && (before.ArmorClass == nil || *before.ArmorClass != *after.ArmorClass):
		v := *after.ArmorClass
		c.ArmorClass = &v
	}
	if before.Rotation != after.Rotation {
		v := after.Rotation
		c.Rotation = &v
	}
	if !before.Conditions.Equal(after.Conditions) {
		v := after.Conditions.Clone()
		c.Conditions = &v
	}
	if before.Notes != after.Notes {
		v := after.Notes
		c.Notes = &v
	}
	if before.Order != after.Order {
		v := after.Order
		c.Order = &v
	}
	return c
}
