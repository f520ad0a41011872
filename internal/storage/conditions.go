// Package storage holds encoding shared by the combat store adapters.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
)

// EncodeConditions renders a condition set as the JSON text stored in the
// conditions column: a sorted array of tags.
//
// Postcondition: A nil or empty set encodes as "[]".
func EncodeConditions(s combat.ConditionSet) (string, error) {
	if s == nil {
		s = combat.ConditionSet{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding conditions: %w", err)
	}
	return string(data), nil
}

// DecodeConditions parses the stored column back into a set.
//
// Postcondition: Empty text decodes as an empty, non-nil set; duplicates collapse.
func DecodeConditions(text string) (combat.ConditionSet, error) {
	if text == "" {
		return combat.ConditionSet{}, nil
	}
	var s combat.ConditionSet
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("decoding conditions %q: %w", text, err)
	}
	if s == nil {
		s = combat.ConditionSet{}
	}
	return s, nil
}
