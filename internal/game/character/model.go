// Package character adapts externally owned character records for combat import.
package character

import (
	"context"
	"errors"
)

// ErrCharacterNotFound is returned when a character lookup yields no results.
var ErrCharacterNotFound = errors.New("character not found")

// Character is the read-only view of an externally owned character record.
// Attributes is free-form: its keys and value shapes are owned by whoever
// created the character.
type Character struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Attributes map[string]any `yaml:"attributes"`
}

// Source looks up external characters.
type Source interface {
	// GetCharacter returns the character with the given ID, or ErrCharacterNotFound.
	GetCharacter(ctx context.Context, id string) (*Character, error)
}

// StaticSource is an in-memory Source keyed by character ID.
// It is read-only after construction and safe for concurrent use.
type StaticSource struct {
	chars map[string]*Character
}

// NewStaticSource builds a StaticSource from chars; later duplicates win.
func NewStaticSource(chars ...*Character) *StaticSource {
	s := &StaticSource{chars: make(map[string]*Character, len(chars))}
	for _, c := range chars {
		s.chars[c.ID] = c
	}
	return s
}

// GetCharacter implements Source.
func (s *StaticSource) GetCharacter(_ context.Context, id string) (*Character, error) {
	c, ok := s.chars[id]
	if !ok {
		return nil, ErrCharacterNotFound
	}
	return c, nil
}

// Len returns the number of known characters.
func (s *StaticSource) Len() int { return len(s.chars) }
