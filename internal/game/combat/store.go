package combat

import (
	"context"
	"errors"
)

// ErrCombatNotFound is returned when a combat lookup yields no results.
var ErrCombatNotFound = errors.New("combat not found")

// ErrParticipantNotFound is returned when a participant lookup yields no results.
var ErrParticipantNotFound = errors.New("participant not found")

// CombatFields is a partial update of combat columns. Nil fields are left unchanged.
type CombatFields struct {
	Name         *string
	Description  *string
	State        *CombatState
	CurrentRound *int
	CurrentTurn  *int
}

// Store is the persisted source of truth for combats and their participants.
//
// Every method that writes bumps the owning combat's Version exactly once and
// runs atomically: on error no partial state is left behind.
type Store interface {
	// CreateCombat inserts c and assigns its ID, timestamps and Version.
	CreateCombat(ctx context.Context, c *Combat) (*Combat, error)
	// GetCombat returns the combat with its participants ordered by Order ascending,
	// or ErrCombatNotFound.
	GetCombat(ctx context.Context, id string) (*Combat, error)
	// UpdateCombat writes the non-nil fields and returns the combat without participants.
	UpdateCombat(ctx context.Context, id string, fields CombatFields) (*Combat, error)
	// DeleteCombat removes the combat and all its participants.
	DeleteCombat(ctx context.Context, id string) error
	// CreateParticipant inserts p into p.CombatID and assigns its ID.
	CreateParticipant(ctx context.Context, p *Participant) (*Participant, error)
	// UpdateParticipant writes the carried fields, or returns ErrParticipantNotFound.
	UpdateParticipant(ctx context.Context, id string, fields Changes) (*Participant, error)
	// DeleteParticipant hard-deletes the participant, returning the owning combat's new Version.
	DeleteParticipant(ctx context.Context, id string) (int64, error)
	// ListParticipants returns the combat's participants ordered by Order ascending.
	ListParticipants(ctx context.Context, combatID string) ([]*Participant, error)
	// GetParticipant returns one participant, or ErrParticipantNotFound.
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	// SaveCombat writes the combat columns and every participant's mutable columns
	// in one transaction and returns the stored combat.
	SaveCombat(ctx context.Context, c *Combat) (*Combat, error)
}
