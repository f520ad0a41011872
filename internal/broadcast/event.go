// Package broadcast defines the combat sync event taxonomy and publishes one
// event per store mutation on the combat's topic.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/pubsub"
)

// Event names carried in pubsub.Message.Event.
const (
	EventParticipantUpdate = "participant_update"
	EventTurnChange        = "turn_change"
	EventRoundChange       = "round_change"
	EventCombatEnd         = "combat_end"
	EventParticipantAdd    = "participant_add"
	EventParticipantRemove = "participant_remove"
)

// ErrUnknownEvent is returned by Decode for an event name it does not recognize.
var ErrUnknownEvent = errors.New("unknown event")

// ParticipantUpdate carries the resulting values of the fields a mutation touched.
type ParticipantUpdate struct {
	ParticipantID string         `json:"participantId"`
	Changes       combat.Changes `json:"changes"`
	Version       int64          `json:"version"`
}

// TurnChange carries the turn pointer after an advance, retreat, sort or reset.
type TurnChange struct {
	CurrentTurn  int   `json:"currentTurn"`
	CurrentRound int   `json:"currentRound"`
	Version      int64 `json:"version"`
}

// RoundChange carries a round override.
type RoundChange struct {
	CurrentRound int   `json:"currentRound"`
	Version      int64 `json:"version"`
}

// CombatEnd announces that a combat is over.
type CombatEnd struct {
	CombatID string `json:"combatId"`
	Version  int64  `json:"version"`
}

// ParticipantAdd carries a newly created participant.
type ParticipantAdd struct {
	Participant *combat.Participant `json:"participant"`
	Version     int64               `json:"version"`
}

// ParticipantRemove announces a hard-deleted participant.
type ParticipantRemove struct {
	ParticipantID string `json:"participantId"`
	Version       int64  `json:"version"`
}

// Decode parses msg into one of the payload types above, returned by value.
//
// Postcondition: Returns an error wrapping ErrUnknownEvent for unrecognized names,
// or a decode error for malformed payloads.
func Decode(msg pubsub.Message) (any, error) {
	switch msg.Event {
	case EventParticipantUpdate:
		return decodeAs[ParticipantUpdate](msg)
	case EventTurnChange:
		return decodeAs[TurnChange](msg)
	case EventRoundChange:
		return decodeAs[RoundChange](msg)
	case EventCombatEnd:
		return decodeAs[CombatEnd](msg)
	case EventParticipantAdd:
		ev, err := decodeAs[ParticipantAdd](msg)
		if err == nil && ev.Participant == nil {
			return nil, fmt.Errorf("decoding %s: missing participant", msg.Event)
		}
		return ev, err
	case EventParticipantRemove:
		return decodeAs[ParticipantRemove](msg)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, msg.Event)
	}
}

func decodeAs[T any](msg pubsub.Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decoding %s: %w", msg.Event, err)
	}
	return v, nil
}
