package gameserver

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/apperr"
	"github.com/cory-johannsen/skirmish/internal/broadcast"
	"github.com/cory-johannsen/skirmish/internal/game/character"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/observability"
)

const tracerName = "github.com/cory-johannsen/skirmish/internal/gameserver"

// CombatHandler is the authoritative entry point for every combat operation.
// It authorizes the caller, applies the turn engine and participant rules,
// persists through the store and then broadcasts the resulting sync events.
//
// Mutations on one combat are serialized by a per-combat lock. Different
// combats proceed independently.
type CombatHandler struct {
	store       combat.Store
	broadcaster *broadcast.Broadcaster
	characters  character.Source
	aliases     character.AliasTable
	logger      *zap.Logger
	tracer      trace.Tracer

	locksMu sync.Mutex
	locks   map[string]*combatLock
}

type combatLock struct {
	mu   sync.Mutex
	refs int
}

// NewCombatHandler creates a CombatHandler.
//
// Precondition: store, broadcaster and logger must be non-nil. characters may be nil,
// in which case AddCharacter fails with FailedPrecondition.
// Postcondition: Returns a non-nil CombatHandler.
func NewCombatHandler(
	store combat.Store,
	broadcaster *broadcast.Broadcaster,
	characters character.Source,
	aliases character.AliasTable,
	logger *zap.Logger,
) *CombatHandler {
	return &CombatHandler{
		store:       store,
		broadcaster: broadcaster,
		characters:  characters,
		aliases:     aliases.WithDefaults(),
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		locks:       make(map[string]*combatLock),
	}
}

// lock acquires the mutation lock for combatID and returns its release func.
// Entries are reference counted so idle combats do not accumulate.
func (h *CombatHandler) lock(combatID string) func() {
	h.locksMu.Lock()
	l, ok := h.locks[combatID]
	if !ok {
		l = &combatLock{}
		h.locks[combatID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, combatID)
		}
		h.locksMu.Unlock()
	}
}

func (h *CombatHandler) startSpan(ctx context.Context, op string, actor session.Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("actor.user_id", actor.UserID), attribute.String("actor.role", string(actor.Role)))
	return h.tracer.Start(ctx, "CombatHandler."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

func authorizeMutation(actor session.Actor) error {
	if !actor.CanMutate() {
		return apperr.New(apperr.KindUnauthorized, "only the game master may modify a combat")
	}
	return nil
}

func authorizeRead(actor session.Actor) error {
	if actor.UserID == "" {
		return apperr.New(apperr.KindUnauthorized, "an authenticated user is required")
	}
	return nil
}

// classify maps store and domain errors onto caller-facing kinds.
// Already classified errors pass through unchanged.
func classify(msg string, err error) error {
	var ae *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return err
	case errors.Is(err, combat.ErrCombatNotFound),
		errors.Is(err, combat.ErrParticipantNotFound),
		errors.Is(err, character.ErrCharacterNotFound):
		return apperr.Wrap(apperr.KindNotFound, msg, err)
	case errors.Is(err, combat.ErrInvalidParticipant):
		return apperr.Wrap(apperr.KindInvalidArgument, msg, err)
	default:
		return apperr.Wrap(apperr.KindPersistence, msg, err)
	}
}

// activeCombat loads combatID and rejects ended combats.
func (h *CombatHandler) activeCombat(ctx context.Context, combatID string) (*combat.Combat, error) {
	c, err := h.store.GetCombat(ctx, combatID)
	if err != nil {
		return nil, classify("loading combat", err)
	}
	if !c.IsActive() {
		return nil, apperr.Newf(apperr.KindFailedPrecondition, "combat %s has ended", combatID)
	}
	return c, nil
}

// withVersion attaches participants to a combat returned without them and
// stamps them with the combat's version.
func withVersion(saved *combat.Combat, participants []*combat.Participant) *combat.Combat {
	saved.Participants = participants
	for _, p := range saved.Participants {
		p.CombatVersion = saved.Version
	}
	return saved
}

// CreateCombat starts an empty encounter at round 1, turn 0.
//
// Precondition: actor must be a game master; name must be non-blank.
// Postcondition: Returns the stored combat or a classified error.
func (h *CombatHandler) CreateCombat(ctx context.Context, actor session.Actor, name, description string) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "CreateCombat", actor)
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "combat name must not be empty")
	}

	c, err := h.store.CreateCombat(ctx, combat.NewCombat(name, strings.TrimSpace(description)))
	if err != nil {
		return nil, classify("creating combat", err)
	}
	observability.CombatLogger(h.logger, c.ID, actor.UserID).Info("combat created", zap.String("name", c.Name))
	return c, nil
}

// GetCombat returns the authoritative snapshot with participants ordered by Order.
//
// Precondition: actor must carry a user id; any role may read.
func (h *CombatHandler) GetCombat(ctx context.Context, actor session.Actor, combatID string) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "GetCombat", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	if err := authorizeRead(actor); err != nil {
		return nil, err
	}
	c, err := h.store.GetCombat(ctx, combatID)
	if err != nil {
		return nil, classify("loading combat", err)
	}
	return c, nil
}

// ListParticipants returns the combat's participants ordered by Order.
//
// Precondition: actor must carry a user id; any role may read.
func (h *CombatHandler) ListParticipants(ctx context.Context, actor session.Actor, combatID string) (_ []*combat.Participant, err error) {
	ctx, span := h.startSpan(ctx, "ListParticipants", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	if err := authorizeRead(actor); err != nil {
		return nil, err
	}
	ps, err := h.store.ListParticipants(ctx, combatID)
	if err != nil {
		return nil, classify("listing participants", err)
	}
	return ps, nil
}

// AddParticipant appends a freeform participant to the end of the rotation.
//
// Precondition: actor must be a game master; the combat must be active.
// Postcondition: The stored participant has Order = max(existing)+1 and
// 0 <= CurrentHP <= MaxHP. A participant_add event is broadcast.
func (h *CombatHandler) AddParticipant(ctx context.Context, actor session.Actor, combatID string, draft combat.Draft) (_ *combat.Participant, err error) {
	ctx, span := h.startSpan(ctx, "AddParticipant", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	unlock := h.lock(combatID)
	defer unlock()

	return h.addLocked(ctx, actor, combatID, draft)
}

// AddCharacter imports an external character as a player-controlled participant.
// HP and AC are resolved through the configured alias table, with HP falling
// back to character.FallbackHP when no alias matches.
//
// Precondition: actor must be a game master; the combat must be active.
// Postcondition: Returns the stored participant with CharacterID set and IsNPC false.
func (h *CombatHandler) AddCharacter(ctx context.Context, actor session.Actor, combatID, characterID string, initiative int) (_ *combat.Participant, err error) {
	ctx, span := h.startSpan(ctx, "AddCharacter", actor,
		attribute.String("combat.id", combatID), attribute.String("character.id", characterID))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	if h.characters == nil {
		return nil, apperr.New(apperr.KindFailedPrecondition, "character import is not configured")
	}
	unlock := h.lock(combatID)
	defer unlock()

	ch, err := h.characters.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, classify("loading character", err)
	}
	stats := h.aliases.Resolve(ch)
	if stats.HPFromFallback {
		observability.CombatLogger(h.logger, combatID, actor.UserID).Info("character has no recognised hp attribute",
			zap.String("character_id", characterID),
			zap.Int("fallback_hp", character.FallbackHP),
		)
	}
	return h.addLocked(ctx, actor, combatID, combat.Draft{
		Name:        ch.Name,
		CharacterID: ch.ID,
		IsNPC:       false,
		Initiative:  initiative,
		MaxHP:       stats.MaxHP,
		ArmorClass:  stats.ArmorClass,
	})
}

func (h *CombatHandler) addLocked(ctx context.Context, actor session.Actor, combatID string, draft combat.Draft) (*combat.Participant, error) {
	c, err := h.activeCombat(ctx, combatID)
	if err != nil {
		return nil, err
	}
	p, err := combat.NewParticipant(combatID, draft, c.Participants)
	if err != nil {
		return nil, classify("building participant", err)
	}
	stored, err := h.store.CreateParticipant(ctx, p)
	if err != nil {
		return nil, classify("creating participant", err)
	}
	observability.CombatLogger(h.logger, combatID, actor.UserID).Info("participant added",
		zap.String("participant_id", stored.ID),
		zap.String("name", stored.Name),
		zap.Int("order", stored.Order),
	)
	h.broadcaster.ParticipantAdded(ctx, stored)
	return stored, nil
}

// UpdateParticipant applies a partial update. HP is clamped against the resulting
// MaxHP and Conditions, when present, replaces the whole set.
//
// Precondition: actor must be a game master; the owning combat must be active.
// Postcondition: Returns the stored participant. A patch that changes nothing
// writes nothing and broadcasts nothing.
func (h *CombatHandler) UpdateParticipant(ctx context.Context, actor session.Actor, participantID string, patch combat.Patch) (_ *combat.Participant, err error) {
	ctx, span := h.startSpan(ctx, "UpdateParticipant", actor, attribute.String("participant.id", participantID))
	defer func() { endSpan(span, err) }()

	return h.mutateParticipant(ctx, actor, participantID, func(*combat.Participant) combat.Patch { return patch })
}

// ApplyHPDelta moves a participant's HP by delta, saturating at 0 and MaxHP.
//
// Precondition: actor must be a game master; the owning combat must be active.
// Postcondition: 0 <= CurrentHP <= MaxHP on the returned participant.
func (h *CombatHandler) ApplyHPDelta(ctx context.Context, actor session.Actor, participantID string, delta int) (_ *combat.Participant, err error) {
	ctx, span := h.startSpan(ctx, "ApplyHPDelta", actor,
		attribute.String("participant.id", participantID), attribute.Int("hp.delta", delta))
	defer func() { endSpan(span, err) }()

	return h.mutateParticipant(ctx, actor, participantID, func(p *combat.Participant) combat.Patch {
		return combat.HPDeltaPatch(p, delta)
	})
}

// mutateParticipant resolves the participant's combat, takes its lock and
// applies the patch built from the participant's current state.
func (h *CombatHandler) mutateParticipant(ctx context.Context, actor session.Actor, participantID string, build func(*combat.Participant) combat.Patch) (*combat.Participant, error) {
	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	found, err := h.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, classify("loading participant", err)
	}
	unlock := h.lock(found.CombatID)
	defer unlock()

	c, err := h.activeCombat(ctx, found.CombatID)
	if err != nil {
		return nil, err
	}
	cur, ok := c.Participant(participantID)
	if !ok {
		return nil, classify("loading participant", combat.ErrParticipantNotFound)
	}
	changes, err := combat.ApplyPatch(cur, build(cur))
	if err != nil {
		return nil, classify("updating participant", err)
	}
	if changes.IsEmpty() {
		return cur, nil
	}
	updated, err := h.store.UpdateParticipant(ctx, participantID, changes)
	if err != nil {
		return nil, classify("updating participant", err)
	}
	observability.CombatLogger(h.logger, c.ID, actor.UserID).Debug("participant updated",
		zap.String("participant_id", participantID),
		zap.Int("current_hp", updated.CurrentHP),
		zap.Int("max_hp", updated.MaxHP),
	)
	h.broadcaster.ParticipantUpdated(ctx, c.ID, participantID, changes, updated.CombatVersion)
	return updated, nil
}

// RemoveParticipant hard-deletes a participant. Other participants keep their
// Order and the combat's CurrentTurn is left as is, so the index may now point
// at a different participant.
//
// Precondition: actor must be a game master; the owning combat must be active.
// Postcondition: Returns the combat's new version. A participant_remove event is broadcast.
func (h *CombatHandler) RemoveParticipant(ctx context.Context, actor session.Actor, participantID string) (_ int64, err error) {
	ctx, span := h.startSpan(ctx, "RemoveParticipant", actor, attribute.String("participant.id", participantID))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return 0, err
	}
	found, err := h.store.GetParticipant(ctx, participantID)
	if err != nil {
		return 0, classify("loading participant", err)
	}
	unlock := h.lock(found.CombatID)
	defer unlock()

	if _, err := h.activeCombat(ctx, found.CombatID); err != nil {
		return 0, err
	}
	version, err := h.store.DeleteParticipant(ctx, participantID)
	if err != nil {
		return 0, classify("removing participant", err)
	}
	observability.CombatLogger(h.logger, found.CombatID, actor.UserID).Info("participant removed",
		zap.String("participant_id", participantID),
	)
	h.broadcaster.ParticipantRemoved(ctx, found.CombatID, participantID, version)
	return version, nil
}

// NextTurn advances the rotation, starting a new round after the last participant.
//
// Precondition: actor must be a game master; the combat must be active.
// Postcondition: With an empty rotation nothing is written or broadcast.
// Otherwise the new position is stored and a turn_change event is broadcast.
func (h *CombatHandler) NextTurn(ctx context.Context, actor session.Actor, combatID string) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "NextTurn", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	return h.moveTurn(ctx, actor, combatID, combat.NextTurn)
}

// PreviousTurn steps the rotation back. Round 1, turn 0 is a floor.
//
// Precondition: actor must be a game master; the combat must be active.
// Postcondition: At the floor or with an empty rotation nothing is written or broadcast.
func (h *CombatHandler) PreviousTurn(ctx context.Context, actor session.Actor, combatID string) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "PreviousTurn", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	return h.moveTurn(ctx, actor, combatID, combat.PreviousTurn)
}

func (h *CombatHandler) moveTurn(ctx context.Context, actor session.Actor, combatID string, move func(*combat.Combat) bool) (*combat.Combat, error) {
	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	unlock := h.lock(combatID)
	defer unlock()

	c, err := h.activeCombat(ctx, combatID)
	if err != nil {
		return nil, err
	}
	if !move(c) {
		return c, nil
	}
	saved, err := h.store.UpdateCombat(ctx, combatID, combat.CombatFields{
		CurrentRound: &c.CurrentRound,
		CurrentTurn:  &c.CurrentTurn,
	})
	if err != nil {
		return nil, classify("saving turn", err)
	}
	saved = withVersion(saved, c.Participants)
	observability.CombatLogger(h.logger, combatID, actor.UserID).Debug("turn changed",
		zap.Int("round", saved.CurrentRound),
		zap.Int("turn", saved.CurrentTurn),
	)
	h.broadcaster.TurnChanged(ctx, saved)
	return saved, nil
}

// SetRound overrides the round counter without moving the turn.
//
// Precondition: actor must be a game master; round must be >= 1.
// Postcondition: A round_change event is broadcast unless the round is unchanged.
func (h *CombatHandler) SetRound(ctx context.Context, actor session.Actor, combatID string, round int) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "SetRound", actor, attribute.String("combat.id", combatID), attribute.Int("round", round))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	if round < 1 {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "round must be >= 1, got %d", round)
	}
	unlock := h.lock(combatID)
	defer unlock()

	c, err := h.activeCombat(ctx, combatID)
	if err != nil {
		return nil, err
	}
	if c.CurrentRound == round {
		return c, nil
	}
	saved, err := h.store.UpdateCombat(ctx, combatID, combat.CombatFields{CurrentRound: &round})
	if err != nil {
		return nil, classify("saving round", err)
	}
	saved = withVersion(saved, c.Participants)
	h.broadcaster.RoundChanged(ctx, saved)
	return saved, nil
}

// SortByInitiative re-sequences the rotation by initiative and rewinds to turn 0.
//
// Precondition: actor must be a game master; the combat must be active.
// Postcondition: When anything moved, the new orders are stored atomically and one
// participant_update per participant is broadcast, followed by turn_change.
func (h *CombatHandler) SortByInitiative(ctx context.Context, actor session.Actor, combatID string) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "SortByInitiative", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	unlock := h.lock(combatID)
	defer unlock()

	c, err := h.activeCombat(ctx, combatID)
	if err != nil {
		return nil, err
	}
	if !combat.SortByInitiative(c) {
		return c, nil
	}
	saved, err := h.store.SaveCombat(ctx, c)
	if err != nil {
		return nil, classify("saving initiative order", err)
	}
	for _, p := range saved.Participants {
		order := p.Order
		h.broadcaster.ParticipantUpdated(ctx, saved.ID, p.ID, combat.Changes{Order: &order}, saved.Version)
	}
	h.broadcaster.TurnChanged(ctx, saved)
	observability.CombatLogger(h.logger, combatID, actor.UserID).Info("rotation sorted by initiative",
		zap.Int("participants", len(saved.Participants)),
	)
	return saved, nil
}

// ResetCombat restores every participant to full health in the rotation with
// no conditions and rewinds to round 1, turn 0.
//
// Precondition: actor must be a game master; the combat must be active.
// Postcondition: The reset is stored atomically; one participant_update per
// participant is broadcast, followed by turn_change.
func (h *CombatHandler) ResetCombat(ctx context.Context, actor session.Actor, combatID string) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "ResetCombat", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	unlock := h.lock(combatID)
	defer unlock()

	c, err := h.activeCombat(ctx, combatID)
	if err != nil {
		return nil, err
	}
	combat.Reset(c)
	saved, err := h.store.SaveCombat(ctx, c)
	if err != nil {
		return nil, classify("resetting combat", err)
	}
	inRotation := combat.InRotation
	for _, p := range saved.Participants {
		hp := p.CurrentHP
		conds := combat.ConditionSet{}
		h.broadcaster.ParticipantUpdated(ctx, saved.ID, p.ID, combat.Changes{
			CurrentHP:  &hp,
			Rotation:   &inRotation,
			Conditions: &conds,
		}, saved.Version)
	}
	h.broadcaster.TurnChanged(ctx, saved)
	observability.CombatLogger(h.logger, combatID, actor.UserID).Info("combat reset")
	return saved, nil
}

// EndCombat marks the encounter ended. Ended is terminal: every later mutation
// fails with FailedPrecondition, and ending an ended combat is a no-op.
//
// Precondition: actor must be a game master.
// Postcondition: A combat_end event is broadcast on the first call only.
func (h *CombatHandler) EndCombat(ctx context.Context, actor session.Actor, combatID string) (_ *combat.Combat, err error) {
	ctx, span := h.startSpan(ctx, "EndCombat", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return nil, err
	}
	unlock := h.lock(combatID)
	defer unlock()

	c, err := h.store.GetCombat(ctx, combatID)
	if err != nil {
		return nil, classify("loading combat", err)
	}
	if !c.IsActive() {
		return c, nil
	}
	ended := combat.StateEnded
	saved, err := h.store.UpdateCombat(ctx, combatID, combat.CombatFields{State: &ended})
	if err != nil {
		return nil, classify("ending combat", err)
	}
	saved = withVersion(saved, c.Participants)
	observability.CombatLogger(h.logger, combatID, actor.UserID).Info("combat ended",
		zap.Int("round", saved.CurrentRound),
	)
	h.broadcaster.CombatEnded(ctx, combatID, saved.Version)
	return saved, nil
}

// DeleteCombat removes the combat and its participants. Subscribers receive
// combat_end. Ended combats may be deleted.
//
// Precondition: actor must be a game master.
func (h *CombatHandler) DeleteCombat(ctx context.Context, actor session.Actor, combatID string) (err error) {
	ctx, span := h.startSpan(ctx, "DeleteCombat", actor, attribute.String("combat.id", combatID))
	defer func() { endSpan(span, err) }()

	if err := authorizeMutation(actor); err != nil {
		return err
	}
	unlock := h.lock(combatID)
	defer unlock()

	c, err := h.store.GetCombat(ctx, combatID)
	if err != nil {
		return classify("loading combat", err)
	}
	if err := h.store.DeleteCombat(ctx, combatID); err != nil {
		return classify("deleting combat", err)
	}
	observability.CombatLogger(h.logger, combatID, actor.UserID).Info("combat deleted")
	h.broadcaster.CombatEnded(ctx, combatID, c.Version+1)
	return nil
}
