package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/pubsub"
)

// DefaultPublishTimeout bounds a single publish when none is configured.
const DefaultPublishTimeout = 2 * time.Second

// Broadcaster publishes combat sync events. Delivery is best-effort: failures are
// logged and never returned, so a broadcast can never fail the mutation behind it.
type Broadcaster struct {
	pub     pubsub.Publisher
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Broadcaster.
//
// Precondition: pub and logger must be non-nil.
// Postcondition: timeout <= 0 selects DefaultPublishTimeout.
func New(pub pubsub.Publisher, timeout time.Duration, logger *zap.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Broadcaster{pub: pub, timeout: timeout, logger: logger}
}

// ParticipantAdded publishes participant_add.
func (b *Broadcaster) ParticipantAdded(ctx context.Context, p *combat.Participant) {
	b.publish(ctx, p.CombatID, EventParticipantAdd, ParticipantAdd{Participant: p, Version: p.CombatVersion})
}

// ParticipantUpdated publishes participant_update. Empty change sets are not sent.
func (b *Broadcaster) ParticipantUpdated(ctx context.Context, combatID, participantID string, changes combat.Changes, version int64) {
	if changes.IsEmpty() {
		return
	}
	b.publish(ctx, combatID, EventParticipantUpdate, ParticipantUpdate{
		ParticipantID: participantID,
		Changes:       changes,
		Version:       version,
	})
}

// ParticipantRemoved publishes participant_remove.
func (b *Broadcaster) ParticipantRemoved(ctx context.Context, combatID, participantID string, version int64) {
	b.publish(ctx, combatID, EventParticipantRemove, ParticipantRemove{ParticipantID: participantID, Version: version})
}

// TurnChanged publishes turn_change from c's turn pointer.
func (b *Broadcaster) TurnChanged(ctx context.Context, c *combat.Combat) {
	b.publish(ctx, c.ID, EventTurnChange, TurnChange{
		CurrentTurn:  c.CurrentTurn,
		CurrentRound: c.CurrentRound,
		Version:      c.Version,
	})
}

// RoundChanged publishes round_change.
func (b *Broadcaster) RoundChanged(ctx context.Context, c *combat.Combat) {
	b.publish(ctx, c.ID, EventRoundChange, RoundChange{CurrentRound: c.CurrentRound, Version: c.Version})
}

// CombatEnded publishes combat_end.
func (b *Broadcaster) CombatEnded(ctx context.Context, combatID string, version int64) {
	b.publish(ctx, combatID, EventCombatEnd, CombatEnd{CombatID: combatID, Version: version})
}

// publish detaches from the caller's cancellation so a request that finished
// after its write still propagates, and bounds the attempt by b.timeout.
func (b *Broadcaster) publish(ctx context.Context, combatID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("encoding sync event",
			zap.String("combat_id", combatID),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	if err := b.pub.Publish(ctx, pubsub.CombatTopic(combatID), event, data); err != nil {
		b.logger.Warn("publishing sync event",
			zap.String("combat_id", combatID),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	b.logger.Debug("published sync event",
		zap.String("combat_id", combatID),
		zap.String("event", event),
	)
}
