// Package reconcile keeps a client's local combat snapshot consistent with the
// authoritative store by merging sync events.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/broadcast"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/pubsub"
)

// Fetcher reads the authoritative combat state.
type Fetcher interface {
	GetCombat(ctx context.Context, id string) (*combat.Combat, error)
}

const combatKey = "combat"

func participantKey(id string) string { return "participant:" + id }

// Reconciler holds one client's local snapshot of a combat.
//
// Merges are version-gated per key: the combat-level fields form one key and each
// participant forms its own. An event is applied only when its version is not
// older than the version already applied for its key, so a delayed echo cannot
// overwrite a newer optimistic update, while equal versions re-apply idempotently.
// All methods are safe for concurrent use.
type Reconciler struct {
	combatID string
	fetcher  Fetcher
	logger   *zap.Logger

	mu       sync.RWMutex
	snapshot *combat.Combat
	// floor is the version of the last full snapshot; nothing older can be news.
	floor    int64
	applied  map[string]int64
	onChange func(*combat.Combat)
}

// New creates a Reconciler for combatID. The snapshot is empty until Refresh or Run.
//
// Precondition: fetcher and logger must be non-nil.
func New(combatID string, fetcher Fetcher, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		combatID: combatID,
		fetcher:  fetcher,
		logger:   logger.With(zap.String("combat_id", combatID)),
		applied:  make(map[string]int64),
	}
}

// OnChange registers fn to receive a copy of the snapshot after every change.
func (r *Reconciler) OnChange(fn func(*combat.Combat)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Snapshot returns a deep copy of the local snapshot, or nil before the first fetch.
func (r *Reconciler) Snapshot() *combat.Combat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return nil
	}
	return r.snapshot.Clone()
}

// Refresh replaces the snapshot with a full fetch.
//
// Postcondition: On success the snapshot equals the fetched state and every key's
// applied version is reset to the fetched combat version, unless the local
// snapshot is already newer than the fetch, in which case it is kept.
func (r *Reconciler) Refresh(ctx context.Context) error {
	c, err := r.fetcher.GetCombat(ctx, r.combatID)
	if err != nil {
		return fmt.Errorf("fetching combat %s: %w", r.combatID, err)
	}
	r.mu.Lock()
	if r.snapshot != nil && c.Version < r.snapshot.Version {
		local := r.snapshot.Version
		r.mu.Unlock()
		r.logger.Debug("discarding stale fetch",
			zap.Int64("fetched", c.Version),
			zap.Int64("local", local),
		)
		return nil
	}
	r.replace(c)
	fn, snap := r.changed()
	r.mu.Unlock()
	notify(fn, snap)
	return nil
}

// ApplyCombat installs a full combat returned by the acting client's own mutation.
//
// Postcondition: Ignored when c belongs to another combat or is older than the
// local snapshot.
func (r *Reconciler) ApplyCombat(c *combat.Combat) {
	if c.ID != r.combatID {
		return
	}
	r.mu.Lock()
	if r.snapshot != nil && c.Version < r.snapshot.Version {
		r.mu.Unlock()
		return
	}
	r.replace(c)
	fn, snap := r.changed()
	r.mu.Unlock()
	notify(fn, snap)
}

// ApplyParticipant installs a participant returned by the acting client's own
// add or update, gated on p.CombatVersion. Participants of other combats are ignored.
func (r *Reconciler) ApplyParticipant(p *combat.Participant) {
	if p.CombatID != r.combatID {
		return
	}
	r.mu.Lock()
	ok := r.snapshot != nil && r.accept(participantKey(p.ID), p.CombatVersion)
	if ok {
		r.upsert(p.Clone())
		r.bump(p.CombatVersion)
	}
	fn, snap := r.changed()
	r.mu.Unlock()
	if ok {
		notify(fn, snap)
	}
}

// RemoveParticipant drops a participant removed by the acting client at version.
// Ids absent from the snapshot are ignored: either the echo already removed the
// participant or it belongs to another combat.
func (r *Reconciler) RemoveParticipant(id string, version int64) {
	r.mu.Lock()
	ok := false
	if r.snapshot != nil {
		if _, present := r.snapshot.Participant(id); present {
			ok = r.accept(participantKey(id), version)
		}
	}
	if ok {
		r.remove(id)
		r.bump(version)
	}
	fn, snap := r.changed()
	r.mu.Unlock()
	if ok {
		notify(fn, snap)
	}
}

// Apply merges one sync event into the snapshot.
// Unrecognized or undecodable events trigger a full re-fetch.
//
// Postcondition: Returns an error only when a required re-fetch fails.
func (r *Reconciler) Apply(ctx context.Context, msg pubsub.Message) error {
	ev, err := broadcast.Decode(msg)
	if err != nil {
		r.logger.Info("re-fetching after unhandled event",
			zap.String("event", msg.Event),
			zap.Error(err),
		)
		return r.Refresh(ctx)
	}

	r.mu.Lock()
	if r.snapshot == nil {
		r.mu.Unlock()
		return r.Refresh(ctx)
	}
	result := r.merge(ev)
	fn, snap := r.changed()
	r.mu.Unlock()

	switch result {
	case merged:
		notify(fn, snap)
	case diverged:
		r.logger.Info("re-fetching after update for unknown participant", zap.String("event", msg.Event))
		return r.Refresh(ctx)
	default:
		r.logger.Debug("skipped stale event", zap.String("event", msg.Event))
	}
	return nil
}

type mergeResult int

const (
	skipped mergeResult = iota
	merged
	// diverged means the event refers to state the snapshot lacks.
	diverged
)

// merge applies a decoded event. Caller holds r.mu.
func (r *Reconciler) merge(ev any) mergeResult {
	switch e := ev.(type) {
	case broadcast.ParticipantUpdate:
		key := participantKey(e.ParticipantID)
		if r.stale(key, e.Version) {
			return skipped
		}
		p, ok := r.snapshot.Participant(e.ParticipantID)
		if !ok {
			return diverged
		}
		r.applied[key] = e.Version
		e.Changes.ApplyTo(p)
		p.CombatVersion = e.Version
		if e.Changes.Order != nil {
			r.snapshot.SortParticipants()
		}
		r.bump(e.Version)
	case broadcast.TurnChange:
		if !r.accept(combatKey, e.Version) {
			return skipped
		}
		r.snapshot.CurrentTurn = e.CurrentTurn
		r.snapshot.CurrentRound = e.CurrentRound
		r.bump(e.Version)
	case broadcast.RoundChange:
		if !r.accept(combatKey, e.Version) {
			return skipped
		}
		r.snapshot.CurrentRound = e.CurrentRound
		r.bump(e.Version)
	case broadcast.CombatEnd:
		if !r.accept(combatKey, e.Version) {
			return skipped
		}
		r.snapshot.State = combat.StateEnded
		r.bump(e.Version)
	case broadcast.ParticipantAdd:
		if !r.accept(participantKey(e.Participant.ID), e.Version) {
			return skipped
		}
		p := e.Participant.Clone()
		p.CombatVersion = e.Version
		r.upsert(p)
		r.bump(e.Version)
	case broadcast.ParticipantRemove:
		if !r.accept(participantKey(e.ParticipantID), e.Version) {
			return skipped
		}
		r.remove(e.ParticipantID)
		r.bump(e.Version)
	default:
		return skipped
	}
	return merged
}

// stale reports whether version is older than what is already applied for key.
func (r *Reconciler) stale(key string, version int64) bool {
	return version < r.floor || version < r.applied[key]
}

// accept records version for key if it is not stale.
func (r *Reconciler) accept(key string, version int64) bool {
	if r.stale(key, version) {
		return false
	}
	r.applied[key] = version
	return true
}

func (r *Reconciler) bump(version int64) {
	if version > r.snapshot.Version {
		r.snapshot.Version = version
	}
}

func (r *Reconciler) replace(c *combat.Combat) {
	r.snapshot = c.Clone()
	r.snapshot.SortParticipants()
	r.floor = c.Version
	r.applied = make(map[string]int64)
}

func (r *Reconciler) upsert(p *combat.Participant) {
	for i, existing := range r.snapshot.Participants {
		if existing.ID == p.ID {
			r.snapshot.Participants[i] = p
			r.snapshot.SortParticipants()
			return
		}
	}
	r.snapshot.Participants = append(r.snapshot.Participants, p)
	r.snapshot.SortParticipants()
}

func (r *Reconciler) remove(id string) {
	ps := r.snapshot.Participants
	for i, p := range ps {
		if p.ID == id {
			r.snapshot.Participants = append(ps[:i:i], ps[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) changed() (func(*combat.Combat), *combat.Combat) {
	if r.onChange == nil || r.snapshot == nil {
		return nil, nil
	}
	return r.onChange, r.snapshot.Clone()
}

func notify(fn func(*combat.Combat), snap *combat.Combat) {
	if fn != nil {
		fn(snap)
	}
}

// Run subscribes to the combat's topic and merges events until ctx is done.
// After every (re)subscribe the snapshot is re-fetched, since events may have
// been missed while disconnected. A dropped subscription is retried with
// exponential backoff.
//
// Postcondition: Returns ctx.Err() once ctx is done.
func (r *Reconciler) Run(ctx context.Context, sub pubsub.Subscriber) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	return r.run(ctx, sub, bo)
}

func (r *Reconciler) run(ctx context.Context, sub pubsub.Subscriber, bo backoff.BackOff) error {
	topic := pubsub.CombatTopic(r.combatID)
	for {
		s, err := sub.Subscribe(ctx, topic)
		if err == nil {
			if err = r.Refresh(ctx); err == nil {
				bo.Reset()
				r.consume(ctx, s)
			}
			_ = s.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, pubsub.ErrClosed) {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("giving up on %s: %w", topic, err)
		}
		r.logger.Info("resubscribing", zap.Duration("wait", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Reconciler) consume(ctx context.Context, s pubsub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.Messages():
			if !ok {
				r.logger.Info("subscription dropped")
				return
			}
			if err := r.Apply(ctx, msg); err != nil {
				r.logger.Warn("applying sync event", zap.String("event", msg.Event), zap.Error(err))
			}
		}
	}
}
