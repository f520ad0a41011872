package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/storage"
)

const combatColumns = `id, name, description, state, current_round, current_turn, version, created_at, updated_at`

const participantColumns = `id, combat_id, character_id, name, is_npc, initiative, current_hp, max_hp,
	armor_class, rotation, conditions, notes, sort_order, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CombatRepository implements combat.Store on PostgreSQL.
type CombatRepository struct {
	db *pgxpool.Pool
}

// NewCombatRepository creates a CombatRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with migrations applied.
func NewCombatRepository(db *pgxpool.Pool) *CombatRepository {
	return &CombatRepository{db: db}
}

var _ combat.Store = (*CombatRepository)(nil)

// CreateCombat inserts c's combat columns. Participants on c are ignored.
//
// Postcondition: Returns the stored combat with ID, timestamps and Version 1, and no participants.
func (r *CombatRepository) CreateCombat(ctx context.Context, c *combat.Combat) (*combat.Combat, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO combats (id, name, description, state, current_round, current_turn, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING `+combatColumns,
		uuid.NewString(), c.Name, c.Description, c.State.String(), c.CurrentRound, c.CurrentTurn,
	)
	out, err := scanCombat(row)
	if err != nil {
		return nil, fmt.Errorf("inserting combat: %w", err)
	}
	out.Participants = []*combat.Participant{}
	return out, nil
}

// GetCombat returns the combat and its participants from one consistent snapshot.
//
// Postcondition: Returns combat.ErrCombatNotFound if no row matches.
func (r *CombatRepository) GetCombat(ctx context.Context, id string) (*combat.Combat, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, combat.ErrCombatNotFound
	}
	var out *combat.Combat
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		c, err := getCombat(ctx, tx, id)
		if err != nil {
			return err
		}
		c.Participants, err = listParticipants(ctx, tx, c.ID, c.Version)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateCombat writes the non-nil fields and bumps the version.
//
// Postcondition: Returns the updated combat without participants, or combat.ErrCombatNotFound.
func (r *CombatRepository) UpdateCombat(ctx context.Context, id string, fields combat.CombatFields) (*combat.Combat, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, combat.ErrCombatNotFound
	}
	var state *string
	if fields.State != nil {
		s := fields.State.String()
		state = &s
	}
	row := r.db.QueryRow(ctx, `
		UPDATE combats SET
			name          = COALESCE($2, name),
			description   = COALESCE($3, description),
			state         = COALESCE($4, state),
			current_round = COALESCE($5, current_round),
			current_turn  = COALESCE($6, current_turn),
			version       = version + 1,
			updated_at    = NOW()
		WHERE id = $1
		RETURNING `+combatColumns,
		id, fields.Name, fields.Description, state, fields.CurrentRound, fields.CurrentTurn,
	)
	out, err := scanCombat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, combat.ErrCombatNotFound
		}
		return nil, fmt.Errorf("updating combat %s: %w", id, err)
	}
	return out, nil
}

// DeleteCombat removes the combat; participants cascade.
//
// Postcondition: Returns combat.ErrCombatNotFound if no row matched.
func (r *CombatRepository) DeleteCombat(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return combat.ErrCombatNotFound
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM combats WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting combat %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return combat.ErrCombatNotFound
	}
	return nil
}

// CreateParticipant inserts p and bumps the owning combat's version in one transaction.
//
// Precondition: p.CombatID must reference an existing combat.
// Postcondition: Returns the stored participant with ID and CombatVersion set,
// or combat.ErrCombatNotFound.
func (r *CombatRepository) CreateParticipant(ctx context.Context, p *combat.Participant) (*combat.Participant, error) {
	if _, err := uuid.Parse(p.CombatID); err != nil {
		return nil, combat.ErrCombatNotFound
	}
	conds, err := storage.EncodeConditions(p.Conditions)
	if err != nil {
		return nil, err
	}
	var out *combat.Participant
	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		version, err := bumpVersion(ctx, tx, p.CombatID)
		if err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO combat_participants
				(id, combat_id, character_id, name, is_npc, initiative, current_hp, max_hp,
				 armor_class, rotation, conditions, notes, sort_order)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			RETURNING `+participantColumns,
			uuid.NewString(), p.CombatID, p.CharacterID, p.Name, p.IsNPC, p.Initiative,
			p.CurrentHP, p.MaxHP, p.ArmorClass, p.Rotation.String(), conds, p.Notes, p.Order,
		)
		out, err = scanParticipant(row)
		if err != nil {
			return fmt.Errorf("inserting participant: %w", constraintError(err))
		}
		out.CombatVersion = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateParticipant writes the fields carried by changes and bumps the combat version.
//
// Postcondition: Returns the updated participant, or combat.ErrParticipantNotFound.
func (r *CombatRepository) UpdateParticipant(ctx context.Context, id string, changes combat.Changes) (*combat.Participant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, combat.ErrParticipantNotFound
	}
	var conds *string
	if changes.Conditions != nil {
		text, err := storage.EncodeConditions(*changes.Conditions)
		if err != nil {
			return nil, err
		}
		conds = &text
	}
	var rotation *string
	if changes.Rotation != nil {
		s := changes.Rotation.String()
		rotation = &s
	}

	var out *combat.Participant
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE combat_participants SET
				name        = COALESCE($2, name),
				initiative  = COALESCE($3, initiative),
				current_hp  = COALESCE($4, current_hp),
				max_hp      = COALESCE($5, max_hp),
				armor_class = CASE WHEN $6::boolean THEN NULL ELSE COALESCE($7, armor_class) END,
				rotation    = COALESCE($8, rotation),
				conditions  = COALESCE($9, conditions),
				notes       = COALESCE($10, notes),
				sort_order  = COALESCE($11, sort_order),
				updated_at  = NOW()
			WHERE id = $1
			RETURNING `+participantColumns,
			id, changes.Name, changes.Initiative, changes.CurrentHP, changes.MaxHP,
			changes.ArmorClassCleared, changes.ArmorClass, rotation, conds, changes.Notes, changes.Order,
		)
		p, err := scanParticipant(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return combat.ErrParticipantNotFound
			}
			return fmt.Errorf("updating participant %s: %w", id, constraintError(err))
		}
		p.CombatVersion, err = bumpVersion(ctx, tx, p.CombatID)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteParticipant hard-deletes the participant. Other participants keep their Order.
//
// Postcondition: Returns the owning combat's new version, or combat.ErrParticipantNotFound.
func (r *CombatRepository) DeleteParticipant(ctx context.Context, id string) (int64, error) {
	if _, err := uuid.Parse(id); err != nil {
		return 0, combat.ErrParticipantNotFound
	}
	var version int64
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var combatID string
		err := tx.QueryRow(ctx, `DELETE FROM combat_participants WHERE id = $1 RETURNING combat_id`, id).Scan(&combatID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return combat.ErrParticipantNotFound
			}
			return fmt.Errorf("deleting participant %s: %w", id, err)
		}
		version, err = bumpVersion(ctx, tx, combatID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// ListParticipants returns the combat's participants ordered by Order.
//
// Postcondition: Returns combat.ErrCombatNotFound if the combat does not exist.
func (r *CombatRepository) ListParticipants(ctx context.Context, combatID string) ([]*combat.Participant, error) {
	c, err := r.GetCombat(ctx, combatID)
	if err != nil {
		return nil, err
	}
	return c.Participants, nil
}

// GetParticipant returns one participant with the owning combat's current version.
//
// Postcondition: Returns combat.ErrParticipantNotFound if no row matches.
func (r *CombatRepository) GetParticipant(ctx context.Context, id string) (*combat.Participant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, combat.ErrParticipantNotFound
	}
	row := r.db.QueryRow(ctx, `
		SELECT p.id, p.combat_id, p.character_id, p.name, p.is_npc, p.initiative, p.current_hp, p.max_hp,
		       p.armor_class, p.rotation, p.conditions, p.notes, p.sort_order, p.created_at, p.updated_at,
		       c.version
		FROM combat_participants p JOIN combats c ON c.id = p.combat_id
		WHERE p.id = $1`, id)
	var version int64
	p, err := scanParticipant(row, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, combat.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("getting participant %s: %w", id, err)
	}
	p.CombatVersion = version
	return p, nil
}

// SaveCombat writes the combat columns and every participant's mutable columns in
// one transaction, bumping the version once.
//
// Postcondition: On error nothing is written. Returns combat.ErrCombatNotFound or
// combat.ErrParticipantNotFound if a row vanished.
func (r *CombatRepository) SaveCombat(ctx context.Context, c *combat.Combat) (*combat.Combat, error) {
	if _, err := uuid.Parse(c.ID); err != nil {
		return nil, combat.ErrCombatNotFound
	}
	var out *combat.Combat
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE combats SET
				name = $2, description = $3, state = $4, current_round = $5, current_turn = $6,
				version = version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+combatColumns,
			c.ID, c.Name, c.Description, c.State.String(), c.CurrentRound, c.CurrentTurn,
		)
		saved, err := scanCombat(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return combat.ErrCombatNotFound
			}
			return fmt.Errorf("saving combat %s: %w", c.ID, err)
		}

		for _, p := range c.Participants {
			conds, err := storage.EncodeConditions(p.Conditions)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				UPDATE combat_participants SET
					name = $3, initiative = $4, current_hp = $5, max_hp = $6, armor_class = $7,
					rotation = $8, conditions = $9, notes = $10, sort_order = $11, updated_at = NOW()
				WHERE id = $1 AND combat_id = $2`,
				p.ID, c.ID, p.Name, p.Initiative, p.CurrentHP, p.MaxHP, p.ArmorClass,
				p.Rotation.String(), conds, p.Notes, p.Order,
			)
			if err != nil {
				return fmt.Errorf("saving participant %s: %w", p.ID, constraintError(err))
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("saving participant %s: %w", p.ID, combat.ErrParticipantNotFound)
			}
		}

		saved.Participants, err = listParticipants(ctx, tx, saved.ID, saved.Version)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getCombat(ctx context.Context, q querier, id string) (*combat.Combat, error) {
	c, err := scanCombat(q.QueryRow(ctx, `SELECT `+combatColumns+` FROM combats WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, combat.ErrCombatNotFound
		}
		return nil, fmt.Errorf("getting combat %s: %w", id, err)
	}
	return c, nil
}

func listParticipants(ctx context.Context, q querier, combatID string, version int64) ([]*combat.Participant, error) {
	rows, err := q.Query(ctx, `
		SELECT `+participantColumns+`
		FROM combat_participants WHERE combat_id = $1
		ORDER BY sort_order ASC, id ASC`, combatID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	out := []*combat.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.CombatVersion = version
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return out, nil
}

func bumpVersion(ctx context.Context, q querier, combatID string) (int64, error) {
	var version int64
	err := q.QueryRow(ctx, `
		UPDATE combats SET version = version + 1, updated_at = NOW()
		WHERE id = $1 RETURNING version`, combatID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, combat.ErrCombatNotFound
		}
		return 0, fmt.Errorf("bumping combat %s version: %w", combatID, err)
	}
	return version, nil
}

func scanCombat(row pgx.Row) (*combat.Combat, error) {
	var (
		c     combat.Combat
		state string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &state, &c.CurrentRound, &c.CurrentTurn,
		&c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	s, err := combat.ParseCombatState(state)
	if err != nil {
		return nil, err
	}
	c.State = s
	return &c, nil
}

// scanParticipant reads participantColumns followed by any extra destinations.
func scanParticipant(row pgx.Row, extra ...any) (*combat.Participant, error) {
	var (
		p        combat.Participant
		rotation string
		conds    string
	)
	dest := []any{&p.ID, &p.CombatID, &p.CharacterID, &p.Name, &p.IsNPC, &p.Initiative,
		&p.CurrentHP, &p.MaxHP, &p.ArmorClass, &rotation, &conds, &p.Notes, &p.Order,
		&p.CreatedAt, &p.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	rot, err := combat.ParseRotationState(rotation)
	if err != nil {
		return nil, err
	}
	p.Rotation = rot
	if p.Conditions, err = storage.DecodeConditions(conds); err != nil {
		return nil, err
	}
	return &p, nil
}

// constraintError marks CHECK violations as invalid participant state.
func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s", combat.ErrInvalidParticipant, pgErr.Message)
	}
	return err
}
