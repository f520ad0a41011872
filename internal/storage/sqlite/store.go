// Package sqlite provides a single-file combat store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/storage"
)

const combatColumns = `id, name, description, state, current_round, current_turn, version, created_at, updated_at`

const participantColumns = `id, combat_id, character_id, name, is_npc, initiative, current_hp, max_hp,
	armor_class, rotation, conditions, notes, sort_order, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements combat.Store on one SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ combat.Store = (*Store)(nil)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// OpenDB opens the database file at path with foreign keys enforced.
// Writes are serialized through a single connection.
//
// Postcondition: Returns a pinged handle or a non-nil error.
func OpenDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	return db, nil
}

// Open opens the database at path and applies the embedded migrations.
//
// Postcondition: Returns a ready Store or a non-nil error; the caller must Close the Store.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Health pings the database file.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging sqlite: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CreateCombat inserts c's combat columns. Participants on c are ignored.
//
// Postcondition: Returns the stored combat with ID, timestamps and Version 1, and no participants.
func (s *Store) CreateCombat(ctx context.Context, c *combat.Combat) (*combat.Combat, error) {
	now := toMillis(s.now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO combats (id, name, description, state, current_round, current_turn, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		RETURNING `+combatColumns,
		uuid.NewString(), c.Name, c.Description, c.State.String(), c.CurrentRound, c.CurrentTurn, now, now,
	)
	out, err := scanCombat(row)
	if err != nil {
		return nil, fmt.Errorf("inserting combat: %w", err)
	}
	out.Participants = []*combat.Participant{}
	return out, nil
}

// GetCombat returns the combat and its participants from one transaction.
//
// Postcondition: Returns combat.ErrCombatNotFound if no row matches.
func (s *Store) GetCombat(ctx context.Context, id string) (*combat.Combat, error) {
	var out *combat.Combat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
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
func (s *Store) UpdateCombat(ctx context.Context, id string, fields combat.CombatFields) (*combat.Combat, error) {
	var state *string
	if fields.State != nil {
		v := fields.State.String()
		state = &v
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE combats SET
			name          = COALESCE(?, name),
			description   = COALESCE(?, description),
			state         = COALESCE(?, state),
			current_round = COALESCE(?, current_round),
			current_turn  = COALESCE(?, current_turn),
			version       = version + 1,
			updated_at    = ?
		WHERE id = ?
		RETURNING `+combatColumns,
		fields.Name, fields.Description, state, fields.CurrentRound, fields.CurrentTurn, toMillis(s.now()), id,
	)
	out, err := scanCombat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, combat.ErrCombatNotFound
		}
		return nil, fmt.Errorf("updating combat %s: %w", id, err)
	}
	return out, nil
}

// DeleteCombat removes the combat; participants cascade.
//
// Postcondition: Returns combat.ErrCombatNotFound if no row matched.
func (s *Store) DeleteCombat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM combats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting combat %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting combat %s: %w", id, err)
	}
	if n == 0 {
		return combat.ErrCombatNotFound
	}
	return nil
}

// CreateParticipant inserts p and bumps the owning combat's version in one transaction.
//
// Postcondition: Returns the stored participant with ID and CombatVersion set,
// or combat.ErrCombatNotFound.
func (s *Store) CreateParticipant(ctx context.Context, p *combat.Participant) (*combat.Participant, error) {
	conds, err := storage.EncodeConditions(p.Conditions)
	if err != nil {
		return nil, err
	}
	now := toMillis(s.now())
	var out *combat.Participant
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		version, err := s.bumpVersion(ctx, tx, p.CombatID)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			INSERT INTO combat_participants
				(id, combat_id, character_id, name, is_npc, initiative, current_hp, max_hp,
				 armor_class, rotation, conditions, notes, sort_order, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING `+participantColumns,
			uuid.NewString(), p.CombatID, p.CharacterID, p.Name, p.IsNPC, p.Initiative,
			p.CurrentHP, p.MaxHP, p.ArmorClass, p.Rotation.String(), conds, p.Notes, p.Order, now, now,
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
func (s *Store) UpdateParticipant(ctx context.Context, id string, changes combat.Changes) (*combat.Participant, error) {
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
		v := changes.Rotation.String()
		rotation = &v
	}

	var out *combat.Participant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE combat_participants SET
				name        = COALESCE(?, name),
				initiative  = COALESCE(?, initiative),
				current_hp  = COALESCE(?, current_hp),
				max_hp      = COALESCE(?, max_hp),
				armor_class = CASE WHEN ? THEN NULL ELSE COALESCE(?, armor_class) END,
				rotation    = COALESCE(?, rotation),
				conditions  = COALESCE(?, conditions),
				notes       = COALESCE(?, notes),
				sort_order  = COALESCE(?, sort_order),
				updated_at  = ?
			WHERE id = ?
			RETURNING `+participantColumns,
			changes.Name, changes.Initiative, changes.CurrentHP, changes.MaxHP,
			changes.ArmorClassCleared, changes.ArmorClass, rotation, conds, changes.Notes, changes.Order,
			toMillis(s.now()), id,
		)
		p, err := scanParticipant(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return combat.ErrParticipantNotFound
			}
			return fmt.Errorf("updating participant %s: %w", id, constraintError(err))
		}
		p.CombatVersion, err = s.bumpVersion(ctx, tx, p.CombatID)
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
func (s *Store) DeleteParticipant(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var combatID string
		err := tx.QueryRowContext(ctx, `DELETE FROM combat_participants WHERE id = ? RETURNING combat_id`, id).Scan(&combatID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return combat.ErrParticipantNotFound
			}
			return fmt.Errorf("deleting participant %s: %w", id, err)
		}
		version, err = s.bumpVersion(ctx, tx, combatID)
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
func (s *Store) ListParticipants(ctx context.Context, combatID string) ([]*combat.Participant, error) {
	c, err := s.GetCombat(ctx, combatID)
	if err != nil {
		return nil, err
	}
	return c.Participants, nil
}

// GetParticipant returns one participant with the owning combat's current version.
//
// Postcondition: Returns combat.ErrParticipantNotFound if no row matches.
func (s *Store) GetParticipant(ctx context.Context, id string) (*combat.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.combat_id, p.character_id, p.name, p.is_npc, p.initiative, p.current_hp, p.max_hp,
		       p.armor_class, p.rotation, p.conditions, p.notes, p.sort_order, p.created_at, p.updated_at,
		       c.version
		FROM combat_participants p JOIN combats c ON c.id = p.combat_id
		WHERE p.id = ?`, id)
	var version int64
	p, err := scanParticipant(row, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
func (s *Store) SaveCombat(ctx context.Context, c *combat.Combat) (*combat.Combat, error) {
	now := toMillis(s.now())
	var out *combat.Combat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE combats SET
				name = ?, description = ?, state = ?, current_round = ?, current_turn = ?,
				version = version + 1, updated_at = ?
			WHERE id = ?
			RETURNING `+combatColumns,
			c.Name, c.Description, c.State.String(), c.CurrentRound, c.CurrentTurn, now, c.ID,
		)
		saved, err := scanCombat(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return combat.ErrCombatNotFound
			}
			return fmt.Errorf("saving combat %s: %w", c.ID, err)
		}

		for _, p := range c.Participants {
			conds, err := storage.EncodeConditions(p.Conditions)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE combat_participants SET
					name = ?, initiative = ?, current_hp = ?, max_hp = ?, armor_class = ?,
					rotation = ?, conditions = ?, notes = ?, sort_order = ?, updated_at = ?
				WHERE id = ? AND combat_id = ?`,
				p.Name, p.Initiative, p.CurrentHP, p.MaxHP, p.ArmorClass,
				p.Rotation.String(), conds, p.Notes, p.Order, now, p.ID, c.ID,
			)
			if err != nil {
				return fmt.Errorf("saving participant %s: %w", p.ID, constraintError(err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("saving participant %s: %w", p.ID, err)
			}
			if n == 0 {
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

func (s *Store) bumpVersion(ctx context.Context, q querier, combatID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `
		UPDATE combats SET version = version + 1, updated_at = ?
		WHERE id = ? RETURNING version`, toMillis(s.now()), combatID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, combat.ErrCombatNotFound
		}
		return 0, fmt.Errorf("bumping combat %s version: %w", combatID, err)
	}
	return version, nil
}

func getCombat(ctx context.Context, q querier, id string) (*combat.Combat, error) {
	c, err := scanCombat(q.QueryRowContext(ctx, `SELECT `+combatColumns+` FROM combats WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, combat.ErrCombatNotFound
		}
		return nil, fmt.Errorf("getting combat %s: %w", id, err)
	}
	return c, nil
}

func listParticipants(ctx context.Context, q querier, combatID string, version int64) ([]*combat.Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM combat_participants WHERE combat_id = ?
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

type scanner interface {
	Scan(dest ...any) error
}

func scanCombat(row scanner) (*combat.Combat, error) {
	var (
		c                combat.Combat
		state            string
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &state, &c.CurrentRound, &c.CurrentTurn,
		&c.Version, &created, &updated); err != nil {
		return nil, err
	}
	s, err := combat.ParseCombatState(state)
	if err != nil {
		return nil, err
	}
	c.State = s
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// scanParticipant reads participantColumns followed by any extra destinations.
func scanParticipant(row scanner, extra ...any) (*combat.Participant, error) {
	var (
		p                combat.Participant
		ac               sql.NullInt64
		rotation, conds  string
		created, updated int64
	)
	dest := []any{&p.ID, &p.CombatID, &p.CharacterID, &p.Name, &p.IsNPC, &p.Initiative,
		&p.CurrentHP, &p.MaxHP, &ac, &rotation, &conds, &p.Notes, &p.Order, &created, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if ac.Valid {
		v := int(ac.Int64)
		p.ArmorClass = &v
	}
	rot, err := combat.ParseRotationState(rotation)
	if err != nil {
		return nil, err
	}
	p.Rotation = rot
	if p.Conditions, err = storage.DecodeConditions(conds); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// constraintError marks CHECK violations as invalid participant state.
func constraintError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_CHECK {
		return fmt.Errorf("%w: %v", combat.ErrInvalidParticipant, err)
	}
	return err
}
