package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GuardianState reads the local dead-man's-switch state. A missing row is
// returned as the zero state.
func (tx *Tx) GuardianState() (GuardianState, error) {
	var last, grace, weekly *int64
	err := tx.tx.QueryRow(`SELECT last_active, grace_started, last_weekly_release FROM guardian_state WHERE id = 1`).
		Scan(&last, &grace, &weekly)
	if err == sql.ErrNoRows {
		return GuardianState{}, nil
	}
	if err != nil {
		return GuardianState{}, fmt.Errorf("get guardian state: %w", err)
	}
	return GuardianState{
		LastActive:        fromNullMillis(last),
		GraceStartedAt:    fromNullMillis(grace),
		LastWeeklyRelease: fromNullMillis(weekly),
	}, nil
}

// PutGuardianState replaces the local dead-man's-switch state.
func (tx *Tx) PutGuardianState(s GuardianState) error {
	_, err := tx.tx.Exec(`
		INSERT INTO guardian_state (id, last_active, grace_started, last_weekly_release)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_active = excluded.last_active,
			grace_started = excluded.grace_started,
			last_weekly_release = excluded.last_weekly_release
	`, msOrNil(s.LastActive), msOrNil(s.GraceStartedAt), msOrNil(s.LastWeeklyRelease))
	if err != nil {
		return fmt.Errorf("put guardian state: %w", err)
	}
	return nil
}

// GuardianState reads the local dead-man's-switch state outside a transaction.
func (db *DB) GuardianState(ctx context.Context) (GuardianState, error) {
	var s GuardianState
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		s, err = tx.GuardianState()
		return err
	})
	return s, err
}
