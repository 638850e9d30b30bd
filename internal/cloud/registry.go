package cloud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/heirloom/internal/registry"
)

// The DB doubles as the default registry backend.
var _ registry.Registry = (*DB)(nil)

func (db *DB) ClaimCode(ctx context.Context, code, target string) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO codes (code, target, created_at) VALUES (?, ?, ?)
		ON CONFLICT(code) DO NOTHING
	`, code, target, millis(db.now()))
	if err != nil {
		return fmt.Errorf("claim code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrCodeTaken
	}
	return nil
}

func (db *DB) LookupCode(ctx context.Context, code string) (string, error) {
	var target string
	err := db.QueryRowContext(ctx, `SELECT target FROM codes WHERE code = ?`, code).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", registry.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup code: %w", err)
	}
	return target, nil
}

const guardianColumns = `code, owner_id, zone, enabled, inactivity_months, grace_weeks,
	last_active, grace_started, weekly_release_enabled, weekly_last_release, created_at`

func scanGuardian(row interface{ Scan(...any) error }) (registry.GuardianRecord, error) {
	var r registry.GuardianRecord
	var enabled, weekly int
	var lastActive, createdAt int64
	var grace, weeklyLast *int64
	err := row.Scan(&r.Code, &r.OwnerID, &r.Zone, &enabled, &r.InactivityThresholdMonths, &r.GracePeriodWeeks,
		&lastActive, &grace, &weekly, &weeklyLast, &createdAt)
	if err != nil {
		return registry.GuardianRecord{}, err
	}
	r.Enabled = enabled == 1
	r.WeeklyReleaseEnabled = weekly == 1
	r.LastActive = fromMillis(lastActive)
	r.GraceStartedAt = fromNullMillis(grace)
	r.WeeklyLastRelease = fromNullMillis(weeklyLast)
	r.CreatedAt = fromMillis(createdAt)
	return r, nil
}

func (db *DB) CreateGuardian(ctx context.Context, rec registry.GuardianRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = db.now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO guardians (`+guardianColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO NOTHING
	`, rec.Code, rec.OwnerID, rec.Zone, boolInt(rec.Enabled), max(rec.InactivityThresholdMonths, 1), max(rec.GracePeriodWeeks, 1),
		millis(rec.LastActive), nullMillis(rec.GraceStartedAt), boolInt(rec.WeeklyReleaseEnabled), nullMillis(rec.WeeklyLastRelease),
		millis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("create guardian: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrCodeTaken
	}
	return nil
}

func (db *DB) Guardian(ctx context.Context, code string) (registry.GuardianRecord, error) {
	r, err := scanGuardian(db.QueryRowContext(ctx, `SELECT `+guardianColumns+` FROM guardians WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.GuardianRecord{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.GuardianRecord{}, fmt.Errorf("get guardian: %w", err)
	}
	return r, nil
}

func (db *DB) TouchGuardian(ctx context.Context, code string, at time.Time) error {
	return db.updateGuardian(ctx, code, func(r *registry.GuardianRecord) error {
		r.Touch(at)
		return nil
	})
}

func (db *DB) StartGrace(ctx context.Context, code string, at time.Time) error {
	return db.updateGuardian(ctx, code, func(r *registry.GuardianRecord) error {
		r.BeginGrace(at)
		return nil
	})
}

func (db *DB) EnableWeeklyRelease(ctx context.Context, code string) error {
	return db.updateGuardian(ctx, code, func(r *registry.GuardianRecord) error {
		r.WeeklyReleaseEnabled = true
		return nil
	})
}

func (db *DB) ConfigureGuardian(ctx context.Context, code string, s registry.GuardianSettings) error {
	return db.updateGuardian(ctx, code, func(r *registry.GuardianRecord) error {
		r.Configure(s)
		return nil
	})
}

func (db *DB) StampWeeklyRelease(ctx context.Context, code string, prev *time.Time, at time.Time) error {
	return db.updateGuardian(ctx, code, func(r *registry.GuardianRecord) error {
		return r.Stamp(prev, at)
	})
}

func (db *DB) updateGuardian(ctx context.Context, code string, fn func(*registry.GuardianRecord) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	r, err := scanGuardian(tx.QueryRow(`SELECT `+guardianColumns+` FROM guardians WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get guardian: %w", err)
	}
	if err := fn(&r); err != nil {
		return err
	}
	_, err = tx.Exec(`
		UPDATE guardians SET enabled = ?, inactivity_months = ?, grace_weeks = ?,
			last_active = ?, grace_started = ?, weekly_release_enabled = ?, weekly_last_release = ?
		WHERE code = ?
	`, boolInt(r.Enabled), max(r.InactivityThresholdMonths, 1), max(r.GracePeriodWeeks, 1),
		millis(r.LastActive), nullMillis(r.GraceStartedAt), boolInt(r.WeeklyReleaseEnabled), nullMillis(r.WeeklyLastRelease), code)
	if err != nil {
		return fmt.Errorf("update guardian: %w", err)
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
