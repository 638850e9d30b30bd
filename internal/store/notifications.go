package store

import (
	"context"
	"fmt"
	"strings"
)

// ScheduleNotification stores a notification. Scheduling an existing id
// replaces it and revives it if it was cancelled.
func (db *DB) ScheduleNotification(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = db.clock.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO notifications (id, title, body, fire_at, created_at, cancelled)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			fire_at = excluded.fire_at,
			cancelled = 0
	`, n.ID, n.Title, n.Body, n.FireAt.UnixMilli(), n.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("schedule notification %s: %w", n.ID, err)
	}
	return nil
}

// CancelNotifications marks the given notifications cancelled.
func (db *DB) CancelNotifications(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	_, err := db.ExecContext(ctx, `UPDATE notifications SET cancelled = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("cancel notifications: %w", err)
	}
	return nil
}

// Notifications lists notifications, soonest first. Cancelled ones are
// included only when all is true.
func (db *DB) Notifications(ctx context.Context, all bool) ([]Notification, error) {
	query := `SELECT id, title, body, fire_at, created_at, cancelled FROM notifications`
	if !all {
		query += ` WHERE cancelled = 0`
	}
	query += ` ORDER BY fire_at, id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var fireAt, createdAt int64
		var cancelled int
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &fireAt, &createdAt, &cancelled); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.FireAt = fromMillis(fireAt)
		n.CreatedAt = fromMillis(createdAt)
		n.Cancelled = cancelled == 1
		out = append(out, n)
	}
	return out, rows.Err()
}
