package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recipientColumns = `id, zone_id, partition, name, birth_date,
	heartbeats_enabled, heartbeats_start, heartbeats_last, created_at,
	profile_mod, heartbeats_mod, heartbeat_mark_mod,
	version, remote_seq, dirty`

func scanRecipient(row scanner) (Recipient, error) {
	var r Recipient
	var birth, start, last *int64
	var enabled, dirty int
	var createdAt int64
	err := row.Scan(&r.ID, &r.ZoneID, &r.Partition, &r.Name, &birth,
		&enabled, &start, &last, &createdAt,
		&r.Clocks.Profile, &r.Clocks.Heartbeats, &r.Clocks.HeartbeatMark,
		&r.Version, &r.RemoteSeq, &dirty)
	if err != nil {
		return Recipient{}, err
	}
	r.BirthDate = fromNullMillis(birth)
	r.HeartbeatsEnabled = enabled == 1
	r.HeartbeatsStartDate = fromNullMillis(start)
	r.HeartbeatsLastReleaseDate = fromNullMillis(last)
	r.CreatedAt = fromMillis(createdAt)
	r.Dirty = dirty == 1
	return r, nil
}

// Recipient returns a recipient by id, or ErrNotFound.
func (tx *Tx) Recipient(id string) (Recipient, error) {
	r, err := scanRecipient(tx.tx.QueryRow(`SELECT `+recipientColumns+` FROM recipients WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Recipient{}, ErrNotFound
	}
	if err != nil {
		return Recipient{}, fmt.Errorf("get recipient: %w", err)
	}
	return r, nil
}

// Recipients returns the recipients in scope accepted by pred, oldest first.
func (tx *Tx) Recipients(scope Scope, pred func(Recipient) bool) ([]Recipient, error) {
	rows, err := tx.tx.Query(`SELECT ` + recipientColumns + ` FROM recipients ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if !scope.includes(r.Partition) {
			continue
		}
		if pred == nil || pred(r) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

// PutRecipient writes a local change, advancing the clocks of changed groups.
func (tx *Tx) PutRecipient(r *Recipient) error {
	zone, err := tx.writableZone(r.ZoneID)
	if err != nil {
		return err
	}
	now := tx.now.UnixMilli()

	cur, err := tx.Recipient(r.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if r.CreatedAt.IsZero() {
			r.CreatedAt = tx.now
		}
		r.Clocks = RecipientClocks{Profile: now, Heartbeats: now, HeartbeatMark: now}
		r.Version = 1
		r.RemoteSeq = 0
	case err != nil:
		return err
	default:
		if cur.ZoneID != r.ZoneID {
			return fmt.Errorf("recipient %s: cannot move from zone %s to %s", r.ID, cur.ZoneID, r.ZoneID)
		}
		r.CreatedAt = cur.CreatedAt
		r.Clocks = cur.Clocks
		r.RemoteSeq = cur.RemoteSeq
		if r.Name != cur.Name || !timePtrEqual(r.BirthDate, cur.BirthDate) {
			r.Clocks.Profile = now
		}
		if r.HeartbeatsEnabled != cur.HeartbeatsEnabled || !timePtrEqual(r.HeartbeatsStartDate, cur.HeartbeatsStartDate) {
			r.Clocks.Heartbeats = now
		}
		if !timePtrEqual(r.HeartbeatsLastReleaseDate, cur.HeartbeatsLastReleaseDate) {
			r.Clocks.HeartbeatMark = now
		}
		if sameRecipient(*r, cur) {
			*r = cur
			return nil
		}
		r.Version = cur.Version + 1
	}

	r.Partition = zone.Partition
	r.Dirty = true
	return tx.writeRecipient(r)
}

// ApplyRemoteRecipient merges a copy pulled from the remote service.
func (tx *Tx) ApplyRemoteRecipient(remote Recipient, seq int64) (bool, error) {
	zone, err := tx.Zone(remote.ZoneID)
	if err != nil {
		return false, fmt.Errorf("zone %s: %w", remote.ZoneID, err)
	}

	cur, err := tx.Recipient(remote.ID)
	if errors.Is(err, ErrNotFound) {
		remote.Partition = zone.Partition
		remote.Version = 1
		remote.RemoteSeq = seq
		remote.Dirty = false
		return true, tx.writeRecipient(&remote)
	}
	if err != nil {
		return false, err
	}

	merged := MergeRecipient(cur, remote)
	merged.RemoteSeq = max(cur.RemoteSeq, seq)
	merged.Dirty = !sameRecipient(merged, remote)
	changed := !sameRecipient(merged, cur)
	if changed {
		merged.Version = cur.Version + 1
	}
	return changed, tx.writeRecipient(&merged)
}

// DirtyRecipients lists recipients in a zone with unpushed local changes.
func (tx *Tx) DirtyRecipients(zoneID string) ([]Recipient, error) {
	rows, err := tx.tx.Query(`SELECT `+recipientColumns+` FROM recipients WHERE zone_id = ? AND dirty = 1 ORDER BY created_at, id`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("dirty recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRecipientPushed is MarkItemPushed for recipients.
func (tx *Tx) MarkRecipientPushed(id string, version, seq int64) error {
	_, err := tx.tx.Exec(`
		UPDATE recipients SET remote_seq = ?, dirty = CASE WHEN version = ? THEN 0 ELSE dirty END
		WHERE id = ?
	`, seq, version, id)
	if err != nil {
		return fmt.Errorf("mark recipient pushed: %w", err)
	}
	return nil
}

func (tx *Tx) writeRecipient(r *Recipient) error {
	_, err := tx.tx.Exec(`
		INSERT INTO recipients (`+recipientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partition = excluded.partition,
			name = excluded.name,
			birth_date = excluded.birth_date,
			heartbeats_enabled = excluded.heartbeats_enabled,
			heartbeats_start = excluded.heartbeats_start,
			heartbeats_last = excluded.heartbeats_last,
			profile_mod = excluded.profile_mod,
			heartbeats_mod = excluded.heartbeats_mod,
			heartbeat_mark_mod = excluded.heartbeat_mark_mod,
			version = excluded.version,
			remote_seq = excluded.remote_seq,
			dirty = excluded.dirty
	`, r.ID, r.ZoneID, r.Partition, r.Name, msOrNil(r.BirthDate),
		boolInt(r.HeartbeatsEnabled), msOrNil(r.HeartbeatsStartDate), msOrNil(r.HeartbeatsLastReleaseDate), r.CreatedAt.UnixMilli(),
		r.Clocks.Profile, r.Clocks.Heartbeats, r.Clocks.HeartbeatMark,
		r.Version, r.RemoteSeq, boolInt(r.Dirty))
	if err != nil {
		return fmt.Errorf("write recipient %s: %w", r.ID, err)
	}
	return nil
}

// NewRecipient returns an unsaved recipient with a fresh id.
func NewRecipient(zoneID, name string, birthDate *time.Time) *Recipient {
	return &Recipient{
		ID:        uuid.NewString(),
		ZoneID:    zoneID,
		Name:      name,
		BirthDate: birthDate,
	}
}

// Recipients queries recipients outside a transaction.
func (db *DB) Recipients(ctx context.Context, scope Scope, pred func(Recipient) bool) ([]Recipient, error) {
	var out []Recipient
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Recipients(scope, pred)
		return err
	})
	return out, err
}

// Recipient reads one recipient outside a transaction.
func (db *DB) Recipient(ctx context.Context, id string) (Recipient, error) {
	var r Recipient
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		r, err = tx.Recipient(id)
		return err
	})
	return r, err
}
