package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

const itemColumns = `id, zone_id, partition, content_ref, recipients,
	policy_kind, policy_date, policy_years, policy_recipient,
	released, released_at, watched, watched_at, created_at,
	content_mod, recipients_mod, policy_mod, release_mod, watch_mod,
	version, remote_seq, dirty`

func scanItem(row scanner) (Item, error) {
	var it Item
	var recipients string
	var policyDate, releasedAt, watchedAt *int64
	var released, watched, dirty int
	var createdAt int64
	err := row.Scan(&it.ID, &it.ZoneID, &it.Partition, &it.ContentRef, &recipients,
		&it.Policy.Kind, &policyDate, &it.Policy.Years, &it.Policy.RecipientID,
		&released, &releasedAt, &watched, &watchedAt, &createdAt,
		&it.Clocks.Content, &it.Clocks.Recipients, &it.Clocks.Policy, &it.Clocks.Release, &it.Clocks.Watch,
		&it.Version, &it.RemoteSeq, &dirty)
	if err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(recipients), &it.Recipients); err != nil {
		return Item{}, fmt.Errorf("decode recipients of %s: %w", it.ID, err)
	}
	it.Policy.Date = fromNullMillis(policyDate)
	it.Released = released == 1
	it.ReleasedAt = fromNullMillis(releasedAt)
	it.Watched = watched == 1
	it.WatchedAt = fromNullMillis(watchedAt)
	it.CreatedAt = fromMillis(createdAt)
	it.Dirty = dirty == 1
	return it, nil
}

// Item returns an item by id, or ErrNotFound.
func (tx *Tx) Item(id string) (Item, error) {
	it, err := scanItem(tx.tx.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// Items returns the items in scope accepted by pred (nil accepts all),
// oldest first.
func (tx *Tx) Items(scope Scope, pred func(Item) bool) ([]Item, error) {
	rows, err := tx.tx.Query(`SELECT ` + itemColumns + ` FROM items ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if !scope.includes(it.Partition) {
			continue
		}
		if pred == nil || pred(it) {
			items = append(items, it)
		}
	}
	return items, rows.Err()
}

// PutItem writes a local change. Field-group clocks are advanced for every
// group that differs from the stored copy, and the record is marked for push.
// Released and watched are never cleared once stored.
func (tx *Tx) PutItem(it *Item) error {
	if err := it.Policy.Validate(); err != nil {
		return err
	}
	zone, err := tx.writableZone(it.ZoneID)
	if err != nil {
		return err
	}
	if it.Recipients == nil {
		it.Recipients = []string{}
	}
	now := tx.now.UnixMilli()

	cur, err := tx.Item(it.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if it.CreatedAt.IsZero() {
			it.CreatedAt = tx.now
		}
		if err := checkHeartbeatRecipient(it); err != nil {
			return err
		}
		it.Clocks = ItemClocks{Content: now, Recipients: now, Policy: now, Release: now, Watch: now}
		it.Version = 1
		it.RemoteSeq = 0
	case err != nil:
		return err
	default:
		if cur.ZoneID != it.ZoneID {
			return fmt.Errorf("item %s: cannot move from zone %s to %s", it.ID, cur.ZoneID, it.ZoneID)
		}
		if cur.Released && !it.Released {
			it.Released, it.ReleasedAt = true, cur.ReleasedAt
		}
		if cur.Watched && !it.Watched {
			it.Watched, it.WatchedAt = true, cur.WatchedAt
		}
		it.CreatedAt = cur.CreatedAt
		it.Clocks = cur.Clocks
		it.RemoteSeq = cur.RemoteSeq
		if it.ContentRef != cur.ContentRef {
			it.Clocks.Content = now
		}
		if !slices.Equal(it.Recipients, cur.Recipients) {
			it.Clocks.Recipients = now
		}
		if !it.Policy.Equal(cur.Policy) {
			it.Clocks.Policy = now
		}
		if it.Clocks.Recipients != cur.Clocks.Recipients || it.Clocks.Policy != cur.Clocks.Policy {
			if err := checkHeartbeatRecipient(it); err != nil {
				return err
			}
		}
		if it.Released != cur.Released || !timePtrEqual(it.ReleasedAt, cur.ReleasedAt) {
			it.Clocks.Release = now
		}
		if it.Watched != cur.Watched || !timePtrEqual(it.WatchedAt, cur.WatchedAt) {
			it.Clocks.Watch = now
		}
		if sameItem(*it, cur) {
			*it = cur
			return nil
		}
		it.Version = cur.Version + 1
	}

	it.Partition = zone.Partition
	it.Dirty = true
	return tx.writeItem(it)
}

// checkHeartbeatRecipient rejects a heartbeat queue for someone the item is
// not addressed to; the heartbeat scheduler would never release it. Remote
// merges are not checked.
func checkHeartbeatRecipient(it *Item) error {
	if it.Policy.Kind == PolicyHeartbeatQueue && !it.Targets(it.Policy.RecipientID) {
		return fmt.Errorf("%w: heartbeat recipient %s is not a recipient of item %s", ErrInvalidPolicy, it.Policy.RecipientID, it.ID)
	}
	return nil
}

// ApplyRemoteItem merges a copy pulled from the remote service. It reports
// whether the local record changed. The record stays marked for push when
// the merge kept local values the remote copy lacks.
func (tx *Tx) ApplyRemoteItem(remote Item, seq int64) (bool, error) {
	zone, err := tx.Zone(remote.ZoneID)
	if err != nil {
		return false, fmt.Errorf("zone %s: %w", remote.ZoneID, err)
	}
	if remote.Recipients == nil {
		remote.Recipients = []string{}
	}

	cur, err := tx.Item(remote.ID)
	if errors.Is(err, ErrNotFound) {
		remote.Partition = zone.Partition
		remote.Version = 1
		remote.RemoteSeq = seq
		remote.Dirty = false
		return true, tx.writeItem(&remote)
	}
	if err != nil {
		return false, err
	}

	merged := MergeItem(cur, remote)
	merged.RemoteSeq = max(cur.RemoteSeq, seq)
	merged.Dirty = !sameItem(merged, remote)
	changed := !sameItem(merged, cur)
	if changed {
		merged.Version = cur.Version + 1
	}
	return changed, tx.writeItem(&merged)
}

// DirtyItems lists items in a zone with local changes not yet pushed.
func (tx *Tx) DirtyItems(zoneID string) ([]Item, error) {
	rows, err := tx.tx.Query(`SELECT `+itemColumns+` FROM items WHERE zone_id = ? AND dirty = 1 ORDER BY created_at, id`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("dirty items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkItemPushed records the server sequence of a pushed item. The dirty flag
// is cleared only if nothing changed locally since the pushed version.
func (tx *Tx) MarkItemPushed(id string, version, seq int64) error {
	_, err := tx.tx.Exec(`
		UPDATE items SET remote_seq = ?, dirty = CASE WHEN version = ? THEN 0 ELSE dirty END
		WHERE id = ?
	`, seq, version, id)
	if err != nil {
		return fmt.Errorf("mark item pushed: %w", err)
	}
	return nil
}

func (tx *Tx) writeItem(it *Item) error {
	recipients, err := json.Marshal(it.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	_, err = tx.tx.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partition = excluded.partition,
			content_ref = excluded.content_ref,
			recipients = excluded.recipients,
			policy_kind = excluded.policy_kind,
			policy_date = excluded.policy_date,
			policy_years = excluded.policy_years,
			policy_recipient = excluded.policy_recipient,
			released = excluded.released,
			released_at = excluded.released_at,
			watched = excluded.watched,
			watched_at = excluded.watched_at,
			content_mod = excluded.content_mod,
			recipients_mod = excluded.recipients_mod,
			policy_mod = excluded.policy_mod,
			release_mod = excluded.release_mod,
			watch_mod = excluded.watch_mod,
			version = excluded.version,
			remote_seq = excluded.remote_seq,
			dirty = excluded.dirty
	`, it.ID, it.ZoneID, it.Partition, it.ContentRef, string(recipients),
		it.Policy.Kind, msOrNil(it.Policy.Date), it.Policy.Years, it.Policy.RecipientID,
		boolInt(it.Released), msOrNil(it.ReleasedAt), boolInt(it.Watched), msOrNil(it.WatchedAt), it.CreatedAt.UnixMilli(),
		it.Clocks.Content, it.Clocks.Recipients, it.Clocks.Policy, it.Clocks.Release, it.Clocks.Watch,
		it.Version, it.RemoteSeq, boolInt(it.Dirty))
	if err != nil {
		return fmt.Errorf("write item %s: %w", it.ID, err)
	}
	return nil
}

// NewItem returns an unsaved item with a fresh id.
func NewItem(zoneID, contentRef string, recipients []string, policy ReleasePolicy) *Item {
	return &Item{
		ID:         uuid.NewString(),
		ZoneID:     zoneID,
		ContentRef: contentRef,
		Recipients: slices.Clone(recipients),
		Policy:     policy,
	}
}

// Items queries items outside a transaction.
func (db *DB) Items(ctx context.Context, scope Scope, pred func(Item) bool) ([]Item, error) {
	var items []Item
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		items, err = tx.Items(scope, pred)
		return err
	})
	return items, err
}

// Item reads one item outside a transaction.
func (db *DB) Item(ctx context.Context, id string) (Item, error) {
	var it Item
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		it, err = tx.Item(id)
		return err
	})
	return it, err
}
