package cloud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lazypower/heirloom/internal/store"
)

// changesPageSize bounds one Changes response; callers page with the cursor.
const changesPageSize = 500

// Session is the service as seen by one identity.
type Session struct {
	db       *DB
	identity string
}

// As returns a Session acting for identity.
func (db *DB) As(identity string) *Session {
	return &Session{db: db, identity: identity}
}

// Identity is who the session acts for.
func (s *Session) Identity() string {
	return s.identity
}

// access returns the best permission identity holds over owner's zone.
func access(tx *sql.Tx, identity, owner, zone string) (store.Permission, error) {
	if identity == "" {
		return store.PermissionNone, ErrForbidden
	}
	if identity == owner {
		return store.PermissionReadWrite, nil
	}
	rows, err := tx.Query(`
		SELECT c.permission FROM capabilities c
		JOIN participants p ON p.capability_id = c.id
		WHERE c.owner_id = ? AND c.zone = ? AND c.revoked_at IS NULL AND p.identity = ?
	`, owner, zone, identity)
	if err != nil {
		return store.PermissionNone, fmt.Errorf("check access: %w", err)
	}
	defer rows.Close()

	best := store.PermissionNone
	for rows.Next() {
		var p store.Permission
		if err := rows.Scan(&p); err != nil {
			return store.PermissionNone, err
		}
		if p == store.PermissionReadWrite || best == store.PermissionNone {
			best = p
		}
	}
	if err := rows.Err(); err != nil {
		return store.PermissionNone, err
	}
	if best == store.PermissionNone {
		return best, ErrForbidden
	}
	return best, nil
}

// Push writes records into owner's zone. A record whose server sequence moved
// past its BaseSeq is not written; its result carries the current copy.
func (s *Session) Push(ctx context.Context, owner, zone string, recs []PushRecord) ([]PushResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	perm, err := access(tx, s.identity, owner, zone)
	if err != nil {
		return nil, err
	}
	if perm != store.PermissionReadWrite {
		return nil, fmt.Errorf("zone %s/%s is read-only: %w", owner, zone, ErrForbidden)
	}

	now := millis(s.db.now())
	results := make([]PushResult, 0, len(recs))
	for _, rec := range recs {
		if rec.Kind != KindItem && rec.Kind != KindRecipient {
			return nil, fmt.Errorf("unknown record kind %q", rec.Kind)
		}
		cur, curOwner, curZone, err := currentRecord(tx, rec.Kind, rec.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			if curOwner != owner || curZone != zone {
				return nil, fmt.Errorf("%s %s belongs to another zone: %w", rec.Kind, rec.ID, ErrForbidden)
			}
			if cur.Seq != rec.BaseSeq {
				results = append(results, PushResult{Kind: rec.Kind, ID: rec.ID, Seq: cur.Seq, Conflict: true, Current: &cur})
				continue
			}
		}

		var seq int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM records`).Scan(&seq); err != nil {
			return nil, fmt.Errorf("next seq: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO records (owner_id, zone, kind, id, seq, data, updated_by, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, id) DO UPDATE SET
				seq = excluded.seq,
				data = excluded.data,
				updated_by = excluded.updated_by,
				updated_at = excluded.updated_at
		`, owner, zone, rec.Kind, rec.ID, seq, string(rec.Data), s.identity, now)
		if err != nil {
			return nil, fmt.Errorf("write %s %s: %w", rec.Kind, rec.ID, err)
		}
		results = append(results, PushResult{Kind: rec.Kind, ID: rec.ID, Seq: seq})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

func currentRecord(tx *sql.Tx, kind Kind, id string) (Record, string, string, error) {
	var rec Record
	var owner, zone, data string
	err := tx.QueryRow(`SELECT kind, id, seq, data, owner_id, zone FROM records WHERE kind = ? AND id = ?`, kind, id).
		Scan(&rec.Kind, &rec.ID, &rec.Seq, &data, &owner, &zone)
	if err != nil {
		return Record{}, "", "", err
	}
	rec.Data = []byte(data)
	return rec, owner, zone, nil
}

// Changes returns records of owner's zone written after since, oldest first.
func (s *Session) Changes(ctx context.Context, owner, zone string, since int64) (Changes, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Changes{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := access(tx, s.identity, owner, zone); err != nil {
		return Changes{}, err
	}

	rows, err := tx.Query(`
		SELECT kind, id, seq, data FROM records
		WHERE owner_id = ? AND zone = ? AND seq > ?
		ORDER BY seq LIMIT ?
	`, owner, zone, since, changesPageSize)
	if err != nil {
		return Changes{}, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	out := Changes{Records: []Record{}, Cursor: since}
	for rows.Next() {
		var rec Record
		var data string
		if err := rows.Scan(&rec.Kind, &rec.ID, &rec.Seq, &data); err != nil {
			return Changes{}, fmt.Errorf("scan change: %w", err)
		}
		rec.Data = []byte(data)
		out.Records = append(out.Records, rec)
		out.Cursor = rec.Seq
	}
	return out, rows.Err()
}
