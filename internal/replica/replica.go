// Package replica keeps the local store's zones convergent with the remote
// service: pull remote changes, merge them, push local changes.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/store"
)

// ErrUnreachable is returned, wrapped, when the remote service cannot be
// reached. Refresh treats it as non-fatal.
var ErrUnreachable = cloud.ErrUnreachable

// Remote is the replication surface of the remote service.
type Remote interface {
	Push(ctx context.Context, owner, zone string, recs []cloud.PushRecord) ([]cloud.PushResult, error)
	Changes(ctx context.Context, owner, zone string, since int64) (cloud.Changes, error)
}

// Stats summarizes one zone refresh.
type Stats struct {
	Pulled    int
	Pushed    int
	Conflicts int
}

func (s *Stats) add(o Stats) {
	s.Pulled += o.Pulled
	s.Pushed += o.Pushed
	s.Conflicts += o.Conflicts
}

// Replicator refreshes the local store against one remote service.
type Replicator struct {
	db      *store.DB
	remote  Remote
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a Replicator.
func New(db *store.DB, remote Remote, m *metrics.Metrics, log zerolog.Logger) *Replicator {
	return &Replicator{
		db:      db,
		remote:  remote,
		metrics: m,
		log:     log.With().Str("component", "replica").Logger(),
	}
}

// Refresh pulls and pushes every zone. An unreachable service is logged and
// counted but not returned, so callers keep working on the local snapshot.
// Zones the caller lost access to are skipped.
func (r *Replicator) Refresh(ctx context.Context) (Stats, error) {
	var total Stats
	zones, err := r.db.Zones(ctx, store.ScopeBoth)
	if err != nil {
		return total, err
	}

	var errs []error
	for _, z := range zones {
		st, err := r.RefreshZone(ctx, z.ID)
		total.add(st)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnreachable):
			r.metrics.RefreshFailed()
			r.log.Warn().Err(err).Msg("remote unreachable, using local snapshot")
			return total, nil
		case errors.Is(err, cloud.ErrForbidden):
			r.log.Warn().Str("zone", z.ID).Msg("access to shared zone withdrawn")
		default:
			errs = append(errs, fmt.Errorf("zone %s: %w", z.ID, err))
		}
	}
	return total, errors.Join(errs...)
}

// RefreshZone pulls every change after the zone's cursor, then pushes local
// changes when the zone is writable. Push conflicts are merged and stay
// marked for the next refresh.
func (r *Replicator) RefreshZone(ctx context.Context, zoneID string) (Stats, error) {
	var st Stats
	pulled, err := r.pull(ctx, zoneID)
	st.Pulled = pulled
	if err != nil {
		return st, err
	}
	pushed, conflicts, err := r.push(ctx, zoneID)
	st.Pushed, st.Conflicts = pushed, conflicts
	return st, err
}

func (r *Replicator) zone(ctx context.Context, zoneID string) (store.Zone, error) {
	var z store.Zone
	err := r.db.View(ctx, func(tx *store.Tx) error {
		var err error
		z, err = tx.Zone(zoneID)
		return err
	})
	return z, err
}

func (r *Replicator) pull(ctx context.Context, zoneID string) (int, error) {
	z, err := r.zone(ctx, zoneID)
	if err != nil {
		return 0, err
	}

	pulled := 0
	cursor := z.Cursor
	for {
		ch, err := r.remote.Changes(ctx, z.OwnerID, z.Name, cursor)
		if err != nil {
			return pulled, err
		}
		if len(ch.Records) == 0 || ch.Cursor <= cursor {
			return pulled, nil
		}
		err = r.db.Update(ctx, func(tx *store.Tx) error {
			for _, rec := range ch.Records {
				changed, err := apply(tx, z, rec)
				if err != nil {
					return err
				}
				if changed {
					pulled++
				}
			}
			return tx.SetCursor(z.ID, ch.Cursor)
		})
		if err != nil {
			return pulled, err
		}
		cursor = ch.Cursor
	}
}

// apply merges one remote record into the local zone z.
func apply(tx *store.Tx, z store.Zone, rec cloud.Record) (bool, error) {
	switch rec.Kind {
	case cloud.KindItem:
		var it store.Item
		if err := json.Unmarshal(rec.Data, &it); err != nil {
			return false, fmt.Errorf("decode item %s: %w", rec.ID, err)
		}
		it.ID, it.ZoneID = rec.ID, z.ID
		return tx.ApplyRemoteItem(it, rec.Seq)
	case cloud.KindRecipient:
		var rcp store.Recipient
		if err := json.Unmarshal(rec.Data, &rcp); err != nil {
			return false, fmt.Errorf("decode recipient %s: %w", rec.ID, err)
		}
		rcp.ID, rcp.ZoneID = rec.ID, z.ID
		return tx.ApplyRemoteRecipient(rcp, rec.Seq)
	default:
		return false, fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

type pending struct {
	kind    cloud.Kind
	id      string
	version int64
}

func (r *Replicator) push(ctx context.Context, zoneID string) (int, int, error) {
	var z store.Zone
	var recs []cloud.PushRecord
	var sent []pending
	err := r.db.View(ctx, func(tx *store.Tx) error {
		var err error
		if z, err = tx.Zone(zoneID); err != nil {
			return err
		}
		if !z.Writable() {
			return nil
		}
		recipients, err := tx.DirtyRecipients(zoneID)
		if err != nil {
			return err
		}
		for _, rcp := range recipients {
			data, err := json.Marshal(rcp)
			if err != nil {
				return fmt.Errorf("encode recipient %s: %w", rcp.ID, err)
			}
			recs = append(recs, cloud.PushRecord{Kind: cloud.KindRecipient, ID: rcp.ID, BaseSeq: rcp.RemoteSeq, Data: data})
			sent = append(sent, pending{cloud.KindRecipient, rcp.ID, rcp.Version})
		}
		items, err := tx.DirtyItems(zoneID)
		if err != nil {
			return err
		}
		for _, it := range items {
			data, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("encode item %s: %w", it.ID, err)
			}
			recs = append(recs, cloud.PushRecord{Kind: cloud.KindItem, ID: it.ID, BaseSeq: it.RemoteSeq, Data: data})
			sent = append(sent, pending{cloud.KindItem, it.ID, it.Version})
		}
		return nil
	})
	if err != nil || len(recs) == 0 {
		return 0, 0, err
	}

	results, err := r.remote.Push(ctx, z.OwnerID, z.Name, recs)
	if err != nil {
		return 0, 0, err
	}
	if len(results) != len(sent) {
		return 0, 0, fmt.Errorf("push %s: %d results for %d records", zoneID, len(results), len(sent))
	}

	pushed, conflicts := 0, 0
	err = r.db.Update(ctx, func(tx *store.Tx) error {
		for i, res := range results {
			p := sent[i]
			if res.Conflict {
				conflicts++
				if res.Current == nil {
					continue
				}
				if _, err := apply(tx, z, *res.Current); err != nil {
					return err
				}
				continue
			}
			pushed++
			var err error
			if p.kind == cloud.KindItem {
				err = tx.MarkItemPushed(p.id, p.version, res.Seq)
			} else {
				err = tx.MarkRecipientPushed(p.id, p.version, res.Seq)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if conflicts > 0 {
		r.log.Debug().Str("zone", zoneID).Int("conflicts", conflicts).Msg("merged push conflicts")
	}
	return pushed, conflicts, err
}
