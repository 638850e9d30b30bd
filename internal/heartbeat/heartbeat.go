// Package heartbeat dispenses heartbeat-queue items to each recipient at
// most once per seven days.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/release"
	"github.com/lazypower/heirloom/internal/store"
)

// Period is the minimum spacing between two releases to one recipient.
const Period = 7 * 24 * time.Hour

// Due reports whether r may receive a heartbeat item at now.
func Due(r store.Recipient, now time.Time) bool {
	if !r.HeartbeatsEnabled {
		return false
	}
	if r.HeartbeatsStartDate != nil && now.Before(*r.HeartbeatsStartDate) {
		return false
	}
	if r.HeartbeatsLastReleaseDate != nil && now.Sub(*r.HeartbeatsLastReleaseDate) < Period {
		return false
	}
	return true
}

// Scheduler runs the heartbeat queue over the local store.
type Scheduler struct {
	db      *store.DB
	release *release.Engine
	log     zerolog.Logger
}

// New creates a Scheduler that announces releases through rel.
func New(db *store.DB, rel *release.Engine, log zerolog.Logger) *Scheduler {
	return &Scheduler{db: db, release: rel, log: log}
}

// Check releases the oldest pending heartbeat item for one recipient if the
// recipient is due. The release and the recipient's last-release stamp are
// written in one transaction. A week with nothing queued is not stamped.
func (s *Scheduler) Check(ctx context.Context, recipientID string) (store.Item, bool, error) {
	var it store.Item
	var fired bool
	err := s.db.Update(ctx, func(tx *store.Tx) error {
		r, err := tx.Recipient(recipientID)
		if err != nil {
			return err
		}
		now := tx.Now()
		if !Due(r, now) {
			return nil
		}
		writable, err := tx.WritableZones()
		if err != nil {
			return err
		}
		if !writable[r.ZoneID] {
			return nil
		}
		queue, err := tx.Items(store.ScopeBoth, func(it store.Item) bool {
			return !it.Released &&
				it.Policy.Kind == store.PolicyHeartbeatQueue &&
				it.Policy.RecipientID == recipientID &&
				it.Targets(recipientID) &&
				writable[it.ZoneID]
		})
		if err != nil {
			return err
		}
		if len(queue) == 0 {
			return nil
		}

		it = queue[0]
		if fired, err = release.ReleaseTx(tx, &it); err != nil || !fired {
			return err
		}
		r.HeartbeatsLastReleaseDate = &now
		return tx.PutRecipient(&r)
	})
	if err != nil {
		return store.Item{}, false, fmt.Errorf("heartbeat %s: %w", recipientID, err)
	}
	if fired {
		s.release.Announce(ctx, it, release.TriggerHeartbeat)
	}
	return it, fired, nil
}

// CheckAll runs Check for every recipient with heartbeats enabled. A failure
// for one recipient is logged and the rest are still checked.
func (s *Scheduler) CheckAll(ctx context.Context) ([]store.Item, error) {
	recipients, err := s.db.Recipients(ctx, store.ScopeBoth, func(r store.Recipient) bool {
		return r.HeartbeatsEnabled
	})
	if err != nil {
		return nil, err
	}
	var released []store.Item
	var errs []error
	for _, r := range recipients {
		it, ok, err := s.Check(ctx, r.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("recipient", r.ID).Msg("heartbeat check failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			released = append(released, it)
		}
	}
	return released, errors.Join(errs...)
}

// Enable turns on heartbeats for a recipient starting at start.
func (s *Scheduler) Enable(ctx context.Context, recipientID string, start time.Time) (store.Recipient, error) {
	return s.update(ctx, recipientID, func(r *store.Recipient) {
		start := start.UTC()
		r.HeartbeatsEnabled = true
		r.HeartbeatsStartDate = &start
	})
}

// Disable turns off heartbeats for a recipient. The last release date is kept.
func (s *Scheduler) Disable(ctx context.Context, recipientID string) (store.Recipient, error) {
	return s.update(ctx, recipientID, func(r *store.Recipient) {
		r.HeartbeatsEnabled = false
	})
}

func (s *Scheduler) update(ctx context.Context, recipientID string, fn func(*store.Recipient)) (store.Recipient, error) {
	var r store.Recipient
	err := s.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		r, err = tx.Recipient(recipientID)
		if err != nil {
			return err
		}
		fn(&r)
		return tx.PutRecipient(&r)
	})
	return r, err
}
