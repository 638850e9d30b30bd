// Package release implements the per-item release state machine: the
// periodic date and age check, manual release, watching and policy changes.
// The heartbeat queue and the dead-man's-switch reuse ReleaseTx so every
// driver performs the same transition.
package release

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/notify"
	"github.com/lazypower/heirloom/internal/store"
)

var (
	ErrNoRecipients    = errors.New("item has no recipients")
	ErrAlreadyReleased = errors.New("item is already released")
	ErrNotReleased     = errors.New("item is not released")
)

// Triggers label what caused a release.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerHeartbeat = "heartbeat"
	TriggerGuardian  = "guardian"
)

// Engine drives release transitions over the local store.
type Engine struct {
	db       *store.DB
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New creates an Engine. notifier and m may be nil.
func New(db *store.DB, notifier notify.Notifier, m *metrics.Metrics, log zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{db: db, notifier: notifier, metrics: m, log: log}
}

// ReleaseTx releases it inside tx. It reports false without writing when the
// item is already released, and fails with ErrNoRecipients for an item
// addressed to nobody.
func ReleaseTx(tx *store.Tx, it *store.Item) (bool, error) {
	if it.Released {
		return false, nil
	}
	if len(it.Recipients) == 0 {
		return false, ErrNoRecipients
	}
	now := tx.Now()
	it.Released = true
	it.ReleasedAt = &now
	if err := tx.PutItem(it); err != nil {
		return false, err
	}
	return true, nil
}

// Announce publishes the side effects of a committed release. Call it once
// per actual transition, after the transaction commits.
func (e *Engine) Announce(ctx context.Context, it store.Item, trigger string) {
	e.metrics.Released(trigger)
	e.log.Info().Str("item", it.ID).Str("trigger", trigger).Msg("item released")
	n := notify.Notification{
		ID:    notify.ReleaseID(it.ID),
		Title: "A keepsake was released",
		Body:  it.ContentRef,
	}
	if it.ReleasedAt != nil {
		n.FireAt = *it.ReleasedAt
	}
	if err := e.notifier.Schedule(ctx, n); err != nil {
		e.log.Warn().Err(err).Str("item", it.ID).Msg("schedule release notification")
	}
}

// Check evaluates every pending item, oldest first, and releases those whose
// date or age rule is due. Each item is re-read inside its own transaction
// immediately before release. Items in read-only zones are skipped. Failures
// on one item are logged and do not stop the others.
func (e *Engine) Check(ctx context.Context) ([]store.Item, error) {
	var candidates []string
	err := e.db.View(ctx, func(tx *store.Tx) error {
		writable, err := tx.WritableZones()
		if err != nil {
			return err
		}
		items, err := tx.Items(store.ScopeBoth, func(it store.Item) bool {
			return !it.Released && writable[it.ZoneID] && StateOf(it) == PendingAutoRelease
		})
		if err != nil {
			return err
		}
		for _, it := range items {
			candidates = append(candidates, it.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("release check: %w", err)
	}

	var released []store.Item
	var errs []error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		it, ok, err := e.checkOne(ctx, id)
		if err != nil {
			e.log.Warn().Err(err).Str("item", id).Msg("release check failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			e.Announce(ctx, it, TriggerSchedule)
			released = append(released, it)
		}
	}
	return released, errors.Join(errs...)
}

func (e *Engine) checkOne(ctx context.Context, id string) (store.Item, bool, error) {
	var it store.Item
	var fired bool
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		it, err = tx.Item(id)
		if err != nil {
			return err
		}
		if it.Released {
			return nil
		}
		if len(it.Recipients) == 0 {
			return nil
		}
		verdict := Evaluate(it, tx.Now(), func(rid string) (store.Recipient, bool) {
			r, err := tx.Recipient(rid)
			return r, err == nil
		})
		switch verdict {
		case Blocked:
			e.log.Debug().Str("item", id).Str("policy", it.Policy.String()).Msg("release blocked: missing recipient birth date")
			return nil
		case Due:
			fired, err = ReleaseTx(tx, &it)
			return err
		}
		return nil
	})
	return it, fired, err
}

// Release releases an item on explicit owner request. Releasing an already
// released item is a no-op that reports false.
func (e *Engine) Release(ctx context.Context, itemID string) (store.Item, bool, error) {
	var it store.Item
	var fired bool
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		it, err = tx.Item(itemID)
		if err != nil {
			return err
		}
		fired, err = ReleaseTx(tx, &it)
		return err
	})
	if err != nil {
		return store.Item{}, false, err
	}
	if fired {
		e.Announce(ctx, it, TriggerManual)
	}
	return it, fired, nil
}

// MarkWatched records that a recipient consumed a released item. Watching
// twice keeps the first watch time.
func (e *Engine) MarkWatched(ctx context.Context, itemID string) (store.Item, error) {
	var it store.Item
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		it, err = tx.Item(itemID)
		if err != nil {
			return err
		}
		if !it.Released {
			return ErrNotReleased
		}
		if it.Watched {
			return nil
		}
		now := tx.Now()
		it.Watched = true
		it.WatchedAt = &now
		return tx.PutItem(&it)
	})
	if err != nil {
		return store.Item{}, err
	}
	return it, nil
}

// ChangePolicy replaces the release policy of an unreleased item.
func (e *Engine) ChangePolicy(ctx context.Context, itemID string, p store.ReleasePolicy) (store.Item, error) {
	if err := p.Validate(); err != nil {
		return store.Item{}, err
	}
	var it store.Item
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		it, err = tx.Item(itemID)
		if err != nil {
			return err
		}
		if it.Released {
			return ErrAlreadyReleased
		}
		it.Policy = p
		return tx.PutItem(&it)
	})
	if err != nil {
		return store.Item{}, err
	}
	return it, nil
}

// OldestUnrestricted finds the oldest item the dead-man's-switch pump may
// release. When zoneID is empty any writable zone qualifies.
func OldestUnrestricted(tx *store.Tx, zoneID string) (store.Item, bool, error) {
	writable, err := tx.WritableZones()
	if err != nil {
		return store.Item{}, false, err
	}
	items, err := tx.Items(store.ScopeBoth, func(it store.Item) bool {
		if zoneID != "" && it.ZoneID != zoneID {
			return false
		}
		return writable[it.ZoneID] && Unrestricted(it)
	})
	if err != nil {
		return store.Item{}, false, err
	}
	if len(items) == 0 {
		return store.Item{}, false, nil
	}
	return items[0], true, nil
}
