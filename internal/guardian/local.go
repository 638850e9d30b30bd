package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/config"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/notify"
	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/release"
	"github.com/lazypower/heirloom/internal/store"
)

// Result reports what one check did.
type Result struct {
	Phase        Phase
	GraceStarted bool
	Released     *store.Item
}

// Local runs the switch from state kept on this device. It pumps only the
// owner's own keepsakes zone.
type Local struct {
	db       *store.DB
	ownerID  string
	release  *release.Engine
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger
	reg      registry.Registry
}

// NewLocal creates a Local switch for ownerID. notifier and m may be nil.
func NewLocal(db *store.DB, ownerID string, rel *release.Engine, notifier notify.Notifier, m *metrics.Metrics, log zerolog.Logger) *Local {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Local{db: db, ownerID: ownerID, release: rel, notifier: notifier, metrics: m, log: log}
}

// MarkActive records owner activity, aborts any grace period and cancels the
// pending grace notifications.
func (l *Local) MarkActive(ctx context.Context) error {
	var aborted bool
	err := l.db.Update(ctx, func(tx *store.Tx) error {
		st, err := tx.GuardianState()
		if err != nil {
			return err
		}
		now := tx.Now()
		aborted = st.GraceStartedAt != nil
		st.LastActive = &now
		st.GraceStartedAt = nil
		st.LastWeeklyRelease = nil
		return tx.PutGuardianState(st)
	})
	if err != nil {
		return fmt.Errorf("mark active: %w", err)
	}
	if aborted {
		l.metrics.GuardianPhase(Active.String())
		l.log.Info().Msg("owner active again, grace period aborted")
	}
	return l.notifier.Cancel(ctx, notify.GraceStartID, notify.GraceEndID)
}

// Settings loads the persisted release settings.
func (l *Local) Settings(ctx context.Context) (Settings, error) {
	rs, err := config.LoadReleaseSettings(ctx, l.db, l.log)
	if err != nil {
		return Settings{}, err
	}
	return Settings{Enabled: rs.Enabled, InactivityMonths: rs.InactivityMonths, GraceWeeks: rs.GraceWeeks}, nil
}

// UseRegistry makes the owner's device claim each weekly release on its own
// GuardianRecord, so followers of the code never pump the same week.
func (l *Local) UseRegistry(reg registry.Registry) {
	l.reg = reg
}

// Check evaluates the switch and applies its decision. The weekly release
// and the local weekly stamp commit in one transaction, after the week is
// claimed on the registry.
func (l *Local) Check(ctx context.Context) (Result, error) {
	cfg, err := l.Settings(ctx)
	if err != nil {
		return Result{}, err
	}
	if !cfg.Enabled {
		return Result{Phase: Disabled}, nil
	}

	res, due, graceAt, err := l.advance(ctx, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("guardian check: %w", err)
	}
	if res.GraceStarted {
		l.metrics.GuardianPhase(GraceStarted.String())
		scheduleGrace(ctx, l.notifier, l.log, graceAt, graceAt.Add(cfg.GracePeriod()))
	}
	if !due {
		return res, nil
	}

	claimed, err := l.claimWeek(ctx)
	if err != nil || !claimed {
		return res, err
	}
	it, err := l.pump(ctx, cfg)
	if err != nil {
		return res, fmt.Errorf("guardian check: %w", err)
	}
	if it != nil {
		res.Released = it
		l.metrics.GuardianPhase("pump")
		l.release.Announce(ctx, *it, release.TriggerGuardian)
	}
	return res, nil
}

// advance starts the inactivity clock or the grace period and reports
// whether a weekly release is due with something to release.
func (l *Local) advance(ctx context.Context, cfg Settings) (res Result, due bool, graceAt time.Time, err error) {
	err = l.db.Update(ctx, func(tx *store.Tx) error {
		res, due = Result{}, false
		st, err := tx.GuardianState()
		if err != nil {
			return err
		}
		now := tx.Now()
		if st.LastActive == nil {
			st.LastActive = &now
			res.Phase = Active
			return tx.PutGuardianState(st)
		}

		d := evaluateState(st, cfg, now)
		res.Phase = d.Phase
		if d.StartGrace {
			st.GraceStartedAt = &now
			res.GraceStarted = true
			graceAt = now
			return tx.PutGuardianState(st)
		}
		if !d.PumpDue {
			return nil
		}
		_, due, err = release.OldestUnrestricted(tx, l.zoneID())
		return err
	})
	return res, due, graceAt, err
}

// claimWeek stamps the owner's GuardianRecord. Without a registry or an own
// code there is nothing to coordinate with.
func (l *Local) claimWeek(ctx context.Context) (bool, error) {
	if l.reg == nil {
		return true, nil
	}
	code, ok, err := OwnCode(ctx, l.db)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	rec, err := l.reg.Guardian(ctx, code)
	if errors.Is(err, registry.ErrNotFound) {
		l.log.Debug().Str("code", code).Msg("own guardian record not visible yet, weekly release deferred")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("guardian %s: %w", code, err)
	}
	now := l.db.Now()
	if rec.WeeklyLastRelease != nil && now.Sub(*rec.WeeklyLastRelease) < PumpInterval {
		l.log.Debug().Str("code", code).Msg("weekly release already made by a follower")
		return false, nil
	}
	if err := l.reg.StampWeeklyRelease(ctx, code, rec.WeeklyLastRelease, now); err != nil {
		if errors.Is(err, registry.ErrStale) {
			l.log.Debug().Str("code", code).Msg("weekly release already claimed")
			return false, nil
		}
		return false, fmt.Errorf("stamp weekly release: %w", err)
	}
	return true, nil
}

// pump releases the oldest unrestricted item and stamps the local state in
// one transaction. The decision is re-evaluated since the claim left the
// transaction.
func (l *Local) pump(ctx context.Context, cfg Settings) (*store.Item, error) {
	var released *store.Item
	err := l.db.Update(ctx, func(tx *store.Tx) error {
		released = nil
		st, err := tx.GuardianState()
		if err != nil {
			return err
		}
		if st.LastActive == nil {
			return nil
		}
		now := tx.Now()
		if d := evaluateState(st, cfg, now); !d.PumpDue {
			return nil
		}
		it, ok, err := release.OldestUnrestricted(tx, l.zoneID())
		if err != nil || !ok {
			return err
		}
		fired, err := release.ReleaseTx(tx, &it)
		if err != nil || !fired {
			return err
		}
		st.LastWeeklyRelease = &now
		released = &it
		return tx.PutGuardianState(st)
	})
	return released, err
}

func (l *Local) zoneID() string {
	return store.ZoneID(l.ownerID, store.DefaultZoneName)
}

func evaluateState(st store.GuardianState, cfg Settings, now time.Time) Decision {
	return Evaluate(State{
		LastActive:        *st.LastActive,
		GraceStartedAt:    st.GraceStartedAt,
		LastWeeklyRelease: st.LastWeeklyRelease,
	}, cfg, now)
}
