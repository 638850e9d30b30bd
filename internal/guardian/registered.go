package guardian

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/notify"
	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/release"
	"github.com/lazypower/heirloom/internal/retry"
	"github.com/lazypower/heirloom/internal/store"
)

// Registered runs the switch from a GuardianRecord in the registry. The
// owner's device creates the record and touches it on activity; any device
// following the code evaluates it and pumps the governed zone. Weekly stamps
// are compare-and-set, so only one follower releases per week.
type Registered struct {
	reg      registry.Registry
	db       *store.DB
	release  *release.Engine
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger
	policy   retry.Policy
	rand     io.Reader
}

// NewRegistered creates a registry-backed switch. notifier and m may be nil.
func NewRegistered(reg registry.Registry, db *store.DB, rel *release.Engine, notifier notify.Notifier, m *metrics.Metrics, policy retry.Policy, log zerolog.Logger) *Registered {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Registered{
		reg:      reg,
		db:       db,
		release:  rel,
		notifier: notifier,
		metrics:  m,
		log:      log,
		policy:   policy,
		rand:     rand.Reader,
	}
}

// GenerateCode creates a GuardianRecord for the owner's zone under a fresh
// eight character code.
func (g *Registered) GenerateCode(ctx context.Context, ownerID, zoneID string, cfg Settings) (string, error) {
	now := g.db.Now()
	return registry.Issue(ctx, g.rand, registry.GuardianCodeLength, func(ctx context.Context, code string) error {
		g.metrics.CodeAttempt("guardian")
		return g.reg.CreateGuardian(ctx, registry.GuardianRecord{
			Code:                      code,
			OwnerID:                   ownerID,
			Zone:                      zoneID,
			Enabled:                   true,
			InactivityThresholdMonths: max(cfg.InactivityMonths, 1),
			GracePeriodWeeks:          max(cfg.GraceWeeks, 1),
			LastActive:                now,
			CreatedAt:                 now,
		})
	}, func() { g.metrics.CodeCollision("guardian") })
}

// Lookup fetches a record, retrying while it may still be propagating.
func (g *Registered) Lookup(ctx context.Context, code string) (registry.GuardianRecord, error) {
	var rec registry.GuardianRecord
	err := g.withPropagation(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.reg.Guardian(ctx, code)
		return err
	})
	return rec, err
}

// UpdateLastActive records owner activity on the record.
func (g *Registered) UpdateLastActive(ctx context.Context, code string) error {
	return g.withPropagation(ctx, func(ctx context.Context) error {
		return g.reg.TouchGuardian(ctx, code, g.db.Now())
	})
}

// Configure pushes the owner's switch settings to the record.
func (g *Registered) Configure(ctx context.Context, code string, cfg Settings) error {
	return g.withPropagation(ctx, func(ctx context.Context) error {
		return g.reg.ConfigureGuardian(ctx, code, registry.GuardianSettings{
			Enabled:                   cfg.Enabled,
			InactivityThresholdMonths: cfg.InactivityMonths,
			GracePeriodWeeks:          cfg.GraceWeeks,
		})
	})
}

// EnableWeeklyRelease marks the record as pumping.
func (g *Registered) EnableWeeklyRelease(ctx context.Context, code string) error {
	return g.withPropagation(ctx, func(ctx context.Context) error {
		return g.reg.EnableWeeklyRelease(ctx, code)
	})
}

func (g *Registered) withPropagation(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, g.policy, func(err error) bool {
		if errors.Is(err, registry.ErrNotFound) {
			g.metrics.ResolveRetry()
			return true
		}
		return false
	}, fn)
}

// Check evaluates the record behind code once. A record that is not visible
// yet is not an error; the next tick tries again.
func (g *Registered) Check(ctx context.Context, code string) (Result, error) {
	rec, err := g.reg.Guardian(ctx, code)
	if errors.Is(err, registry.ErrNotFound) {
		g.log.Debug().Str("code", code).Msg("guardian record not visible yet")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("guardian %s: %w", code, err)
	}

	cfg := Settings{
		Enabled:          rec.Enabled,
		InactivityMonths: rec.InactivityThresholdMonths,
		GraceWeeks:       rec.GracePeriodWeeks,
	}
	now := g.db.Now()
	d := Evaluate(State{
		LastActive:        rec.LastActive,
		GraceStartedAt:    rec.GraceStartedAt,
		LastWeeklyRelease: rec.WeeklyLastRelease,
	}, cfg, now)
	res := Result{Phase: d.Phase}

	if d.StartGrace {
		if err := g.reg.StartGrace(ctx, code, now); err != nil {
			return res, fmt.Errorf("start grace: %w", err)
		}
		res.GraceStarted = true
		g.metrics.GuardianPhase(GraceStarted.String())
		scheduleGrace(ctx, g.notifier, g.log, now, d.GraceEndsAt)
		return res, nil
	}
	if d.Phase != ReleaseEligible {
		return res, nil
	}
	if !rec.WeeklyReleaseEnabled {
		if err := g.reg.EnableWeeklyRelease(ctx, code); err != nil {
			return res, fmt.Errorf("enable weekly release: %w", err)
		}
		g.metrics.GuardianPhase(ReleaseEligible.String())
	}
	if !d.PumpDue {
		return res, nil
	}

	it, ok, err := g.candidate(ctx, rec.Zone)
	if err != nil || !ok {
		return res, err
	}
	// Claim the week before releasing; a follower that loses the race
	// leaves the item to the winner.
	if err := g.reg.StampWeeklyRelease(ctx, code, rec.WeeklyLastRelease, now); err != nil {
		if errors.Is(err, registry.ErrStale) {
			g.log.Debug().Str("code", code).Msg("weekly release already claimed")
			return res, nil
		}
		return res, fmt.Errorf("stamp weekly release: %w", err)
	}

	// The week is ours; release whatever is oldest now, since the item seen
	// before the claim may have been released meanwhile.
	var released *store.Item
	err = g.db.Update(ctx, func(tx *store.Tx) error {
		released = nil
		cur, ok, err := release.OldestUnrestricted(tx, rec.Zone)
		if err != nil || !ok {
			return err
		}
		fired, err := release.ReleaseTx(tx, &cur)
		if err != nil || !fired {
			return err
		}
		released = &cur
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("weekly release of zone %s: %w", rec.Zone, err)
	}
	if released != nil {
		res.Released = released
		g.metrics.GuardianPhase("pump")
		g.release.Announce(ctx, *released, release.TriggerGuardian)
	} else {
		g.log.Debug().Str("code", code).Str("item", it.ID).Msg("claimed week found nothing left to release")
	}
	return res, nil
}

func (g *Registered) candidate(ctx context.Context, zoneID string) (store.Item, bool, error) {
	var it store.Item
	var ok bool
	err := g.db.View(ctx, func(tx *store.Tx) error {
		var err error
		it, ok, err = release.OldestUnrestricted(tx, zoneID)
		return err
	})
	return it, ok, err
}
