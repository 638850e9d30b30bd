// Package registrytest holds behaviour tests every registry backend must pass.
package registrytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/registry"
)

// Run exercises reg against the registry contract. reg must start empty.
func Run(t *testing.T, reg registry.Registry) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("codes", func(t *testing.T) {
		_, err := reg.LookupCode(ctx, "NQPE22")
		assert.ErrorIs(t, err, registry.ErrNotFound)

		require.NoError(t, reg.ClaimCode(ctx, "ABC234", "cap-1"))
		assert.ErrorIs(t, reg.ClaimCode(ctx, "ABC234", "cap-2"), registry.ErrCodeTaken)

		target, err := reg.LookupCode(ctx, "ABC234")
		require.NoError(t, err)
		assert.Equal(t, "cap-1", target)
	})

	t.Run("guardian lifecycle", func(t *testing.T) {
		_, err := reg.Guardian(ctx, "MSSNG234")
		assert.ErrorIs(t, err, registry.ErrNotFound)
		assert.ErrorIs(t, reg.TouchGuardian(ctx, "MSSNG234", t0), registry.ErrNotFound)

		rec := registry.GuardianRecord{
			Code:                      "GUARD234",
			OwnerID:                   "alice",
			Zone:                      "alice/keepsakes",
			Enabled:                   true,
			InactivityThresholdMonths: 6,
			GracePeriodWeeks:          4,
			LastActive:                t0,
			CreatedAt:                 t0,
		}
		require.NoError(t, reg.CreateGuardian(ctx, rec))
		assert.ErrorIs(t, reg.CreateGuardian(ctx, rec), registry.ErrCodeTaken)

		got, err := reg.Guardian(ctx, "GUARD234")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.True(t, got.LastActive.Equal(t0))
		assert.Nil(t, got.GraceStartedAt)

		graceAt := t0.AddDate(0, 6, 1)
		require.NoError(t, reg.StartGrace(ctx, "GUARD234", graceAt))
		require.NoError(t, reg.StartGrace(ctx, "GUARD234", graceAt.Add(time.Hour)))
		got, err = reg.Guardian(ctx, "GUARD234")
		require.NoError(t, err)
		require.NotNil(t, got.GraceStartedAt)
		assert.True(t, got.GraceStartedAt.Equal(graceAt), "second StartGrace must not move the start")

		require.NoError(t, reg.EnableWeeklyRelease(ctx, "GUARD234"))
		stamp := graceAt.AddDate(0, 0, 28)
		require.NoError(t, reg.StampWeeklyRelease(ctx, "GUARD234", nil, stamp))
		assert.ErrorIs(t, reg.StampWeeklyRelease(ctx, "GUARD234", nil, stamp), registry.ErrStale)

		got, err = reg.Guardian(ctx, "GUARD234")
		require.NoError(t, err)
		assert.True(t, got.WeeklyReleaseEnabled)
		require.NotNil(t, got.WeeklyLastRelease)
		assert.True(t, got.WeeklyLastRelease.Equal(stamp))

		back := stamp.AddDate(0, 0, 1)
		require.NoError(t, reg.TouchGuardian(ctx, "GUARD234", back))
		got, err = reg.Guardian(ctx, "GUARD234")
		require.NoError(t, err)
		assert.True(t, got.LastActive.Equal(back))
		assert.Nil(t, got.GraceStartedAt)
		assert.False(t, got.WeeklyReleaseEnabled)
	})

	t.Run("guardian settings", func(t *testing.T) {
		assert.ErrorIs(t, reg.ConfigureGuardian(ctx, "MSSNG234", registry.GuardianSettings{}), registry.ErrNotFound)

		require.NoError(t, reg.CreateGuardian(ctx, registry.GuardianRecord{
			Code: "CNFG2345", OwnerID: "alice", Zone: "alice/keepsakes", Enabled: true,
			InactivityThresholdMonths: 6, GracePeriodWeeks: 4, LastActive: t0, CreatedAt: t0,
		}))
		require.NoError(t, reg.StartGrace(ctx, "CNFG2345", t0.AddDate(0, 6, 1)))
		require.NoError(t, reg.EnableWeeklyRelease(ctx, "CNFG2345"))

		require.NoError(t, reg.ConfigureGuardian(ctx, "CNFG2345", registry.GuardianSettings{
			Enabled: true, InactivityThresholdMonths: 3, GracePeriodWeeks: 0,
		}))
		got, err := reg.Guardian(ctx, "CNFG2345")
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.Equal(t, 3, got.InactivityThresholdMonths)
		assert.Equal(t, 1, got.GracePeriodWeeks, "thresholds are clamped")
		assert.NotNil(t, got.GraceStartedAt, "changing thresholds keeps a running grace period")

		require.NoError(t, reg.ConfigureGuardian(ctx, "CNFG2345", registry.GuardianSettings{
			Enabled: false, InactivityThresholdMonths: 3, GracePeriodWeeks: 2,
		}))
		got, err = reg.Guardian(ctx, "CNFG2345")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, 2, got.GracePeriodWeeks)
		assert.Nil(t, got.GraceStartedAt, "disabling aborts grace")
		assert.False(t, got.WeeklyReleaseEnabled)
		assert.True(t, got.LastActive.Equal(t0), "settings are not owner activity")
	})

	t.Run("concurrent stamps", func(t *testing.T) {
		require.NoError(t, reg.CreateGuardian(ctx, registry.GuardianRecord{
			Code: "RACE2345", OwnerID: "bob", Enabled: true, LastActive: t0, CreatedAt: t0,
		}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := reg.StampWeeklyRelease(ctx, "RACE2345", nil, t0.Add(time.Duration(i)*time.Minute))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins, "exactly one writer may stamp a given week")
	})
}
