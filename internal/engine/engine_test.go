package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/clock"
	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/config"
	"github.com/lazypower/heirloom/internal/guardian"
	"github.com/lazypower/heirloom/internal/heartbeat"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/notify"
	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/registry/registrytest"
	"github.com/lazypower/heirloom/internal/release"
	"github.com/lazypower/heirloom/internal/replica"
	"github.com/lazypower/heirloom/internal/retry"
	"github.com/lazypower/heirloom/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type fixture struct {
	db    *store.DB
	clock *clock.Fake
	svc   *cloud.DB
	reg   *registrytest.Memory
	m     *metrics.Metrics
	c     Components
	eng   *Engine
	zone  store.Zone
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc, err := cloud.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	c := clock.NewFake(t0)
	db.SetClock(c)
	z, err := db.EnsurePrivateZone(context.Background(), "alice")
	require.NoError(t, err)

	m := metrics.New()
	log := zerolog.Nop()
	out := notify.NewOutbox(db)
	reg := registrytest.NewMemory()
	rel := release.New(db, out, m, log)
	local := guardian.NewLocal(db, "alice", rel, out, m, log)
	local.UseRegistry(reg)
	comps := Components{
		Release:    rel,
		Heartbeat:  heartbeat.New(db, rel, log),
		Local:      local,
		Registered: guardian.NewRegistered(reg, db, rel, out, m, retry.Immediate(3), log),
		Replica:    replica.New(db, svc.As("alice"), m, log),
	}
	return &fixture{db: db, clock: c, svc: svc, reg: reg, m: m, c: comps, eng: New(db, comps, log), zone: z}
}

func (f *fixture) recipient(t *testing.T) store.Recipient {
	t.Helper()
	r := store.NewRecipient(f.zone.ID, "Bob", nil)
	require.NoError(t, f.db.Save(context.Background(), store.SaveRecipient(r)))
	return *r
}

func (f *fixture) item(t *testing.T, rid string, p store.ReleasePolicy) store.Item {
	t.Helper()
	it := store.NewItem(f.zone.ID, "letter", []string{rid}, p)
	require.NoError(t, f.db.Save(context.Background(), store.SaveItem(it)))
	return *it
}

func (f *fixture) get(t *testing.T, id string) store.Item {
	t.Helper()
	it, err := f.db.Item(context.Background(), id)
	require.NoError(t, err)
	return it
}

func TestTickReleasesDueItemsAndPushes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.recipient(t)
	it := f.item(t, r.ID, store.OnDate(t0.Add(10*day)))

	f.clock.Set(t0.Add(5 * day))
	rep, err := f.eng.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.ReleasedCount())
	assert.Equal(t, 2, rep.Refresh.Pushed)

	f.clock.Set(t0.Add(11 * day))
	rep, err = f.eng.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Released, 1)
	got := f.get(t, it.ID)
	assert.True(t, got.Released)
	assert.True(t, got.ReleasedAt.Equal(t0.Add(11*day)))
	assert.False(t, got.Dirty, "the release is pushed in the same tick")

	ch, err := f.svc.As("alice").Changes(ctx, "alice", store.DefaultZoneName, 0)
	require.NoError(t, err)
	var remote store.Item
	for _, rec := range ch.Records {
		if rec.ID == it.ID {
			require.NoError(t, json.Unmarshal(rec.Data, &remote))
		}
	}
	assert.True(t, remote.Released)
}

func TestConcurrentTriggersReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.recipient(t)
	it := f.item(t, r.ID, store.OnDate(t0))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.RunReleaseCheckIfNeeded(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, f.get(t, it.ID).Released)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.ItemsReleased.WithLabelValues(release.TriggerSchedule)))

	notes, err := f.db.Notifications(ctx, true)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestRunHeartbeatCheckIfNeeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.recipient(t)
	first := f.item(t, r.ID, store.HeartbeatQueue(r.ID))
	f.clock.Advance(time.Minute)
	f.item(t, r.ID, store.HeartbeatQueue(r.ID))

	_, err := f.c.Heartbeat.Enable(ctx, r.ID, t0.Add(day))
	require.NoError(t, err)

	_, ok, err := f.eng.RunHeartbeatCheckIfNeeded(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok, "not due before the start date")

	f.clock.Set(t0.Add(day))
	got, ok, err := f.eng.RunHeartbeatCheckIfNeeded(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	_, ok, err = f.eng.RunHeartbeatCheckIfNeeded(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok, "redundant calls are no-ops")
}

func TestForegroundResetsGuardian(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, config.SaveReleaseSettings(ctx, f.db, config.ReleaseSettings{Enabled: true, InactivityMonths: 6, GraceWeeks: 4}))

	code, err := f.c.Registered.GenerateCode(ctx, "alice", f.zone.ID, guardian.Settings{Enabled: true, InactivityMonths: 6, GraceWeeks: 4})
	require.NoError(t, err)
	require.NoError(t, guardian.SetOwnCode(ctx, f.db, code))

	_, err = f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)

	f.clock.Set(t0.AddDate(0, 7, 0))
	results, err := f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].GraceStarted)

	_, err = f.eng.Foreground(ctx)
	require.NoError(t, err)

	st, err := f.db.GuardianState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.GraceStartedAt)
	require.NotNil(t, st.LastActive)
	assert.True(t, st.LastActive.Equal(t0.AddDate(0, 7, 0)))

	rec, err := f.reg.Guardian(ctx, code)
	require.NoError(t, err)
	assert.True(t, rec.LastActive.Equal(t0.AddDate(0, 7, 0)), "foreground touches the owner's registry record")
}

func TestFollowedRecordIsPumped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.recipient(t)
	it := f.item(t, r.ID, store.Vault())

	require.NoError(t, f.reg.CreateGuardian(ctx, registry.GuardianRecord{
		Code: "FLLW2345", OwnerID: "carol", Zone: f.zone.ID, Enabled: true,
		InactivityThresholdMonths: 6, GracePeriodWeeks: 4, LastActive: t0, CreatedAt: t0,
	}))
	require.NoError(t, guardian.Follow(ctx, f.db, "FLLW2345"))

	f.clock.Set(t0.AddDate(0, 6, 1))
	results, err := f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[1].GraceStarted)

	f.clock.Set(t0.AddDate(0, 6, 1).Add(4*7*day + day))
	results, err = f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[1].Released)
	assert.Equal(t, it.ID, results[1].Released.ID)
	assert.True(t, f.get(t, it.ID).Released)
}

func TestOwnerAndFollowerShareOneWeeklyRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.recipient(t)
	for range 3 {
		f.item(t, r.ID, store.Vault())
		f.clock.Advance(time.Millisecond)
	}
	f.clock.Set(t0)
	cfg := guardian.Settings{Enabled: true, InactivityMonths: 6, GraceWeeks: 4}
	require.NoError(t, config.SaveReleaseSettings(ctx, f.db, config.ReleaseSettings{Enabled: true, InactivityMonths: 6, GraceWeeks: 4}))
	code, err := f.c.Registered.GenerateCode(ctx, "alice", f.zone.ID, cfg)
	require.NoError(t, err)
	require.NoError(t, guardian.SetOwnCode(ctx, f.db, code))
	// The same device also follows the code, as a family member's would.
	require.NoError(t, guardian.Follow(ctx, f.db, code))

	_, err = f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)

	graceAt := t0.AddDate(0, 6, 1)
	f.clock.Set(graceAt)
	_, err = f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)

	released := func(results []guardian.Result) int {
		n := 0
		for _, res := range results {
			if res.Released != nil {
				n++
			}
		}
		return n
	}

	pump := graceAt.Add(29 * day)
	for week := range 3 {
		at := pump.Add(time.Duration(week) * 7 * day)
		f.clock.Set(at)
		results, err := f.eng.RunGuardianCheckIfNeeded(ctx)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, 1, released(results), "week %d", week)
		require.NotNil(t, results[0].Released, "the owner's device claims the week first")

		f.clock.Set(at.Add(3 * day))
		results, err = f.eng.RunGuardianCheckIfNeeded(ctx)
		require.NoError(t, err)
		assert.Zero(t, released(results), "week %d", week)
	}

	rec, err := f.reg.Guardian(ctx, code)
	require.NoError(t, err)
	require.NotNil(t, rec.WeeklyLastRelease)
	assert.True(t, rec.WeeklyLastRelease.Equal(pump.Add(14*day)))
}

func TestFollowerClaimBlocksOwnerDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.recipient(t)
	it := f.item(t, r.ID, store.Vault())
	cfg := guardian.Settings{Enabled: true, InactivityMonths: 6, GraceWeeks: 4}
	require.NoError(t, config.SaveReleaseSettings(ctx, f.db, config.ReleaseSettings{Enabled: true, InactivityMonths: 6, GraceWeeks: 4}))
	code, err := f.c.Registered.GenerateCode(ctx, "alice", f.zone.ID, cfg)
	require.NoError(t, err)
	require.NoError(t, guardian.SetOwnCode(ctx, f.db, code))

	_, err = f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)
	graceAt := t0.AddDate(0, 6, 1)
	f.clock.Set(graceAt)
	_, err = f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)

	pump := graceAt.Add(29 * day)
	require.NoError(t, f.reg.StampWeeklyRelease(ctx, code, nil, pump.Add(-day)))
	f.clock.Set(pump)
	results, err := f.eng.RunGuardianCheckIfNeeded(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Released)
	assert.False(t, f.get(t, it.ID).Released)

	st, err := f.db.GuardianState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.LastWeeklyRelease, "an unclaimed week is not stamped locally")
}

func TestTimersRunUntilStopped(t *testing.T) {
	f := newFixture(t)
	r := f.recipient(t)
	it := f.item(t, r.ID, store.OnDate(t0))

	f.eng.StartTimers(5*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := f.db.Item(context.Background(), it.ID)
		return err == nil && got.Released
	}, 2*time.Second, 5*time.Millisecond)

	f.eng.Stop()
	f.eng.Stop()
}

func TestEngineWithoutRemote(t *testing.T) {
	f := newFixture(t)
	eng := New(f.db, Components{Release: f.c.Release, Heartbeat: f.c.Heartbeat, Local: f.c.Local}, zerolog.Nop())
	r := f.recipient(t)
	f.item(t, r.ID, store.OnDate(t0))

	rep, err := eng.Foreground(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Released, 1)
	assert.Zero(t, rep.Refresh.Pushed)
}
