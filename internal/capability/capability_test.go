package capability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/registry/registrytest"
	"github.com/lazypower/heirloom/internal/replica"
	"github.com/lazypower/heirloom/internal/retry"
	"github.com/lazypower/heirloom/internal/store"
)

type party struct {
	db  *store.DB
	rep *replica.Replicator
	ex  *Exchange
	m   *metrics.Metrics
}

func newParty(t *testing.T, svc *cloud.DB, reg registry.Registry, identity string) *party {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m := metrics.New()
	remote := svc.As(identity)
	rep := replica.New(db, remote, m, zerolog.Nop())
	return &party{
		db:  db,
		rep: rep,
		ex:  New(db, identity, remote, reg, rep, retry.Immediate(3), m, zerolog.Nop()),
		m:   m,
	}
}

func testCloud(t *testing.T) *cloud.DB {
	t.Helper()
	db, err := cloud.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestShareAndRedeemCode(t *testing.T) {
	ctx := context.Background()
	svc := testCloud(t)
	alice := newParty(t, svc, svc, "alice")
	bob := newParty(t, svc, svc, "bob")

	zone, err := alice.db.EnsurePrivateZone(ctx, "alice")
	require.NoError(t, err)
	it := store.NewItem(zone.ID, "letter", nil, store.Vault())
	require.NoError(t, alice.db.Save(ctx, store.SaveItem(it)))

	code, c, err := alice.ex.Share(ctx, zone.ID, store.PermissionReadWrite)
	require.NoError(t, err)
	assert.Len(t, code, registry.ShareCodeLength)
	assert.True(t, registry.ValidCode(code))

	got, err := alice.db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PartitionShared, got.Partition, "sharing rehomes the zone's records")
	_, err = alice.rep.Refresh(ctx)
	require.NoError(t, err)

	z, err := bob.ex.RedeemCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, c.ZoneID(), z.ID)
	assert.Equal(t, store.PermissionReadWrite, z.Permission)

	shared, err := bob.db.Items(ctx, store.ScopeShared, nil)
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, it.ID, shared[0].ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(alice.m.CodeAttempts.WithLabelValues("share")))
}

func TestCreateCapabilityReusesOrPurges(t *testing.T) {
	ctx := context.Background()
	svc := testCloud(t)
	alice := newParty(t, svc, svc, "alice")
	zone, err := alice.db.EnsurePrivateZone(ctx, "alice")
	require.NoError(t, err)

	_, err = alice.ex.CreateCapability(ctx, zone.ID, store.PermissionNone)
	assert.ErrorIs(t, err, ErrNoPermission)

	first, err := alice.ex.CreateCapability(ctx, zone.ID, store.PermissionReadOnly)
	require.NoError(t, err)
	again, err := alice.ex.CreateCapability(ctx, zone.ID, store.PermissionReadOnly)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	wider, err := alice.ex.CreateCapability(ctx, zone.ID, store.PermissionReadWrite)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, wider.ID)

	old, err := svc.As("alice").Capability(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Revoked, "a capability is purged, never widened in place")

	zones, err := alice.db.Zones(ctx, store.ScopeShared)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, wider.ID, zones[0].CapabilityID)

	require.NoError(t, alice.ex.Unshare(ctx, zone.ID))
	cur, err := svc.As("alice").Capability(ctx, wider.ID)
	require.NoError(t, err)
	assert.True(t, cur.Revoked)
}

func TestRedeemGuards(t *testing.T) {
	ctx := context.Background()
	svc := testCloud(t)
	alice := newParty(t, svc, svc, "alice")
	bob := newParty(t, svc, svc, "bob")
	zone, err := alice.db.EnsurePrivateZone(ctx, "alice")
	require.NoError(t, err)

	c, err := alice.ex.CreateCapability(ctx, zone.ID, store.PermissionReadOnly)
	require.NoError(t, err)

	_, err = alice.ex.RedeemCapability(ctx, c.ID)
	assert.ErrorIs(t, err, ErrSelfShare)

	require.NoError(t, alice.ex.Unshare(ctx, zone.ID))
	_, err = bob.ex.RedeemCapability(ctx, c.ID)
	assert.ErrorIs(t, err, cloud.ErrRevoked)

	_, err = bob.ex.CreateCapability(ctx, zone.ID, store.PermissionReadOnly)
	assert.Error(t, err, "bob has no such zone")
}

func TestResolveCodeWaitsForPropagation(t *testing.T) {
	ctx := context.Background()
	svc := testCloud(t)
	reg := registrytest.NewMemory()
	bob := newParty(t, svc, reg, "bob")

	require.NoError(t, reg.ClaimCode(ctx, "ABC234", "cap-1"))
	reg.HideFor("ABC234", 2)

	target, err := bob.ex.ResolveCode(ctx, "abc-234")
	require.NoError(t, err)
	assert.Equal(t, "cap-1", target)
	assert.Equal(t, 2.0, testutil.ToFloat64(bob.m.CodeResolveRetries))

	reg.HideFor("ABC234", 3)
	_, err = bob.ex.ResolveCode(ctx, "ABC234")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	_, err = bob.ex.ResolveCode(ctx, "OOPS")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestResolveCodeStopsOnCancel(t *testing.T) {
	svc := testCloud(t)
	reg := registrytest.NewMemory()
	bob := newParty(t, svc, reg, "bob")
	bob.ex.policy = retry.Policy{MaxAttempts: 10, Backoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := bob.ex.ResolveCode(ctx, "ABC234")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIssueCodeGivesUpOnCollisions(t *testing.T) {
	ctx := context.Background()
	svc := testCloud(t)
	reg := registrytest.NewMemory()
	alice := newParty(t, svc, reg, "alice")
	alice.ex.rand = bytes.NewReader(make([]byte, 1024))

	code, err := alice.ex.IssueCode(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", code)

	_, err = alice.ex.IssueCode(ctx, "cap-2")
	assert.ErrorIs(t, err, registry.ErrTooManyAttempts)
	assert.Equal(t, float64(registry.MaxCodeAttempts), testutil.ToFloat64(alice.m.CodeCollisions.WithLabelValues("share")))
}
