package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateItemStampsClocks(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", []string{"r1"}, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	got, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, PartitionPrivate, got.Partition)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Dirty)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, t0.UnixMilli(), got.Clocks.Policy)
	assert.Equal(t, []string{"r1"}, got.Recipients)
	assert.Equal(t, PolicyVault, got.Policy.Kind)
}

func TestPutItemAdvancesOnlyChangedGroups(t *testing.T) {
	db, c := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", []string{"r1"}, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	later := c.Advance(time.Hour)
	it.Recipients = []string{"r1", "r2"}
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	got, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), got.Clocks.Recipients)
	assert.Equal(t, t0.UnixMilli(), got.Clocks.Policy)
	assert.Equal(t, t0.UnixMilli(), got.Clocks.Content)
	assert.Equal(t, int64(2), got.Version)
}

func TestPutItemNoChangeKeepsVersion(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", nil, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(it)))
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	got, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{}, got.Recipients)
}

func TestReleasedIsMonotonic(t *testing.T) {
	db, c := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", []string{"r1"}, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	at := c.Advance(time.Minute)
	it.Released, it.ReleasedAt = true, &at
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	it.Released, it.ReleasedAt = false, nil
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	got, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, got.Released)
	require.NotNil(t, got.ReleasedAt)
	assert.Equal(t, at, *got.ReleasedAt)
}

func TestSaveConflictAppliesNothing(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	r := NewRecipient(z.ID, "Sam", nil)
	it := NewItem(z.ID, "blob://1", []string{r.ID}, Vault())
	require.NoError(t, db.Save(ctx, SaveRecipient(r), SaveItem(it)))

	stale := *it
	it.ContentRef = "blob://2"
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	r.Name = "Samantha"
	stale.ContentRef = "blob://3"
	err := db.Save(ctx, SaveRecipient(r), SaveItem(&stale))
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	gotR, err := db.Recipient(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sam", gotR.Name, "recipient write must roll back with the conflicting item")

	gotI, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob://2", gotI.ContentRef)
}

func TestSaveNewRecordTwiceConflicts(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", nil, Vault())
	dup := *it
	require.NoError(t, db.Save(ctx, SaveItem(it)))
	assert.True(t, IsConflict(db.Save(ctx, SaveItem(&dup))))
}

func TestReadOnlyZoneRejectsWrites(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := sharedZone(t, db, "bob", PermissionReadOnly)

	it := NewItem(z.ID, "blob://1", nil, Vault())
	err := db.Save(ctx, SaveItem(it))
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestInvalidPolicyRejected(t *testing.T) {
	db, _ := testDB(t)
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", nil, ReleasePolicy{Kind: PolicyOnDate})
	assert.ErrorIs(t, db.Save(context.Background(), SaveItem(it)), ErrInvalidPolicy)
}

func TestHeartbeatRecipientMustBeARecipient(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", []string{"r1"}, HeartbeatQueue("r2"))
	assert.ErrorIs(t, db.Save(ctx, SaveItem(it)), ErrInvalidPolicy)

	it = NewItem(z.ID, "blob://1", []string{"r1", "r2"}, HeartbeatQueue("r2"))
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	it.Recipients = []string{"r1"}
	assert.ErrorIs(t, db.Save(ctx, SaveItem(it)), ErrInvalidPolicy, "dropping the heartbeat recipient")

	got, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	got.Policy = Vault()
	got.Recipients = []string{"r1"}
	require.NoError(t, db.Save(ctx, SaveItem(&got)))
}

func TestQueryScopes(t *testing.T) {
	db, c := testDB(t)
	ctx := context.Background()
	priv := privateZone(t, db)
	shared := sharedZone(t, db, "bob", PermissionReadWrite)

	a := NewItem(priv.ID, "blob://a", nil, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(a)))
	c.Advance(time.Second)
	b := NewItem(shared.ID, "blob://b", nil, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(b)))

	both, err := db.Items(ctx, ScopeBoth, nil)
	require.NoError(t, err)
	require.Len(t, both, 2)
	assert.Equal(t, a.ID, both[0].ID, "oldest first")

	onlyShared, err := db.Items(ctx, ScopeShared, nil)
	require.NoError(t, err)
	require.Len(t, onlyShared, 1)
	assert.Equal(t, b.ID, onlyShared[0].ID)

	filtered, err := db.Items(ctx, ScopeBoth, func(it Item) bool { return it.ContentRef == "blob://a" })
	require.NoError(t, err)
	require.Len(t, filtered, 1)
}

func TestRehomeMovesRecords(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", nil, Vault())
	r := NewRecipient(z.ID, "Sam", nil)
	require.NoError(t, db.Save(ctx, SaveItem(it), SaveRecipient(r)))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error { return tx.Rehome(z.ID, PartitionShared) }))

	items, err := db.Items(ctx, ScopeShared, nil)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	recips, err := db.Recipients(ctx, ScopeShared, nil)
	require.NoError(t, err)
	assert.Len(t, recips, 1)
	priv, err := db.Items(ctx, ScopePrivate, nil)
	require.NoError(t, err)
	assert.Empty(t, priv)
}

func TestApplyRemoteItemMergesAndTracksDirty(t *testing.T) {
	db, c := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", []string{"r1"}, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(it)))
	local, err := db.Item(ctx, it.ID)
	require.NoError(t, err)

	// Remote changed the policy later; local changed content even later.
	remote := local
	remote.Policy = OnDate(t0.Add(48 * time.Hour))
	remote.Clocks.Policy = c.Advance(time.Minute).UnixMilli()

	c.Advance(time.Minute)
	local.ContentRef = "blob://2"
	require.NoError(t, db.Save(ctx, SaveItem(&local)))

	var changed bool
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		var err error
		changed, err = tx.ApplyRemoteItem(remote, 7)
		return err
	}))
	assert.True(t, changed)

	got, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob://2", got.ContentRef)
	assert.Equal(t, PolicyOnDate, got.Policy.Kind)
	assert.Equal(t, int64(7), got.RemoteSeq)
	assert.True(t, got.Dirty, "local content is newer than remote, must push")

	require.NoError(t, db.Update(ctx, func(tx *Tx) error { return tx.MarkItemPushed(got.ID, got.Version, 8) }))
	got, err = db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.Equal(t, int64(8), got.RemoteSeq)
}

func TestApplyRemoteItemInsertsClean(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := sharedZone(t, db, "bob", PermissionReadOnly)

	remote := Item{
		ID:         "remote-1",
		ZoneID:     z.ID,
		ContentRef: "blob://r",
		Recipients: []string{"me"},
		Policy:     Vault(),
		CreatedAt:  t0,
	}
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.ApplyRemoteItem(remote, 3)
		return err
	}))

	got, err := db.Item(ctx, "remote-1")
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.Equal(t, PartitionShared, got.Partition)
	assert.Equal(t, int64(3), got.RemoteSeq)
}

func TestMarkPushedKeepsDirtyAfterNewerWrite(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	z := privateZone(t, db)

	it := NewItem(z.ID, "blob://1", nil, Vault())
	require.NoError(t, db.Save(ctx, SaveItem(it)))
	pushed := it.Version

	it.ContentRef = "blob://2"
	require.NoError(t, db.Save(ctx, SaveItem(it)))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error { return tx.MarkItemPushed(it.ID, pushed, 1) }))
	got, err := db.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, got.Dirty)
}
