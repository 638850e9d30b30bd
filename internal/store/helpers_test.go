package store

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/heirloom/internal/clock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testDB(t *testing.T) (*DB, *clock.Fake) {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := clock.NewFake(t0)
	db.SetClock(c)
	return db, c
}

func privateZone(t *testing.T, db *DB) Zone {
	t.Helper()
	z, err := db.EnsurePrivateZone(context.Background(), "alice")
	require.NoError(t, err)
	return z
}

func sharedZone(t *testing.T, db *DB, owner string, perm Permission) Zone {
	t.Helper()
	z := Zone{
		ID:         ZoneID(owner, DefaultZoneName),
		OwnerID:    owner,
		Name:       DefaultZoneName,
		Partition:  PartitionShared,
		Permission: perm,
	}
	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error { return tx.PutZone(z) }))
	return z
}
