package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseItem() Item {
	return Item{
		ID:         "i1",
		ZoneID:     "alice/keepsakes",
		ContentRef: "blob://base",
		Recipients: []string{"r1"},
		Policy:     Vault(),
		CreatedAt:  t0,
		Clocks:     ItemClocks{Content: 100, Recipients: 100, Policy: 100, Release: 100, Watch: 100},
	}
}

func TestMergeItemPerGroup(t *testing.T) {
	local := baseItem()
	remote := baseItem()

	local.ContentRef, local.Clocks.Content = "blob://local", 300
	remote.ContentRef, remote.Clocks.Content = "blob://remote", 200
	remote.Recipients, remote.Clocks.Recipients = []string{"r1", "r2"}, 250

	got := MergeItem(local, remote)
	assert.Equal(t, "blob://local", got.ContentRef)
	assert.Equal(t, []string{"r1", "r2"}, got.Recipients, "whole-set replacement from the newer side")
	assert.Equal(t, int64(250), got.Clocks.Recipients)
}

func TestMergeItemTieKeepsLocal(t *testing.T) {
	local := baseItem()
	remote := baseItem()
	local.Policy = HeartbeatQueue("r1")
	remote.Policy = OnRecipientAge(18)

	got := MergeItem(local, remote)
	assert.Equal(t, PolicyHeartbeatQueue, got.Policy.Kind)
}

func TestMergeItemReleaseIsMonotonic(t *testing.T) {
	at := t0.Add(time.Hour)
	local := baseItem()
	remote := baseItem()
	local.Released, local.ReleasedAt, local.Clocks.Release = true, &at, 150
	remote.Clocks.Release = 900

	got := MergeItem(local, remote)
	assert.True(t, got.Released, "a newer unreleased copy must not un-release")
	assert.Equal(t, &at, got.ReleasedAt)

	got = MergeItem(remote, local)
	assert.True(t, got.Released)
	assert.Equal(t, int64(150), got.Clocks.Release)
}

func TestMergeItemWatched(t *testing.T) {
	at := t0.Add(2 * time.Hour)
	local := baseItem()
	remote := baseItem()
	remote.Released, remote.Watched, remote.WatchedAt, remote.Clocks.Watch = true, true, &at, 120

	got := MergeItem(local, remote)
	assert.True(t, got.Watched)
	assert.True(t, got.Released)
}

func TestMergeRecipientGroups(t *testing.T) {
	start := t0.Add(24 * time.Hour)
	mark := t0.Add(48 * time.Hour)
	local := Recipient{ID: "r1", Name: "Sam", Clocks: RecipientClocks{Profile: 500, Heartbeats: 100, HeartbeatMark: 100}}
	remote := Recipient{
		ID: "r1", Name: "Samuel",
		HeartbeatsEnabled: true, HeartbeatsStartDate: &start,
		HeartbeatsLastReleaseDate: &mark,
		Clocks:                    RecipientClocks{Profile: 400, Heartbeats: 200, HeartbeatMark: 300},
	}

	got := MergeRecipient(local, remote)
	assert.Equal(t, "Sam", got.Name)
	assert.True(t, got.HeartbeatsEnabled)
	assert.Equal(t, &start, got.HeartbeatsStartDate)
	assert.Equal(t, &mark, got.HeartbeatsLastReleaseDate)
}
