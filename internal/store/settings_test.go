package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsRoundTrip(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()

	_, ok, err := db.GetSetting(ctx, "autorelease.enabled")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetSetting(ctx, "autorelease.enabled", "true"))
	require.NoError(t, db.SetSetting(ctx, "autorelease.enabled", "false"))
	v, ok, err := db.GetSetting(ctx, "autorelease.enabled")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", v)

	require.NoError(t, db.DeleteSetting(ctx, "autorelease.enabled"))
	_, ok, err = db.GetSetting(ctx, "autorelease.enabled")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardianStateDefaultsToZero(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()

	s, err := db.GuardianState(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.LastActive)

	active := t0.Add(time.Hour)
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		return tx.PutGuardianState(GuardianState{LastActive: &active})
	}))
	s, err = db.GuardianState(ctx)
	require.NoError(t, err)
	require.NotNil(t, s.LastActive)
	assert.Equal(t, active, *s.LastActive)
	assert.Nil(t, s.GraceStartedAt)
}

func TestNotificationsOutbox(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.ScheduleNotification(ctx, Notification{ID: "b", Title: "later", FireAt: t0.Add(time.Hour)}))
	require.NoError(t, db.ScheduleNotification(ctx, Notification{ID: "a", Title: "soon", FireAt: t0}))
	require.NoError(t, db.CancelNotifications(ctx, "b"))

	pending, err := db.Notifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	all, err := db.Notifications(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Rescheduling revives a cancelled notification.
	require.NoError(t, db.ScheduleNotification(ctx, Notification{ID: "b", Title: "later", FireAt: t0.Add(time.Hour)}))
	pending, err = db.Notifications(ctx, false)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
