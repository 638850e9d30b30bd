package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/store"
)

func TestOutboxScheduleAndCancel(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	out := NewOutbox(db)

	fire := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, out.Schedule(ctx, Notification{ID: GraceStartID, Title: "Grace period started", FireAt: fire}))
	require.NoError(t, out.Schedule(ctx, Notification{ID: GraceEndID, Title: "Grace period ends", FireAt: fire.AddDate(0, 0, 28)}))

	pending, err := db.Notifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, GraceStartID, pending[0].ID)

	require.NoError(t, out.Cancel(ctx, GraceStartID, GraceEndID))
	pending, err = db.Notifications(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReleaseID(t *testing.T) {
	assert.Equal(t, "release.abc", ReleaseID("abc"))
}
