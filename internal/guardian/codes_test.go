package guardian

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/store"
)

func TestFollowKeepsSortedUniqueCodes(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	codes, err := Following(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, codes)

	require.NoError(t, Follow(ctx, db, "ZZZZ2345"))
	require.NoError(t, Follow(ctx, db, "AAAA2345"))
	require.NoError(t, Follow(ctx, db, "ZZZZ2345"))
	codes, err = Following(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAA2345", "ZZZZ2345"}, codes)

	_, ok, err := OwnCode(ctx, db)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, SetOwnCode(ctx, db, "WNRS2345"))
	code, ok, err := OwnCode(ctx, db)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "WNRS2345", code)
}
