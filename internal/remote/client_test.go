package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/registry/registrytest"
	"github.com/lazypower/heirloom/internal/server"
	"github.com/lazypower/heirloom/internal/store"
)

func testService(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := cloud.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ts := httptest.NewServer(server.New(db, db, metrics.New(), zerolog.Nop(), "test"))
	t.Cleanup(ts.Close)
	return ts
}

func TestRegistryContractOverHTTP(t *testing.T) {
	ts := testService(t)
	registrytest.Run(t, NewClient(ts.URL, "alice", 0))
}

func TestPushAndChanges(t *testing.T) {
	ts := testService(t)
	ctx := context.Background()
	alice := NewClient(ts.URL, "alice", 0)

	results, err := alice.Push(ctx, "alice", "keepsakes", []cloud.PushRecord{
		{Kind: cloud.KindItem, ID: "i1", Data: json.RawMessage(`{"id":"i1"}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	seq := results[0].Seq

	results, err = alice.Push(ctx, "alice", "keepsakes", []cloud.PushRecord{
		{Kind: cloud.KindItem, ID: "i1", BaseSeq: 0, Data: json.RawMessage(`{"id":"i1","v":2}`)},
	})
	require.NoError(t, err)
	require.True(t, results[0].Conflict)
	require.NotNil(t, results[0].Current)
	assert.Equal(t, seq, results[0].Current.Seq)

	changes, err := alice.Changes(ctx, "alice", "keepsakes", 0)
	require.NoError(t, err)
	require.Len(t, changes.Records, 1)
	assert.Equal(t, seq, changes.Cursor)

	_, err = NewClient(ts.URL, "mallory", 0).Changes(ctx, "alice", "keepsakes", 0)
	assert.ErrorIs(t, err, cloud.ErrForbidden)
}

func TestCapabilityCalls(t *testing.T) {
	ts := testService(t)
	ctx := context.Background()
	alice := NewClient(ts.URL, "alice", 0)
	bob := NewClient(ts.URL, "bob", 0)

	_, ok, err := alice.FindCapability(ctx, "keepsakes")
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := alice.CreateCapability(ctx, "keepsakes", store.PermissionReadWrite)
	require.NoError(t, err)

	found, ok, err := alice.FindCapability(ctx, "keepsakes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.ID, found.ID)

	got, err := bob.AcceptCapability(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, store.PermissionReadWrite, got.Permission)

	assert.ErrorIs(t, bob.RevokeCapability(ctx, c.ID), cloud.ErrForbidden)
	require.NoError(t, alice.RevokeCapability(ctx, c.ID))

	_, err = bob.AcceptCapability(ctx, c.ID)
	assert.ErrorIs(t, err, cloud.ErrRevoked)

	_, err = bob.Capability(ctx, "missing")
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestUnreachable(t *testing.T) {
	ts := testService(t)
	c := NewClient(ts.URL, "alice", 0)
	require.True(t, c.Healthy(context.Background()))
	ts.Close()

	assert.False(t, c.Healthy(context.Background()))
	_, err := c.Changes(context.Background(), "alice", "keepsakes", 0)
	assert.ErrorIs(t, err, cloud.ErrUnreachable)
}

func TestServerErrorsAreTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "alice", 0).Changes(context.Background(), "alice", "keepsakes", 0)
	assert.ErrorIs(t, err, cloud.ErrUnreachable)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusServiceUnavailable, rerr.Status)
}
