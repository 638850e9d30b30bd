package release

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/clock"
	"github.com/lazypower/heirloom/internal/notify"
	"github.com/lazypower/heirloom/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db    *store.DB
	clock *clock.Fake
	eng   *Engine
	zone  store.Zone
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := clock.NewFake(t0)
	db.SetClock(c)
	z, err := db.EnsurePrivateZone(context.Background(), "alice")
	require.NoError(t, err)
	return &fixture{
		db:    db,
		clock: c,
		eng:   New(db, notify.NewOutbox(db), nil, zerolog.Nop()),
		zone:  z,
	}
}

func (f *fixture) recipient(t *testing.T, name string, birth *time.Time) store.Recipient {
	t.Helper()
	r := store.NewRecipient(f.zone.ID, name, birth)
	require.NoError(t, f.db.Save(context.Background(), store.SaveRecipient(r)))
	return *r
}

func (f *fixture) item(t *testing.T, recipients []string, p store.ReleasePolicy) store.Item {
	t.Helper()
	it := store.NewItem(f.zone.ID, "blob://"+p.String(), recipients, p)
	require.NoError(t, f.db.Save(context.Background(), store.SaveItem(it)))
	return *it
}

func (f *fixture) get(t *testing.T, id string) store.Item {
	t.Helper()
	it, err := f.db.Item(context.Background(), id)
	require.NoError(t, err)
	return it
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}
