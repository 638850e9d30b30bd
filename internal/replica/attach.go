package replica

import (
	"context"
	"errors"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/store"
)

// AttachSharedPartition mounts the zone a capability covers as a shared
// zone and pulls what is already there. Attaching an already mounted zone
// updates its permission and keeps its cursor. A failed first pull is left
// to the next refresh.
func (r *Replicator) AttachSharedPartition(ctx context.Context, c cloud.Capability) (store.Zone, error) {
	z := store.Zone{
		ID:           c.ZoneID(),
		OwnerID:      c.OwnerID,
		Name:         c.Zone,
		Partition:    store.PartitionShared,
		Permission:   c.Permission,
		CapabilityID: c.ID,
	}
	err := r.db.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.Zone(z.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			z.Cursor = cur.Cursor
			z.CreatedAt = cur.CreatedAt
		}
		return tx.PutZone(z)
	})
	if err != nil {
		return store.Zone{}, err
	}

	st, err := r.RefreshZone(ctx, z.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("zone", z.ID).Msg("initial pull of shared zone failed")
		if errors.Is(err, ErrUnreachable) {
			r.metrics.RefreshFailed()
		}
	} else {
		r.log.Info().Str("zone", z.ID).Int("records", st.Pulled).Msg("attached shared zone")
	}
	return z, nil
}
