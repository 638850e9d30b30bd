// Package capability is the capability exchange: it grants other identities
// access to a zone, issues short share codes for those grants and redeems
// them on the receiving device.
package capability

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/retry"
	"github.com/lazypower/heirloom/internal/store"
)

var (
	ErrCodeNotFound = errors.New("capability: share code not found")
	ErrSelfShare    = errors.New("capability: cannot redeem a share you issued")
	ErrNoPermission = errors.New("capability: permission none grants nothing")
	ErrNotOwner     = errors.New("capability: zone is not owned by this identity")
)

// Remote is the capability surface of the remote service.
type Remote interface {
	CreateCapability(ctx context.Context, zone string, perm store.Permission) (cloud.Capability, error)
	FindCapability(ctx context.Context, zone string) (cloud.Capability, bool, error)
	Capability(ctx context.Context, id string) (cloud.Capability, error)
	RevokeCapability(ctx context.Context, id string) error
	AcceptCapability(ctx context.Context, id string) (cloud.Capability, error)
}

// Attacher mounts the zone a redeemed capability covers.
type Attacher interface {
	AttachSharedPartition(ctx context.Context, c cloud.Capability) (store.Zone, error)
}

// Exchange issues and redeems capabilities for one local identity.
type Exchange struct {
	db       *store.DB
	identity string
	remote   Remote
	registry registry.Registry
	attacher Attacher
	policy   retry.Policy
	metrics  *metrics.Metrics
	log      zerolog.Logger
	rand     io.Reader
}

// New creates an Exchange. policy bounds code resolution.
func New(db *store.DB, identity string, remote Remote, reg registry.Registry, att Attacher, policy retry.Policy, m *metrics.Metrics, log zerolog.Logger) *Exchange {
	return &Exchange{
		db:       db,
		identity: identity,
		remote:   remote,
		registry: reg,
		attacher: att,
		policy:   policy,
		metrics:  m,
		log:      log.With().Str("component", "capability").Logger(),
		rand:     rand.Reader,
	}
}

// CreateCapability grants access to one of the identity's zones. A live
// capability with the same permission is reused. One with a different
// permission is purged and replaced, never widened in place. The zone moves
// to the shared partition.
func (e *Exchange) CreateCapability(ctx context.Context, zoneID string, perm store.Permission) (cloud.Capability, error) {
	if perm != store.PermissionReadOnly && perm != store.PermissionReadWrite {
		return cloud.Capability{}, ErrNoPermission
	}
	var zone store.Zone
	err := e.db.View(ctx, func(tx *store.Tx) error {
		var err error
		zone, err = tx.Zone(zoneID)
		return err
	})
	if err != nil {
		return cloud.Capability{}, fmt.Errorf("zone %s: %w", zoneID, err)
	}
	if zone.OwnerID != e.identity {
		return cloud.Capability{}, ErrNotOwner
	}

	existing, ok, err := e.remote.FindCapability(ctx, zone.Name)
	if err != nil {
		return cloud.Capability{}, fmt.Errorf("find capability: %w", err)
	}
	c := existing
	if ok && existing.Permission != perm {
		if err := e.remote.RevokeCapability(ctx, existing.ID); err != nil {
			return cloud.Capability{}, fmt.Errorf("purge capability %s: %w", existing.ID, err)
		}
		e.log.Info().Str("zone", zoneID).Str("capability", existing.ID).
			Str("from", string(existing.Permission)).Str("to", string(perm)).
			Msg("purged capability with different permission")
		ok = false
	}
	if !ok {
		if c, err = e.remote.CreateCapability(ctx, zone.Name, perm); err != nil {
			return cloud.Capability{}, fmt.Errorf("create capability: %w", err)
		}
	}

	err = e.db.Update(ctx, func(tx *store.Tx) error {
		z, err := tx.Zone(zoneID)
		if err != nil {
			return err
		}
		z.CapabilityID = c.ID
		if err := tx.PutZone(z); err != nil {
			return err
		}
		return tx.Rehome(zoneID, store.PartitionShared)
	})
	if err != nil {
		return cloud.Capability{}, err
	}
	return c, nil
}

// Share creates a capability and a share code that resolves to it.
func (e *Exchange) Share(ctx context.Context, zoneID string, perm store.Permission) (string, cloud.Capability, error) {
	c, err := e.CreateCapability(ctx, zoneID, perm)
	if err != nil {
		return "", cloud.Capability{}, err
	}
	code, err := e.IssueCode(ctx, c.ID)
	if err != nil {
		return "", cloud.Capability{}, err
	}
	return code, c, nil
}

// Unshare purges the zone's live capability. Participants lose access on
// their next refresh. The zone stays in the shared partition.
func (e *Exchange) Unshare(ctx context.Context, zoneID string) error {
	var zone store.Zone
	err := e.db.View(ctx, func(tx *store.Tx) error {
		var err error
		zone, err = tx.Zone(zoneID)
		return err
	})
	if err != nil {
		return fmt.Errorf("zone %s: %w", zoneID, err)
	}
	if zone.OwnerID != e.identity {
		return ErrNotOwner
	}
	c, ok, err := e.remote.FindCapability(ctx, zone.Name)
	if err != nil || !ok {
		return err
	}
	if err := e.remote.RevokeCapability(ctx, c.ID); err != nil {
		return err
	}
	return e.db.Update(ctx, func(tx *store.Tx) error {
		z, err := tx.Zone(zoneID)
		if err != nil {
			return err
		}
		z.CapabilityID = ""
		return tx.PutZone(z)
	})
}

// IssueCode claims a fresh share code resolving to target.
func (e *Exchange) IssueCode(ctx context.Context, target string) (string, error) {
	return registry.Issue(ctx, e.rand, registry.ShareCodeLength,
		func(ctx context.Context, code string) error {
			e.metrics.CodeAttempt("share")
			return e.registry.ClaimCode(ctx, code, target)
		},
		func() { e.metrics.CodeCollision("share") },
	)
}

// ResolveCode looks a share code up, waiting out registry propagation under
// the exchange's retry policy. Cancelling ctx stops the retries.
func (e *Exchange) ResolveCode(ctx context.Context, code string) (string, error) {
	code = NormalizeCode(code)
	if !registry.ValidCode(code) {
		return "", fmt.Errorf("%q: %w", code, ErrCodeNotFound)
	}
	var target string
	err := retry.Do(ctx, e.policy, func(err error) bool {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, cloud.ErrUnreachable) {
			e.metrics.ResolveRetry()
			return true
		}
		return false
	}, func(ctx context.Context) error {
		var err error
		target, err = e.registry.LookupCode(ctx, code)
		return err
	})
	if errors.Is(err, registry.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", code, ErrCodeNotFound)
	}
	return target, err
}

// RedeemCapability accepts a capability and attaches the zone it covers.
func (e *Exchange) RedeemCapability(ctx context.Context, id string) (store.Zone, error) {
	c, err := e.remote.Capability(ctx, id)
	if err != nil {
		return store.Zone{}, fmt.Errorf("capability %s: %w", id, err)
	}
	if c.OwnerID == e.identity {
		return store.Zone{}, ErrSelfShare
	}
	if c.Permission != store.PermissionReadOnly && c.Permission != store.PermissionReadWrite {
		return store.Zone{}, ErrNoPermission
	}
	if c.Revoked {
		return store.Zone{}, cloud.ErrRevoked
	}
	if c, err = e.remote.AcceptCapability(ctx, id); err != nil {
		return store.Zone{}, fmt.Errorf("accept capability %s: %w", id, err)
	}
	z, err := e.attacher.AttachSharedPartition(ctx, c)
	if err != nil {
		return store.Zone{}, err
	}
	e.log.Info().Str("zone", z.ID).Str("permission", string(c.Permission)).Msg("redeemed capability")
	return z, nil
}

// RedeemCode resolves a share code and redeems the capability behind it.
func (e *Exchange) RedeemCode(ctx context.Context, code string) (store.Zone, error) {
	id, err := e.ResolveCode(ctx, code)
	if err != nil {
		return store.Zone{}, err
	}
	return e.RedeemCapability(ctx, id)
}

// NormalizeCode uppercases a typed code and drops separators.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
