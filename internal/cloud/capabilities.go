package cloud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lazypower/heirloom/internal/store"
)

// ErrInvalid rejects malformed requests.
var ErrInvalid = errors.New("invalid request")

const capabilityColumns = `id, owner_id, zone, permission, issued_at, revoked_at`

func scanCapability(row interface{ Scan(...any) error }) (Capability, error) {
	var c Capability
	var issued int64
	var revoked *int64
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Zone, &c.Permission, &issued, &revoked); err != nil {
		return Capability{}, err
	}
	c.IssuedAt = fromMillis(issued)
	c.Revoked = revoked != nil
	return c, nil
}

// CreateCapability issues a new capability over one of the caller's zones.
func (s *Session) CreateCapability(ctx context.Context, zone string, perm store.Permission) (Capability, error) {
	if perm != store.PermissionReadOnly && perm != store.PermissionReadWrite {
		return Capability{}, fmt.Errorf("permission %q: %w", perm, ErrInvalid)
	}
	if zone == "" || s.identity == "" {
		return Capability{}, ErrInvalid
	}
	c := Capability{
		ID:         uuid.NewString(),
		OwnerID:    s.identity,
		Zone:       zone,
		Permission: perm,
		IssuedAt:   s.db.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capabilities (id, owner_id, zone, permission, issued_at) VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.OwnerID, c.Zone, c.Permission, millis(c.IssuedAt))
	if err != nil {
		return Capability{}, fmt.Errorf("create capability: %w", err)
	}
	return c, nil
}

// FindCapability returns the newest live capability over one of the
// caller's zones.
func (s *Session) FindCapability(ctx context.Context, zone string) (Capability, bool, error) {
	c, err := scanCapability(s.db.QueryRowContext(ctx, `
		SELECT `+capabilityColumns+` FROM capabilities
		WHERE owner_id = ? AND zone = ? AND revoked_at IS NULL
		ORDER BY issued_at DESC, id DESC LIMIT 1
	`, s.identity, zone))
	if errors.Is(err, sql.ErrNoRows) {
		return Capability{}, false, nil
	}
	if err != nil {
		return Capability{}, false, fmt.Errorf("find capability: %w", err)
	}
	return c, true, nil
}

// Capability fetches a capability by id. Knowing the id is what grants the
// right to read it.
func (s *Session) Capability(ctx context.Context, id string) (Capability, error) {
	c, err := scanCapability(s.db.QueryRowContext(ctx, `SELECT `+capabilityColumns+` FROM capabilities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Capability{}, ErrNotFound
	}
	if err != nil {
		return Capability{}, fmt.Errorf("get capability: %w", err)
	}
	return c, nil
}

// RevokeCapability purges a capability. Participants lose access at once.
func (s *Session) RevokeCapability(ctx context.Context, id string) error {
	c, err := s.Capability(ctx, id)
	if err != nil {
		return err
	}
	if c.OwnerID != s.identity {
		return ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE capabilities SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, millis(s.db.now()), id); err != nil {
		return fmt.Errorf("revoke capability: %w", err)
	}
	return nil
}

// AcceptCapability records the caller as a participant of the capability.
// Accepting twice is harmless.
func (s *Session) AcceptCapability(ctx context.Context, id string) (Capability, error) {
	if s.identity == "" {
		return Capability{}, ErrForbidden
	}
	c, err := s.Capability(ctx, id)
	if err != nil {
		return Capability{}, err
	}
	if c.Revoked {
		return Capability{}, ErrRevoked
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO participants (capability_id, identity, accepted_at) VALUES (?, ?, ?)
		ON CONFLICT(capability_id, identity) DO NOTHING
	`, id, s.identity, millis(s.db.now()))
	if err != nil {
		return Capability{}, fmt.Errorf("accept capability: %w", err)
	}
	return c, nil
}
