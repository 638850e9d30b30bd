package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const zoneColumns = `id, owner_id, name, partition, permission, COALESCE(capability_id, ''), cursor, created_at`

func scanZone(row scanner) (Zone, error) {
	var z Zone
	var createdAt int64
	err := row.Scan(&z.ID, &z.OwnerID, &z.Name, &z.Partition, &z.Permission, &z.CapabilityID, &z.Cursor, &createdAt)
	if err != nil {
		return Zone{}, err
	}
	z.CreatedAt = fromMillis(createdAt)
	return z, nil
}

// EnsurePrivateZone creates the identity's default private zone if missing.
func (db *DB) EnsurePrivateZone(ctx context.Context, ownerID string) (Zone, error) {
	var z Zone
	err := db.Update(ctx, func(tx *Tx) error {
		id := ZoneID(ownerID, DefaultZoneName)
		existing, err := tx.Zone(id)
		if err == nil {
			z = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		z = Zone{
			ID:         id,
			OwnerID:    ownerID,
			Name:       DefaultZoneName,
			Partition:  PartitionPrivate,
			Permission: PermissionReadWrite,
			CreatedAt:  tx.now,
		}
		return tx.PutZone(z)
	})
	return z, err
}

// Zone returns a zone by id.
func (tx *Tx) Zone(id string) (Zone, error) {
	z, err := scanZone(tx.tx.QueryRow(`SELECT `+zoneColumns+` FROM zones WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Zone{}, ErrNotFound
	}
	if err != nil {
		return Zone{}, fmt.Errorf("get zone: %w", err)
	}
	return z, nil
}

// Zones lists every zone in the given scope.
func (tx *Tx) Zones(scope Scope) ([]Zone, error) {
	rows, err := tx.tx.Query(`SELECT ` + zoneColumns + ` FROM zones ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		if scope.includes(z.Partition) {
			zones = append(zones, z)
		}
	}
	return zones, rows.Err()
}

// PutZone inserts or replaces a zone.
func (tx *Tx) PutZone(z Zone) error {
	if z.CreatedAt.IsZero() {
		z.CreatedAt = tx.now
	}
	if z.Permission == "" {
		z.Permission = PermissionReadWrite
	}
	_, err := tx.tx.Exec(`
		INSERT INTO zones (id, owner_id, name, partition, permission, capability_id, cursor, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partition = excluded.partition,
			permission = excluded.permission,
			capability_id = excluded.capability_id,
			cursor = excluded.cursor
	`, z.ID, z.OwnerID, z.Name, z.Partition, z.Permission, z.CapabilityID, z.Cursor, z.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put zone: %w", err)
	}
	return nil
}

// SetCursor records the last remote change sequence pulled for a zone.
func (tx *Tx) SetCursor(zoneID string, cursor int64) error {
	_, err := tx.tx.Exec(`UPDATE zones SET cursor = ? WHERE id = ? AND cursor < ?`, cursor, zoneID, cursor)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// Rehome moves a zone and every record in it to partition p.
func (tx *Tx) Rehome(zoneID string, p Partition) error {
	for _, q := range []string{
		`UPDATE zones SET partition = ? WHERE id = ?`,
		`UPDATE items SET partition = ? WHERE zone_id = ?`,
		`UPDATE recipients SET partition = ? WHERE zone_id = ?`,
	} {
		if _, err := tx.tx.Exec(q, p, zoneID); err != nil {
			return fmt.Errorf("rehome %s: %w", zoneID, err)
		}
	}
	return nil
}

// Zones lists zones outside a transaction.
func (db *DB) Zones(ctx context.Context, scope Scope) ([]Zone, error) {
	var zones []Zone
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		zones, err = tx.Zones(scope)
		return err
	})
	return zones, err
}

func (tx *Tx) writableZone(zoneID string) (Zone, error) {
	z, err := tx.Zone(zoneID)
	if err != nil {
		return Zone{}, fmt.Errorf("zone %s: %w", zoneID, err)
	}
	if !z.Writable() {
		return Zone{}, fmt.Errorf("zone %s: %w", zoneID, ErrReadOnly)
	}
	return z, nil
}

// WritableZones maps every zone id to whether local writes are allowed.
func (tx *Tx) WritableZones() (map[string]bool, error) {
	zones, err := tx.Zones(ScopeBoth)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(zones))
	for _, z := range zones {
		out[z.ID] = z.Writable()
	}
	return out, nil
}
