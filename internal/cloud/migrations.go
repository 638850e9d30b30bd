package cloud

import "fmt"

var migrations = []struct {
	Version     int
	Description string
	SQL         string
}{
	{
		Version:     1,
		Description: "records: replicated zone contents with a global change sequence",
		SQL: `
CREATE TABLE records (
    owner_id    TEXT NOT NULL,
    zone        TEXT NOT NULL,
    kind        TEXT NOT NULL CHECK (kind IN ('item', 'recipient')),
    id          TEXT NOT NULL,
    seq         INTEGER NOT NULL UNIQUE,
    data        TEXT NOT NULL,
    updated_by  TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (kind, id)
);

CREATE INDEX idx_records_zone_seq ON records(owner_id, zone, seq);
`,
	},
	{
		Version:     2,
		Description: "capabilities and the identities that accepted them",
		SQL: `
CREATE TABLE capabilities (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    zone        TEXT NOT NULL,
    permission  TEXT NOT NULL CHECK (permission IN ('read_only', 'read_write')),
    issued_at   INTEGER NOT NULL,
    revoked_at  INTEGER
);

CREATE INDEX idx_capabilities_zone ON capabilities(owner_id, zone, revoked_at);

CREATE TABLE participants (
    capability_id  TEXT NOT NULL REFERENCES capabilities(id) ON DELETE CASCADE,
    identity       TEXT NOT NULL,
    accepted_at    INTEGER NOT NULL,
    PRIMARY KEY (capability_id, identity)
);
`,
	},
	{
		Version:     3,
		Description: "registry: share codes and guardian records",
		SQL: `
CREATE TABLE codes (
    code        TEXT PRIMARY KEY,
    target      TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE TABLE guardians (
    code                    TEXT PRIMARY KEY,
    owner_id                TEXT NOT NULL,
    zone                    TEXT NOT NULL,
    enabled                 INTEGER NOT NULL DEFAULT 1,
    inactivity_months       INTEGER NOT NULL CHECK (inactivity_months >= 1),
    grace_weeks             INTEGER NOT NULL CHECK (grace_weeks >= 1),
    last_active             INTEGER NOT NULL,
    grace_started           INTEGER,
    weekly_release_enabled  INTEGER NOT NULL DEFAULT 0,
    weekly_last_release     INTEGER,
    created_at              INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_versions (version, description) VALUES (?, ?)", m.Version, m.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
