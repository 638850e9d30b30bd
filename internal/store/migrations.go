package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "zones: containers of records, one partition each",
		SQL: `
CREATE TABLE zones (
    id             TEXT PRIMARY KEY,
    owner_id       TEXT NOT NULL,
    name           TEXT NOT NULL,
    partition      TEXT NOT NULL CHECK (partition IN ('private', 'shared')),
    permission     TEXT NOT NULL DEFAULT 'read_write' CHECK (permission IN ('read_only', 'read_write')),
    capability_id  TEXT,
    cursor         INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    UNIQUE (owner_id, name)
);
`,
	},
	{
		Version:     2,
		Description: "items: keepsakes with release policy and per-group clocks",
		SQL: `
CREATE TABLE items (
    id               TEXT PRIMARY KEY,
    zone_id          TEXT NOT NULL,
    partition        TEXT NOT NULL CHECK (partition IN ('private', 'shared')),
    content_ref      TEXT NOT NULL DEFAULT '',
    recipients       TEXT NOT NULL DEFAULT '[]',

    policy_kind      TEXT NOT NULL CHECK (policy_kind IN ('immediate', 'on_date', 'on_recipient_age', 'vault', 'heartbeat_queue')),
    policy_date      INTEGER,
    policy_years     INTEGER NOT NULL DEFAULT 0,
    policy_recipient TEXT NOT NULL DEFAULT '',

    released         INTEGER NOT NULL DEFAULT 0,
    released_at      INTEGER,
    watched          INTEGER NOT NULL DEFAULT 0,
    watched_at       INTEGER,
    created_at       INTEGER NOT NULL,

    -- Last-writer-wins clocks, one per field group
    content_mod      INTEGER NOT NULL DEFAULT 0,
    recipients_mod   INTEGER NOT NULL DEFAULT 0,
    policy_mod       INTEGER NOT NULL DEFAULT 0,
    release_mod      INTEGER NOT NULL DEFAULT 0,
    watch_mod        INTEGER NOT NULL DEFAULT 0,

    -- Replication bookkeeping
    version          INTEGER NOT NULL DEFAULT 0,
    remote_seq       INTEGER NOT NULL DEFAULT 0,
    dirty            INTEGER NOT NULL DEFAULT 0,

    FOREIGN KEY (zone_id) REFERENCES zones(id)
);

CREATE INDEX idx_items_zone     ON items(zone_id);
CREATE INDEX idx_items_pending  ON items(released, created_at);
CREATE INDEX idx_items_dirty    ON items(zone_id, dirty);
`,
	},
	{
		Version:     3,
		Description: "recipients: people keepsakes are addressed to",
		SQL: `
CREATE TABLE recipients (
    id                   TEXT PRIMARY KEY,
    zone_id              TEXT NOT NULL,
    partition            TEXT NOT NULL CHECK (partition IN ('private', 'shared')),
    name                 TEXT NOT NULL DEFAULT '',
    birth_date           INTEGER,
    heartbeats_enabled   INTEGER NOT NULL DEFAULT 0,
    heartbeats_start     INTEGER,
    heartbeats_last      INTEGER,
    created_at           INTEGER NOT NULL,

    profile_mod          INTEGER NOT NULL DEFAULT 0,
    heartbeats_mod       INTEGER NOT NULL DEFAULT 0,
    heartbeat_mark_mod   INTEGER NOT NULL DEFAULT 0,

    version              INTEGER NOT NULL DEFAULT 0,
    remote_seq           INTEGER NOT NULL DEFAULT 0,
    dirty                INTEGER NOT NULL DEFAULT 0,

    FOREIGN KEY (zone_id) REFERENCES zones(id)
);

CREATE INDEX idx_recipients_zone  ON recipients(zone_id);
CREATE INDEX idx_recipients_dirty ON recipients(zone_id, dirty);
`,
	},
	{
		Version:     4,
		Description: "settings and local guardian state",
		SQL: `
CREATE TABLE settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE guardian_state (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    last_active          INTEGER,
    grace_started        INTEGER,
    last_weekly_release  INTEGER
);
`,
	},
	{
		Version:     5,
		Description: "notifications: outbox for locally scheduled notifications",
		SQL: `
CREATE TABLE notifications (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    fire_at     INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    cancelled   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_notifications_fire ON notifications(cancelled, fire_at);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
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
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
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

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
