// Package store is the local record store. It keeps both partitions (private
// and shared) in one SQLite database; the replica package keeps them
// convergent with the remote service.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lazypower/heirloom/internal/clock"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the heirloom SQLite database.
type DB struct {
	*sql.DB
	Path  string
	clock clock.Clock
}

// DefaultDBPath returns the default database path: ~/.heirloom/heirloom.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".heirloom", "heirloom.db"), nil
}

// Open opens or creates the store at path. The parent directory is created
// owner-only since it holds unreleased keepsakes.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return initDB(sqlDB, path)
}

// OpenMemory opens a private in-memory store, used by tests.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return initDB(sqlDB, ":memory:")
}

func initDB(sqlDB *sql.DB, path string) (*DB, error) {
	// One connection serializes every mutation and keeps :memory: databases
	// from splitting across pooled connections.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: path, clock: clock.System{}}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SetClock replaces the time source used to stamp writes.
func (db *DB) SetClock(c clock.Clock) {
	db.clock = c
}

// Now returns the store's current time.
func (db *DB) Now() time.Time {
	return db.clock.Now()
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}
