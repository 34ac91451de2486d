// Package store keeps a history of segmentation runs and their segment
// statistics in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
}

// New opens the database and creates the schema when missing.
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: in-memory databases are per connection and SQLite has a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{db}
	if err := d.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// RunMigrations creates the tables if they do not exist.
func (db *DB) RunMigrations() error {
	migration := `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    input TEXT NOT NULL,
    mode TEXT NOT NULL,
    detail_level TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('finished', 'failed', 'cancelled')),
    message TEXT NOT NULL DEFAULT '',
    right_points INTEGER NOT NULL DEFAULT 0,
    left_points INTEGER NOT NULL DEFAULT 0,
    trachea_points INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_input ON runs(input);

CREATE TABLE IF NOT EXISTS segment_stats (
    run_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    voxels INTEGER NOT NULL,
    volume_mm3 REAL NOT NULL,
    volume_cm3 REAL NOT NULL,
    PRIMARY KEY (run_id, name),
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`
	if _, err := db.Exec(migration); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
