// Package db is the sqlite run catalog: one row per calibration run with
// its outcome, fit quality and the calibration it produced.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/fsm-calibration/internal/monitoring"
)

var logf = monitoring.Component("Catalog")

type DB struct {
	*sql.DB
	path string
}

// pragmas applied to every connection. WAL lets the HTTP surface read the
// catalog while a recorder writes.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA synchronous=NORMAL",
}

// OpenDB opens path without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// A single connection keeps PRAGMAs and in-memory databases coherent.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens path and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	v, _, err := db.MigrateVersion()
	if err != nil {
		db.Close()
		return nil, err
	}
	logf("opened %s at schema version %d", path, v)
	return db, nil
}

// Path is the file the catalog was opened from.
func (db *DB) Path() string { return db.path }
