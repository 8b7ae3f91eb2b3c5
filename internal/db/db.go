// Package db is the relay's session journal: one row per streaming session,
// from stream start to disconnect. Frames are never stored.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

// DB wraps the journal database.
type DB struct {
	*sql.DB
}

// Open opens or creates the journal at path and migrates it to the latest
// schema. Use ":memory:" for a throwaway journal.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	version, _, err := db.MigrateVersion()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	monitoring.Component("journal").WithField("path", path).WithField("schema", version).Info("journal ready")
	return db, nil
}
