// Package upgrade versions the SQLite session database. Migrations are
// ordered SQL steps; the applied version lives in PRAGMA user_version so
// an older binary can refuse a newer database instead of corrupting it.
package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the schema this binary expects. Bump it when
// appending to migrations.
const RequiredSchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1. Never edit a
// shipped entry; append a new one.
var migrations = []string{
	// v1: session rows as JSON blobs.
	`CREATE TABLE IF NOT EXISTS sessions (
		key     TEXT PRIMARY KEY,
		data    TEXT NOT NULL,
		updated INTEGER NOT NULL
	);`,
	// v2: recency index for LastUsedChannel scans.
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated);`,
}

var ErrSchemaAhead = errors.New("database schema is newer than this binary")

// SchemaStatus is the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  int
	RequiredVersion int
	NeedsMigration  bool
}

// CheckSchema reads the database's schema version without modifying it.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	version, err := currentVersion(db)
	if err != nil {
		return nil, err
	}
	st := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		NeedsMigration:  version < RequiredSchemaVersion,
	}
	if version > RequiredSchemaVersion {
		return st, fmt.Errorf("%w: db=%d binary=%d", ErrSchemaAhead, version, RequiredSchemaVersion)
	}
	return st, nil
}

// Apply brings the database up to RequiredSchemaVersion. Idempotent;
// fails without partial application when a step errors.
func Apply(db *sql.DB) (*SchemaStatus, error) {
	st, err := CheckSchema(db)
	if err != nil {
		return st, err
	}

	for v := st.CurrentVersion; v < RequiredSchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return st, fmt.Errorf("upgrade: begin: %w", err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return st, fmt.Errorf("upgrade: step %d -> %d: %w", v, v+1, err)
		}
		// PRAGMA can't be parameterized and can't run inside the tx in
		// all drivers, so set it after a successful commit.
		if err := tx.Commit(); err != nil {
			return st, fmt.Errorf("upgrade: commit step %d: %w", v, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return st, fmt.Errorf("upgrade: set version %d: %w", v+1, err)
		}
	}

	return CheckSchema(db)
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("upgrade: read user_version: %w", err)
	}
	return v, nil
}
