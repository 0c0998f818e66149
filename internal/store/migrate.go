// Package store provides database schema migration management.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
)

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migration is an embedded schema migration. Migrations ship inside the
// binary: the store must come up wherever the process runs, with no
// migration directory on disk.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{Version: 1, Description: "initial_schema", SQL: schemaV1},
}

// Each collection table holds the primary key, the indexed columns the
// generic store exposes for secondary lookups, and the full record as a JSON
// document in doc. Non-indexed fields live only in doc.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS threads (
	local_id TEXT PRIMARY KEY,
	server_id TEXT,
	sphere_id TEXT,
	sync_status TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_server_id ON threads(server_id);
CREATE INDEX IF NOT EXISTS idx_threads_sphere_id ON threads(sphere_id);
CREATE INDEX IF NOT EXISTS idx_threads_sync_status ON threads(sync_status);
CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	local_id TEXT PRIMARY KEY,
	server_id TEXT,
	thread_id TEXT,
	sync_status TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_server_id ON messages(server_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_sync_status ON messages(sync_status);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);

CREATE TABLE IF NOT EXISTS quick_captures (
	local_id TEXT PRIMARY KEY,
	server_id TEXT,
	sphere_id TEXT,
	sync_status TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quick_captures_server_id ON quick_captures(server_id);
CREATE INDEX IF NOT EXISTS idx_quick_captures_sphere_id ON quick_captures(sphere_id);
CREATE INDEX IF NOT EXISTS idx_quick_captures_sync_status ON quick_captures(sync_status);
CREATE INDEX IF NOT EXISTS idx_quick_captures_created_at ON quick_captures(created_at);

CREATE TABLE IF NOT EXISTS sync_queue (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	timestamp INTEGER NOT NULL DEFAULT 0,
	store TEXT NOT NULL,
	entity_id TEXT,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_sync_queue_timestamp ON sync_queue(timestamp);
CREATE INDEX IF NOT EXISTS idx_sync_queue_store ON sync_queue(store);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity_id ON sync_queue(entity_id);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	entity_id TEXT,
	status TEXT NOT NULL,
	detected_at INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_entity_id ON conflicts(entity_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
CREATE INDEX IF NOT EXISTS idx_conflicts_detected_at ON conflicts(detected_at);

CREATE TABLE IF NOT EXISTS user_data (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_user_data_user_id ON user_data(user_id);
`

// Migrator handles database schema migrations.
type Migrator struct {
	db *DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	if _, err := m.db.Exec(query); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in version order.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to get applied migrations", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	for _, mig := range migrations {
		if appliedVersions[mig.Version] {
			continue
		}
		if err := m.apply(mig); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to apply migration", err)
		}
	}

	return nil
}

// apply applies a single migration inside a transaction and records it with
// a checksum of its SQL.
func (m *Migrator) apply(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	hash := sha256.Sum256([]byte(mig.SQL))
	checksum := hex.EncodeToString(hash[:])

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.Version, time.Now().Unix(), mig.Description, checksum); err != nil {
		return err
	}

	return tx.Commit()
}

// Verify checks that the recorded checksum of every applied migration still
// matches the embedded SQL, catching binaries run against a database created
// by an incompatible build.
func (m *Migrator) Verify() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	embedded := make(map[int]migration)
	for _, mig := range migrations {
		embedded[mig.Version] = mig
	}

	for _, mig := range applied {
		src, ok := embedded[mig.Version]
		if !ok {
			return apperrors.New(apperrors.ErrMigration, "database schema is newer than this build")
		}
		hash := sha256.Sum256([]byte(src.SQL))
		if hex.EncodeToString(hash[:]) != mig.Checksum {
			return apperrors.New(apperrors.ErrMigration, "migration checksum mismatch")
		}
	}

	return nil
}
