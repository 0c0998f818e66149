// Package store tests for database migration management.
package store

import (
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorUp(t *testing.T) {
	db := newTestDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}

	// Every collection table must exist.
	for _, table := range []string{"threads", "messages", "quick_captures", "sync_queue", "conflicts", "user_data"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("first Up() error = %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() error = %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() error = %v", err)
	}
	if len(applied) != len(migrations) {
		t.Errorf("applied = %d migrations, want %d", len(applied), len(migrations))
	}
}

func TestMigratorRecordsChecksums(t *testing.T) {
	db := newTestDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() error = %v", err)
	}
	for _, mig := range applied {
		if len(mig.Checksum) != 64 {
			t.Errorf("migration %d checksum = %q, want sha256 hex", mig.Version, mig.Checksum)
		}
		if mig.Description == "" {
			t.Errorf("migration %d has no description", mig.Version)
		}
	}
}

func TestMigratorVerify(t *testing.T) {
	db := newTestDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if err := m.Verify(); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}

	// Tamper with a recorded checksum: Verify must catch the mismatch.
	if _, err := db.Exec("UPDATE schema_migrations SET checksum = ? WHERE version = 1",
		"0000000000000000000000000000000000000000000000000000000000000000"); err != nil {
		t.Fatalf("tamper update error = %v", err)
	}
	if err := m.Verify(); err == nil {
		t.Error("Verify() = nil after tampering, want checksum mismatch")
	}
}
