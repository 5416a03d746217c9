// Package db tests for connection management and migrations.
package db

import (
	"path/filepath"
	"testing"
)

// openTestDB opens a migrated in-memory database for tests.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := NewMigrator(database.DB).Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	return database
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	database, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer database.Close()

	if err := database.Ping(); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := openTestDB(t)

	migrator := NewMigrator(database.DB)
	if err := migrator.Migrate(); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}

	version, err := migrator.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() error: %v", err)
	}
	if want := len(migrations); version != want {
		t.Errorf("CurrentVersion() = %d, want %d", version, want)
	}
}

func TestMigrateCreatesTables(t *testing.T) {
	database := openTestDB(t)

	for _, table := range []string{"audits", "schedules", "job_cards", "earnings"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing after migration: %v", table, err)
		}
	}
}

func TestMigrateDetectsEditedMigration(t *testing.T) {
	database := openTestDB(t)

	// Corrupt the recorded checksum to simulate an edited released migration.
	_, err := database.Exec("UPDATE schema_migrations SET checksum = ? WHERE version = 1",
		"0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}

	if err := NewMigrator(database.DB).Migrate(); err == nil {
		t.Error("Migrate() should fail on checksum mismatch")
	}
}
