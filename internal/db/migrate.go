// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered, embedded migration set. Append-only: released
// versions are never edited, the checksum check enforces it.
var migrations = []Migration{
	{
		Version:     1,
		Description: "create audits table",
		SQL: `
		CREATE TABLE IF NOT EXISTS audits (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			photos TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			synced_at INTEGER,
			server_id INTEGER,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audits_status ON audits(status);
		CREATE INDEX IF NOT EXISTS idx_audits_created_at ON audits(created_at);`,
	},
	{
		Version:     2,
		Description: "create schedules table",
		SQL: `
		CREATE TABLE IF NOT EXISTS schedules (
			date TEXT NOT NULL,
			job_title TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			last_synced_at INTEGER NOT NULL,
			PRIMARY KEY (date, job_title)
		);`,
	},
	{
		Version:     3,
		Description: "create job_cards table",
		SQL: `
		CREATE TABLE IF NOT EXISTS job_cards (
			job_number TEXT PRIMARY KEY,
			client TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'active',
			updated_at INTEGER NOT NULL,
			synced_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_job_cards_status ON job_cards(status);`,
	},
	{
		Version:     4,
		Description: "create earnings table",
		SQL: `
		CREATE TABLE IF NOT EXISTS earnings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			amount REAL NOT NULL,
			period TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			last_synced_at INTEGER NOT NULL
		);`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
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
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate applies all pending migrations in version order.
func (m *Migrator) Migrate() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			if err := m.verifyChecksum(mig); err != nil {
				return err
			}
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
	}

	return nil
}

// apply runs one migration and records it in the same transaction.
func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description, checksum(mig.SQL),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// verifyChecksum ensures an already-applied migration has not been edited.
func (m *Migrator) verifyChecksum(mig Migration) error {
	var stored string
	err := m.db.QueryRow("SELECT checksum FROM schema_migrations WHERE version = ?", mig.Version).Scan(&stored)
	if err == sql.ErrNoRows {
		// Applied under an older scheme; tolerate the gap.
		return nil
	}
	if err != nil {
		return err
	}
	if stored != checksum(mig.SQL) {
		return fmt.Errorf("migration %d checksum mismatch: embedded SQL was modified after release", mig.Version)
	}
	return nil
}

// checksum returns the hex-encoded SHA-256 of the migration SQL.
func checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
