package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *Store) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial tables: settings, devices, auth_events.
func (s *Store) migrateToV1() error {
	const schema = `
		-- Key/value host settings. Currently holds the bcrypt hash of the
		-- optional static password under the key 'password_hash'.
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		-- Devices that have successfully authenticated at least once.
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			first_connected TEXT NOT NULL,
			last_connected TEXT NOT NULL
		);

		-- Audit log of authentication attempts, keyed by source address.
		CREATE TABLE IF NOT EXISTS auth_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			outcome TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_auth_events_source ON auth_events(source);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create v1 tables: %w", err)
	}

	if err := s.recordSchemaVersion(1); err != nil {
		return err
	}

	return nil
}

// recordSchemaVersion marks a migration as applied.
func (s *Store) recordSchemaVersion(version int) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	return nil
}
