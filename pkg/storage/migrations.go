package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// MigrationsTable records which migrations have been applied to a database.
const MigrationsTable = "migrations"

// MigrationKind separates schema changes from data rewrites.
type MigrationKind string

const (
	// SchemaMigration changes tables, indexes or triggers.
	SchemaMigration MigrationKind = "schema"
	// DataMigration rewrites or seeds rows and assumes well-formed data.
	DataMigration MigrationKind = "data"
)

// Migration represents a database migration
type Migration struct {
	ID          string        `json:"id"`
	Kind        MigrationKind `json:"kind"`
	Description string        `json:"description"`
	Up          []string      `json:"up"` // SQL statements to apply migration
	Checksum    string        `json:"checksum"`
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	ID        string        `json:"id"`
	Kind      MigrationKind `json:"kind"`
	Checksum  string        `json:"checksum"`
	Applied   bool          `json:"applied"`
	AppliedAt time.Time     `json:"applied_at,omitempty"`
}

// MigrationStatusSummary provides an overview of migration status
type MigrationStatusSummary struct {
	AppliedCount      int               `json:"applied_count"`
	PendingCount      int               `json:"pending_count"`
	TotalMigrations   int               `json:"total_migrations"`
	UpToDate          bool              `json:"up_to_date"`
	UnknownApplied    []string          `json:"unknown_applied,omitempty"`
	AppliedMigrations []MigrationStatus `json:"applied_migrations"`
	PendingMigrations []Migration       `json:"pending_migrations"`
}

// Migrator applies an ordered set of migrations to any store. It is
// idempotent: migrations already recorded in the migrations table are
// skipped.
type Migrator struct {
	migrations []Migration
}

// NewMigrator creates a migrator for migrations, applied in the given order.
func NewMigrator(migrations ...Migration) *Migrator {
	m := &Migrator{migrations: make([]Migration, 0, len(migrations))}
	for _, migration := range migrations {
		if migration.Kind == "" {
			migration.Kind = SchemaMigration
		}
		migration.Checksum = calculateChecksum(&migration)
		m.migrations = append(m.migrations, migration)
	}
	return m
}

// Migrations returns the registered migrations in order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// calculateChecksum calculates a SHA256 checksum for a migration
func calculateChecksum(migration *Migration) string {
	hasher := sha256.New()

	hasher.Write([]byte(fmt.Sprintf("%s:%s:", migration.ID, migration.Kind)))
	for _, stmt := range migration.Up {
		hasher.Write([]byte(stmt))
	}

	return hex.EncodeToString(hasher.Sum(nil))
}

// EnsureMigrationsTable creates the bookkeeping table if it is missing.
func EnsureMigrationsTable(ctx context.Context, store *SQLiteStore) error {
	_, err := store.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+MigrationsTable+` (
		identifier TEXT PRIMARY KEY NOT NULL,
		kind TEXT NOT NULL DEFAULT 'schema',
		checksum TEXT,
		applied_at INTEGER
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// AppliedIDs returns the identifiers recorded in the migrations table.
func AppliedIDs(ctx context.Context, store *SQLiteStore) ([]string, error) {
	rows, err := store.Query(ctx, "SELECT identifier FROM "+MigrationsTable+" ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan migration id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}

// GetPendingMigrations returns migrations that haven't been applied.
// Data migrations are only considered when includeData is set.
func (m *Migrator) GetPendingMigrations(ctx context.Context, store *SQLiteStore, includeData bool) ([]Migration, error) {
	if err := EnsureMigrationsTable(ctx, store); err != nil {
		return nil, err
	}
	applied, err := AppliedIDs(ctx, store)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(applied))
	for _, id := range applied {
		done[id] = struct{}{}
	}

	var pending []Migration
	for _, migration := range m.migrations {
		if migration.Kind == DataMigration && !includeData {
			continue
		}
		if _, ok := done[migration.ID]; !ok {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Migrate applies all pending migrations and reports whether any ran.
// With includeData unset only schema migrations are applied.
func (m *Migrator) Migrate(ctx context.Context, store *SQLiteStore, includeData bool) (bool, error) {
	pending, err := m.GetPendingMigrations(ctx, store, includeData)
	if err != nil {
		return false, fmt.Errorf("failed to get pending migrations: %w", err)
	}

	if len(pending) == 0 {
		log.Debug().Str("database_path", store.Paths().Main).Msg("No pending migrations found")
		return false, nil
	}

	log.Info().
		Int("count", len(pending)).
		Bool("include_data", includeData).
		Str("database_path", store.Paths().Main).
		Msg("Found pending migrations")

	for i := range pending {
		migration := &pending[i]
		if err := m.applyMigration(ctx, store, migration); err != nil {
			return i > 0, fmt.Errorf("failed to apply migration %s: %w", migration.ID, err)
		}
		log.Debug().
			Str("id", migration.ID).
			Str("kind", string(migration.Kind)).
			Msg("Migration applied successfully")
	}

	return true, nil
}

// applyMigration applies a single migration in its own write transaction
func (m *Migrator) applyMigration(ctx context.Context, store *SQLiteStore, migration *Migration) error {
	return store.Write(ctx, func(tx *Transaction) error {
		for i, statement := range migration.Up {
			if statement == "" {
				continue
			}
			if _, err := tx.Exec(statement); err != nil {
				return fmt.Errorf("failed to execute statement %d: %w", i+1, err)
			}
		}

		_, err := tx.Exec(`INSERT OR REPLACE INTO `+MigrationsTable+` (identifier, kind, checksum, applied_at)
			VALUES (?, ?, ?, ?)`, migration.ID, string(migration.Kind), migration.Checksum, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// GetAppliedMigrations returns the applied migrations as recorded on disk
func (m *Migrator) GetAppliedMigrations(ctx context.Context, store *SQLiteStore) ([]MigrationStatus, error) {
	if err := EnsureMigrationsTable(ctx, store); err != nil {
		return nil, err
	}
	rows, err := store.Query(ctx, `SELECT identifier, kind, COALESCE(checksum, ''), COALESCE(applied_at, 0)
		FROM `+MigrationsTable+` ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []MigrationStatus
	for rows.Next() {
		var status MigrationStatus
		var kind string
		var appliedAt int64
		if err := rows.Scan(&status.ID, &kind, &status.Checksum, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration status: %w", err)
		}
		status.Kind = MigrationKind(kind)
		status.Applied = true
		if appliedAt > 0 {
			status.AppliedAt = time.Unix(appliedAt, 0)
		}
		applied = append(applied, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return applied, nil
}

// ValidateMigrations checks that applied migrations match registered ones
func (m *Migrator) ValidateMigrations(ctx context.Context, store *SQLiteStore) error {
	applied, err := m.GetAppliedMigrations(ctx, store)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	registered := make(map[string]Migration, len(m.migrations))
	for _, migration := range m.migrations {
		registered[migration.ID] = migration
	}

	for _, a := range applied {
		migration, ok := registered[a.ID]
		if !ok {
			log.Warn().Str("id", a.ID).Msg("Applied migration not found in registered migrations")
			continue
		}
		// Identifiers copied during recovery carry no checksum.
		if a.Checksum != "" && a.Checksum != migration.Checksum {
			return fmt.Errorf("migration %s checksum mismatch: expected %s, got %s",
				a.ID, migration.Checksum, a.Checksum)
		}
	}

	return nil
}

// GetMigrationStatus returns the current migration status
func (m *Migrator) GetMigrationStatus(ctx context.Context, store *SQLiteStore) (*MigrationStatusSummary, error) {
	applied, err := m.GetAppliedMigrations(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending, err := m.GetPendingMigrations(ctx, store, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending migrations: %w", err)
	}

	registered := make(map[string]struct{}, len(m.migrations))
	for _, migration := range m.migrations {
		registered[migration.ID] = struct{}{}
	}
	var unknown []string
	for _, a := range applied {
		if _, ok := registered[a.ID]; !ok {
			unknown = append(unknown, a.ID)
		}
	}

	return &MigrationStatusSummary{
		AppliedCount:      len(applied),
		PendingCount:      len(pending),
		TotalMigrations:   len(m.migrations),
		UpToDate:          len(pending) == 0,
		UnknownApplied:    unknown,
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}
