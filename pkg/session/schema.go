package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema versions of the working database.
const (
	// SchemaVersion1 creates folders and items
	SchemaVersion1 = 1
	// SchemaVersion2 adds bank cards
	SchemaVersion2 = 2
	// SchemaVersion3 adds attachment metadata (payloads live in attachments/)
	SchemaVersion3 = 3
	// CurrentSchemaVersion is what Migrate brings a database to
	CurrentSchemaVersion = SchemaVersion3
)

// dbConn is what the schema code needs from *sql.Conn or *sql.Tx.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SchemaVersion returns the schema version stored in the database, 0 for an
// empty database.
func SchemaVersion(ctx context.Context, c dbConn) (int, error) {
	var name string
	err := c.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("session: failed to check schema_version table: %w", err)
	}

	var version int
	err = c.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("session: failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(ctx context.Context, c dbConn, version int) error {
	if _, err := c.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("session: failed to create schema_version table: %w", err)
	}
	if _, err := c.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("session: failed to set schema version: %w", err)
	}
	return nil
}

var migrations = []struct {
	version int
	stmts   []string
}{
	{SchemaVersion1, []string{
		`CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id TEXT REFERENCES folders(id) ON DELETE CASCADE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			folder_id TEXT REFERENCES folders(id) ON DELETE SET NULL,
			title TEXT NOT NULL,
			username TEXT,
			password TEXT,
			url TEXT,
			notes TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_folder ON items(folder_id)`,
	}},
	{SchemaVersion2, []string{
		`CREATE TABLE IF NOT EXISTS bank_cards (
			id TEXT PRIMARY KEY,
			folder_id TEXT REFERENCES folders(id) ON DELETE SET NULL,
			title TEXT NOT NULL,
			holder TEXT,
			number TEXT,
			expiry TEXT,
			cvv TEXT,
			notes TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}},
	{SchemaVersion3, []string{
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_item ON attachments(item_id)`,
	}},
}

// Migrate brings the database schema to CurrentSchemaVersion. Each step runs
// in its own transaction together with its version row.
func Migrate(ctx context.Context, conn *sql.Conn) error {
	version, err := SchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported %d",
			ErrVaultCorrupted, version, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := applyMigration(ctx, conn, m.version, m.stmts); err != nil {
			return fmt.Errorf("session: migration to v%d failed: %w", m.version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, version int, stmts []string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := setSchemaVersion(ctx, tx, version); err != nil {
		return err
	}
	return tx.Commit()
}
