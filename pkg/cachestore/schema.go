package cachestore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the cache schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			content_type TEXT NOT NULL,
			mime TEXT NOT NULL,
			digest TEXT NOT NULL,
			volatile INTEGER NOT NULL,
			window_ns INTEGER NOT NULL,
			blob_sha256 TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			stderr BLOB,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_blob ON entries(blob_sha256);`,

		`CREATE TABLE IF NOT EXISTS failures (
			key TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			digest TEXT,
			outcome TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT,
			stderr BLOB,
			failed_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("cache schema version %d is newer than supported %d", current, SchemaVersion)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
