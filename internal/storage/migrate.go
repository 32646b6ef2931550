// Package storage persists schema metadata, job lifecycles, metrics, and
// audit trails to an embedded SQLite database, and mapping artifacts plus
// schema stats to JSON files.
package storage

import (
	"database/sql"
	"time"

	"tabfuse/internal/errs"
)

// migration is one ordered, idempotent DDL step. Applied versions are
// recorded in schema_migrations; re-applying is a no-op.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS schemas (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				columns_json TEXT NOT NULL,
				updated_at REAL NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS blocks (
				block_key TEXT PRIMARY KEY,
				file_path TEXT NOT NULL,
				block_id INTEGER NOT NULL,
				schema_id TEXT,
				start_line INTEGER NOT NULL,
				end_line INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS stats (
				schema_id TEXT PRIMARY KEY,
				row_count INTEGER NOT NULL,
				columns_json TEXT NOT NULL,
				updated_at REAL NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS synonyms (
				variant TEXT PRIMARY KEY,
				canonical TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				entity TEXT NOT NULL,
				action TEXT NOT NULL,
				detail TEXT,
				created_at REAL NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS job_metrics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				schema_id TEXT NOT NULL,
				schema_name TEXT,
				rows_written INTEGER NOT NULL,
				duration_seconds REAL NOT NULL,
				rows_per_second REAL NOT NULL,
				error_count INTEGER NOT NULL,
				warnings_json TEXT,
				spill_count INTEGER NOT NULL,
				rows_spilled INTEGER NOT NULL,
				created_at REAL NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_progress_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				schema_id TEXT NOT NULL,
				schema_name TEXT,
				file_path TEXT NOT NULL,
				processed_rows INTEGER NOT NULL,
				total_rows INTEGER,
				eta_seconds REAL,
				rows_per_second REAL,
				spill_rows INTEGER,
				created_at REAL NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_status (
				job_id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				detail TEXT,
				last_error TEXT,
				updated_at REAL NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id TEXT NOT NULL,
				state TEXT NOT NULL,
				detail TEXT,
				created_at REAL NOT NULL
			)`,
		},
	},
	{
		version: 3,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS file_headers (
				file_id TEXT PRIMARY KEY,
				headers_json TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS header_occurrences (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				raw_header TEXT NOT NULL,
				file_id TEXT NOT NULL,
				column_index INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS header_profiles (
				raw_header TEXT PRIMARY KEY,
				type_profile_json TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS column_profiles (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				file_id TEXT NOT NULL,
				column_index INTEGER NOT NULL,
				header TEXT NOT NULL,
				type_distribution_json TEXT NOT NULL,
				unique_estimate INTEGER NOT NULL,
				null_count INTEGER NOT NULL,
				total_values INTEGER NOT NULL,
				numeric_min REAL,
				numeric_max REAL,
				date_min TEXT,
				date_max TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS artifact_metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at REAL NOT NULL
	)`); err != nil {
		return errs.Wrap(errs.KindIO, err, "create schema_migrations")
	}
	for _, m := range migrations {
		var applied int
		err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "check migration %d", m.version)
		}
		if applied > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "begin migration %d", m.version)
		}
		for _, statement := range m.statements {
			if _, err := tx.Exec(statement); err != nil {
				_ = tx.Rollback()
				return errs.Wrap(errs.KindIO, err, "apply migration %d", m.version)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			m.version, nowSeconds()); err != nil {
			_ = tx.Rollback()
			return errs.Wrap(errs.KindIO, err, "record migration %d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.KindIO, err, "commit migration %d", m.version)
		}
	}
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
