package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// MaxProgressEventsPerSchema caps retained progress rows per schema; older
// rows are pruned on every insert.
const MaxProgressEventsPerSchema = 500

// SQLiteStore owns one connection pool to the metadata database. Writes
// run in short transactions guarded by a process-wide mutex, matching the
// single-writer model SQLite enforces anyway.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating parent directories) and migrates the database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "create database dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "open sqlite %s", path)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PersistMapping replaces the schemas and blocks tables with the artifact
// contents and refreshes header metadata and column profiles.
func (s *SQLiteStore) PersistMapping(mapping *model.MappingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "begin persist")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"schemas", "blocks", "file_headers", "header_occurrences", "header_profiles", "column_profiles"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return errs.Wrap(errs.KindIO, err, "clear %s", table)
		}
	}
	now := nowSeconds()
	for _, schema := range mapping.Schemas {
		columnsJSON, err := json.Marshal(schema.Columns)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "encode schema columns")
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO schemas(id, name, columns_json, updated_at) VALUES (?, ?, ?, ?)`,
			schema.ID.String(), schema.Name, string(columnsJSON), now); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert schema %s", schema.Name)
		}
	}
	for _, block := range mapping.Blocks {
		blockKey := fmt.Sprintf("%s:%d", block.FilePath, block.BlockID)
		var schemaID any
		if block.SchemaID != uuid.Nil {
			schemaID = block.SchemaID.String()
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO blocks(block_key, file_path, block_id, schema_id, start_line, end_line)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			blockKey, block.FilePath, block.BlockID, schemaID, block.StartLine, block.EndLine); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert block %s", blockKey)
		}
	}
	for _, fh := range mapping.FileHeaders {
		headersJSON, err := json.Marshal(fh.Headers)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "encode file headers")
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO file_headers(file_id, headers_json) VALUES (?, ?)`,
			fh.FileID, string(headersJSON)); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert file headers %s", fh.FileID)
		}
	}
	for _, occ := range mapping.HeaderOccurrences {
		if _, err := tx.Exec(
			`INSERT INTO header_occurrences(raw_header, file_id, column_index) VALUES (?, ?, ?)`,
			occ.RawHeader, occ.FileID, occ.ColumnIndex); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert occurrence")
		}
	}
	for _, profile := range mapping.HeaderProfiles {
		profileJSON, err := json.Marshal(profile.TypeProfile)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "encode header profile")
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO header_profiles(raw_header, type_profile_json) VALUES (?, ?)`,
			profile.RawHeader, string(profileJSON)); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert header profile")
		}
	}
	for _, cp := range mapping.ColumnProfiles {
		distJSON, err := json.Marshal(cp.TypeDistribution)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "encode type distribution")
		}
		if _, err := tx.Exec(
			`INSERT INTO column_profiles(
				file_id, column_index, header, type_distribution_json,
				unique_estimate, null_count, total_values,
				numeric_min, numeric_max, date_min, date_max
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.FileID, cp.ColumnIndex, cp.Header, string(distJSON),
			cp.UniqueEstimate, cp.NullCount, cp.TotalValues,
			nullableFloat(cp.NumericMin), nullableFloat(cp.NumericMax),
			nullableString(cp.DateMin), nullableString(cp.DateMax)); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert column profile")
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindIO, err, "commit persist")
	}
	return nil
}

// SaveSynonyms replaces the synonyms table with variant → canonical pairs.
func (s *SQLiteStore) SaveSynonyms(pairs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "begin synonyms")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM synonyms`); err != nil {
		return errs.Wrap(errs.KindIO, err, "clear synonyms")
	}
	for variant, canonical := range pairs {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO synonyms(variant, canonical) VALUES (?, ?)`,
			variant, canonical); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert synonym")
		}
	}
	return tx.Commit()
}

// SaveSchemaStats upserts per-schema stats rows.
func (s *SQLiteStore) SaveSchemaStats(stats []model.SchemaStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range stats {
		columnsJSON, err := json.Marshal(item.Columns)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "encode stats columns")
		}
		if _, err := s.db.Exec(
			`INSERT OR REPLACE INTO stats(schema_id, row_count, columns_json, updated_at) VALUES (?, ?, ?, ?)`,
			item.SchemaID.String(), item.RowCount, string(columnsJSON), nowSeconds()); err != nil {
			return errs.Wrap(errs.KindIO, err, "insert stats")
		}
	}
	return nil
}

// RecordAuditEvent appends one audit row.
func (s *SQLiteStore) RecordAuditEvent(entity, action, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO audit_log(entity, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		entity, action, detail, nowSeconds())
	return errs.Wrap(errs.KindIO, err, "record audit event")
}

// RecordJobMetrics appends one job_metrics row; validation and spill
// counters travel as the warnings payload.
func (s *SQLiteStore) RecordJobMetrics(metrics model.JobMetrics) error {
	warnings := map[string]any{
		"validation": metrics.Validation,
		"spill":      metrics.Spill,
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "encode warnings")
	}
	errorCount := metrics.Validation.ShortRows + metrics.Validation.LongRows
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO job_metrics(
			schema_id, schema_name, rows_written, duration_seconds, rows_per_second,
			error_count, warnings_json, spill_count, rows_spilled, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		metrics.SchemaID, metrics.SchemaName, metrics.RowsWritten,
		metrics.DurationSeconds, metrics.RowsPerSecond,
		errorCount, string(warningsJSON),
		metrics.Spill.Spills, metrics.Spill.RowsSpilled, nowSeconds())
	return errs.Wrap(errs.KindIO, err, "record job metrics")
}

// RecordProgressEvent appends one progress row and prunes rows past the
// retention cap for that schema.
func (s *SQLiteStore) RecordProgressEvent(progress model.FileProgress) error {
	schemaID := progress.SchemaID
	if schemaID == "" {
		schemaID = filepath.Base(progress.FilePath)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "begin progress event")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(
		`INSERT INTO job_progress_events(
			schema_id, schema_name, file_path, processed_rows, total_rows,
			eta_seconds, rows_per_second, spill_rows, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schemaID, nullableString(progress.SchemaName), progress.FilePath,
		progress.ProcessedRows, progress.TotalRows,
		nullableFloat(progress.ETASeconds), nullableFloat(progress.RowsPerSecond),
		progress.SpillRows, nowSeconds()); err != nil {
		return errs.Wrap(errs.KindIO, err, "insert progress event")
	}
	if _, err := tx.Exec(
		`DELETE FROM job_progress_events
		 WHERE schema_id = ? AND id NOT IN (
			SELECT id FROM job_progress_events
			WHERE schema_id = ?
			ORDER BY id DESC LIMIT ?
		 )`,
		schemaID, schemaID, MaxProgressEventsPerSchema); err != nil {
		return errs.Wrap(errs.KindIO, err, "prune progress events")
	}
	return tx.Commit()
}

// FetchProgressEvents returns the newest events, optionally filtered by
// schema, in descending insertion order.
func (s *SQLiteStore) FetchProgressEvents(schemaID string, limit int) ([]model.JobProgressEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT schema_id, schema_name, file_path, processed_rows, total_rows,
		eta_seconds, rows_per_second, spill_rows, created_at
		FROM job_progress_events`
	args := []any{}
	if schemaID != "" {
		query += ` WHERE schema_id = ?`
		args = append(args, schemaID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "query progress events")
	}
	defer rows.Close()
	var events []model.JobProgressEvent
	for rows.Next() {
		var event model.JobProgressEvent
		var schemaName sql.NullString
		var eta, rps sql.NullFloat64
		var spillRows sql.NullInt64
		var totalRows sql.NullInt64
		if err := rows.Scan(&event.SchemaID, &schemaName, &event.FilePath,
			&event.ProcessedRows, &totalRows, &eta, &rps, &spillRows, &event.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindIO, err, "scan progress event")
		}
		event.SchemaName = schemaName.String
		if totalRows.Valid {
			event.TotalRows = int(totalRows.Int64)
		}
		if eta.Valid {
			v := eta.Float64
			event.ETASeconds = &v
		}
		if rps.Valid {
			v := rps.Float64
			event.RowsPerSecond = &v
		}
		if spillRows.Valid {
			event.SpillRows = int(spillRows.Int64)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// UpsertJobStatus satisfies jobs.StatusStore.
func (s *SQLiteStore) UpsertJobStatus(jobID, state, detail, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO job_status(job_id, state, detail, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			state = excluded.state,
			detail = excluded.detail,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		jobID, state, nullableString(detail), nullableString(lastError), nowSeconds())
	return errs.Wrap(errs.KindIO, err, "upsert job status")
}

// AppendJobEvent satisfies jobs.StatusStore. Events are totally ordered per
// job by the autoincrement id.
func (s *SQLiteStore) AppendJobEvent(jobID, state, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO job_events(job_id, state, detail, created_at) VALUES (?, ?, ?, ?)`,
		jobID, state, nullableString(detail), nowSeconds())
	return errs.Wrap(errs.KindIO, err, "append job event")
}

// SetArtifactMetadata upserts one metadata key.
func (s *SQLiteStore) SetArtifactMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO artifact_metadata(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return errs.Wrap(errs.KindIO, err, "set artifact metadata")
}

// ArtifactMetadata fetches one metadata value; missing keys return "".
func (s *SQLiteStore) ArtifactMetadata(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM artifact_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.KindIO, err, "get artifact metadata")
	}
	return value, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}
