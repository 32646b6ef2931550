package materialize

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"tabfuse/internal/errs"
)

// databaseBackend writes rows into one table per schema slug inside an
// embedded SQLite database. Each chunk runs as a single transaction; the
// chunk_index and row_in_chunk columns preserve chunk identity.
type databaseBackend struct {
	header    []string
	slug      string
	dbPath    string
	insertSQL string

	db         *sql.DB
	tx         *sql.Tx
	chunkIndex int
	rowInChunk int
}

// ResolveSQLiteURL validates a local-file sqlite:/// URL and returns the
// filesystem path.
func ResolveSQLiteURL(dbURL string) (string, error) {
	const prefix = "sqlite:///"
	if !strings.HasPrefix(dbURL, prefix) {
		return "", errs.New(errs.KindConfig, "only sqlite:/// URLs are supported for database writers, got %q", dbURL)
	}
	raw := dbURL[len(prefix):]
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, err, "resolve database path")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errs.Wrap(errs.KindIO, err, "create database dir")
	}
	return abs, nil
}

func newDatabaseBackend(header []string, slug, dbURL string) (*databaseBackend, error) {
	if dbURL == "" {
		return nil, errs.New(errs.KindConfig, "database writer requires --db-url (e.g. sqlite:///path/to.db)")
	}
	path, err := ResolveSQLiteURL(dbURL)
	if err != nil {
		return nil, err
	}
	columns := append([]string{"chunk_index", "row_in_chunk"}, header...)
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, name := range columns {
		quoted[i] = `"` + name + `"`
		placeholders[i] = "?"
	}
	return &databaseBackend{
		header: header,
		slug:   slug,
		dbPath: path,
		insertSQL: fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
			slug, strings.Join(quoted, ", "), strings.Join(placeholders, ", ")),
	}, nil
}

func (b *databaseBackend) FileExtension() string { return "sqlite" }

func (b *databaseBackend) ResumesMidChunk() bool { return true }

// OutputPath collapses every chunk to the single database file, which is
// the file that actually exists on close.
func (b *databaseBackend) OutputPath(string) string { return b.dbPath }

func (b *databaseBackend) OpenChunk(path string, appendMode bool) error {
	chunkIndex := chunkIndexFromPath(path)
	if b.db == nil {
		db, err := sql.Open("sqlite", b.dbPath)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "open database %s", b.dbPath)
		}
		db.SetMaxOpenConns(1)
		b.db = db
		if err := b.ensureTable(); err != nil {
			return err
		}
	}
	tx, err := b.db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "begin chunk transaction")
	}
	b.tx = tx
	b.chunkIndex = chunkIndex
	if !appendMode {
		b.rowInChunk = 0
	}
	return nil
}

func (b *databaseBackend) setRowInChunk(rows int) { b.rowInChunk = rows }

func (b *databaseBackend) WriteRow(values []string) error {
	args := make([]any, 0, len(values)+2)
	args = append(args, b.chunkIndex, b.rowInChunk)
	for _, value := range values {
		args = append(args, value)
	}
	if _, err := b.tx.Exec(b.insertSQL, args...); err != nil {
		return errs.Wrap(errs.KindIO, err, "insert row")
	}
	b.rowInChunk++
	return nil
}

func (b *databaseBackend) CloseChunk() error {
	if b.tx != nil {
		if err := b.tx.Commit(); err != nil {
			b.tx = nil
			return errs.Wrap(errs.KindIO, err, "commit chunk")
		}
		b.tx = nil
	}
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "close database")
		}
	}
	return nil
}

func (b *databaseBackend) ensureTable() error {
	columns := make([]string, 0, len(b.header))
	for _, name := range b.header {
		columns = append(columns, fmt.Sprintf(`"%s" TEXT`, name))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		chunk_index INTEGER,
		row_in_chunk INTEGER,
		%s
	)`, b.slug, strings.Join(columns, ",\n\t\t"))
	if _, err := b.db.Exec(ddl); err != nil {
		return errs.Wrap(errs.KindIO, err, "create table %s", b.slug)
	}
	return nil
}

// chunkIndexFromPath recovers NNN from <slug>_NNN.<ext>.
func chunkIndexFromPath(path string) int {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	underscore := strings.LastIndex(base, "_")
	if underscore < 0 {
		return 0
	}
	index := 0
	if _, err := fmt.Sscanf(base[underscore+1:], "%d", &index); err != nil {
		return 0
	}
	return index
}
