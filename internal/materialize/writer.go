// Package materialize orchestrates the writer pipeline: row normalization,
// spill buffering, chunked resumable writers, checkpointing, and the
// per-schema job runner.
package materialize

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
	"tabfuse/internal/validation"
)

// Checkpoint is the durable writer state sufficient to resume at the next
// unprocessed block with exact chunk/row counts.
type Checkpoint struct {
	NextBlock   int      `json:"next_block"`
	ChunkIndex  int      `json:"chunk_index"`
	RowsInChunk int      `json:"rows_in_chunk"`
	TotalRows   int      `json:"total_rows"`
	OutputFiles []string `json:"output_files"`
}

// backend is the format-specific capability set behind the chunked writer.
type backend interface {
	FileExtension() string
	// OpenChunk opens the stream for a chunk path; append is only ever
	// true when resuming mid-chunk.
	OpenChunk(path string, append bool) error
	WriteRow(values []string) error
	CloseChunk() error
	// ResumesMidChunk reports whether the format can append to a
	// partially written chunk. Formats that cannot start a fresh chunk.
	ResumesMidChunk() bool
	// OutputPath maps a chunk path to the file recorded in the
	// checkpoint; database-backed formats collapse every chunk to the
	// database file.
	OutputPath(chunkPath string) string
}

// Writer is the format-polymorphic, resumable per-schema chunk writer.
type Writer struct {
	schema  *model.SchemaDefinition
	header  []string
	slug    string
	destDir string

	chunkRows   int
	chunkIndex  int
	rowsInChunk int
	totalRows   int
	outputFiles []string

	backend backend
	tracker *validation.Tracker
	open    bool
}

// WriterOptions configure construction.
type WriterOptions struct {
	Format     string // csv | parquet | database
	DestDir    string
	ChunkRows  int
	Contract   *validation.CanonicalSchema
	Checkpoint *Checkpoint
	DBURL      string
}

// NewWriter builds a writer for the schema. With a resumed checkpoint whose
// rows_in_chunk is positive, appendable formats reopen the current chunk;
// others roll to a fresh one.
func NewWriter(schema *model.SchemaDefinition, opts WriterOptions) (*Writer, error) {
	header := make([]string, 0, len(schema.Columns))
	for _, column := range schema.Columns {
		name := column.NormalizedName
		if name == "" {
			name = column.RawName
		}
		if name == "" {
			name = fmt.Sprintf("column_%d", column.Index+1)
		}
		header = append(header, name)
	}
	if len(header) == 0 {
		header = []string{"column_1"}
	}

	w := &Writer{
		schema:    schema,
		header:    header,
		slug:      SlugifyName(schemaSlugSource(schema)),
		destDir:   opts.DestDir,
		chunkRows: max(1, opts.ChunkRows),
		tracker:   validation.NewTracker(len(header), opts.Contract),
	}

	var err error
	switch strings.ToLower(opts.Format) {
	case "", "csv":
		w.backend = &csvBackend{header: header}
	case "parquet":
		w.backend = newParquetBackend(header)
	case "database":
		w.backend, err = newDatabaseBackend(header, w.slug, opts.DBURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errs.New(errs.KindConfig, "unsupported writer format %q", opts.Format)
	}

	if cp := opts.Checkpoint; cp != nil {
		w.chunkIndex = cp.ChunkIndex
		w.rowsInChunk = cp.RowsInChunk
		w.totalRows = cp.TotalRows
		w.outputFiles = append(w.outputFiles, cp.OutputFiles...)
	}

	if w.rowsInChunk > 0 && w.backend.ResumesMidChunk() {
		if err := w.openChunk(true); err != nil {
			return nil, err
		}
	} else {
		if w.rowsInChunk > 0 {
			w.chunkIndex++
			w.rowsInChunk = 0
		}
		if err := w.startNewChunk(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Write validates one normalized row and appends it, rolling to the next
// chunk when the current one is full. The observed length travels with the
// row for spill serialization; shape repair itself keys off the header
// width.
func (w *Writer) Write(values []string, _ int) error {
	normalized := w.tracker.Normalize(values)
	if w.rowsInChunk >= w.chunkRows {
		w.chunkIndex++
		if err := w.startNewChunk(); err != nil {
			return err
		}
	}
	if err := w.backend.WriteRow(normalized); err != nil {
		return err
	}
	w.rowsInChunk++
	w.totalRows++
	return nil
}

// Snapshot returns the durable state blob pointing at the next block.
func (w *Writer) Snapshot(nextBlock int) Checkpoint {
	files := append([]string(nil), w.outputFiles...)
	return Checkpoint{
		NextBlock:   nextBlock,
		ChunkIndex:  w.chunkIndex,
		RowsInChunk: w.rowsInChunk,
		TotalRows:   w.totalRows,
		OutputFiles: files,
	}
}

// Close finalizes the current chunk; format footers are written here.
func (w *Writer) Close() error {
	if !w.open {
		return nil
	}
	w.open = false
	return w.backend.CloseChunk()
}

// TotalRows returns rows written across all chunks, including resumed ones.
func (w *Writer) TotalRows() int { return w.totalRows }

// OutputFiles lists every file the writer has produced so far.
func (w *Writer) OutputFiles() []string { return append([]string(nil), w.outputFiles...) }

// ValidationSummary exposes the tracker counters.
func (w *Writer) ValidationSummary() model.ValidationSummary { return w.tracker.Summary() }

// Slug is the schema's file-name-safe identifier.
func (w *Writer) Slug() string { return w.slug }

func (w *Writer) startNewChunk() error {
	if err := w.Close(); err != nil {
		return err
	}
	w.rowsInChunk = 0
	return w.openChunk(false)
}

func (w *Writer) openChunk(appendMode bool) error {
	path := w.chunkPath(w.chunkIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err, "create output dir")
	}
	if err := w.backend.OpenChunk(path, appendMode); err != nil {
		return err
	}
	if aware, ok := w.backend.(rowPositionAware); ok {
		aware.setRowInChunk(w.rowsInChunk)
	}
	w.open = true
	w.recordOutput(w.backend.OutputPath(path))
	return nil
}

// rowPositionAware backends track the row ordinal inside the open chunk
// and need it restored on a mid-chunk resume.
type rowPositionAware interface {
	setRowInChunk(rows int)
}

func (w *Writer) chunkPath(chunkIndex int) string {
	return filepath.Join(w.destDir, fmt.Sprintf("%s_%03d.%s", w.slug, chunkIndex, w.backend.FileExtension()))
}

func (w *Writer) recordOutput(path string) {
	for _, existing := range w.outputFiles {
		if existing == path {
			return
		}
	}
	w.outputFiles = append(w.outputFiles, path)
}

func schemaSlugSource(schema *model.SchemaDefinition) string {
	if schema.Name != "" {
		return schema.Name
	}
	return "schema_" + schema.ID.String()
}

// SlugifyName lowercases and collapses non-alphanumerics to single
// underscores for chunk file names.
func SlugifyName(value string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	slug := sb.String()
	for strings.Contains(slug, "__") {
		slug = strings.ReplaceAll(slug, "__", "_")
	}
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return "dataset"
	}
	return slug
}

// csvBackend writes delimited text in UTF-8 regardless of input encoding.
type csvBackend struct {
	header []string
	handle *os.File
	writer *csv.Writer
}

func (b *csvBackend) FileExtension() string { return "csv" }

func (b *csvBackend) ResumesMidChunk() bool { return true }

func (b *csvBackend) OutputPath(chunkPath string) string { return chunkPath }

func (b *csvBackend) OpenChunk(path string, appendMode bool) error {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	handle, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "open chunk %s", path)
	}
	b.handle = handle
	b.writer = csv.NewWriter(handle)
	if !appendMode {
		if err := b.writer.Write(b.header); err != nil {
			return errs.Wrap(errs.KindIO, err, "write header")
		}
	}
	return nil
}

func (b *csvBackend) WriteRow(values []string) error {
	if err := b.writer.Write(values); err != nil {
		return errs.Wrap(errs.KindIO, err, "write row")
	}
	return nil
}

func (b *csvBackend) CloseChunk() error {
	if b.handle == nil {
		return nil
	}
	b.writer.Flush()
	flushErr := b.writer.Error()
	closeErr := b.handle.Close()
	b.handle = nil
	b.writer = nil
	if flushErr != nil {
		return errs.Wrap(errs.KindIO, flushErr, "flush chunk")
	}
	if closeErr != nil {
		return errs.Wrap(errs.KindIO, closeErr, "close chunk")
	}
	return nil
}
