package materialize

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tabfuse/internal/analysis"
	"tabfuse/internal/config"
	"tabfuse/internal/errs"
	"tabfuse/internal/model"
	"tabfuse/internal/normalize"
	"tabfuse/internal/validation"
)

// DedupSet tracks emitted (file, line) pairs. The zero value is unusable;
// build one with NewDedupSet. Safe for concurrent use so a caller can share
// it across schemas.
type DedupSet struct {
	mu   sync.Mutex
	seen map[dedupKey]struct{}
}

type dedupKey struct {
	file string
	line int
}

// NewDedupSet returns an empty set.
func NewDedupSet() *DedupSet {
	return &DedupSet{seen: make(map[dedupKey]struct{})}
}

// Claim records the pair and reports whether it was new.
func (d *DedupSet) Claim(file string, line int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := dedupKey{file, line}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// JobSummary is the per-schema outcome of a materialization run.
type JobSummary struct {
	SchemaID        string
	SchemaName      string
	BlocksProcessed int
	RowsWritten     int
	RowsPerSecond   float64
	OutputFiles     []string
	DurationSeconds float64
	Validation      model.ValidationSummary
	Spill           model.SpillMetrics
	Cancelled       bool
}

// ToJobMetrics converts the summary to the persisted metrics record.
func (s JobSummary) ToJobMetrics() model.JobMetrics {
	return model.JobMetrics{
		SchemaID:        s.SchemaID,
		SchemaName:      s.SchemaName,
		RowsWritten:     s.RowsWritten,
		DurationSeconds: s.DurationSeconds,
		RowsPerSecond:   s.RowsPerSecond,
		Validation:      s.Validation,
		Spill:           s.Spill,
	}
}

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	WriterFormat   string
	SpillThreshold int
	DBURL          string
	MaxJobs        int // 0 means min(max_parallel_files, 2)
	TelemetryLog   io.Writer
	Registry       *validation.Registry
	GlobalDedup    *DedupSet
	SpoolDir       string // scratch root for spill files
	Progress       func(model.FileProgress)
	Logger         *zap.Logger
}

// Runner processes schemas into normalized datasets with validation,
// telemetry, and resumable writers.
type Runner struct {
	cfg         *model.RuntimeConfig
	checkpoints *CheckpointStore
	opts        RunnerOptions
	chunkRows   int
	granularity int
	log         *zap.Logger
}

// NewRunner validates the writer format up front.
func NewRunner(cfg *model.RuntimeConfig, checkpoints *CheckpointStore, opts RunnerOptions) (*Runner, error) {
	format := strings.ToLower(opts.WriterFormat)
	switch format {
	case "", "csv", "parquet", "database":
	default:
		return nil, errs.New(errs.KindConfig, "unsupported writer format %q", opts.WriterFormat)
	}
	if opts.SpillThreshold < 1 {
		opts.SpillThreshold = 50000
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	chunkRows := max(1, cfg.Profile.WriterChunkRows)
	return &Runner{
		cfg:         cfg,
		checkpoints: checkpoints,
		opts:        opts,
		chunkRows:   chunkRows,
		granularity: max(1000, chunkRows),
		log:         logger,
	}, nil
}

// Run materializes every schema in the mapping into destDir, in parallel
// across schemas. Cancellation via ctx drains and closes current writers,
// leaves checkpoints intact, and returns the partial summaries.
func (r *Runner) Run(ctx context.Context, mapping *model.MappingConfig, destDir string) ([]JobSummary, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "create dest dir")
	}
	maxJobs := r.opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = min(r.cfg.Profile.MaxParallelFiles, 2)
	}
	if maxJobs < 1 {
		maxJobs = 1
	}

	schemaBlocks := make(map[string][]*model.FileBlock)
	var schemaOrder []string
	for _, block := range mapping.Blocks {
		if block.SchemaID == uuid.Nil {
			continue
		}
		id := block.SchemaID.String()
		if _, ok := schemaBlocks[id]; !ok {
			schemaOrder = append(schemaOrder, id)
		}
		schemaBlocks[id] = append(schemaBlocks[id], block)
	}
	schemaByID := make(map[string]*model.SchemaDefinition, len(mapping.Schemas))
	for _, schema := range mapping.Schemas {
		schemaByID[schema.ID.String()] = schema
	}
	sort.Strings(schemaOrder)

	summaries := make([]JobSummary, 0, len(schemaOrder))
	var summariesMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxJobs)
	for _, schemaID := range schemaOrder {
		schema, ok := schemaByID[schemaID]
		if !ok {
			continue
		}
		blocks := schemaBlocks[schemaID]
		group.Go(func() error {
			summary, err := r.processSchema(groupCtx, schema, blocks, mapping, destDir)
			if err != nil {
				return err
			}
			summariesMu.Lock()
			summaries = append(summaries, summary)
			summariesMu.Unlock()
			return nil
		})
	}
	err := group.Wait()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SchemaID < summaries[j].SchemaID })
	return summaries, err
}

func (r *Runner) processSchema(ctx context.Context, schema *model.SchemaDefinition, blocks []*model.FileBlock, mapping *model.MappingConfig, destDir string) (JobSummary, error) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].FilePath != blocks[j].FilePath {
			return blocks[i].FilePath < blocks[j].FilePath
		}
		return blocks[i].StartLine < blocks[j].StartLine
	})
	schemaID := schema.ID.String()
	summary := JobSummary{SchemaID: schemaID, SchemaName: schema.Name}

	var checkpoint *Checkpoint
	startBlock := 0
	if r.checkpoints != nil {
		checkpoint = r.checkpoints.Get(schemaID)
		if checkpoint != nil {
			startBlock = checkpoint.NextBlock
		}
	}

	var contract *validation.CanonicalSchema
	if r.opts.Registry != nil {
		contract = r.opts.Registry.Resolve(schema)
	}

	writer, err := NewWriter(schema, WriterOptions{
		Format:     r.opts.WriterFormat,
		DestDir:    destDir,
		ChunkRows:  r.chunkRows,
		Contract:   contract,
		Checkpoint: checkpoint,
		DBURL:      r.opts.DBURL,
	})
	if err != nil {
		return summary, err
	}

	spoolDir := r.opts.SpoolDir
	if spoolDir == "" {
		spoolDir = destDir
	}
	spooler := NewSpillBuffer(writer, r.opts.SpillThreshold, spoolDirFor(spoolDir, schemaID))
	rowNorm := normalize.NewRowNormalizer(schema, mapping.SchemaMapping, mapping.ColumnProfiles)
	localSeen := NewDedupSet()

	totalEstimate := 0
	for _, block := range blocks {
		totalEstimate += block.RowCount()
	}

	processedRows := writer.TotalRows()
	nextProgressEmit := processedRows + r.granularity
	processedBlocks := 0
	start := time.Now()
	cancelled := false

	for idx, block := range blocks {
		if idx < startBlock {
			processedBlocks++
			continue
		}
		// Cancellation is observed at the block boundary, the same place
		// checkpoints are taken.
		if err := ctx.Err(); err != nil {
			cancelled = true
			break
		}
		rowErr := iterBlockRows(block, r.cfg.Global.ErrorPolicy, func(lineNumber int, row []string) error {
			if !localSeen.Claim(block.FilePath, lineNumber) {
				return nil
			}
			if r.opts.GlobalDedup != nil && !r.opts.GlobalDedup.Claim(block.FilePath, lineNumber) {
				return nil
			}
			if err := spooler.Push(rowNorm.Normalize(block.FilePath, row)); err != nil {
				return err
			}
			processedRows++
			if r.opts.Progress != nil && (processedRows >= nextProgressEmit || processedRows == totalEstimate) {
				r.emitProgress(schemaID, schema.Name, destDir, writer.Slug(), processedRows, totalEstimate, start, spooler.Telemetry().RowsSpilled)
				nextProgressEmit = processedRows + r.granularity
			}
			return nil
		})
		if rowErr != nil {
			_ = spooler.Flush()
			_ = writer.Close()
			return summary, rowErr
		}
		processedBlocks++
		if err := spooler.Flush(); err != nil {
			_ = writer.Close()
			return summary, err
		}
		if r.checkpoints != nil {
			if err := r.checkpoints.Update(schemaID, writer.Snapshot(idx+1)); err != nil {
				_ = writer.Close()
				return summary, err
			}
		}
	}

	if err := spooler.Close(); err != nil {
		_ = writer.Close()
		return summary, err
	}
	if err := writer.Close(); err != nil {
		return summary, err
	}

	duration := time.Since(start).Seconds()
	rows := writer.TotalRows()
	rowsPerSecond := float64(rows)
	if duration > 0 {
		rowsPerSecond = float64(rows) / duration
	}
	if !cancelled && r.checkpoints != nil {
		if err := r.checkpoints.Clear(schemaID); err != nil {
			return summary, err
		}
	}
	if r.opts.Progress != nil {
		r.emitProgress(schemaID, schema.Name, destDir, writer.Slug(), rows, max(rows, totalEstimate), start, spooler.Telemetry().RowsSpilled)
	}

	summary.BlocksProcessed = processedBlocks
	summary.RowsWritten = rows
	summary.RowsPerSecond = rowsPerSecond
	summary.OutputFiles = writer.OutputFiles()
	summary.DurationSeconds = duration
	summary.Validation = writer.ValidationSummary()
	summary.Spill = spooler.Telemetry()
	summary.Cancelled = cancelled
	r.emitTelemetry(summary)
	r.log.Info("schema materialized",
		zap.String("schema", schema.Name),
		zap.Int("rows", rows),
		zap.Int("spills", summary.Spill.Spills),
		zap.Bool("cancelled", cancelled))
	return summary, nil
}

// plausibleTotalCap guards ETA against wildly overestimated totals.
const plausibleTotalCap = 10_000_000

func (r *Runner) emitProgress(schemaID, schemaName, destDir, slug string, processedRows, totalRows int, start time.Time, spillRows int) {
	effectiveTotal := 0
	if totalRows > 0 && totalRows <= plausibleTotalCap {
		effectiveTotal = totalRows
	}
	var eta, rowsPerSecond *float64
	if processedRows > 0 {
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			rate := float64(processedRows) / elapsed
			if rate > 0 {
				rowsPerSecond = &rate
				if effectiveTotal > 0 {
					remaining := float64(max(effectiveTotal-processedRows, 0)) / rate
					eta = &remaining
				}
			}
		}
	}
	r.opts.Progress(model.FileProgress{
		FilePath:      destDir + string(os.PathSeparator) + slug + ".materialize",
		ProcessedRows: processedRows,
		TotalRows:     effectiveTotal,
		CurrentPhase:  "materialize",
		ETASeconds:    eta,
		SchemaID:      schemaID,
		SchemaName:    schemaName,
		RowsPerSecond: rowsPerSecond,
		SpillRows:     spillRows,
	})
}

func (r *Runner) emitTelemetry(summary JobSummary) {
	if r.opts.TelemetryLog == nil {
		return
	}
	payload := map[string]any{
		"schema_id":        summary.SchemaID,
		"schema_name":      summary.SchemaName,
		"rows_written":     summary.RowsWritten,
		"duration_seconds": summary.DurationSeconds,
		"rows_per_second":  summary.RowsPerSecond,
		"validation":       summary.Validation,
		"spill":            summary.Spill,
		"timestamp":        float64(time.Now().UnixNano()) / float64(time.Second),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = r.opts.TelemetryLog.Write(append(data, '\n'))
}

func spoolDirFor(root, schemaID string) string {
	return root + string(os.PathSeparator) + "_spool" + string(os.PathSeparator) + schemaID
}

// iterBlockRows streams the block's line range from disk. Any row equal to
// the recorded header sample is elided, which drops the file-top header and
// repeated header rows; with an empty sample no row is skipped.
func iterBlockRows(block *model.FileBlock, errorPolicy string, yield func(lineNumber int, row []string) error) error {
	sig := block.Signature
	if sig == nil {
		sig = model.NewSchemaSignature()
	}
	delimiter := sig.Delimiter
	if delimiter == "" {
		delimiter = ","
	}
	headerSample := strings.TrimSpace(sig.HeaderSample)
	dec := analysis.NewDecoder(sig.Encoding, config.DecodeErrorMode(errorPolicy))

	handle, err := os.Open(block.FilePath)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "open %s", block.FilePath)
	}
	defer handle.Close()

	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNumber := -1
	for scanner.Scan() {
		lineNumber++
		if lineNumber < block.StartLine {
			continue
		}
		if lineNumber > block.EndLine {
			break
		}
		line, decErr := dec.DecodeBytes(scanner.Bytes())
		if decErr != nil {
			return decErr
		}
		stripped := strings.TrimRight(line, "\r\n")
		// The file-top header, and duplicate header rows inside blocks,
		// are elided only on an exact match against the recorded sample.
		if headerSample != "" && strings.TrimSpace(stripped) == headerSample {
			continue
		}
		values := strings.Split(stripped, delimiter)
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		if err := yield(lineNumber, values); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.KindIO, err, "scan %s", block.FilePath)
	}
	return nil
}
