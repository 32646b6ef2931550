// Package main contains the cli implementation of the tool. It uses cobra
// package for cli tool implementation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabfuse/internal/analysis"
	"tabfuse/internal/config"
	"tabfuse/internal/headers"
	"tabfuse/internal/jobs"
	"tabfuse/internal/mapping"
	"tabfuse/internal/materialize"
	"tabfuse/internal/model"
	"tabfuse/internal/normalize"
	"tabfuse/internal/output"
	"tabfuse/internal/progress"
	"tabfuse/internal/resources"
	"tabfuse/internal/sandbox"
	"tabfuse/internal/storage"
	"tabfuse/internal/validation"
)

type commonFlags struct {
	configPath  string
	profile     string
	outFile     string
	sqliteDB    string
	sandboxRoot string
}

type analyzeFlags struct {
	commonFlags
	includeSamples bool
	progressLog    string
}

type benchmarkFlags struct {
	commonFlags
}

type reviewFlags struct {
	commonFlags
	format string
}

type normalizeFlags struct {
	commonFlags
	synonyms string
}

type materializeFlags struct {
	commonFlags
	dest           string
	planFile       string
	checkpointDir  string
	writerFormat   string
	spillThreshold int
	telemetryLog   string
	dbURL          string
	jobID          string
	resumeJobID    string
	maxJobs        int
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "tabfuse",
		Short:         "Heterogeneous tabular ingestion and schema-aligned materialization",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(benchmarkCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(normalizeCmd())
	rootCmd.AddCommand(materializeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command, flags *commonFlags) {
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to the runtime config JSON")
	cmd.Flags().StringVar(&flags.profile, "profile", "low_memory", "Config profile name")
	cmd.Flags().StringVarP(&flags.outFile, "output", "o", "", "Output file")
	cmd.Flags().StringVar(&flags.sqliteDB, "sqlite-db", "", "Optional SQLite metadata database")
	cmd.Flags().StringVar(&flags.sandboxRoot, "sandbox-root", ".", "Root directory all relative paths must stay inside")
}

func analyzeCmd() *cobra.Command {
	flags := &analyzeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze <inputs...>",
		Short: "Analyze files and emit a mapping artifact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), args, flags)
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	cmd.Flags().BoolVar(&flags.includeSamples, "include-samples", false, "Include sample values in the artifact")
	cmd.Flags().StringVar(&flags.progressLog, "progress-log", "", "JSONL progress log path")
	return cmd
}

func runAnalyze(ctx context.Context, inputs []string, flags *analyzeFlags) error {
	cfg, err := config.Load(flags.configPath, flags.profile)
	if err != nil {
		return err
	}
	files, err := collectInputFiles(flags.sandboxRoot, inputs)
	if err != nil {
		return err
	}
	synonyms, err := normalize.LoadDictionary(cfg.Global.SynonymDictionary)
	if err != nil {
		return err
	}
	progressLog, err := progress.NewLogger(flags.progressLog)
	if err != nil {
		return err
	}
	defer progressLog.Close()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()
	engine := analysis.NewEngine(cfg,
		analysis.WithLogger(logger),
		analysis.WithProgress(func(event model.FileProgress) {
			progressLog.Emit(event)
			fmt.Printf("analyzed %s (%d lines)\n", event.FilePath, event.TotalRows)
		}))
	results, err := engine.AnalyzeFiles(ctx, files)
	if err != nil {
		return err
	}

	artifact := buildMappingArtifact(results, synonyms)
	outFile := flags.outFile
	if outFile == "" {
		outFile = "mapping.json"
	}
	if err := model.SaveMapping(artifact, outFile, flags.includeSamples); err != nil {
		return err
	}
	fmt.Printf("mapping artifact written to %s (%d schemas, %d blocks)\n",
		outFile, len(artifact.Schemas), len(artifact.Blocks))

	if flags.sqliteDB != "" {
		store, err := storage.OpenSQLite(flags.sqliteDB)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.PersistMapping(artifact); err != nil {
			return err
		}
		if err := store.SetArtifactMetadata("mapping_version", model.MappingArtifactVersion); err != nil {
			return err
		}
		if err := store.RecordAuditEvent("mapping", "analyze", fmt.Sprintf("%d files", len(files))); err != nil {
			return err
		}
	}
	return nil
}

// buildMappingArtifact runs the post-analysis stages: header metadata,
// clustering, offset resolution, and bootstrap schema assignment.
func buildMappingArtifact(results []*model.FileAnalysisResult, synonyms *normalize.SynonymDictionary) *model.MappingConfig {
	meta := headers.BuildMetadata(results)
	clusterizer := headers.NewClusterizer(synonyms.SynonymSets())
	clusters := clusterizer.Build(results, &meta)
	entries := mapping.ResolveOffsets(clusters)

	var blocks []*model.FileBlock
	var profiles []model.ColumnProfileResult
	for _, result := range results {
		if result == nil || result.Err != nil {
			continue
		}
		blocks = append(blocks, result.Blocks...)
		profiles = append(profiles, result.ColumnProfiles...)
	}
	artifact := mapping.NewService(synonyms).Cluster(blocks)
	artifact.HeaderClusters = clusters
	artifact.SchemaMapping = entries
	artifact.ColumnProfiles = profiles
	artifact.FileHeaders = meta.FileHeaders
	artifact.HeaderOccurrences = meta.Occurrences
	artifact.HeaderProfiles = meta.Profiles
	return artifact
}

func benchmarkCmd() *cobra.Command {
	flags := &benchmarkFlags{}
	cmd := &cobra.Command{
		Use:   "benchmark <inputs...>",
		Short: "Measure analysis throughput",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(cmd.Context(), args, flags)
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	return cmd
}

func runBenchmark(ctx context.Context, inputs []string, flags *benchmarkFlags) error {
	cfg, err := config.Load(flags.configPath, flags.profile)
	if err != nil {
		return err
	}
	files, err := collectInputFiles(flags.sandboxRoot, inputs)
	if err != nil {
		return err
	}
	outFile := flags.outFile
	if outFile == "" {
		outFile = "benchmark.jsonl"
	}
	recorder, err := progress.NewBenchmarkRecorder(outFile)
	if err != nil {
		return err
	}

	engine := analysis.NewEngine(cfg, analysis.WithLogger(newLogger()))
	started := nowSeconds()
	results, err := engine.AnalyzeFiles(ctx, files)
	if err != nil {
		return err
	}
	elapsed := nowSeconds() - started
	totalLines := 0
	for _, result := range results {
		if result != nil {
			totalLines += result.TotalLines
		}
	}
	linesPerSecond := float64(totalLines)
	if elapsed > 0 {
		linesPerSecond = float64(totalLines) / elapsed
	}
	metrics := map[string]any{
		"files":            len(files),
		"total_lines":      totalLines,
		"duration_seconds": elapsed,
		"lines_per_second": linesPerSecond,
		"profile":          flags.profile,
	}
	if err := recorder.Record(filepath.Base(files[0]), metrics); err != nil {
		return err
	}
	fmt.Printf("benchmarked %d files: %d lines in %.2fs (%.0f lines/s)\n",
		len(files), totalLines, elapsed, linesPerSecond)
	return nil
}

func reviewCmd() *cobra.Command {
	flags := &reviewFlags{}
	cmd := &cobra.Command{
		Use:   "review <mapping.json>",
		Short: "Render header clusters and offsets for manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runReview(args[0], flags)
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	cmd.Flags().StringVarP(&flags.format, "format", "f", "", "Output format: human or json")
	return cmd
}

func runReview(mappingPath string, flags *reviewFlags) error {
	artifact, err := model.LoadMapping(mappingPath)
	if err != nil {
		return err
	}
	formatter, err := output.NewFormatter(flags.format)
	if err != nil {
		return err
	}
	rendered, err := formatter.FormatClusters(artifact.HeaderClusters, artifact.SchemaMapping)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	return writeOutput(rendered, flags.outFile)
}

func normalizeCmd() *cobra.Command {
	flags := &normalizeFlags{}
	cmd := &cobra.Command{
		Use:   "normalize <mapping.json>",
		Short: "Apply a synonym dictionary to schema columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runNormalize(args[0], flags)
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	cmd.Flags().StringVar(&flags.synonyms, "synonyms", "", "Synonym dictionary path (TOML or JSON)")
	return cmd
}

func runNormalize(mappingPath string, flags *normalizeFlags) error {
	artifact, err := model.LoadMapping(mappingPath)
	if err != nil {
		return err
	}
	synonymPath := flags.synonyms
	if synonymPath == "" {
		if cfg, cfgErr := config.Load(flags.configPath, flags.profile); cfgErr == nil {
			synonymPath = cfg.Global.SynonymDictionary
		}
	}
	synonyms, err := normalize.LoadDictionary(synonymPath)
	if err != nil {
		return err
	}
	normalize.NewService(synonyms).Apply(artifact)

	outFile := flags.outFile
	if outFile == "" {
		outFile = mappingPath
	}
	if err := model.SaveMapping(artifact, outFile, false); err != nil {
		return err
	}
	fmt.Printf("normalized %d schemas into %s\n", len(artifact.Schemas), outFile)
	return nil
}

func materializeCmd() *cobra.Command {
	flags := &materializeFlags{}
	cmd := &cobra.Command{
		Use:   "materialize <mapping.json>",
		Short: "Materialize schema-aligned datasets with resumable writers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaterialize(cmd.Context(), args[0], flags)
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	cmd.Flags().StringVar(&flags.dest, "dest", "output", "Destination directory for chunk files")
	cmd.Flags().StringVar(&flags.planFile, "plan", "", "Write the materialization plan JSON here")
	cmd.Flags().StringVar(&flags.checkpointDir, "checkpoint-dir", "artifacts/checkpoints", "Checkpoint directory")
	cmd.Flags().StringVar(&flags.writerFormat, "writer-format", "csv", "Writer format: csv, parquet, or database")
	cmd.Flags().IntVar(&flags.spillThreshold, "spill-threshold", 50000, "Rows buffered before spilling to disk")
	cmd.Flags().StringVar(&flags.telemetryLog, "telemetry-log", "", "JSONL telemetry log path")
	cmd.Flags().StringVar(&flags.dbURL, "db-url", "", "sqlite:/// URL (required for writer-format=database)")
	cmd.Flags().StringVar(&flags.jobID, "job-id", "", "Job identifier (generated when empty)")
	cmd.Flags().StringVar(&flags.resumeJobID, "resume", "", "Resume the named job from its checkpoint")
	cmd.Flags().IntVar(&flags.maxJobs, "max-jobs", 0, "Parallel schemas (0 = derived from profile)")
	return cmd
}

func runMaterialize(ctx context.Context, mappingPath string, flags *materializeFlags) error {
	cfg, err := config.Load(flags.configPath, flags.profile)
	if err != nil {
		return err
	}
	if flags.writerFormat == "database" && flags.dbURL == "" {
		return fmt.Errorf("--db-url is required when --writer-format=database")
	}
	if flags.dbURL != "" {
		if _, err := materialize.ResolveSQLiteURL(flags.dbURL); err != nil {
			return err
		}
	}
	if flags.spillThreshold < 1 {
		return fmt.Errorf("--spill-threshold must be >= 1, got %d", flags.spillThreshold)
	}
	artifact, err := model.LoadMapping(mappingPath)
	if err != nil {
		return err
	}

	jobID := flags.jobID
	if flags.resumeJobID != "" {
		jobID = flags.resumeJobID
	}
	if jobID == "" {
		jobID = fmt.Sprintf("job-%d", os.Getpid())
	}

	var store *storage.SQLiteStore
	var statusStore jobs.StatusStore
	if flags.sqliteDB != "" {
		store, err = storage.OpenSQLite(flags.sqliteDB)
		if err != nil {
			return err
		}
		defer store.Close()
		statusStore = store
	}
	machine, err := jobs.NewStateMachine(jobID, statusStore)
	if err != nil {
		return err
	}
	if err := machine.Transition(jobs.StateMaterializing, "materialization started"); err != nil {
		return err
	}

	registry, err := validation.LoadRegistry(cfg.Global.CanonicalSchemaPath)
	if err != nil {
		return err
	}
	manager, err := resources.NewManager(cfg.Profile.ResourceLimits)
	if err != nil {
		return err
	}
	spoolDir, err := manager.ScratchDir(jobID, "spool")
	if err != nil {
		return err
	}

	checkpointPath := filepath.Join(flags.checkpointDir, jobID+".json")
	checkpoints := materialize.NewCheckpointStore(checkpointPath)

	// The phase registry records what a resumed invocation needs to know
	// before the per-schema writer checkpoints come into play.
	phases := jobs.NewCheckpointRegistry(flags.checkpointDir)
	if err := phases.Save(jobID, "materialize", map[string]any{
		"mapping": mappingPath,
		"dest":    flags.dest,
		"format":  flags.writerFormat,
	}); err != nil {
		return err
	}

	telemetry := progress.NewTelemetryWriter(flags.telemetryLog)
	if telemetry != nil {
		defer telemetry.Close()
	}

	if flags.planFile != "" {
		plan := materialize.BuildPlan(artifact, flags.dest)
		if err := materialize.WritePlan(plan, flags.planFile); err != nil {
			return err
		}
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()
	runner, err := materialize.NewRunner(cfg, checkpoints, materialize.RunnerOptions{
		WriterFormat:   flags.writerFormat,
		SpillThreshold: flags.spillThreshold,
		DBURL:          flags.dbURL,
		MaxJobs:        flags.maxJobs,
		TelemetryLog:   telemetry,
		Registry:       registry,
		GlobalDedup:    materialize.NewDedupSet(),
		SpoolDir:       spoolDir,
		Logger:         logger,
		Progress: func(event model.FileProgress) {
			if store != nil {
				_ = store.RecordProgressEvent(event)
			}
		},
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	summaries, runErr := runner.Run(runCtx, artifact, flags.dest)

	cancelled := runCtx.Err() != nil
	var stats []model.SchemaStats
	for _, summary := range summaries {
		if summary.Cancelled {
			cancelled = true
		}
		if store != nil {
			_ = store.RecordJobMetrics(summary.ToJobMetrics())
		}
		if id, parseErr := uuid.Parse(summary.SchemaID); parseErr == nil {
			stats = append(stats, model.SchemaStats{SchemaID: id, RowCount: summary.RowsWritten})
		}
	}
	if len(stats) > 0 && !cancelled {
		if err := storage.SaveSchemaStatsJSON(stats, filepath.Join(flags.dest, "schema_stats.json")); err != nil {
			return err
		}
		if store != nil {
			_ = store.SaveSchemaStats(stats)
		}
	}

	switch {
	case runErr != nil && !cancelled:
		if markErr := machine.MarkFailed(runErr.Error()); markErr != nil {
			logger.Warn("record job failure", zap.Error(markErr))
		}
		return runErr
	case cancelled:
		if markErr := machine.MarkCancelled("cancelled by signal"); markErr != nil {
			logger.Warn("record job cancellation", zap.Error(markErr))
		}
		fmt.Println("materialization cancelled; checkpoint retained for resume")
	default:
		if err := machine.Transition(jobs.StateValidating, "validation counters collected"); err != nil {
			return err
		}
		if err := machine.Transition(jobs.StateDone, "materialization complete"); err != nil {
			return err
		}
		if err := phases.Clear(jobID, "materialize"); err != nil {
			return err
		}
		manager.Cleanup(jobID)
	}

	formatter, _ := output.NewFormatter("")
	rendered, err := formatter.FormatSummaries(summaries)
	if err != nil {
		return err
	}
	return writeOutput(rendered, flags.outFile)
}

func collectInputFiles(root string, inputs []string) ([]string, error) {
	sb, err := sandbox.New(root)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, input := range inputs {
		if !filepath.IsAbs(input) {
			resolved, err := sb.ResolveExisting(input)
			if err != nil {
				return nil, err
			}
			input = resolved
		}
		info, err := os.Stat(input)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", input, err)
		}
		if !info.IsDir() {
			files = append(files, input)
			continue
		}
		entries, err := os.ReadDir(input)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", input, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			files = append(files, filepath.Join(input, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no input files found")
	}
	return files, nil
}

func writeOutput(content, outFile string) error {
	if outFile == "" {
		fmt.Println(content)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(outFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outFile, []byte(content), 0o644)
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
