package materialize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func runnerConfig(chunkRows int) *model.RuntimeConfig {
	return &model.RuntimeConfig{
		Global: model.GlobalSettings{Encoding: "utf-8", ErrorPolicy: "replace"},
		Profile: model.ProfileSettings{
			Description:      "test",
			BlockSize:        100,
			MinGapLines:      100,
			MaxParallelFiles: 2,
			SampleValuesCap:  8,
			WriterChunkRows:  chunkRows,
		},
	}
}

func customersMapping(t *testing.T, dir string) *model.MappingConfig {
	t.Helper()
	path := filepath.Join(dir, "customers.csv")
	content := "name,email\nAlice,a@example.com\nBob\nCara,c@example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sig := model.NewSchemaSignature()
	sig.ColumnCount = 2
	sig.HeaderSample = "name,email"
	sig.Encoding = "utf-8"
	schema := &model.SchemaDefinition{
		ID:   uuid.MustParse("7f0dfd2a-90cb-4bbc-8d2e-4e3cb34fd0c5"),
		Name: "customers",
		Columns: []model.SchemaColumn{
			{Index: 0, RawName: "name", NormalizedName: "name", DataType: "string"},
			{Index: 1, RawName: "email", NormalizedName: "email", DataType: "string"},
		},
	}
	block := &model.FileBlock{
		FilePath:  path,
		BlockID:   0,
		StartLine: 0,
		EndLine:   3,
		Signature: sig,
		SchemaID:  schema.ID,
	}
	return &model.MappingConfig{Blocks: []*model.FileBlock{block}, Schemas: []*model.SchemaDefinition{schema}}
}

func TestRunnerSingleSchema(t *testing.T) {
	dir := t.TempDir()
	mapping := customersMapping(t, dir)
	dest := filepath.Join(dir, "out")
	checkpoints := NewCheckpointStore(filepath.Join(dir, "cp.json"))

	runner, err := NewRunner(runnerConfig(2), checkpoints, RunnerOptions{
		WriterFormat:   "csv",
		SpillThreshold: 1,
		SpoolDir:       filepath.Join(dir, "spool"),
	})
	require.NoError(t, err)

	summaries, err := runner.Run(context.Background(), mapping, dest)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	summary := summaries[0]

	assert.Equal(t, "customers", summary.SchemaName)
	assert.Equal(t, 3, summary.RowsWritten)
	assert.Len(t, summary.OutputFiles, 2)
	assert.Equal(t, 1, summary.Validation.ShortRows)
	assert.GreaterOrEqual(t, summary.Spill.Spills, 1)
	assert.False(t, summary.Cancelled)

	first := readCSV(t, filepath.Join(dest, "customers_000.csv"))
	require.Len(t, first, 3)
	assert.Equal(t, []string{"name", "email"}, first[0])
	assert.Equal(t, []string{"Alice", "a@example.com"}, first[1])
	assert.Equal(t, []string{"Bob", ""}, first[2])

	// Success clears the checkpoint.
	assert.True(t, checkpoints.Empty())
}

func TestRunnerSwappedColumns(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.csv")
	fileB := filepath.Join(dir, "b.csv")
	require.NoError(t, os.WriteFile(fileA, []byte("name,email\nAlice,alice@example.com\n"), 0o644))
	require.NoError(t, os.WriteFile(fileB, []byte("email,name\nbob@example.com,Bob\n"), 0o644))

	makeSig := func(header string) *model.SchemaSignature {
		sig := model.NewSchemaSignature()
		sig.ColumnCount = 2
		sig.HeaderSample = header
		sig.Encoding = "utf-8"
		return sig
	}
	schemaA := &model.SchemaDefinition{
		ID:   uuid.MustParse("11111111-1111-4111-8111-111111111111"),
		Name: "a",
		Columns: []model.SchemaColumn{
			{Index: 0, RawName: "name", NormalizedName: "name"},
			{Index: 1, RawName: "email", NormalizedName: "email"},
		},
	}
	// Schema B columns carry the canonical order resolved by the offset
	// stage, not the file's on-disk order.
	schemaB := &model.SchemaDefinition{
		ID:   uuid.MustParse("22222222-2222-4222-8222-222222222222"),
		Name: "b",
		Columns: []model.SchemaColumn{
			{Index: 0, RawName: "name", NormalizedName: "name"},
			{Index: 1, RawName: "email", NormalizedName: "email"},
		},
	}
	target0, target1 := 0, 1
	offsetPlus, offsetMinus := 1, -1
	mapping := &model.MappingConfig{
		Blocks: []*model.FileBlock{
			{FilePath: fileA, BlockID: 0, StartLine: 0, EndLine: 1, Signature: makeSig("name,email"), SchemaID: schemaA.ID},
			{FilePath: fileB, BlockID: 0, StartLine: 0, EndLine: 1, Signature: makeSig("email,name"), SchemaID: schemaB.ID},
		},
		Schemas: []*model.SchemaDefinition{schemaA, schemaB},
		SchemaMapping: []model.SchemaMappingEntry{
			{FilePath: fileA, SourceIndex: 0, CanonicalName: "name", TargetIndex: &target0},
			{FilePath: fileA, SourceIndex: 1, CanonicalName: "email", TargetIndex: &target1},
			{FilePath: fileB, SourceIndex: 1, CanonicalName: "name", TargetIndex: &target0, OffsetFromIndex: &offsetPlus},
			{FilePath: fileB, SourceIndex: 0, CanonicalName: "email", TargetIndex: &target1, OffsetFromIndex: &offsetMinus},
		},
	}

	dest := filepath.Join(dir, "out")
	runner, err := NewRunner(runnerConfig(10), NewCheckpointStore(""), RunnerOptions{
		WriterFormat:   "csv",
		SpillThreshold: 100,
		SpoolDir:       filepath.Join(dir, "spool"),
	})
	require.NoError(t, err)
	summaries, err := runner.Run(context.Background(), mapping, dest)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	rowsA := readCSV(t, filepath.Join(dest, "a_000.csv"))
	require.Len(t, rowsA, 2)
	assert.Equal(t, "Alice", rowsA[1][0])

	rowsB := readCSV(t, filepath.Join(dest, "b_000.csv"))
	require.Len(t, rowsB, 2)
	// File B's swapped cells land name-first after realignment.
	assert.Equal(t, "Bob", rowsB[1][0])
	assert.Equal(t, "bob@example.com", rowsB[1][1])
}

func TestRunnerDedupAcrossBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dups.csv")
	require.NoError(t, os.WriteFile(path, []byte("h\nr1\nr2\nr3\n"), 0o644))

	sig := model.NewSchemaSignature()
	sig.ColumnCount = 1
	sig.HeaderSample = "h"
	sig.Encoding = "utf-8"
	schema := &model.SchemaDefinition{
		ID:      uuid.MustParse("33333333-3333-4333-8333-333333333333"),
		Name:    "dups",
		Columns: []model.SchemaColumn{{Index: 0, RawName: "h", NormalizedName: "h"}},
	}
	// Overlapping blocks cover lines 1-2 twice.
	mapping := &model.MappingConfig{
		Blocks: []*model.FileBlock{
			{FilePath: path, BlockID: 0, StartLine: 0, EndLine: 2, Signature: sig, SchemaID: schema.ID},
			{FilePath: path, BlockID: 1, StartLine: 1, EndLine: 3, Signature: sig, SchemaID: schema.ID},
		},
		Schemas: []*model.SchemaDefinition{schema},
	}
	dest := filepath.Join(dir, "out")
	runner, err := NewRunner(runnerConfig(10), NewCheckpointStore(""), RunnerOptions{
		WriterFormat:   "csv",
		SpillThreshold: 100,
		SpoolDir:       filepath.Join(dir, "spool"),
	})
	require.NoError(t, err)
	summaries, err := runner.Run(context.Background(), mapping, dest)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].RowsWritten)
}

func TestRunnerIdempotentResume(t *testing.T) {
	dir := t.TempDir()
	mapping := customersMapping(t, dir)
	dest := filepath.Join(dir, "out")
	checkpointPath := filepath.Join(dir, "cp.json")

	run := func() ([]JobSummary, *CheckpointStore) {
		checkpoints := NewCheckpointStore(checkpointPath)
		runner, err := NewRunner(runnerConfig(2), checkpoints, RunnerOptions{
			WriterFormat:   "csv",
			SpillThreshold: 100,
			SpoolDir:       filepath.Join(dir, "spool"),
		})
		require.NoError(t, err)
		summaries, err := runner.Run(context.Background(), mapping, dest)
		require.NoError(t, err)
		return summaries, checkpoints
	}

	first, checkpoints := run()
	require.Len(t, first, 1)
	require.Equal(t, 3, first[0].RowsWritten)
	require.True(t, checkpoints.Empty())

	// Simulate a crash that left a checkpoint pointing past every block:
	// re-running must add zero new rows and clear the checkpoint.
	schemaID := mapping.Schemas[0].ID.String()
	crashed := NewCheckpointStore(checkpointPath)
	require.NoError(t, crashed.Update(schemaID, Checkpoint{
		NextBlock:   1,
		ChunkIndex:  1,
		RowsInChunk: 1,
		TotalRows:   3,
		OutputFiles: first[0].OutputFiles,
	}))

	second, checkpoints2 := run()
	require.Len(t, second, 1)
	assert.Equal(t, 3, second[0].RowsWritten)
	assert.True(t, checkpoints2.Empty())

	// Every source row appears exactly once in the outputs.
	total := 0
	for _, file := range second[0].OutputFiles {
		total += len(readCSV(t, file)) - 1
	}
	assert.Equal(t, 3, total)
}

func TestRunnerCancellation(t *testing.T) {
	dir := t.TempDir()
	mapping := customersMapping(t, dir)
	dest := filepath.Join(dir, "out")
	checkpoints := NewCheckpointStore(filepath.Join(dir, "cp.json"))
	runner, err := NewRunner(runnerConfig(2), checkpoints, RunnerOptions{
		WriterFormat:   "csv",
		SpillThreshold: 100,
		SpoolDir:       filepath.Join(dir, "spool"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summaries, err := runner.Run(ctx, mapping, dest)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].Cancelled)
	assert.Zero(t, summaries[0].RowsWritten)
}

func TestRunnerProgressEvents(t *testing.T) {
	dir := t.TempDir()
	mapping := customersMapping(t, dir)
	var events []model.FileProgress
	runner, err := NewRunner(runnerConfig(2), NewCheckpointStore(""), RunnerOptions{
		WriterFormat:   "csv",
		SpillThreshold: 100,
		SpoolDir:       filepath.Join(dir, "spool"),
		Progress:       func(event model.FileProgress) { events = append(events, event) },
	})
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), mapping, filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, 3, final.ProcessedRows)
	assert.Equal(t, "materialize", final.CurrentPhase)
}

func TestBuildPlan(t *testing.T) {
	dir := t.TempDir()
	mapping := customersMapping(t, dir)
	plan := BuildPlan(mapping, filepath.Join(dir, "out"))
	require.Len(t, plan, 1)
	assert.Equal(t, "customers", plan[0].SchemaName)
	assert.Equal(t, 1, plan[0].BlockCount)
	assert.Equal(t, 4, plan[0].EstimatedRows)
	require.Len(t, plan[0].SourceFiles, 1)

	planPath := filepath.Join(dir, "plan.json")
	require.NoError(t, WritePlan(plan, planPath))
	_, err := os.Stat(planPath)
	assert.NoError(t, err)
}
