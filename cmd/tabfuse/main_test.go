package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/analysis"
	"tabfuse/internal/materialize"
	"tabfuse/internal/model"
	"tabfuse/internal/normalize"
)

func pipelineConfig() *model.RuntimeConfig {
	return &model.RuntimeConfig{
		Global: model.GlobalSettings{Encoding: "utf-8", ErrorPolicy: "replace"},
		Profile: model.ProfileSettings{
			Description:      "test",
			BlockSize:        100,
			MinGapLines:      1000,
			MaxParallelFiles: 2,
			SampleValuesCap:  16,
			WriterChunkRows:  2,
		},
	}
}

// End-to-end: analyze two files with synonym headers, build the artifact,
// and materialize the aligned datasets.
func TestPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "left.csv")
	fileB := filepath.Join(dir, "right.csv")
	require.NoError(t, os.WriteFile(fileA,
		[]byte("month,city\njan,Kyiv\nfeb,Lviv\n"), 0o644))
	require.NoError(t, os.WriteFile(fileB,
		[]byte("mon,town\nmar,Odesa\napr,Dnipro\n"), 0o644))

	cfg := pipelineConfig()
	engine := analysis.NewEngine(cfg)
	results, err := engine.AnalyzeFiles(context.Background(), []string{fileA, fileB})
	require.NoError(t, err)

	artifact := buildMappingArtifact(results, normalize.EmptyDictionary())
	require.Len(t, artifact.Schemas, 2)
	require.NotEmpty(t, artifact.HeaderClusters)
	require.NotEmpty(t, artifact.SchemaMapping)

	// month/mon and city/town collapse through the default synonym sets.
	var canonicals []string
	for _, cluster := range artifact.HeaderClusters {
		canonicals = append(canonicals, cluster.CanonicalName)
	}
	assert.Len(t, artifact.HeaderClusters, 2, "canonicals: %v", canonicals)

	artifactPath := filepath.Join(dir, "mapping.json")
	require.NoError(t, model.SaveMapping(artifact, artifactPath, false))
	reloaded, err := model.LoadMapping(artifactPath)
	require.NoError(t, err)
	require.Len(t, reloaded.Blocks, len(artifact.Blocks))

	dest := filepath.Join(dir, "out")
	runner, err := materialize.NewRunner(cfg, materialize.NewCheckpointStore(""), materialize.RunnerOptions{
		WriterFormat:   "csv",
		SpillThreshold: 1,
		SpoolDir:       filepath.Join(dir, "spool"),
	})
	require.NoError(t, err)
	summaries, err := runner.Run(context.Background(), reloaded, dest)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	totalRows := 0
	for _, summary := range summaries {
		totalRows += summary.RowsWritten
		assert.GreaterOrEqual(t, summary.Spill.Spills, 1)
	}
	assert.Equal(t, 4, totalRows)
}

func TestCollectInputFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("y\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))

	t.Run("directory expands to files", func(t *testing.T) {
		files, err := collectInputFiles(dir, []string{dir})
		require.NoError(t, err)
		assert.Len(t, files, 2)
	})

	t.Run("relative escape rejected", func(t *testing.T) {
		_, err := collectInputFiles(dir, []string{"../outside.csv"})
		assert.Error(t, err)
	})

	t.Run("no files is an error", func(t *testing.T) {
		_, err := collectInputFiles(dir, []string{filepath.Join(dir, "nested")})
		assert.Error(t, err)
	})
}
