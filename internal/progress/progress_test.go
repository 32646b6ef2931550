package progress

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func readJSONL(t *testing.T, path string) []map[string]any {
	t.Helper()
	handle, err := os.Open(path)
	require.NoError(t, err)
	defer handle.Close()
	var rows []map[string]any
	scanner := bufio.NewScanner(handle)
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	return rows
}

func TestLogger(t *testing.T) {
	t.Run("events append as jsonl", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "progress.jsonl")
		logger, err := NewLogger(path)
		require.NoError(t, err)
		logger.Emit(model.FileProgress{FilePath: "a.csv", ProcessedRows: 10, TotalRows: 100, CurrentPhase: "analysis-complete"})
		logger.Emit(model.FileProgress{FilePath: "b.csv", ProcessedRows: 20, TotalRows: 100, CurrentPhase: "analysis-complete"})
		require.NoError(t, logger.Close())

		rows := readJSONL(t, path)
		require.Len(t, rows, 2)
		assert.Equal(t, "a.csv", rows[0]["file_path"])
		assert.Equal(t, float64(20), rows[1]["processed_rows"])
		assert.Contains(t, rows[0], "timestamp")
	})

	t.Run("empty path drops events", func(t *testing.T) {
		logger, err := NewLogger("")
		require.NoError(t, err)
		logger.Emit(model.FileProgress{FilePath: "a.csv"})
		assert.NoError(t, logger.Close())
	})
}

func TestBenchmarkRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.jsonl")
	recorder, err := NewBenchmarkRecorder(path)
	require.NoError(t, err)
	require.NoError(t, recorder.Record("dataset.csv", map[string]any{"lines_per_second": 1234.5}))

	rows := readJSONL(t, path)
	require.Len(t, rows, 1)
	assert.Equal(t, "dataset.csv", rows[0]["dataset"])
	assert.Equal(t, 1234.5, rows[0]["lines_per_second"])
}

func TestNewTelemetryWriter(t *testing.T) {
	assert.Nil(t, NewTelemetryWriter(""))
	writer := NewTelemetryWriter(filepath.Join(t.TempDir(), "telemetry.jsonl"))
	require.NotNil(t, writer)
	_, err := writer.Write([]byte("{}\n"))
	assert.NoError(t, err)
	assert.NoError(t, writer.Close())
}
