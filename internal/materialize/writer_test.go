package materialize

import (
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func peopleSchema() *model.SchemaDefinition {
	return &model.SchemaDefinition{
		ID:   uuid.MustParse("3e2f9a64-1c25-4f0a-aafc-9c5d3c3f8db1"),
		Name: "people",
		Columns: []model.SchemaColumn{
			{Index: 0, RawName: "name", NormalizedName: "name", DataType: "string"},
			{Index: 1, RawName: "email", NormalizedName: "email", DataType: "string"},
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	handle, err := os.Open(path)
	require.NoError(t, err)
	defer handle.Close()
	rows, err := csv.NewReader(handle).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriterChunking(t *testing.T) {
	t.Run("rows roll across chunk files", func(t *testing.T) {
		dir := t.TempDir()
		writer, err := NewWriter(peopleSchema(), WriterOptions{Format: "csv", DestDir: dir, ChunkRows: 2})
		require.NoError(t, err)
		for _, row := range [][]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
			require.NoError(t, writer.Write(row, 2))
		}
		require.NoError(t, writer.Close())

		files := writer.OutputFiles()
		require.Len(t, files, 2)
		assert.Equal(t, filepath.Join(dir, "people_000.csv"), files[0])
		assert.Equal(t, filepath.Join(dir, "people_001.csv"), files[1])
		for _, file := range files {
			_, err := os.Stat(file)
			assert.NoError(t, err, "output file %s must exist on close", file)
		}

		first := readCSV(t, files[0])
		require.Len(t, first, 3)
		assert.Equal(t, []string{"name", "email"}, first[0])
		second := readCSV(t, files[1])
		require.Len(t, second, 2)
		assert.Equal(t, []string{"c", "3"}, second[1])
		assert.Equal(t, 3, writer.TotalRows())
	})

	t.Run("total rows equals sum of chunk rows", func(t *testing.T) {
		dir := t.TempDir()
		writer, err := NewWriter(peopleSchema(), WriterOptions{Format: "csv", DestDir: dir, ChunkRows: 4})
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			require.NoError(t, writer.Write([]string{"x", "y"}, 2))
		}
		require.NoError(t, writer.Close())
		rowsSeen := 0
		for _, file := range writer.OutputFiles() {
			rowsSeen += len(readCSV(t, file)) - 1 // minus header
		}
		assert.Equal(t, writer.TotalRows(), rowsSeen)
	})

	t.Run("csv resume appends to open chunk", func(t *testing.T) {
		dir := t.TempDir()
		writer, err := NewWriter(peopleSchema(), WriterOptions{Format: "csv", DestDir: dir, ChunkRows: 10})
		require.NoError(t, err)
		require.NoError(t, writer.Write([]string{"a", "1"}, 2))
		snapshot := writer.Snapshot(1)
		require.NoError(t, writer.Close())

		resumed, err := NewWriter(peopleSchema(), WriterOptions{
			Format: "csv", DestDir: dir, ChunkRows: 10, Checkpoint: &snapshot,
		})
		require.NoError(t, err)
		require.NoError(t, resumed.Write([]string{"b", "2"}, 2))
		require.NoError(t, resumed.Close())

		rows := readCSV(t, filepath.Join(dir, "people_000.csv"))
		require.Len(t, rows, 3)
		assert.Equal(t, []string{"a", "1"}, rows[1])
		assert.Equal(t, []string{"b", "2"}, rows[2])
		assert.Equal(t, 2, resumed.TotalRows())
	})

	t.Run("unknown format rejected", func(t *testing.T) {
		_, err := NewWriter(peopleSchema(), WriterOptions{Format: "xml", DestDir: t.TempDir()})
		assert.Error(t, err)
	})
}

func TestDatabaseWriter(t *testing.T) {
	t.Run("rows land in one table per slug", func(t *testing.T) {
		dir := t.TempDir()
		dbPath := filepath.Join(dir, "out.db")
		writer, err := NewWriter(peopleSchema(), WriterOptions{
			Format:    "database",
			DestDir:   dir,
			ChunkRows: 2,
			DBURL:     "sqlite:///" + dbPath,
		})
		require.NoError(t, err)
		for _, row := range [][]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
			require.NoError(t, writer.Write(row, 2))
		}
		require.NoError(t, writer.Close())
		assert.Equal(t, []string{dbPath}, writer.OutputFiles())

		db, err := sql.Open("sqlite", dbPath)
		require.NoError(t, err)
		defer db.Close()
		var count int
		require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM "people"`).Scan(&count))
		assert.Equal(t, 3, count)
		var chunk, rowInChunk int
		require.NoError(t, db.QueryRow(
			`SELECT chunk_index, row_in_chunk FROM "people" WHERE name = 'c'`).Scan(&chunk, &rowInChunk))
		assert.Equal(t, 1, chunk)
		assert.Equal(t, 0, rowInChunk)
	})

	t.Run("missing db url rejected", func(t *testing.T) {
		_, err := NewWriter(peopleSchema(), WriterOptions{Format: "database", DestDir: t.TempDir()})
		assert.Error(t, err)
	})

	t.Run("non sqlite url rejected", func(t *testing.T) {
		_, err := ResolveSQLiteURL("postgres://localhost/db")
		assert.Error(t, err)
	})
}

func TestSlugifyName(t *testing.T) {
	assert.Equal(t, "people", SlugifyName("People"))
	assert.Equal(t, "order_items", SlugifyName("Order  Items!"))
	assert.Equal(t, "dataset", SlugifyName("***"))
}
