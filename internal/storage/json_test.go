package storage

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func TestSchemaStatsJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	original := []model.SchemaStats{{
		SchemaID: uuid.MustParse("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"),
		RowCount: 7,
		Columns: []model.ColumnProfile{{
			Name:           "name",
			UniqueEstimate: 6,
			TopValues:      []string{"Alice", "Bob"},
		}},
	}}
	require.NoError(t, SaveSchemaStatsJSON(original, path))

	restored, err := LoadSchemaStatsJSON(path)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestLoadSchemaStatsJSONMissing(t *testing.T) {
	_, err := LoadSchemaStatsJSON(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
