package mapping

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func blockWithHeader(file string, blockID int, header string, columns int) *model.FileBlock {
	sig := model.NewSchemaSignature()
	sig.ColumnCount = columns
	sig.HeaderSample = header
	for i := 0; i < columns; i++ {
		sig.Columns[i] = model.NewColumnStats(i)
	}
	return &model.FileBlock{
		FilePath:  file,
		BlockID:   blockID,
		StartLine: blockID * 10,
		EndLine:   blockID*10 + 9,
		Signature: sig,
	}
}

func TestServiceCluster(t *testing.T) {
	t.Run("same structure shares one schema", func(t *testing.T) {
		blocks := []*model.FileBlock{
			blockWithHeader("customers.csv", 0, "name,email", 2),
			blockWithHeader("customers.csv", 1, "name,email", 2),
		}
		cfg := NewService(nil).Cluster(blocks)
		require.Len(t, cfg.Schemas, 1)
		schema := cfg.Schemas[0]
		assert.Equal(t, "customers", schema.Name)
		require.Len(t, schema.Columns, 2)
		assert.Equal(t, "name", schema.Columns[0].RawName)
		for _, block := range blocks {
			assert.Equal(t, schema.ID, block.SchemaID)
		}
	})

	t.Run("different headers split schemas", func(t *testing.T) {
		blocks := []*model.FileBlock{
			blockWithHeader("a.csv", 0, "name,email", 2),
			blockWithHeader("b.csv", 0, "email,name", 2),
		}
		cfg := NewService(nil).Cluster(blocks)
		assert.Len(t, cfg.Schemas, 2)
		assert.NotEqual(t, blocks[0].SchemaID, blocks[1].SchemaID)
	})

	t.Run("schema ids stable across runs", func(t *testing.T) {
		build := func() uuid.UUID {
			blocks := []*model.FileBlock{blockWithHeader("a.csv", 0, "x,y", 2)}
			cfg := NewService(nil).Cluster(blocks)
			return cfg.Schemas[0].ID
		}
		assert.Equal(t, build(), build())
	})

	t.Run("headerless blocks fall back to synthetic columns", func(t *testing.T) {
		block := blockWithHeader("raw.csv", 0, "", 3)
		cfg := NewService(nil).Cluster([]*model.FileBlock{block})
		require.Len(t, cfg.Schemas, 1)
		require.Len(t, cfg.Schemas[0].Columns, 3)
		assert.Equal(t, "column_1", cfg.Schemas[0].Columns[0].RawName)
	})
}

func TestInferDataType(t *testing.T) {
	t.Run("nil stats default to string", func(t *testing.T) {
		assert.Equal(t, "string", InferDataType(nil))
	})

	t.Run("bool hint wins", func(t *testing.T) {
		stats := model.NewColumnStats(0)
		assert.Equal(t, "bool", InferDataType(stats))
	})

	t.Run("numeric without date is decimal", func(t *testing.T) {
		stats := model.NewColumnStats(0)
		stats.MaybeBool = false
		stats.MaybeDate = false
		assert.Equal(t, "decimal", InferDataType(stats))
	})

	t.Run("date without numeric", func(t *testing.T) {
		stats := model.NewColumnStats(0)
		stats.MaybeBool = false
		stats.MaybeNumeric = false
		assert.Equal(t, "date", InferDataType(stats))
	})

	t.Run("nothing left means string", func(t *testing.T) {
		stats := model.NewColumnStats(0)
		stats.MaybeBool = false
		stats.MaybeNumeric = false
		stats.MaybeDate = false
		assert.Equal(t, "string", InferDataType(stats))
	})
}
