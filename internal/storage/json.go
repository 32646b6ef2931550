package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

type schemaStatsDoc struct {
	SchemaID string           `json:"schema_id"`
	RowCount int              `json:"row_count"`
	Columns  []columnStatsDoc `json:"columns"`
}

type columnStatsDoc struct {
	Name           string   `json:"name"`
	UniqueEstimate int      `json:"unique_count_estimate"`
	TopValues      []string `json:"top_values"`
}

// SaveSchemaStatsJSON writes per-schema stats to a JSON file.
func SaveSchemaStatsJSON(stats []model.SchemaStats, path string) error {
	docs := make([]schemaStatsDoc, 0, len(stats))
	for _, item := range stats {
		doc := schemaStatsDoc{SchemaID: item.SchemaID.String(), RowCount: item.RowCount}
		for _, column := range item.Columns {
			doc.Columns = append(doc.Columns, columnStatsDoc{
				Name:           column.Name,
				UniqueEstimate: column.UniqueEstimate,
				TopValues:      column.TopValues,
			})
		}
		docs = append(docs, doc)
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "encode schema stats")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err, "create stats dir")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, err, "write schema stats")
	}
	return nil
}

// LoadSchemaStatsJSON reads stats back from disk.
func LoadSchemaStatsJSON(path string) ([]model.SchemaStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "read schema stats")
	}
	var docs []schemaStatsDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "parse schema stats")
	}
	stats := make([]model.SchemaStats, 0, len(docs))
	for _, doc := range docs {
		id, err := uuid.Parse(doc.SchemaID)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "schema stats id")
		}
		item := model.SchemaStats{SchemaID: id, RowCount: doc.RowCount}
		for _, column := range doc.Columns {
			item.Columns = append(item.Columns, model.ColumnProfile{
				Name:           column.Name,
				UniqueEstimate: column.UniqueEstimate,
				TopValues:      column.TopValues,
			})
		}
		stats = append(stats, item)
	}
	return stats, nil
}
