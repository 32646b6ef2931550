package materialize

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// PlanEntry describes one schema's share of the materialization work.
type PlanEntry struct {
	SchemaID      string   `json:"schema_id"`
	SchemaName    string   `json:"schema_name"`
	BlockCount    int      `json:"block_count"`
	EstimatedRows int      `json:"estimated_rows"`
	OutputPath    string   `json:"output_path"`
	SourceFiles   []string `json:"source_files"`
}

// BuildPlan groups blocks by schema and estimates the work per schema.
func BuildPlan(mapping *model.MappingConfig, outputDir string) []PlanEntry {
	schemasByID := make(map[string]*model.SchemaDefinition, len(mapping.Schemas))
	for _, schema := range mapping.Schemas {
		schemasByID[schema.ID.String()] = schema
	}
	grouped := make(map[string][]*model.FileBlock)
	for _, block := range mapping.Blocks {
		if block.SchemaID == uuid.Nil {
			continue
		}
		id := block.SchemaID.String()
		grouped[id] = append(grouped[id], block)
	}

	plan := make([]PlanEntry, 0, len(grouped))
	for schemaID, blocks := range grouped {
		schemaName := schemaID
		if schema, ok := schemasByID[schemaID]; ok && schema.Name != "" {
			schemaName = schema.Name
		}
		estimated := 0
		sources := make(map[string]struct{})
		for _, block := range blocks {
			estimated += block.RowCount()
			sources[block.FilePath] = struct{}{}
		}
		sourceFiles := make([]string, 0, len(sources))
		for file := range sources {
			sourceFiles = append(sourceFiles, file)
		}
		sort.Strings(sourceFiles)
		plan = append(plan, PlanEntry{
			SchemaID:      schemaID,
			SchemaName:    schemaName,
			BlockCount:    len(blocks),
			EstimatedRows: estimated,
			OutputPath:    filepath.Join(outputDir, SlugifyName(schemaName)+".csv"),
			SourceFiles:   sourceFiles,
		})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].SchemaName < plan[j].SchemaName })
	return plan
}

// WritePlan serializes a plan to JSON.
func WritePlan(plan []PlanEntry, path string) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "encode plan")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err, "create plan dir")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, err, "write plan")
	}
	return nil
}
