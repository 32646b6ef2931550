// Package mapping clusters file blocks into schema definitions and derives
// the per-file column permutations that realign rows to a canonical schema.
package mapping

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tabfuse/internal/model"
	"tabfuse/internal/normalize"
)

var schemaNamespace = uuid.MustParse("c0a9e7db-6c3f-4f11-8fd4-2c4b1f9ce502")

// Service clusters FileBlock signatures into schema definitions. Blocks
// sharing a (delimiter, column count, header hash) key receive the same
// stable schema ID.
type Service struct {
	Synonyms *normalize.SynonymDictionary
}

// NewService builds a service; a nil dictionary means slug-only
// normalization.
func NewService(synonyms *normalize.SynonymDictionary) *Service {
	if synonyms == nil {
		synonyms = normalize.EmptyDictionary()
	}
	return &Service{Synonyms: synonyms}
}

type clusterKey struct {
	delimiter   string
	columnCount int
	headerHash  string
}

// Cluster assigns schema IDs to blocks and returns the bootstrap mapping
// config that owns them.
func (s *Service) Cluster(blocks []*model.FileBlock) *model.MappingConfig {
	grouped := make(map[clusterKey][]*model.FileBlock)
	var order []clusterKey
	for _, block := range blocks {
		key := blockClusterKey(block)
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], block)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].delimiter != order[j].delimiter {
			return order[i].delimiter < order[j].delimiter
		}
		if order[i].columnCount != order[j].columnCount {
			return order[i].columnCount < order[j].columnCount
		}
		return order[i].headerHash < order[j].headerHash
	})

	var schemas []*model.SchemaDefinition
	for _, key := range order {
		group := grouped[key]
		schema := s.schemaFromSignature(group[0].Signature, key, group[0].FilePath)
		schemas = append(schemas, schema)
		for _, block := range group {
			block.SchemaID = schema.ID
		}
	}
	sort.Slice(schemas, func(i, j int) bool {
		if schemas[i].Name != schemas[j].Name {
			return schemas[i].Name < schemas[j].Name
		}
		return schemas[i].ID.String() < schemas[j].ID.String()
	})
	return &model.MappingConfig{Blocks: blocks, Schemas: schemas}
}

func blockClusterKey(block *model.FileBlock) clusterKey {
	sig := block.Signature
	if sig == nil {
		sig = model.NewSchemaSignature()
	}
	headerText := strings.ToLower(strings.TrimSpace(sig.HeaderSample))
	sum := sha1.Sum([]byte(headerText))
	return clusterKey{
		delimiter:   sig.Delimiter,
		columnCount: sig.ColumnCount,
		headerHash:  fmt.Sprintf("%x", sum),
	}
}

func (s *Service) schemaFromSignature(sig *model.SchemaSignature, key clusterKey, filePath string) *model.SchemaDefinition {
	if sig == nil {
		sig = model.NewSchemaSignature()
	}
	var headerValues []string
	if sig.HeaderSample != "" {
		for _, cell := range strings.Split(sig.HeaderSample, sig.Delimiter) {
			headerValues = append(headerValues, strings.TrimSpace(cell))
		}
	}
	totalColumns := sig.ColumnCount
	if totalColumns == 0 {
		totalColumns = len(headerValues)
	}
	if totalColumns == 0 {
		totalColumns = len(sig.Columns)
	}

	var columns []model.SchemaColumn
	for idx := 0; idx < totalColumns; idx++ {
		rawName := fmt.Sprintf("column_%d", idx+1)
		if idx < len(headerValues) && headerValues[idx] != "" {
			rawName = headerValues[idx]
		}
		normalized := s.Synonyms.Normalize(rawName)
		columns = append(columns, model.SchemaColumn{
			Index:          idx,
			RawName:        rawName,
			NormalizedName: normalized,
			DataType:       InferDataType(sig.Columns[idx]),
			KnownVariants:  []string{rawName, normalized},
		})
	}

	// Name the schema after the representative source file; the header's
	// first cell is only a fallback when the path gives nothing usable.
	name := schemaNameFromPath(filePath)
	if name == "" && len(headerValues) > 0 {
		name = headerValues[0]
	}
	if name == "" {
		name = fmt.Sprintf("schema_%d", sig.ColumnCount)
	}
	id := uuid.NewSHA1(schemaNamespace, []byte(key.delimiter+"|"+fmt.Sprint(key.columnCount)+"|"+key.headerHash))
	return &model.SchemaDefinition{ID: id, Name: name, Columns: columns}
}

func schemaNameFromPath(filePath string) string {
	base := filepath.Base(filePath)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// InferDataType derives a coarse column type from the sticky signature
// hints.
func InferDataType(stats *model.ColumnStats) string {
	if stats == nil {
		return "string"
	}
	if stats.MaybeBool {
		return "bool"
	}
	if stats.MaybeNumeric && !stats.MaybeDate {
		return "decimal"
	}
	if stats.MaybeDate && !stats.MaybeNumeric {
		return "date"
	}
	return "string"
}
