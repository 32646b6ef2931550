package normalize

import (
	"fmt"

	"tabfuse/internal/model"
)

// Service updates schema columns with normalized names and variant
// tracking.
type Service struct {
	Synonyms *SynonymDictionary
}

// NewService wraps a dictionary; nil means slug-only normalization.
func NewService(synonyms *SynonymDictionary) *Service {
	if synonyms == nil {
		synonyms = EmptyDictionary()
	}
	return &Service{Synonyms: synonyms}
}

// Apply rewrites every schema column in place and returns the same mapping.
func (s *Service) Apply(mapping *model.MappingConfig) *model.MappingConfig {
	for _, schema := range mapping.Schemas {
		for idx := range schema.Columns {
			s.applyToColumn(&schema.Columns[idx])
		}
	}
	return mapping
}

func (s *Service) applyToColumn(column *model.SchemaColumn) {
	raw := column.RawName
	if raw == "" {
		raw = column.NormalizedName
	}
	if raw == "" {
		raw = fmt.Sprintf("column_%d", column.Index+1)
	}
	normalized := s.Synonyms.Normalize(raw)
	column.NormalizedName = normalized
	if raw != "" && !contains(column.KnownVariants, raw) {
		column.KnownVariants = append(column.KnownVariants, raw)
	}
	if !contains(column.KnownVariants, normalized) {
		column.KnownVariants = append(column.KnownVariants, normalized)
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
