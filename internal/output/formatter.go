// Package output provides a set of formatters for analysis results, header
// cluster reviews, and materialization summaries. It is extendable and for
// now provides two formats: human tables and JSON.
package output

import (
	"fmt"
	"strings"

	"tabfuse/internal/materialize"
	"tabfuse/internal/model"
)

// Format is an enum type representing the available output formats.
type Format string

const (
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// Formatter renders pipeline artifacts for one output format.
type Formatter interface {
	FormatAnalysis(results []*model.FileAnalysisResult) (string, error)
	FormatClusters(clusters []model.HeaderCluster, entries []model.SchemaMappingEntry) (string, error)
	FormatSummaries(summaries []materialize.JobSummary) (string, error)
}

// NewFormatter creates a Formatter based on the given name. An empty name
// defaults to human output.
func NewFormatter(name string) (Formatter, error) {
	format := Format(strings.ToLower(strings.TrimSpace(name)))
	switch format {
	case "", FormatHuman:
		return humanFormatter{}, nil
	case FormatJSON:
		return jsonFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s; use 'human' or 'json'", name)
	}
}
