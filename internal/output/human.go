package output

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"tabfuse/internal/materialize"
	"tabfuse/internal/model"
)

type humanFormatter struct{}

func (humanFormatter) FormatAnalysis(results []*model.FileAnalysisResult) (string, error) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"File", "Lines", "Blocks", "Status"})
	for _, result := range results {
		if result == nil {
			continue
		}
		status := "ok"
		if result.Err != nil {
			status = result.Err.Error()
		}
		t.AppendRow(table.Row{result.FilePath, result.TotalLines, len(result.Blocks), status})
	}
	return t.Render(), nil
}

func (humanFormatter) FormatClusters(clusters []model.HeaderCluster, entries []model.SchemaMappingEntry) (string, error) {
	var sb strings.Builder
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Canonical", "Variants", "Confidence", "Review"})
	for _, cluster := range clusters {
		names := make([]string, 0, len(cluster.Variants))
		for _, variant := range cluster.Variants {
			names = append(names, variant.RawName)
		}
		review := ""
		if cluster.NeedsReview {
			review = "yes"
		}
		t.AppendRow(table.Row{
			cluster.CanonicalName,
			strings.Join(names, ", "),
			fmt.Sprintf("%.2f", cluster.Confidence),
			review,
		})
	}
	sb.WriteString(t.Render())

	if len(entries) > 0 {
		sb.WriteString("\n\n")
		offsets := table.NewWriter()
		offsets.AppendHeader(table.Row{"Canonical", "File", "Source", "Target", "Offset", "Confidence"})
		for _, entry := range entries {
			target := ""
			if entry.TargetIndex != nil {
				target = fmt.Sprintf("%d", *entry.TargetIndex)
			}
			offset := ""
			if entry.OffsetFromIndex != nil {
				offset = fmt.Sprintf("%+d", *entry.OffsetFromIndex)
			}
			confidence := ""
			if entry.OffsetConfidence != nil {
				confidence = fmt.Sprintf("%.2f", *entry.OffsetConfidence)
			}
			offsets.AppendRow(table.Row{
				entry.CanonicalName, entry.FilePath, entry.SourceIndex, target, offset, confidence,
			})
		}
		sb.WriteString(offsets.Render())
	}
	return sb.String(), nil
}

func (humanFormatter) FormatSummaries(summaries []materialize.JobSummary) (string, error) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Schema", "Rows", "Chunks", "Rows/s", "Short", "Long", "Spills"})
	for _, summary := range summaries {
		t.AppendRow(table.Row{
			summary.SchemaName,
			summary.RowsWritten,
			len(summary.OutputFiles),
			fmt.Sprintf("%.0f", summary.RowsPerSecond),
			summary.Validation.ShortRows,
			summary.Validation.LongRows,
			summary.Spill.Spills,
		})
	}
	return t.Render(), nil
}
