package output

import (
	"encoding/json"

	"tabfuse/internal/materialize"
	"tabfuse/internal/model"
)

type jsonFormatter struct{}

type analysisSummary struct {
	Files       int `json:"files"`
	FailedFiles int `json:"failedFiles"`
	TotalLines  int `json:"totalLines"`
	Blocks      int `json:"blocks"`
}

type analysisFilePayload struct {
	FilePath   string `json:"filePath"`
	TotalLines int    `json:"totalLines"`
	Blocks     int    `json:"blocks"`
	Error      string `json:"error,omitempty"`
}

type analysisPayload struct {
	Format  string                `json:"format"`
	Summary analysisSummary       `json:"summary"`
	Files   []analysisFilePayload `json:"files"`
}

type clusterPayload struct {
	Format   string                     `json:"format"`
	Clusters []model.HeaderCluster      `json:"clusters"`
	Mapping  []model.SchemaMappingEntry `json:"mapping,omitempty"`
}

type summariesPayload struct {
	Format    string                   `json:"format"`
	Summaries []materialize.JobSummary `json:"summaries"`
}

func (jsonFormatter) FormatAnalysis(results []*model.FileAnalysisResult) (string, error) {
	payload := analysisPayload{Format: string(FormatJSON)}
	for _, result := range results {
		if result == nil {
			continue
		}
		file := analysisFilePayload{
			FilePath:   result.FilePath,
			TotalLines: result.TotalLines,
			Blocks:     len(result.Blocks),
		}
		if result.Err != nil {
			file.Error = result.Err.Error()
			payload.Summary.FailedFiles++
		}
		payload.Summary.Files++
		payload.Summary.TotalLines += result.TotalLines
		payload.Summary.Blocks += len(result.Blocks)
		payload.Files = append(payload.Files, file)
	}
	return marshalJSON(payload)
}

func (jsonFormatter) FormatClusters(clusters []model.HeaderCluster, entries []model.SchemaMappingEntry) (string, error) {
	return marshalJSON(clusterPayload{
		Format:   string(FormatJSON),
		Clusters: clusters,
		Mapping:  entries,
	})
}

func (jsonFormatter) FormatSummaries(summaries []materialize.JobSummary) (string, error) {
	return marshalJSON(summariesPayload{Format: string(FormatJSON), Summaries: summaries})
}

func marshalJSON(payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
