package headers

import (
	"sort"
	"strconv"
	"strings"

	"tabfuse/internal/analysis"
	"tabfuse/internal/model"
)

// Metadata is the header-level view aggregated across analysis results:
// per-file header snapshots, individual occurrences, and pooled type
// profiles keyed by raw header text.
type Metadata struct {
	FileHeaders []model.FileHeaderSummary
	Occurrences []model.HeaderOccurrence
	Profiles    []model.HeaderTypeProfile
}

// BuildMetadata folds analysis results into header metadata. Profiles merge
// block signature counts with full-file column profiles when available.
func BuildMetadata(results []*model.FileAnalysisResult) Metadata {
	var meta Metadata
	accumulator := make(map[string]map[string]int)

	for _, result := range results {
		if result == nil || result.Err != nil {
			continue
		}
		fileID := result.FilePath
		headers := prepareHeaders(result.RawHeaders, maxColumns(result))
		meta.FileHeaders = append(meta.FileHeaders, model.FileHeaderSummary{FileID: fileID, Headers: headers})

		profileByIndex := make(map[int]model.ColumnProfileResult, len(result.ColumnProfiles))
		for _, profile := range result.ColumnProfiles {
			profileByIndex[profile.ColumnIndex] = profile
		}

		for idx, header := range headers {
			normalized := strings.TrimSpace(header)
			if normalized == "" {
				normalized = "column_" + strconv.Itoa(idx+1)
			}
			meta.Occurrences = append(meta.Occurrences, model.HeaderOccurrence{
				RawHeader:   normalized,
				FileID:      fileID,
				ColumnIndex: idx,
			})
			counts := aggregateColumnTypeCounts(result.Blocks, idx)
			if profile, ok := profileByIndex[idx]; ok {
				mergeProfileCounts(counts, profile)
			}
			pooled, ok := accumulator[normalized]
			if !ok {
				pooled = make(map[string]int)
				accumulator[normalized] = pooled
			}
			for bucket, count := range counts {
				pooled[bucket] += count
			}
		}
	}

	rawHeaders := make([]string, 0, len(accumulator))
	for raw := range accumulator {
		rawHeaders = append(rawHeaders, raw)
	}
	sort.Strings(rawHeaders)
	for _, raw := range rawHeaders {
		meta.Profiles = append(meta.Profiles, model.HeaderTypeProfile{
			RawHeader:   raw,
			TypeProfile: model.EnsureTypeBuckets(accumulator[raw]),
		})
	}
	return meta
}

func maxColumns(result *model.FileAnalysisResult) int {
	best := len(result.RawHeaders)
	for _, block := range result.Blocks {
		if block.Signature != nil && block.Signature.ColumnCount > best {
			best = block.Signature.ColumnCount
		}
	}
	return best
}

func prepareHeaders(raw []string, targetLength int) []string {
	headers := make([]string, 0, max(len(raw), targetLength))
	for _, h := range raw {
		headers = append(headers, strings.TrimSpace(h))
	}
	for len(headers) < targetLength {
		headers = append(headers, "column_"+strconv.Itoa(len(headers)+1))
	}
	if len(headers) == 0 {
		headers = []string{"column_1"}
	}
	return headers
}

func aggregateColumnTypeCounts(blocks []*model.FileBlock, columnIndex int) map[string]int {
	counts := make(map[string]int)
	for _, block := range blocks {
		if block.Signature == nil {
			continue
		}
		stats, ok := block.Signature.Columns[columnIndex]
		if !ok {
			continue
		}
		if len(stats.TypeCounts) > 0 {
			for bucket, count := range stats.TypeCounts {
				counts[bucket] += count
			}
		} else if len(stats.SampleValues) > 0 {
			for value := range stats.SampleValues {
				counts[analysis.ClassifyValue(value)]++
			}
		}
	}
	return model.EnsureTypeBuckets(counts)
}

// mergeProfileCounts folds a full-file profile into block-level counts,
// remapping the profiler's null bucket back to empty.
func mergeProfileCounts(counts map[string]int, profile model.ColumnProfileResult) {
	remap := map[string]string{
		"null":              model.BucketEmpty,
		model.BucketInteger: model.BucketInteger,
		model.BucketFloat:   model.BucketFloat,
		model.BucketText:    model.BucketText,
		model.BucketDate:    model.BucketDate,
	}
	for bucket, count := range profile.TypeDistribution {
		key, ok := remap[bucket]
		if !ok {
			continue
		}
		counts[key] += count
	}
}
