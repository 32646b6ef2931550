package normalize

import (
	"strings"

	"tabfuse/internal/model"
)

// RowNormalizer reorders, pads, and truncates one row at a time to the
// canonical column order derived from mapping entries and column profiles.
type RowNormalizer struct {
	schema    *model.SchemaDefinition
	byFile    map[string][]resolvedEntry
	maxTarget int
}

type resolvedEntry struct {
	sourceIndex int
	targetIndex int
}

// NewRowNormalizer indexes the mapping entries per file and resolves each
// entry's target column up front. Resolution order: the entry's explicit
// target, an exact slug match against the schema columns, then
// coarse-bucket agreement with the column profile (integer and float are
// interchangeable as a fallback).
func NewRowNormalizer(schema *model.SchemaDefinition, entries []model.SchemaMappingEntry, profiles []model.ColumnProfileResult) *RowNormalizer {
	n := &RowNormalizer{
		schema:    schema,
		byFile:    make(map[string][]resolvedEntry),
		maxTarget: -1,
	}
	profileLookup := make(map[profileKey]model.ColumnProfileResult, len(profiles))
	for _, profile := range profiles {
		profileLookup[profileKey{profile.FileID, profile.ColumnIndex}] = profile
	}
	for _, entry := range entries {
		target := n.resolveTarget(entry, profileLookup)
		if target < 0 {
			continue
		}
		n.byFile[entry.FilePath] = append(n.byFile[entry.FilePath], resolvedEntry{
			sourceIndex: entry.SourceIndex,
			targetIndex: target,
		})
		if target > n.maxTarget {
			n.maxTarget = target
		}
	}
	return n
}

type profileKey struct {
	fileID      string
	columnIndex int
}

func (n *RowNormalizer) resolveTarget(entry model.SchemaMappingEntry, profiles map[profileKey]model.ColumnProfileResult) int {
	if entry.TargetIndex != nil {
		return *entry.TargetIndex
	}
	if n.schema != nil {
		slug := Slugify(entry.CanonicalName)
		for _, column := range n.schema.Columns {
			if Slugify(column.NormalizedName) == slug || Slugify(column.RawName) == slug {
				return column.Index
			}
		}
		if profile, ok := profiles[profileKey{entry.FilePath, entry.SourceIndex}]; ok {
			bucket := dominantProfileBucket(profile)
			if bucket != "" {
				if idx := n.columnByBucket(bucket, false); idx >= 0 {
					return idx
				}
				if bucket == model.BucketInteger || bucket == model.BucketFloat {
					if idx := n.columnByBucket(bucket, true); idx >= 0 {
						return idx
					}
				}
			}
		}
	}
	return -1
}

// columnByBucket finds the first schema column whose declared data type
// agrees with the coarse bucket. With interchangeable set, integer and
// float columns satisfy either numeric bucket.
func (n *RowNormalizer) columnByBucket(bucket string, interchangeable bool) int {
	for _, column := range n.schema.Columns {
		columnBucket := dataTypeBucket(column.DataType)
		if columnBucket == bucket {
			return column.Index
		}
		if interchangeable &&
			(columnBucket == model.BucketInteger || columnBucket == model.BucketFloat) &&
			(bucket == model.BucketInteger || bucket == model.BucketFloat) {
			return column.Index
		}
	}
	return -1
}

// Normalize realigns one row. Mapped cells copy to their targets, then the
// remaining unused source cells fill unassigned positions left to right.
func (n *RowNormalizer) Normalize(filePath string, row []string) model.NormalizedRow {
	width := len(row)
	outWidth := width
	if n.maxTarget+1 > outWidth {
		outWidth = n.maxTarget + 1
	}
	values := make([]string, outWidth)
	assigned := make([]bool, outWidth)
	used := make([]bool, width)

	for _, entry := range n.byFile[filePath] {
		if entry.sourceIndex < 0 || entry.sourceIndex >= width {
			continue
		}
		if entry.targetIndex < 0 || entry.targetIndex >= outWidth || assigned[entry.targetIndex] {
			continue
		}
		values[entry.targetIndex] = row[entry.sourceIndex]
		assigned[entry.targetIndex] = true
		used[entry.sourceIndex] = true
	}

	next := 0
	for target := 0; target < outWidth; target++ {
		if assigned[target] {
			continue
		}
		for next < width && used[next] {
			next++
		}
		if next >= width {
			break
		}
		values[target] = row[next]
		used[next] = true
	}
	return model.NormalizedRow{Values: values, ObservedLength: width}
}

func dominantProfileBucket(profile model.ColumnProfileResult) string {
	best, bestCount := "", 0
	for _, bucket := range []string{model.BucketInteger, model.BucketFloat, model.BucketDate, model.BucketText} {
		if count := profile.TypeDistribution[bucket]; count > bestCount {
			best, bestCount = bucket, count
		}
	}
	return best
}

func dataTypeBucket(dataType string) string {
	switch strings.ToLower(dataType) {
	case "int":
		return model.BucketInteger
	case "float", "decimal":
		return model.BucketFloat
	case "date", "datetime":
		return model.BucketDate
	default:
		return model.BucketText
	}
}
