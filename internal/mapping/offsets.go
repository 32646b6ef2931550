package mapping

import (
	"math"
	"sort"

	"tabfuse/internal/model"
)

// ResolveOffsets derives per-file SchemaMappingEntries from header
// clusters. The target index for a canonical name is the mode of observed
// source indices; ties break to the lowest index. Confidence comes from the
// L1 distance between the variant's normalized type distribution and the
// cluster's, when profile data exists.
func ResolveOffsets(clusters []model.HeaderCluster) []model.SchemaMappingEntry {
	var entries []model.SchemaMappingEntry
	for _, cluster := range clusters {
		if len(cluster.Variants) == 0 {
			continue
		}
		target := modeSourceIndex(cluster.Variants)
		clusterDist := clusterDistribution(cluster)
		for _, variant := range cluster.Variants {
			offset := variant.ColumnIndex - target
			entry := model.SchemaMappingEntry{
				FilePath:      variant.FilePath,
				SourceIndex:   variant.ColumnIndex,
				CanonicalName: cluster.CanonicalName,
				TargetIndex:   intPtr(target),
			}
			if offset != 0 {
				entry.OffsetFromIndex = intPtr(offset)
				entry.OffsetReason = "auto-detected"
			}
			entry.OffsetConfidence = offsetConfidence(variant, clusterDist, offset)
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CanonicalName != entries[j].CanonicalName {
			return entries[i].CanonicalName < entries[j].CanonicalName
		}
		if entries[i].FilePath != entries[j].FilePath {
			return entries[i].FilePath < entries[j].FilePath
		}
		return entries[i].SourceIndex < entries[j].SourceIndex
	})
	return entries
}

// modeSourceIndex returns the most frequent column index among the
// variants; ties resolve to the lowest index.
func modeSourceIndex(variants []model.HeaderVariant) int {
	counts := make(map[int]int)
	for _, variant := range variants {
		counts[variant.ColumnIndex]++
	}
	best, bestCount := math.MaxInt, -1
	for index, count := range counts {
		if count > bestCount || (count == bestCount && index < best) {
			best, bestCount = index, count
		}
	}
	return best
}

// clusterDistribution pools every variant's detected types, merging the
// null and empty buckets before normalization.
func clusterDistribution(cluster model.HeaderCluster) map[string]float64 {
	pooled := make(map[string]int)
	for _, variant := range cluster.Variants {
		for bucket, count := range variant.DetectedTypes {
			pooled[mergeNullEmpty(bucket)] += count
		}
	}
	return normalizeDistribution(pooled)
}

func offsetConfidence(variant model.HeaderVariant, clusterDist map[string]float64, offset int) *float64 {
	variantCounts := make(map[string]int)
	variantTotal := 0
	for bucket, count := range variant.DetectedTypes {
		variantCounts[mergeNullEmpty(bucket)] += count
		variantTotal += count
	}
	if variantTotal == 0 || len(clusterDist) == 0 {
		// No profile data: a detected shift is still certain positionally.
		if offset != 0 {
			return floatPtr(1.0)
		}
		return nil
	}
	variantDist := normalizeDistribution(variantCounts)
	keys := make(map[string]struct{})
	for bucket := range variantDist {
		keys[bucket] = struct{}{}
	}
	for bucket := range clusterDist {
		keys[bucket] = struct{}{}
	}
	if len(keys) == 0 {
		return floatPtr(1.0)
	}
	distance := 0.0
	for bucket := range keys {
		distance += math.Abs(variantDist[bucket] - clusterDist[bucket])
	}
	confidence := 1.0 - distance/float64(len(keys))
	confidence = math.Max(0, math.Min(1, confidence))
	confidence = math.Round(confidence*100) / 100
	return floatPtr(confidence)
}

func normalizeDistribution(counts map[string]int) map[string]float64 {
	total := 0
	for _, count := range counts {
		total += count
	}
	out := make(map[string]float64, len(counts))
	if total == 0 {
		return out
	}
	for bucket, count := range counts {
		out[bucket] = float64(count) / float64(total)
	}
	return out
}

func mergeNullEmpty(bucket string) string {
	if bucket == "null" {
		return model.BucketEmpty
	}
	return bucket
}

func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64   { return &v }
