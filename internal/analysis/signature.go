package analysis

import (
	"strings"

	"tabfuse/internal/model"
)

// MaxSignatureSampleLines bounds how many block lines feed the signature.
const MaxSignatureSampleLines = 100

var delimiterCandidates = []string{",", ";", "\t", "|"}

// DetectDelimiter picks the candidate with the highest count on the line,
// defaulting to a comma.
func DetectDelimiter(line string) string {
	best := ","
	bestCount := -1
	for _, candidate := range delimiterCandidates {
		count := strings.Count(line, candidate)
		if count > bestCount {
			best = candidate
			bestCount = count
		}
	}
	if line == "" {
		return ","
	}
	return best
}

func normalizeCell(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.Trim(trimmed, `"`)
	return strings.Trim(trimmed, `'`)
}

// BuildSignature infers delimiter, column count, and per-column stats from a
// block buffer. Column count is the most common row width among samples.
func BuildSignature(blockLines []string, sampleCap int, encoding string) *model.SchemaSignature {
	sig := model.NewSchemaSignature()
	if len(blockLines) == 0 {
		return sig
	}

	firstLine := strings.TrimRight(blockLines[0], "\r\n")
	sig.Delimiter = DetectDelimiter(firstLine)
	sig.Encoding = encoding

	sampleLines := blockLines
	if len(sampleLines) > MaxSignatureSampleLines {
		sampleLines = sampleLines[:MaxSignatureSampleLines]
	}

	widthVotes := make(map[int]int)
	for _, rawLine := range sampleLines {
		line := strings.TrimRight(rawLine, "\r\n")
		parts := strings.Split(line, sig.Delimiter)
		widthVotes[len(parts)]++
		for idx, value := range parts {
			stats, ok := sig.Columns[idx]
			if !ok {
				stats = model.NewColumnStats(idx)
				sig.Columns[idx] = stats
			}
			stats.SampleCount++
			cleaned := normalizeCell(value)
			if cleaned != "" && len(stats.SampleValues) < sampleCap {
				stats.SampleValues[cleaned] = struct{}{}
			}
			stats.TypeCounts[ClassifyValue(cleaned)]++
			updateTypeFlags(cleaned, stats)
		}
	}

	bestWidth, bestVotes := 0, 0
	for width, votes := range widthVotes {
		if votes > bestVotes || (votes == bestVotes && width < bestWidth) {
			bestWidth, bestVotes = width, votes
		}
	}
	sig.ColumnCount = bestWidth
	return sig
}

func splitTrimmed(line, delimiter string) []string {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), delimiter)
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = strings.TrimSpace(part)
	}
	return out
}

// updateTypeFlags maintains the sticky maybe_* hints; they only ever flip
// from true to false.
func updateTypeFlags(value string, stats *model.ColumnStats) {
	if value == "" {
		return
	}
	if stats.MaybeNumeric && !parsesAsFloat(value) {
		stats.MaybeNumeric = false
	}
	if stats.MaybeBool {
		switch strings.ToLower(value) {
		case "true", "false", "0", "1", "yes", "no":
		default:
			stats.MaybeBool = false
		}
	}
	if stats.MaybeDate && !strings.ContainsAny(value, "-/.") {
		stats.MaybeDate = false
	}
}
