package analysis

import (
	"regexp"
	"strings"

	"tabfuse/internal/model"
)

var (
	datePattern  = regexp.MustCompile(`\d{1,4}[./-]\d{1,2}[./-]\d{1,4}`)
	intPattern   = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern = regexp.MustCompile(`^[+-]?(?:\d+\.\d+|\d+\.\d*|\d*\.\d+)$`)
)

// ClassifyValue maps a string to one of the coarse type buckets. A comma is
// accepted as the decimal separator.
func ClassifyValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return model.BucketEmpty
	}
	if datePattern.MatchString(cleaned) {
		return model.BucketDate
	}
	if intPattern.MatchString(cleaned) {
		return model.BucketInteger
	}
	normalized := strings.ReplaceAll(cleaned, ",", ".")
	if floatPattern.MatchString(normalized) {
		return model.BucketFloat
	}
	return model.BucketText
}
