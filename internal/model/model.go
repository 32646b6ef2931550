// Package model contains the single source of truth for the data contracts
// shared by the analysis, clustering, and materialization stages. It provides
// a structured representation of sampled blocks, inferred signatures, header
// clusters, and the mapping artifact handed between phases.
package model

import (
	"sort"

	"github.com/google/uuid"
)

// Type buckets produced by the classifier. Closed and exhaustive.
const (
	BucketEmpty   = "empty"
	BucketInteger = "integer"
	BucketFloat   = "float"
	BucketDate    = "date"
	BucketText    = "text"
)

// TypeBuckets lists every classifier bucket in canonical order.
var TypeBuckets = []string{BucketDate, BucketInteger, BucketFloat, BucketText, BucketEmpty}

// EnsureTypeBuckets returns a copy of counts with every standard bucket present.
func EnsureTypeBuckets(counts map[string]int) map[string]int {
	out := make(map[string]int, len(TypeBuckets))
	for _, bucket := range TypeBuckets {
		out[bucket] = counts[bucket]
	}
	return out
}

// ColumnStats is a lightweight profiler for a single column inside a sampled
// block. The maybe_* hints are sticky: once cleared they never come back.
type ColumnStats struct {
	Index        int
	SampleValues map[string]struct{}
	SampleCount  int
	MaybeNumeric bool
	MaybeDate    bool
	MaybeBool    bool
	TypeCounts   map[string]int
}

// NewColumnStats returns stats for a column index with all hints enabled.
func NewColumnStats(index int) *ColumnStats {
	return &ColumnStats{
		Index:        index,
		SampleValues: make(map[string]struct{}),
		MaybeNumeric: true,
		MaybeDate:    true,
		MaybeBool:    true,
		TypeCounts:   make(map[string]int),
	}
}

// SortedSamples returns the sample set in lexicographic order.
func (s *ColumnStats) SortedSamples() []string {
	out := make([]string, 0, len(s.SampleValues))
	for v := range s.SampleValues {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SchemaSignature is the structure guess inferred from one block of rows.
// HeaderSample holds the file's first line and is set on every block of
// that file; Encoding records the detected source encoding.
type SchemaSignature struct {
	Delimiter    string
	ColumnCount  int
	HeaderSample string
	Encoding     string
	Columns      map[int]*ColumnStats
}

// NewSchemaSignature returns an empty signature with the default delimiter.
func NewSchemaSignature() *SchemaSignature {
	return &SchemaSignature{Delimiter: ",", Columns: make(map[int]*ColumnStats)}
}

// FileBlock is a contiguous chunk of a file with a homogeneous structure
// guess. StartLine and EndLine are inclusive, zero-based.
type FileBlock struct {
	FilePath  string
	BlockID   int
	StartLine int
	EndLine   int
	Signature *SchemaSignature
	SchemaID  uuid.UUID // zero value means unassigned
}

// RowCount returns the number of lines covered by the block.
func (b *FileBlock) RowCount() int {
	if b.EndLine < b.StartLine {
		return 0
	}
	return b.EndLine - b.StartLine + 1
}

// SchemaColumn is a column definition after automatic or manual review.
type SchemaColumn struct {
	Index          int
	RawName        string
	NormalizedName string
	DataType       string // string,int,float,decimal,bool,date,datetime,json
	KnownVariants  []string
}

// SchemaDefinition is a normalized schema derived from clustered signatures.
// The ID is stable: once assigned it survives serialization unchanged.
type SchemaDefinition struct {
	ID                uuid.UUID
	Name              string
	Columns           []SchemaColumn
	CanonicalSchemaID string
}

// HeaderVariant is an observed header for a specific file/column together
// with a light type profile folded from block signatures.
type HeaderVariant struct {
	FilePath      string
	ColumnIndex   int
	RawName       string
	Normalized    string
	DetectedTypes map[string]int
	SampleValues  []string
	RowCount      int
}

// HeaderCluster groups semantically equivalent headers (synonyms, fuzzy
// matches, transliterations).
type HeaderCluster struct {
	ClusterID     uuid.UUID
	CanonicalName string
	Variants      []HeaderVariant
	Confidence    float64
	NeedsReview   bool
}

// SchemaMappingEntry maps a concrete (file, source column) to a canonical
// header position. OffsetFromIndex is nil when source and target agree.
type SchemaMappingEntry struct {
	FilePath         string
	SourceIndex      int
	CanonicalName    string
	TargetIndex      *int
	OffsetFromIndex  *int
	OffsetReason     string
	OffsetConfidence *float64
}

// FileHeaderSummary is the raw header snapshot for a single file.
type FileHeaderSummary struct {
	FileID  string
	Headers []string
}

// HeaderOccurrence records one (file, column) header sighting.
type HeaderOccurrence struct {
	RawHeader   string
	FileID      string
	ColumnIndex int
}

// HeaderTypeProfile aggregates type counts for a raw header across files.
type HeaderTypeProfile struct {
	RawHeader   string
	TypeProfile map[string]int
}

// ColumnProfileResult is the full-file per-column profile produced by the
// streaming profiler.
type ColumnProfileResult struct {
	FileID           string
	ColumnIndex      int
	Header           string
	TypeDistribution map[string]int
	UniqueEstimate   int
	NullCount        int
	TotalValues      int
	NumericMin       *float64
	NumericMax       *float64
	DateMin          string
	DateMax          string
}

// MappingConfig is the sole persistent artifact handed between phases.
type MappingConfig struct {
	Blocks            []*FileBlock
	Schemas           []*SchemaDefinition
	HeaderClusters    []HeaderCluster
	SchemaMapping     []SchemaMappingEntry
	ColumnProfiles    []ColumnProfileResult
	FileHeaders       []FileHeaderSummary
	HeaderOccurrences []HeaderOccurrence
	HeaderProfiles    []HeaderTypeProfile
}

// FileAnalysisResult is the outcome of analyzing a single file.
type FileAnalysisResult struct {
	FilePath       string
	TotalLines     int
	Blocks         []*FileBlock
	RawHeaders     []string
	ColumnProfiles []ColumnProfileResult
	Err            error // set when the file failed; blocks are empty then
}

// FileProgress is the progress payload reported during heavy jobs.
type FileProgress struct {
	FilePath      string
	ProcessedRows int
	TotalRows     int
	CurrentPhase  string
	ETASeconds    *float64
	SchemaID      string
	SchemaName    string
	RowsPerSecond *float64
	SpillRows     int
}

// GlobalSettings are knobs applied across profiles.
type GlobalSettings struct {
	Encoding            string
	ErrorPolicy         string // fail-fast | strict | replace
	SynonymDictionary   string
	CanonicalSchemaPath string
}

// ResourceLimits are optional ceilings enforced by the resource manager.
// Zero means unlimited.
type ResourceLimits struct {
	MemoryMB   int
	SpillMB    int
	MaxWorkers int
	TempDir    string
}

// ProfileSettings are profile-specific sampling and writer knobs.
type ProfileSettings struct {
	Description      string
	BlockSize        int
	MinGapLines      int
	MaxParallelFiles int
	SampleValuesCap  int
	WriterChunkRows  int
	ResourceLimits   ResourceLimits
}

// RuntimeConfig is the resolved configuration for a single run.
type RuntimeConfig struct {
	Global  GlobalSettings
	Profile ProfileSettings
}

// ValidationSummary holds row-level validation counts emitted during
// materialization.
type ValidationSummary struct {
	TotalRows       int
	ShortRows       int
	LongRows        int
	EmptyRows       int
	MissingRequired int
	TypeMismatches  int
}

// SpillMetrics is the back-pressure telemetry for one writer pipeline.
type SpillMetrics struct {
	Spills        int
	RowsSpilled   int
	BytesSpilled  int64
	MaxBufferRows int
}

// JobMetrics is the per-schema materialization record persisted to SQLite.
type JobMetrics struct {
	SchemaID        string
	SchemaName      string
	RowsWritten     int
	DurationSeconds float64
	RowsPerSecond   float64
	Validation      ValidationSummary
	Spill           SpillMetrics
}

// JobProgressEvent is a stored FileProgress tick.
type JobProgressEvent struct {
	SchemaID      string
	SchemaName    string
	FilePath      string
	ProcessedRows int
	TotalRows     int
	ETASeconds    *float64
	RowsPerSecond *float64
	SpillRows     int
	CreatedAt     float64
}

// ColumnProfile is a light summary metric for normalized datasets.
type ColumnProfile struct {
	Name           string
	UniqueEstimate int
	TopValues      []string
}

// SchemaStats aggregates statistics per schema for audit/export.
type SchemaStats struct {
	SchemaID uuid.UUID
	RowCount int
	Columns  []ColumnProfile
}

// NormalizedRow is one realigned row plus the width it arrived with.
type NormalizedRow struct {
	Values         []string
	ObservedLength int
}
