package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tabfuse/internal/errs"
)

// Artifact versions. Legacy payloads without a version field upgrade
// transparently on load and re-serialize with the current version.
const (
	MappingArtifactVersion       = "2.0.0"
	LegacyMappingArtifactVersion = "1.0.0"

	HeaderClusterVersion       = "1.1.0"
	LegacyHeaderClusterVersion = "1.0.0"
)

type mappingDoc struct {
	Version           string             `json:"version,omitempty"`
	Blocks            []blockDoc         `json:"blocks"`
	Schemas           []schemaDoc        `json:"schemas"`
	HeaderClusters    []clusterDoc       `json:"header_clusters,omitempty"`
	SchemaMapping     []mappingEntryDoc  `json:"schema_mapping,omitempty"`
	ColumnProfiles    []columnProfileDoc `json:"column_profiles,omitempty"`
	FileHeaders       []fileHeaderDoc    `json:"file_headers,omitempty"`
	HeaderOccurrences []occurrenceDoc    `json:"header_occurrences,omitempty"`
	HeaderProfiles    []typeProfileDoc   `json:"header_profiles,omitempty"`
}

type blockDoc struct {
	FilePath  string       `json:"file_path"`
	BlockID   int          `json:"block_id"`
	StartLine int          `json:"start_line"`
	EndLine   int          `json:"end_line"`
	SchemaID  string       `json:"schema_id,omitempty"`
	Signature signatureDoc `json:"signature"`
}

type signatureDoc struct {
	Delimiter    string                 `json:"delimiter"`
	ColumnCount  int                    `json:"column_count"`
	HeaderSample string                 `json:"header_sample,omitempty"`
	Encoding     string                 `json:"encoding,omitempty"`
	Columns      map[string]colStatsDoc `json:"columns"`
}

type colStatsDoc struct {
	SampleCount  int            `json:"sample_count"`
	MaybeNumeric bool           `json:"maybe_numeric"`
	MaybeDate    bool           `json:"maybe_date"`
	MaybeBool    bool           `json:"maybe_bool"`
	TypeCounts   map[string]int `json:"type_counts,omitempty"`
	SampleValues []string       `json:"sample_values,omitempty"`
}

type schemaDoc struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Columns           []schemaColDoc  `json:"columns"`
	CanonicalSchemaID string          `json:"canonical_schema_id,omitempty"`
}

type schemaColDoc struct {
	Index          int      `json:"index"`
	RawName        string   `json:"raw_name"`
	NormalizedName string   `json:"normalized_name"`
	DataType       string   `json:"data_type"`
	KnownVariants  []string `json:"known_variants"`
}

type clusterDoc struct {
	ClusterID     string       `json:"cluster_id"`
	Version       string       `json:"version,omitempty"`
	CanonicalName string       `json:"canonical_name"`
	Confidence    float64      `json:"confidence_score"`
	NeedsReview   bool         `json:"needs_review"`
	Variants      []variantDoc `json:"variants"`
}

type variantDoc struct {
	FilePath      string         `json:"file_path"`
	ColumnIndex   int            `json:"column_index"`
	RawName       string         `json:"raw_name"`
	Normalized    string         `json:"normalized_name"`
	DetectedTypes map[string]int `json:"detected_types,omitempty"`
	SampleValues  []string       `json:"sample_values,omitempty"`
	RowCount      int            `json:"row_count"`
}

type mappingEntryDoc struct {
	FilePath         string   `json:"file_path"`
	SourceIndex      int      `json:"source_index"`
	CanonicalName    string   `json:"canonical_name"`
	TargetIndex      *int     `json:"target_index"`
	OffsetFromIndex  *int     `json:"offset_from_index,omitempty"`
	OffsetReason     string   `json:"offset_reason,omitempty"`
	OffsetConfidence *float64 `json:"offset_confidence,omitempty"`
}

type columnProfileDoc struct {
	FileID           string         `json:"file_id"`
	ColumnIndex      int            `json:"column_index"`
	Header           string         `json:"header"`
	TypeDistribution map[string]int `json:"type_distribution"`
	UniqueEstimate   int            `json:"unique_estimate"`
	NullCount        int            `json:"null_count"`
	TotalValues      int            `json:"total_values"`
	NumericMin       *float64       `json:"numeric_min,omitempty"`
	NumericMax       *float64       `json:"numeric_max,omitempty"`
	DateMin          string         `json:"date_min,omitempty"`
	DateMax          string         `json:"date_max,omitempty"`
}

type fileHeaderDoc struct {
	FileID  string   `json:"file_id"`
	Headers []string `json:"headers"`
}

type occurrenceDoc struct {
	RawHeader   string `json:"raw_header"`
	FileID      string `json:"file_id"`
	ColumnIndex int    `json:"column_index"`
}

type typeProfileDoc struct {
	RawHeader   string         `json:"raw_header"`
	TypeProfile map[string]int `json:"type_profile"`
}

// MarshalMapping serializes the mapping config as a versioned JSON document.
// Sample payloads are copied only when includeSamples is set.
func MarshalMapping(m *MappingConfig, includeSamples bool) ([]byte, error) {
	doc := mappingDoc{Version: MappingArtifactVersion}
	for _, block := range m.Blocks {
		doc.Blocks = append(doc.Blocks, encodeBlock(block, includeSamples))
	}
	for _, schema := range m.Schemas {
		doc.Schemas = append(doc.Schemas, encodeSchema(schema))
	}
	for _, cluster := range m.HeaderClusters {
		doc.HeaderClusters = append(doc.HeaderClusters, encodeCluster(cluster, includeSamples))
	}
	for _, entry := range m.SchemaMapping {
		doc.SchemaMapping = append(doc.SchemaMapping, mappingEntryDoc{
			FilePath:         entry.FilePath,
			SourceIndex:      entry.SourceIndex,
			CanonicalName:    entry.CanonicalName,
			TargetIndex:      entry.TargetIndex,
			OffsetFromIndex:  entry.OffsetFromIndex,
			OffsetReason:     entry.OffsetReason,
			OffsetConfidence: entry.OffsetConfidence,
		})
	}
	for _, profile := range m.ColumnProfiles {
		doc.ColumnProfiles = append(doc.ColumnProfiles, columnProfileDoc(profile))
	}
	for _, fh := range m.FileHeaders {
		doc.FileHeaders = append(doc.FileHeaders, fileHeaderDoc(fh))
	}
	for _, occ := range m.HeaderOccurrences {
		doc.HeaderOccurrences = append(doc.HeaderOccurrences, occurrenceDoc(occ))
	}
	for _, tp := range m.HeaderProfiles {
		doc.HeaderProfiles = append(doc.HeaderProfiles, typeProfileDoc(tp))
	}
	return json.MarshalIndent(doc, "", "  ")
}

// UnmarshalMapping parses a mapping artifact, upgrading legacy payloads that
// predate the version field.
func UnmarshalMapping(data []byte) (*MappingConfig, error) {
	var doc mappingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "parse mapping artifact")
	}
	m := &MappingConfig{}
	for _, bd := range doc.Blocks {
		block, err := decodeBlock(bd)
		if err != nil {
			return nil, err
		}
		m.Blocks = append(m.Blocks, block)
	}
	for _, sd := range doc.Schemas {
		schema, err := decodeSchema(sd)
		if err != nil {
			return nil, err
		}
		m.Schemas = append(m.Schemas, schema)
	}
	for _, cd := range doc.HeaderClusters {
		cluster, err := decodeCluster(cd)
		if err != nil {
			return nil, err
		}
		m.HeaderClusters = append(m.HeaderClusters, cluster)
	}
	for _, ed := range doc.SchemaMapping {
		m.SchemaMapping = append(m.SchemaMapping, SchemaMappingEntry{
			FilePath:         ed.FilePath,
			SourceIndex:      ed.SourceIndex,
			CanonicalName:    ed.CanonicalName,
			TargetIndex:      ed.TargetIndex,
			OffsetFromIndex:  ed.OffsetFromIndex,
			OffsetReason:     ed.OffsetReason,
			OffsetConfidence: ed.OffsetConfidence,
		})
	}
	for _, pd := range doc.ColumnProfiles {
		m.ColumnProfiles = append(m.ColumnProfiles, ColumnProfileResult(pd))
	}
	for _, fd := range doc.FileHeaders {
		m.FileHeaders = append(m.FileHeaders, FileHeaderSummary(fd))
	}
	for _, od := range doc.HeaderOccurrences {
		m.HeaderOccurrences = append(m.HeaderOccurrences, HeaderOccurrence(od))
	}
	for _, td := range doc.HeaderProfiles {
		m.HeaderProfiles = append(m.HeaderProfiles, HeaderTypeProfile(td))
	}
	return m, nil
}

// SaveMapping writes the artifact to path, creating parent directories.
func SaveMapping(m *MappingConfig, path string, includeSamples bool) error {
	data, err := MarshalMapping(m, includeSamples)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err, "create artifact dir")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, err, "write mapping artifact")
	}
	return nil
}

// LoadMapping reads and parses the artifact at path.
func LoadMapping(path string) (*MappingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "read mapping artifact")
	}
	return UnmarshalMapping(data)
}

func encodeBlock(block *FileBlock, includeSamples bool) blockDoc {
	bd := blockDoc{
		FilePath:  block.FilePath,
		BlockID:   block.BlockID,
		StartLine: block.StartLine,
		EndLine:   block.EndLine,
	}
	if block.SchemaID != uuid.Nil {
		bd.SchemaID = block.SchemaID.String()
	}
	sig := block.Signature
	if sig == nil {
		sig = NewSchemaSignature()
	}
	bd.Signature = signatureDoc{
		Delimiter:    sig.Delimiter,
		ColumnCount:  sig.ColumnCount,
		HeaderSample: sig.HeaderSample,
		Encoding:     sig.Encoding,
		Columns:      make(map[string]colStatsDoc, len(sig.Columns)),
	}
	for idx, stats := range sig.Columns {
		csd := colStatsDoc{
			SampleCount:  stats.SampleCount,
			MaybeNumeric: stats.MaybeNumeric,
			MaybeDate:    stats.MaybeDate,
			MaybeBool:    stats.MaybeBool,
		}
		if len(stats.TypeCounts) > 0 {
			csd.TypeCounts = stats.TypeCounts
		}
		if includeSamples {
			csd.SampleValues = stats.SortedSamples()
		}
		bd.Signature.Columns[fmt.Sprintf("%d", idx)] = csd
	}
	return bd
}

func decodeBlock(bd blockDoc) (*FileBlock, error) {
	block := &FileBlock{
		FilePath:  bd.FilePath,
		BlockID:   bd.BlockID,
		StartLine: bd.StartLine,
		EndLine:   bd.EndLine,
		Signature: NewSchemaSignature(),
	}
	if bd.SchemaID != "" {
		id, err := uuid.Parse(bd.SchemaID)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "block %s:%d schema_id", bd.FilePath, bd.BlockID)
		}
		block.SchemaID = id
	}
	if bd.Signature.Delimiter != "" {
		block.Signature.Delimiter = bd.Signature.Delimiter
	}
	block.Signature.ColumnCount = bd.Signature.ColumnCount
	block.Signature.Encoding = bd.Signature.Encoding
	// Legacy artifacts abused header_sample to carry an ENCODING: sentinel.
	if rest, ok := strings.CutPrefix(bd.Signature.HeaderSample, "ENCODING:"); ok {
		if block.Signature.Encoding == "" {
			block.Signature.Encoding = rest
		}
	} else {
		block.Signature.HeaderSample = bd.Signature.HeaderSample
	}
	for idxStr, csd := range bd.Signature.Columns {
		var idx int
		if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil {
			continue
		}
		stats := NewColumnStats(idx)
		stats.SampleCount = csd.SampleCount
		stats.MaybeNumeric = csd.MaybeNumeric
		stats.MaybeDate = csd.MaybeDate
		stats.MaybeBool = csd.MaybeBool
		for bucket, count := range csd.TypeCounts {
			stats.TypeCounts[bucket] = count
		}
		for _, sample := range csd.SampleValues {
			stats.SampleValues[sample] = struct{}{}
		}
		block.Signature.Columns[idx] = stats
	}
	return block, nil
}

func encodeSchema(schema *SchemaDefinition) schemaDoc {
	sd := schemaDoc{
		ID:                schema.ID.String(),
		Name:              schema.Name,
		CanonicalSchemaID: schema.CanonicalSchemaID,
	}
	for _, col := range schema.Columns {
		sd.Columns = append(sd.Columns, schemaColDoc{
			Index:          col.Index,
			RawName:        col.RawName,
			NormalizedName: col.NormalizedName,
			DataType:       col.DataType,
			KnownVariants:  col.KnownVariants,
		})
	}
	return sd
}

func decodeSchema(sd schemaDoc) (*SchemaDefinition, error) {
	id, err := uuid.Parse(sd.ID)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "schema %q id", sd.Name)
	}
	schema := &SchemaDefinition{ID: id, Name: sd.Name, CanonicalSchemaID: sd.CanonicalSchemaID}
	for _, cd := range sd.Columns {
		dataType := cd.DataType
		if dataType == "" {
			dataType = "string"
		}
		schema.Columns = append(schema.Columns, SchemaColumn{
			Index:          cd.Index,
			RawName:        cd.RawName,
			NormalizedName: cd.NormalizedName,
			DataType:       dataType,
			KnownVariants:  cd.KnownVariants,
		})
	}
	return schema, nil
}

func encodeCluster(cluster HeaderCluster, includeSamples bool) clusterDoc {
	cd := clusterDoc{
		ClusterID:     cluster.ClusterID.String(),
		Version:       HeaderClusterVersion,
		CanonicalName: cluster.CanonicalName,
		Confidence:    cluster.Confidence,
		NeedsReview:   cluster.NeedsReview,
	}
	for _, variant := range cluster.Variants {
		vd := variantDoc{
			FilePath:    variant.FilePath,
			ColumnIndex: variant.ColumnIndex,
			RawName:     variant.RawName,
			Normalized:  variant.Normalized,
			RowCount:    variant.RowCount,
		}
		if len(variant.DetectedTypes) > 0 {
			vd.DetectedTypes = variant.DetectedTypes
		}
		if includeSamples && len(variant.SampleValues) > 0 {
			samples := append([]string(nil), variant.SampleValues...)
			sort.Strings(samples)
			vd.SampleValues = samples
		}
		cd.Variants = append(cd.Variants, vd)
	}
	return cd
}

func decodeCluster(cd clusterDoc) (HeaderCluster, error) {
	cluster := HeaderCluster{
		CanonicalName: cd.CanonicalName,
		Confidence:    cd.Confidence,
		NeedsReview:   cd.NeedsReview,
	}
	if cd.ClusterID != "" {
		id, err := uuid.Parse(cd.ClusterID)
		if err != nil {
			return cluster, errs.Wrap(errs.KindConfig, err, "cluster %q id", cd.CanonicalName)
		}
		cluster.ClusterID = id
	}
	for _, vd := range cd.Variants {
		cluster.Variants = append(cluster.Variants, HeaderVariant{
			FilePath:      vd.FilePath,
			ColumnIndex:   vd.ColumnIndex,
			RawName:       vd.RawName,
			Normalized:    vd.Normalized,
			DetectedTypes: vd.DetectedTypes,
			SampleValues:  vd.SampleValues,
			RowCount:      vd.RowCount,
		})
	}
	return cluster, nil
}
