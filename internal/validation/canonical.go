// Package validation enforces canonical schema contracts and records
// row-shape anomalies during materialization.
package validation

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// CanonicalColumnSpec is the per-column contract: requiredness, null
// policy, allowed values, numeric bounds, and a regexp pattern.
type CanonicalColumnSpec struct {
	Name          string   `json:"name"`
	DataType      string   `json:"data_type"`
	Required      bool     `json:"required"`
	AllowNull     bool     `json:"allow_null"`
	AllowedValues []string `json:"allowed_values,omitempty"`
	MinValue      *float64 `json:"min_value,omitempty"`
	MaxValue      *float64 `json:"max_value,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`

	compiled *regexp.Regexp
}

// CanonicalSchema is an optional contract a materialized schema must meet.
type CanonicalSchema struct {
	SchemaID  string                `json:"schema_id"`
	Namespace string                `json:"namespace,omitempty"`
	Name      string                `json:"name,omitempty"`
	Columns   []CanonicalColumnSpec `json:"columns"`
}

// Registry holds loaded canonical schemas keyed by (schema_id, namespace).
type Registry struct {
	schemas map[string]*CanonicalSchema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*CanonicalSchema)}
}

// LoadRegistry reads contracts from JSON: either {"schemas": [...]} or a
// bare list. A missing file returns an empty registry so the feature stays
// optional.
func LoadRegistry(path string) (*Registry, error) {
	registry := NewRegistry()
	if path == "" {
		return registry, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return registry, nil
		}
		return nil, errs.Wrap(errs.KindIO, err, "read canonical schemas")
	}
	var wrapper struct {
		Schemas []CanonicalSchema `json:"schemas"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Schemas) > 0 {
		for i := range wrapper.Schemas {
			registry.Register(&wrapper.Schemas[i])
		}
		return registry, nil
	}
	var bare []CanonicalSchema
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "parse canonical schemas %s", path)
	}
	for i := range bare {
		registry.Register(&bare[i])
	}
	return registry, nil
}

// Register adds a schema, compiling its column patterns.
func (r *Registry) Register(schema *CanonicalSchema) {
	for i := range schema.Columns {
		if pattern := schema.Columns[i].Pattern; pattern != "" {
			if compiled, err := regexp.Compile(pattern); err == nil {
				schema.Columns[i].compiled = compiled
			}
		}
	}
	r.schemas[registryKey(schema.SchemaID, schema.Namespace)] = schema
}

// Resolve finds the contract for a logical schema by canonical ID first,
// then by name. Namespace-free keys are looked up first; the fallback is
// any registered schema, in any namespace, whose SchemaID matches.
func (r *Registry) Resolve(schema *model.SchemaDefinition) *CanonicalSchema {
	if schema == nil {
		return nil
	}
	candidates := []string{}
	if schema.CanonicalSchemaID != "" {
		candidates = append(candidates, schema.CanonicalSchemaID)
	}
	if schema.Name != "" {
		candidates = append(candidates, schema.Name)
	}
	for _, candidate := range candidates {
		if found, ok := r.schemas[registryKey(candidate, "")]; ok {
			return found
		}
	}
	for _, candidate := range candidates {
		for _, registered := range r.schemas {
			if registered.SchemaID == candidate {
				return registered
			}
		}
	}
	return nil
}

func registryKey(schemaID, namespace string) string {
	if namespace == "" {
		return schemaID
	}
	return namespace + "/" + schemaID
}

// Tracker normalizes rows to exactly the expected width and counts
// anomalies plus canonical contract violations.
type Tracker struct {
	expectedColumns int
	contract        *CanonicalSchema
	summary         model.ValidationSummary
}

// NewTracker builds a tracker; contract may be nil.
func NewTracker(expectedColumns int, contract *CanonicalSchema) *Tracker {
	if expectedColumns < 1 {
		expectedColumns = 1
	}
	return &Tracker{expectedColumns: expectedColumns, contract: contract}
}

// Normalize pads short rows, truncates long rows, counts blank rows, and
// runs the contract checks. The row is always emitted.
func (t *Tracker) Normalize(values []string) []string {
	normalized := append([]string(nil), values...)
	allBlank := true
	for _, value := range normalized {
		if strings.TrimSpace(value) != "" {
			allBlank = false
			break
		}
	}
	if allBlank {
		t.summary.EmptyRows++
	}
	switch {
	case len(normalized) < t.expectedColumns:
		t.summary.ShortRows++
		for len(normalized) < t.expectedColumns {
			normalized = append(normalized, "")
		}
	case len(normalized) > t.expectedColumns:
		t.summary.LongRows++
		normalized = normalized[:t.expectedColumns]
	}
	t.summary.TotalRows++
	t.validateContract(normalized)
	return normalized
}

// Summary returns the counters accumulated so far.
func (t *Tracker) Summary() model.ValidationSummary {
	return t.summary
}

func (t *Tracker) validateContract(values []string) {
	if t.contract == nil {
		return
	}
	for idx, spec := range t.contract.Columns {
		if idx >= len(values) {
			if spec.Required {
				t.summary.MissingRequired++
			}
			continue
		}
		value := strings.TrimSpace(values[idx])
		if value == "" {
			if spec.Required {
				t.summary.MissingRequired++
			}
			continue
		}
		if !checkType(spec.DataType, value) || !checkAllowed(spec, value) || !checkBounds(spec, value) || !checkPattern(spec, value) {
			t.summary.TypeMismatches++
		}
	}
}

func checkType(dataType, value string) bool {
	switch strings.ToLower(dataType) {
	case "int":
		_, err := strconv.ParseInt(value, 10, 64)
		return err == nil
	case "float", "decimal":
		_, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
		return err == nil
	case "bool":
		switch strings.ToLower(value) {
		case "true", "false", "0", "1", "yes", "no":
			return true
		}
		return false
	case "date":
		if _, err := time.Parse("2006-01-02", value); err == nil {
			return true
		}
		_, err := time.Parse(time.RFC3339, value)
		return err == nil
	case "datetime":
		if _, err := time.Parse(time.RFC3339, value); err == nil {
			return true
		}
		_, err := time.Parse("2006-01-02T15:04:05", value)
		return err == nil
	case "json":
		return json.Valid([]byte(value))
	default:
		return true
	}
}

func checkAllowed(spec CanonicalColumnSpec, value string) bool {
	if len(spec.AllowedValues) == 0 {
		return true
	}
	for _, allowed := range spec.AllowedValues {
		if allowed == value {
			return true
		}
	}
	return false
}

func checkBounds(spec CanonicalColumnSpec, value string) bool {
	if spec.MinValue == nil && spec.MaxValue == nil {
		return true
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
	if err != nil {
		// Non-numeric value against numeric bounds already fails the
		// type predicate; do not double count here.
		return true
	}
	if spec.MinValue != nil && parsed < *spec.MinValue {
		return false
	}
	if spec.MaxValue != nil && parsed > *spec.MaxValue {
		return false
	}
	return true
}

func checkPattern(spec CanonicalColumnSpec, value string) bool {
	if spec.compiled == nil {
		return true
	}
	return spec.compiled.MatchString(value)
}
