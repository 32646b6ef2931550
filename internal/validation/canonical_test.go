package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func contractWithEmailAge() *CanonicalSchema {
	minAge := 0.0
	return &CanonicalSchema{
		SchemaID: "people",
		Columns: []CanonicalColumnSpec{
			{Name: "name", DataType: "string"},
			{Name: "email", DataType: "string", Required: true},
			{Name: "age", DataType: "int", MinValue: &minAge},
		},
	}
}

func TestTrackerShapeCounters(t *testing.T) {
	t.Run("short rows padded", func(t *testing.T) {
		tracker := NewTracker(3, nil)
		row := tracker.Normalize([]string{"a"})
		assert.Equal(t, []string{"a", "", ""}, row)
		assert.Equal(t, 1, tracker.Summary().ShortRows)
	})

	t.Run("long rows truncated", func(t *testing.T) {
		tracker := NewTracker(2, nil)
		row := tracker.Normalize([]string{"a", "b", "c"})
		assert.Equal(t, []string{"a", "b"}, row)
		assert.Equal(t, 1, tracker.Summary().LongRows)
	})

	t.Run("blank rows counted alongside shape", func(t *testing.T) {
		tracker := NewTracker(3, nil)
		tracker.Normalize([]string{"", " "})
		summary := tracker.Summary()
		assert.Equal(t, 1, summary.EmptyRows)
		assert.Equal(t, 1, summary.ShortRows)
	})

	t.Run("exact width untouched", func(t *testing.T) {
		tracker := NewTracker(2, nil)
		tracker.Normalize([]string{"a", "b"})
		summary := tracker.Summary()
		assert.Zero(t, summary.ShortRows)
		assert.Zero(t, summary.LongRows)
		assert.Equal(t, 1, summary.TotalRows)
	})
}

func TestTrackerContract(t *testing.T) {
	t.Run("missing required and type mismatch", func(t *testing.T) {
		tracker := NewTracker(3, contractWithEmailAge())
		tracker.Normalize([]string{"Bob", "", "thirty"})
		summary := tracker.Summary()
		assert.Equal(t, 1, summary.MissingRequired)
		assert.Equal(t, 1, summary.TypeMismatches)
	})

	t.Run("valid row passes clean", func(t *testing.T) {
		tracker := NewTracker(3, contractWithEmailAge())
		tracker.Normalize([]string{"Bob", "bob@example.com", "30"})
		summary := tracker.Summary()
		assert.Zero(t, summary.MissingRequired)
		assert.Zero(t, summary.TypeMismatches)
	})

	t.Run("bounds enforced", func(t *testing.T) {
		tracker := NewTracker(3, contractWithEmailAge())
		tracker.Normalize([]string{"Bob", "b@example.com", "-4"})
		assert.Equal(t, 1, tracker.Summary().TypeMismatches)
	})

	t.Run("allowed values enforced", func(t *testing.T) {
		contract := &CanonicalSchema{
			SchemaID: "s",
			Columns: []CanonicalColumnSpec{
				{Name: "status", DataType: "string", AllowedValues: []string{"open", "closed"}},
			},
		}
		tracker := NewTracker(1, contract)
		tracker.Normalize([]string{"pending"})
		tracker.Normalize([]string{"open"})
		assert.Equal(t, 1, tracker.Summary().TypeMismatches)
	})
}

func TestTypePredicates(t *testing.T) {
	cases := []struct {
		dataType string
		value    string
		valid    bool
	}{
		{"int", "42", true},
		{"int", "4.2", false},
		{"float", "3,14", true},
		{"bool", "Yes", true},
		{"bool", "maybe", false},
		{"date", "2024-05-01", true},
		{"date", "not-a-date", false},
		{"datetime", "2024-05-01T10:00:00Z", true},
		{"json", `{"a": 1}`, true},
		{"json", "{broken", false},
		{"string", "anything", true},
	}
	for _, tc := range cases {
		t.Run(tc.dataType+"/"+tc.value, func(t *testing.T) {
			assert.Equal(t, tc.valid, checkType(tc.dataType, tc.value))
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	t.Run("wrapped document", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schemas.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"schemas": [{"schema_id": "people", "columns": []}]}`), 0o644))
		registry, err := LoadRegistry(path)
		require.NoError(t, err)
		schema := registry.Resolve(&model.SchemaDefinition{Name: "people"})
		require.NotNil(t, schema)
		assert.Equal(t, "people", schema.SchemaID)
	})

	t.Run("bare list", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schemas.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"schema_id": "orders", "columns": []}]`), 0o644))
		registry, err := LoadRegistry(path)
		require.NoError(t, err)
		assert.NotNil(t, registry.Resolve(&model.SchemaDefinition{CanonicalSchemaID: "orders"}))
	})

	t.Run("missing file is empty registry", func(t *testing.T) {
		registry, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.json"))
		require.NoError(t, err)
		assert.Nil(t, registry.Resolve(&model.SchemaDefinition{Name: "people"}))
	})
}
