package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func variant(file string, index int, types map[string]int) model.HeaderVariant {
	return model.HeaderVariant{
		FilePath:      file,
		ColumnIndex:   index,
		RawName:       "col",
		DetectedTypes: types,
		RowCount:      10,
	}
}

func TestResolveOffsets(t *testing.T) {
	textTypes := map[string]int{model.BucketText: 10}

	t.Run("stable column has nil offsets", func(t *testing.T) {
		cluster := model.HeaderCluster{
			CanonicalName: "city",
			Variants: []model.HeaderVariant{
				variant("a.csv", 2, textTypes),
				variant("b.csv", 2, textTypes),
				variant("c.csv", 2, textTypes),
			},
		}
		entries := ResolveOffsets([]model.HeaderCluster{cluster})
		require.Len(t, entries, 3)
		for _, entry := range entries {
			require.NotNil(t, entry.TargetIndex)
			assert.Equal(t, 2, *entry.TargetIndex)
			assert.Nil(t, entry.OffsetFromIndex)
			assert.Empty(t, entry.OffsetReason)
		}
	})

	t.Run("swapped columns resolve against the mode", func(t *testing.T) {
		nameCluster := model.HeaderCluster{
			CanonicalName: "name",
			Variants: []model.HeaderVariant{
				variant("a.csv", 0, textTypes),
				variant("a2.csv", 0, textTypes),
				variant("b.csv", 1, textTypes),
			},
		}
		emailCluster := model.HeaderCluster{
			CanonicalName: "email",
			Variants: []model.HeaderVariant{
				variant("a.csv", 1, textTypes),
				variant("a2.csv", 1, textTypes),
				variant("b.csv", 0, textTypes),
			},
		}
		entries := ResolveOffsets([]model.HeaderCluster{nameCluster, emailCluster})
		require.Len(t, entries, 6)
		byKey := make(map[string]model.SchemaMappingEntry)
		for _, entry := range entries {
			byKey[entry.CanonicalName+"/"+entry.FilePath] = entry
		}

		nameB := byKey["name/b.csv"]
		require.NotNil(t, nameB.TargetIndex)
		assert.Equal(t, 0, *nameB.TargetIndex)
		require.NotNil(t, nameB.OffsetFromIndex)
		assert.Equal(t, 1, *nameB.OffsetFromIndex)
		require.NotNil(t, nameB.OffsetConfidence)
		assert.Equal(t, 1.0, *nameB.OffsetConfidence)
		assert.Equal(t, "auto-detected", nameB.OffsetReason)

		emailB := byKey["email/b.csv"]
		require.NotNil(t, emailB.OffsetFromIndex)
		assert.Equal(t, -1, *emailB.OffsetFromIndex)
	})

	t.Run("mode ties break to lowest index", func(t *testing.T) {
		cluster := model.HeaderCluster{
			CanonicalName: "amount",
			Variants: []model.HeaderVariant{
				variant("a.csv", 3, textTypes),
				variant("b.csv", 5, textTypes),
			},
		}
		entries := ResolveOffsets([]model.HeaderCluster{cluster})
		require.Len(t, entries, 2)
		for _, entry := range entries {
			assert.Equal(t, 3, *entry.TargetIndex)
		}
	})

	t.Run("no profile data defaults confidence", func(t *testing.T) {
		cluster := model.HeaderCluster{
			CanonicalName: "x",
			Variants: []model.HeaderVariant{
				variant("a.csv", 0, nil),
				variant("b.csv", 0, nil),
				variant("c.csv", 1, nil),
			},
		}
		entries := ResolveOffsets([]model.HeaderCluster{cluster})
		for _, entry := range entries {
			if entry.OffsetFromIndex != nil {
				require.NotNil(t, entry.OffsetConfidence)
				assert.Equal(t, 1.0, *entry.OffsetConfidence)
			} else {
				assert.Nil(t, entry.OffsetConfidence)
			}
		}
	})

	t.Run("disagreeing distributions lower confidence", func(t *testing.T) {
		cluster := model.HeaderCluster{
			CanonicalName: "mixed",
			Variants: []model.HeaderVariant{
				variant("a.csv", 0, map[string]int{model.BucketInteger: 10}),
				variant("b.csv", 0, map[string]int{model.BucketText: 10}),
			},
		}
		entries := ResolveOffsets([]model.HeaderCluster{cluster})
		require.Len(t, entries, 2)
		for _, entry := range entries {
			require.NotNil(t, entry.OffsetConfidence)
			assert.Less(t, *entry.OffsetConfidence, 1.0)
			assert.GreaterOrEqual(t, *entry.OffsetConfidence, 0.0)
		}
	})
}
