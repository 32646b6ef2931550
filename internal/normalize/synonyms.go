// Package normalize applies synonym dictionaries to schema columns and
// realigns individual rows to the canonical column order.
package normalize

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"tabfuse/internal/errs"
)

var (
	canonicalizePattern = regexp.MustCompile(`[^\p{L}\p{N}]`)
	slugCleanup         = regexp.MustCompile(`[^a-z0-9_]+`)
	asciiAlnum          = regexp.MustCompile(`[a-z0-9]`)
)

// SynonymDictionary resolves raw column names into normalized targets.
type SynonymDictionary struct {
	lookup map[string]string
}

// EmptyDictionary returns a dictionary with no mappings.
func EmptyDictionary() *SynonymDictionary {
	return &SynonymDictionary{lookup: make(map[string]string)}
}

// LoadDictionary reads a synonym dictionary from disk. TOML and JSON files
// are both accepted (picked by extension, defaulting to JSON); both encode
// a canonical-name → variants mapping. A missing file yields an empty
// dictionary so callers can treat the feature as optional.
func LoadDictionary(path string) (*SynonymDictionary, error) {
	if path == "" {
		return EmptyDictionary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyDictionary(), nil
		}
		return nil, errs.Wrap(errs.KindIO, err, "read synonym dictionary")
	}
	mapping := make(map[string][]string)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &mapping); err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "parse synonym dictionary %s", path)
		}
	default:
		if err := json.Unmarshal(data, &mapping); err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "parse synonym dictionary %s", path)
		}
	}
	return FromMapping(mapping), nil
}

// FromMapping builds a dictionary from canonical → variants pairs.
func FromMapping(mapping map[string][]string) *SynonymDictionary {
	dict := EmptyDictionary()
	for canonical, variants := range mapping {
		key := canonicalize(canonical)
		dict.lookup[key] = canonical
		for _, variant := range variants {
			dict.lookup[canonicalize(variant)] = canonical
		}
	}
	return dict
}

// Normalize maps a raw name to its canonical form, falling back to a slug.
// A name without ASCII letters or digits falls back to its trimmed text
// instead, or to "column" when blank.
func (d *SynonymDictionary) Normalize(rawName string) string {
	if key := canonicalize(rawName); key != "" {
		if canonical, ok := d.lookup[key]; ok {
			return canonical
		}
	}
	if !asciiAlnum.MatchString(strings.ToLower(rawName)) {
		trimmed := strings.TrimSpace(rawName)
		if trimmed == "" {
			return "column"
		}
		return trimmed
	}
	return Slugify(rawName)
}

// AddVariant registers an extra variant for a canonical name.
func (d *SynonymDictionary) AddVariant(canonical, variant string) {
	d.lookup[canonicalize(variant)] = canonical
}

// SynonymSets converts the dictionary to canonical groups for the
// clusterizer's alias map.
func (d *SynonymDictionary) SynonymSets() [][]string {
	groups := make(map[string][]string)
	for variant, canonical := range d.lookup {
		groups[canonical] = append(groups[canonical], variant)
	}
	var out [][]string
	for canonical, variants := range groups {
		group := append([]string{canonical}, variants...)
		out = append(out, group)
	}
	return out
}

func canonicalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return canonicalizePattern.ReplaceAllString(value, "")
}

// Slugify lowercases and converts spaces to underscores, dropping anything
// outside [a-z0-9_].
func Slugify(value string) string {
	value = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), " ", "_")
	value = slugCleanup.ReplaceAllString(value, "")
	if value == "" {
		return "column"
	}
	return value
}
