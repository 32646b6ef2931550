// Package config loads runtime configuration profiles from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// DefaultConfigPath is used when the caller does not name a config file.
const DefaultConfigPath = "config/defaults.json"

type rawConfig struct {
	Version  int                    `json:"version"`
	Global   map[string]any         `json:"global"`
	Profiles map[string]rawProfile  `json:"profiles"`
}

type rawProfile struct {
	Description      *string           `json:"description"`
	BlockSize        *int              `json:"block_size"`
	MinGapLines      *int              `json:"min_gap_lines"`
	MaxParallelFiles *int              `json:"max_parallel_files"`
	SampleValuesCap  *int              `json:"sample_values_cap"`
	WriterChunkRows  *int              `json:"writer_chunk_rows"`
	ResourceLimits   *rawResourceLimit `json:"resource_limits"`
}

type rawResourceLimit struct {
	MemoryMB   int    `json:"memory_mb"`
	SpillMB    int    `json:"spill_mb"`
	MaxWorkers int    `json:"max_workers"`
	TempDir    string `json:"temp_dir"`
}

// Load reads the config file and resolves the named profile.
func Load(path, profile string) (*model.RuntimeConfig, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "read config %s", path)
	}
	return Parse(data, profile)
}

// Parse resolves a profile from raw config JSON. Validation failures carry
// the offending JSON path.
func Parse(data []byte, profile string) (*model.RuntimeConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "parse config")
	}
	if raw.Version <= 0 {
		return nil, errs.New(errs.KindConfig, "version: must be a positive integer")
	}

	global := model.GlobalSettings{Encoding: "utf-8", ErrorPolicy: "fail-fast"}
	if v, ok := raw.Global["encoding"].(string); ok && v != "" {
		global.Encoding = v
	}
	if v, ok := raw.Global["error_policy"].(string); ok && v != "" {
		switch v {
		case "fail-fast", "strict", "replace":
			global.ErrorPolicy = v
		default:
			return nil, errs.New(errs.KindConfig, "global.error_policy: unknown value %q", v)
		}
	}
	if v, ok := raw.Global["synonym_dictionary"].(string); ok {
		global.SynonymDictionary = v
	}
	if v, ok := raw.Global["canonical_schema_path"].(string); ok {
		global.CanonicalSchemaPath = v
	}

	rp, ok := raw.Profiles[profile]
	if !ok {
		names := make([]string, 0, len(raw.Profiles))
		for name := range raw.Profiles {
			names = append(names, name)
		}
		return nil, errs.New(errs.KindConfig, "profiles.%s: unknown profile (have: %s)", profile, strings.Join(names, ", "))
	}

	settings := model.ProfileSettings{}
	prefix := "profiles." + profile
	var err error
	if settings.Description, err = requireString(rp.Description, prefix+".description"); err != nil {
		return nil, err
	}
	if settings.BlockSize, err = requirePositive(rp.BlockSize, prefix+".block_size"); err != nil {
		return nil, err
	}
	if settings.MinGapLines, err = requirePositive(rp.MinGapLines, prefix+".min_gap_lines"); err != nil {
		return nil, err
	}
	if settings.MaxParallelFiles, err = requirePositive(rp.MaxParallelFiles, prefix+".max_parallel_files"); err != nil {
		return nil, err
	}
	if settings.SampleValuesCap, err = requirePositive(rp.SampleValuesCap, prefix+".sample_values_cap"); err != nil {
		return nil, err
	}
	if settings.WriterChunkRows, err = requirePositive(rp.WriterChunkRows, prefix+".writer_chunk_rows"); err != nil {
		return nil, err
	}
	if rp.ResourceLimits != nil {
		rl := rp.ResourceLimits
		if rl.MemoryMB < 0 {
			return nil, errs.New(errs.KindConfig, "%s.resource_limits.memory_mb: negative", prefix)
		}
		if rl.SpillMB < 0 {
			return nil, errs.New(errs.KindConfig, "%s.resource_limits.spill_mb: negative", prefix)
		}
		if rl.MaxWorkers < 0 {
			return nil, errs.New(errs.KindConfig, "%s.resource_limits.max_workers: negative", prefix)
		}
		settings.ResourceLimits = model.ResourceLimits{
			MemoryMB:   rl.MemoryMB,
			SpillMB:    rl.SpillMB,
			MaxWorkers: rl.MaxWorkers,
			TempDir:    rl.TempDir,
		}
	}

	return &model.RuntimeConfig{Global: global, Profile: settings}, nil
}

// DecodeErrorMode translates the error policy into a decoder behavior flag:
// true means strict decoding, false means replacement characters.
func DecodeErrorMode(policy string) bool {
	switch strings.ToLower(policy) {
	case "fail-fast", "strict":
		return true
	default:
		return false
	}
}

func requireString(v *string, path string) (string, error) {
	if v == nil || *v == "" {
		return "", errs.New(errs.KindConfig, "%s: missing required key", path)
	}
	return *v, nil
}

func requirePositive(v *int, path string) (int, error) {
	if v == nil {
		return 0, errs.New(errs.KindConfig, "%s: missing required key", path)
	}
	if *v <= 0 {
		return 0, errs.New(errs.KindConfig, "%s: must be > 0, got %d", path, *v)
	}
	return *v, nil
}

// Describe returns a one-line summary used by the CLI.
func Describe(cfg *model.RuntimeConfig) string {
	return fmt.Sprintf("block_size=%d min_gap=%d parallel=%d chunk_rows=%d",
		cfg.Profile.BlockSize, cfg.Profile.MinGapLines,
		cfg.Profile.MaxParallelFiles, cfg.Profile.WriterChunkRows)
}
