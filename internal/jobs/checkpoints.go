package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tabfuse/internal/errs"
)

// CheckpointRegistry stores JSON payloads per (job, phase) on disk. Saves
// replace the file atomically; concurrent access is serialized by an
// in-process lock.
type CheckpointRegistry struct {
	baseDir string
	mu      sync.Mutex
}

// NewCheckpointRegistry defaults the base directory when empty.
func NewCheckpointRegistry(baseDir string) *CheckpointRegistry {
	if baseDir == "" {
		baseDir = filepath.Join("artifacts", "checkpoints")
	}
	return &CheckpointRegistry{baseDir: baseDir}
}

// Load returns the stored payload, or an empty map on a missing or corrupt
// file.
func (r *CheckpointRegistry) Load(jobID, phase string) map[string]any {
	path := r.path(jobID, phase)
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		return map[string]any{}
	}
	return payload
}

// Save writes the payload atomically, stamping updated_at.
func (r *CheckpointRegistry) Save(jobID, phase string, payload map[string]any) error {
	enriched := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched["updated_at"] = float64(time.Now().UnixNano()) / float64(time.Second)
	data, err := json.MarshalIndent(enriched, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindState, err, "encode checkpoint")
	}
	path := r.path(jobID, phase)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err, "create checkpoint dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, err, "write checkpoint")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindIO, err, "replace checkpoint")
	}
	return nil
}

// Clear removes the checkpoint; missing files are fine.
func (r *CheckpointRegistry) Clear(jobID, phase string) error {
	path := r.path(jobID, phase)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, err, "remove checkpoint")
	}
	return nil
}

func (r *CheckpointRegistry) path(jobID, phase string) string {
	safePhase := strings.ReplaceAll(phase, "/", "_")
	safeJob := strings.ReplaceAll(jobID, string(os.PathSeparator), "_")
	return filepath.Join(r.baseDir, safePhase, safeJob+".json")
}
