// Package resources centralizes memory, disk, and worker budgeting plus
// scratch-directory management for jobs.
package resources

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c2h5oh/datasize"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// Lease is a granted reservation; Release returns the capacity. Releasing
// twice is a no-op.
type Lease struct {
	manager  *Manager
	memoryMB int
	diskMB   int
	workers  int

	once sync.Once
}

// Release hands the reserved capacity back.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.manager.release(l.memoryMB, l.diskMB, l.workers)
	})
}

// Manager tracks in-use budgets against optional ceilings and hands out
// scratch directories under a temp root.
type Manager struct {
	limits model.ResourceLimits

	mu          sync.Mutex
	memoryInUse int
	diskInUse   int
	workersIn   int
	tempRoot    string
}

// NewManager creates the temp root eagerly so scratch dirs never race on
// first use.
func NewManager(limits model.ResourceLimits) (*Manager, error) {
	tempRoot := limits.TempDir
	if tempRoot == "" {
		tempRoot = filepath.Join(os.TempDir(), "tabfuse")
	}
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "create temp root")
	}
	return &Manager{limits: limits, tempRoot: tempRoot}, nil
}

// PlanWorkers clamps the requested worker count to [1, max_workers].
func (m *Manager) PlanWorkers(requested int) int {
	if requested < 1 {
		requested = 1
	}
	if m.limits.MaxWorkers <= 0 {
		return requested
	}
	return max(1, min(requested, m.limits.MaxWorkers))
}

// Reserve grants a lease or fails with a resource-limit error naming the
// exhausted budget.
func (m *Manager) Reserve(memoryMB, diskMB, workers int) (*Lease, error) {
	memoryMB = max(0, memoryMB)
	diskMB = max(0, diskMB)
	workers = max(0, workers)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MemoryMB > 0 && m.memoryInUse+memoryMB > m.limits.MemoryMB {
		return nil, errs.New(errs.KindResourceLimit,
			"RAM budget exceeded: requested %s, available %s",
			datasize.MB*datasize.ByteSize(memoryMB),
			datasize.MB*datasize.ByteSize(max(0, m.limits.MemoryMB-m.memoryInUse)))
	}
	if m.limits.SpillMB > 0 && m.diskInUse+diskMB > m.limits.SpillMB {
		return nil, errs.New(errs.KindResourceLimit,
			"disk spill budget exceeded: requested %s, available %s",
			datasize.MB*datasize.ByteSize(diskMB),
			datasize.MB*datasize.ByteSize(max(0, m.limits.SpillMB-m.diskInUse)))
	}
	if m.limits.MaxWorkers > 0 && m.workersIn+workers > m.limits.MaxWorkers {
		return nil, errs.New(errs.KindResourceLimit,
			"worker budget exceeded: requested %d, available %d",
			workers, max(0, m.limits.MaxWorkers-m.workersIn))
	}
	m.memoryInUse += memoryMB
	m.diskInUse += diskMB
	m.workersIn += workers
	return &Lease{manager: m, memoryMB: memoryMB, diskMB: diskMB, workers: workers}, nil
}

// ScratchDir returns a created path under the temp root using lowercased,
// hyphenated segments.
func (m *Manager) ScratchDir(jobID string, segments ...string) (string, error) {
	path := filepath.Join(m.tempRoot, sanitizeSegment(jobID))
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		path = filepath.Join(path, sanitizeSegment(segment))
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", errs.Wrap(errs.KindIO, err, "create scratch dir")
	}
	return path, nil
}

// Cleanup removes the whole scratch subtree for a job.
func (m *Manager) Cleanup(jobID string) {
	target := filepath.Join(m.tempRoot, sanitizeSegment(jobID))
	_ = os.RemoveAll(target)
}

// AvailableMemoryMB returns remaining budget, or -1 when unlimited.
func (m *Manager) AvailableMemoryMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MemoryMB <= 0 {
		return -1
	}
	return max(0, m.limits.MemoryMB-m.memoryInUse)
}

// AvailableDiskMB returns remaining spill budget, or -1 when unlimited.
func (m *Manager) AvailableDiskMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.SpillMB <= 0 {
		return -1
	}
	return max(0, m.limits.SpillMB-m.diskInUse)
}

// DiskMBFromBytes converts a byte count to whole megabytes, rounding up.
func (m *Manager) DiskMBFromBytes(byteCount int64) int {
	if byteCount <= 0 {
		return 0
	}
	return max(1, int(math.Ceil(float64(byteCount)/float64(datasize.MB))))
}

func (m *Manager) release(memoryMB, diskMB, workers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryInUse = max(0, m.memoryInUse-memoryMB)
	m.diskInUse = max(0, m.diskInUse-diskMB)
	m.workersIn = max(0, m.workersIn-workers)
}

func sanitizeSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "segment"
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(value) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('-')
		}
	}
	out := strings.Trim(sb.String(), "-")
	if out == "" {
		return "segment"
	}
	return out
}
