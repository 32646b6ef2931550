package resources

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

func testManager(t *testing.T, limits model.ResourceLimits) *Manager {
	t.Helper()
	if limits.TempDir == "" {
		limits.TempDir = t.TempDir()
	}
	manager, err := NewManager(limits)
	require.NoError(t, err)
	return manager
}

func TestReserveAndRelease(t *testing.T) {
	t.Run("reservation within budget succeeds", func(t *testing.T) {
		manager := testManager(t, model.ResourceLimits{MemoryMB: 100, SpillMB: 50, MaxWorkers: 4})
		lease, err := manager.Reserve(60, 20, 2)
		require.NoError(t, err)
		assert.Equal(t, 40, manager.AvailableMemoryMB())
		assert.Equal(t, 30, manager.AvailableDiskMB())
		lease.Release()
		assert.Equal(t, 100, manager.AvailableMemoryMB())
	})

	t.Run("exceeding memory budget fails with resource error", func(t *testing.T) {
		manager := testManager(t, model.ResourceLimits{MemoryMB: 100})
		_, err := manager.Reserve(150, 0, 0)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindResourceLimit))
		assert.Contains(t, err.Error(), "RAM budget")
	})

	t.Run("exceeding worker budget names workers", func(t *testing.T) {
		manager := testManager(t, model.ResourceLimits{MaxWorkers: 2})
		_, err := manager.Reserve(0, 0, 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "worker budget")
	})

	t.Run("double release is a no-op", func(t *testing.T) {
		manager := testManager(t, model.ResourceLimits{MemoryMB: 10})
		lease, err := manager.Reserve(10, 0, 0)
		require.NoError(t, err)
		lease.Release()
		lease.Release()
		assert.Equal(t, 10, manager.AvailableMemoryMB())
	})

	t.Run("unlimited budgets always grant", func(t *testing.T) {
		manager := testManager(t, model.ResourceLimits{})
		_, err := manager.Reserve(1_000_000, 1_000_000, 100)
		assert.NoError(t, err)
		assert.Equal(t, -1, manager.AvailableMemoryMB())
	})
}

func TestPlanWorkers(t *testing.T) {
	manager := testManager(t, model.ResourceLimits{MaxWorkers: 4})
	assert.Equal(t, 4, manager.PlanWorkers(8))
	assert.Equal(t, 2, manager.PlanWorkers(2))
	assert.Equal(t, 1, manager.PlanWorkers(0))

	unlimited := testManager(t, model.ResourceLimits{})
	assert.Equal(t, 16, unlimited.PlanWorkers(16))
}

func TestScratchDir(t *testing.T) {
	t.Run("segments lowercased and hyphenated", func(t *testing.T) {
		root := t.TempDir()
		manager := testManager(t, model.ResourceLimits{TempDir: root})
		path, err := manager.ScratchDir("Job 42", "Spool Files")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "job-42", "spool-files"), path)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("cleanup removes the job subtree", func(t *testing.T) {
		root := t.TempDir()
		manager := testManager(t, model.ResourceLimits{TempDir: root})
		path, err := manager.ScratchDir("job-1", "spool")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(path, "x"), []byte("y"), 0o644))
		manager.Cleanup("job-1")
		_, err = os.Stat(filepath.Join(root, "job-1"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("empty segments skipped", func(t *testing.T) {
		manager := testManager(t, model.ResourceLimits{})
		path, err := manager.ScratchDir("job", "", "inner")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(path, filepath.Join("job", "inner")))
	})
}

func TestDiskMBFromBytes(t *testing.T) {
	manager := testManager(t, model.ResourceLimits{})
	assert.Equal(t, 0, manager.DiskMBFromBytes(0))
	assert.Equal(t, 1, manager.DiskMBFromBytes(1))
	assert.Equal(t, 1, manager.DiskMBFromBytes(1<<20))
	assert.Equal(t, 2, manager.DiskMBFromBytes(1<<20+1))
}
