package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabfuse/internal/model"
)

func testConfig(parallel int) *model.RuntimeConfig {
	return &model.RuntimeConfig{
		Global: model.GlobalSettings{Encoding: "utf-8", ErrorPolicy: "replace"},
		Profile: model.ProfileSettings{
			Description:      "test",
			BlockSize:        10,
			MinGapLines:      50,
			MaxParallelFiles: parallel,
			SampleValuesCap:  8,
			WriterChunkRows:  100,
		},
	}
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAdaptiveThrottle(t *testing.T) {
	t.Run("slow tasks shrink the limit", func(t *testing.T) {
		throttle := NewAdaptiveThrottle(4)
		for i := 0; i < 3; i++ {
			throttle.Report(10 * time.Second)
		}
		assert.Less(t, throttle.Limit(), 4)
		assert.GreaterOrEqual(t, throttle.Limit(), 1)
	})

	t.Run("fast tasks restore the limit", func(t *testing.T) {
		throttle := NewAdaptiveThrottle(4)
		for i := 0; i < 4; i++ {
			throttle.Report(10 * time.Second)
		}
		shrunk := throttle.Limit()
		for i := 0; i < 12; i++ {
			throttle.Report(10 * time.Millisecond)
		}
		assert.Greater(t, throttle.Limit(), shrunk)
	})

	t.Run("limit never leaves bounds", func(t *testing.T) {
		throttle := NewAdaptiveThrottle(2)
		for i := 0; i < 50; i++ {
			throttle.Report(time.Hour)
		}
		assert.Equal(t, 1, throttle.Limit())
		for i := 0; i < 50; i++ {
			throttle.Report(time.Millisecond)
		}
		assert.Equal(t, 2, throttle.Limit())
	})
}

func TestEngineAnalyzeFiles(t *testing.T) {
	t.Run("results preserve input order", func(t *testing.T) {
		dir := t.TempDir()
		var files []string
		for i := 0; i < 6; i++ {
			content := "h1,h2\n"
			for j := 0; j <= i*3; j++ {
				content += fmt.Sprintf("%d,%d\n", j, j*2)
			}
			files = append(files, writeCSV(t, dir, fmt.Sprintf("f%d.csv", i), content))
		}
		engine := NewEngine(testConfig(3))
		results, err := engine.AnalyzeFiles(context.Background(), files)
		require.NoError(t, err)
		require.Len(t, results, len(files))
		for idx, result := range results {
			require.NotNil(t, result)
			assert.Equal(t, files[idx], result.FilePath)
		}
	})

	t.Run("failed file keeps its slot", func(t *testing.T) {
		dir := t.TempDir()
		good := writeCSV(t, dir, "good.csv", "a,b\n1,2\n")
		missing := filepath.Join(dir, "missing.csv")
		engine := NewEngine(testConfig(1))
		results, err := engine.AnalyzeFiles(context.Background(), []string{good, missing})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.NoError(t, results[0].Err)
		assert.Error(t, results[1].Err)
		assert.Empty(t, results[1].Blocks)
	})

	t.Run("headers and profiles populated", func(t *testing.T) {
		dir := t.TempDir()
		path := writeCSV(t, dir, "people.csv", "name,age\nAlice,30\nBob,41\n")
		engine := NewEngine(testConfig(1))
		results, err := engine.AnalyzeFiles(context.Background(), []string{path})
		require.NoError(t, err)
		require.Len(t, results, 1)
		result := results[0]
		assert.Equal(t, 3, result.TotalLines)
		assert.Equal(t, []string{"name", "age"}, result.RawHeaders)
		require.NotEmpty(t, result.Blocks)
		assert.Equal(t, "name,age", result.Blocks[0].Signature.HeaderSample)
		require.Len(t, result.ColumnProfiles, 2)
		assert.Equal(t, "age", result.ColumnProfiles[1].Header)
	})

	t.Run("no files is a no-op", func(t *testing.T) {
		engine := NewEngine(testConfig(2))
		results, err := engine.AnalyzeFiles(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, results)
	})

	t.Run("progress emitted per file", func(t *testing.T) {
		dir := t.TempDir()
		path := writeCSV(t, dir, "p.csv", "x\n1\n")
		var events []model.FileProgress
		engine := NewEngine(testConfig(1), WithProgress(func(event model.FileProgress) {
			events = append(events, event)
		}))
		_, err := engine.AnalyzeFiles(context.Background(), []string{path})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "analysis-complete", events[0].CurrentPhase)
	})
}

func TestDetectFileEncoding(t *testing.T) {
	t.Run("valid utf-8", func(t *testing.T) {
		path := writeTempFile(t, "héllo,wörld\n")
		assert.Equal(t, "utf-8", DetectFileEncoding(path, "utf-8"))
	})

	t.Run("cp1251 bytes fall back", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cp1251.csv")
		// "місяць" in cp1251-adjacent bytes: raw high bytes invalid as utf-8.
		require.NoError(t, os.WriteFile(path, []byte{0xEC, 0xB3, 0xF1, 0xFF, 0xF6, 0xFC, 0x0A}, 0o644))
		assert.Equal(t, "cp1251", DetectFileEncoding(path, "utf-8"))
	})

	t.Run("empty file uses fallback", func(t *testing.T) {
		path := writeTempFile(t, "")
		assert.Equal(t, "koi8-r", DetectFileEncoding(path, "koi8-r"))
	})
}
