// Package progress writes progress and benchmark events as JSONL for later
// inspection, with optional rotation for long-running telemetry logs.
package progress

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// Logger appends FileProgress events to a JSONL file. A nil Logger or one
// built with an empty path drops events.
type Logger struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewLogger opens the log file in append mode, creating parents.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return &Logger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "create progress log dir")
	}
	handle, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "open progress log")
	}
	return &Logger{writer: handle}, nil
}

// Emit writes one event; dropped when the logger has no sink.
func (l *Logger) Emit(event model.FileProgress) {
	if l == nil || l.writer == nil {
		return
	}
	payload := map[string]any{
		"file_path":       event.FilePath,
		"processed_rows":  event.ProcessedRows,
		"total_rows":      event.TotalRows,
		"current_phase":   event.CurrentPhase,
		"eta_seconds":     event.ETASeconds,
		"schema_id":       event.SchemaID,
		"schema_name":     event.SchemaName,
		"rows_per_second": event.RowsPerSecond,
		"spill_rows":      event.SpillRows,
		"timestamp":       float64(time.Now().UnixNano()) / float64(time.Second),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(append(data, '\n'))
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	if l == nil || l.writer == nil {
		return nil
	}
	return l.writer.Close()
}

// NewTelemetryWriter returns a rotating JSONL sink for runner telemetry.
func NewTelemetryWriter(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    64, // megabytes per segment
		MaxBackups: 4,
		Compress:   false,
	}
}

// BenchmarkRecorder stores throughput measurements for later analysis.
type BenchmarkRecorder struct {
	path string
	mu   sync.Mutex
}

// NewBenchmarkRecorder creates parent directories eagerly.
func NewBenchmarkRecorder(path string) (*BenchmarkRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "create benchmark dir")
	}
	return &BenchmarkRecorder{path: path}, nil
}

// Record appends one measurement row.
func (r *BenchmarkRecorder) Record(dataset string, metrics map[string]any) error {
	payload := map[string]any{"dataset": dataset, "timestamp": float64(time.Now().UnixNano()) / float64(time.Second)}
	for key, value := range metrics {
		payload[key] = value
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "encode benchmark row")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "open benchmark log")
	}
	defer handle.Close()
	if _, err := handle.Write(append(data, '\n')); err != nil {
		return errs.Wrap(errs.KindIO, err, "write benchmark row")
	}
	return nil
}
