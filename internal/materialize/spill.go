package materialize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// SpillBuffer is the back-pressure buffer between the row normalizer and
// the writer. When the buffer reaches the threshold it spills to a JSONL
// file in the job scratch dir, then immediately drains that file into the
// writer and unlinks it, keeping memory bounded while the writer stays fed.
type SpillBuffer struct {
	writer    *Writer
	threshold int
	spoolDir  string
	buffer    []model.NormalizedRow
	telemetry model.SpillMetrics
	spillSeq  int
}

// NewSpillBuffer clamps the threshold to at least one row.
func NewSpillBuffer(writer *Writer, threshold int, spoolDir string) *SpillBuffer {
	return &SpillBuffer{
		writer:    writer,
		threshold: max(1, threshold),
		spoolDir:  spoolDir,
	}
}

// Push enqueues one row, spilling when the buffer saturates.
func (s *SpillBuffer) Push(row model.NormalizedRow) error {
	s.buffer = append(s.buffer, row)
	if len(s.buffer) > s.telemetry.MaxBufferRows {
		s.telemetry.MaxBufferRows = len(s.buffer)
	}
	if len(s.buffer) >= s.threshold {
		return s.spill()
	}
	return nil
}

// Flush drains the buffer straight to the writer without spilling.
func (s *SpillBuffer) Flush() error {
	for _, row := range s.buffer {
		if err := s.writer.Write(row.Values, row.ObservedLength); err != nil {
			return err
		}
	}
	s.buffer = s.buffer[:0]
	return nil
}

// Close equals Flush.
func (s *SpillBuffer) Close() error { return s.Flush() }

// Telemetry returns the spill counters accumulated so far.
func (s *SpillBuffer) Telemetry() model.SpillMetrics { return s.telemetry }

type spillRecord struct {
	Values         []string `json:"values"`
	ObservedLength int      `json:"observed_length"`
}

func (s *SpillBuffer) spill() error {
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err, "create spool dir")
	}
	s.spillSeq++
	path := filepath.Join(s.spoolDir, fmt.Sprintf("spill_%06d.jsonl", s.spillSeq))
	handle, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "create spill file")
	}
	out := bufio.NewWriter(handle)
	for _, row := range s.buffer {
		data, err := json.Marshal(spillRecord{Values: row.Values, ObservedLength: row.ObservedLength})
		if err != nil {
			_ = handle.Close()
			return errs.Wrap(errs.KindIO, err, "encode spill row")
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			_ = handle.Close()
			return errs.Wrap(errs.KindIO, err, "write spill row")
		}
	}
	if err := out.Flush(); err != nil {
		_ = handle.Close()
		return errs.Wrap(errs.KindIO, err, "flush spill file")
	}
	if err := handle.Close(); err != nil {
		return errs.Wrap(errs.KindIO, err, "close spill file")
	}

	info, err := os.Stat(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "stat spill file")
	}
	s.telemetry.Spills++
	s.telemetry.RowsSpilled += len(s.buffer)
	s.telemetry.BytesSpilled += info.Size()
	s.buffer = s.buffer[:0]
	return s.drain(path)
}

func (s *SpillBuffer) drain(path string) error {
	handle, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "open spill file")
	}
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record spillRecord
		if err := json.Unmarshal(line, &record); err != nil {
			_ = handle.Close()
			return errs.Wrap(errs.KindIO, err, "decode spill row")
		}
		if err := s.writer.Write(record.Values, record.ObservedLength); err != nil {
			_ = handle.Close()
			return err
		}
	}
	scanErr := scanner.Err()
	closeErr := handle.Close()
	if scanErr != nil {
		return errs.Wrap(errs.KindIO, scanErr, "read spill file")
	}
	if closeErr != nil {
		return errs.Wrap(errs.KindIO, closeErr, "close spill file")
	}
	return os.Remove(path)
}
