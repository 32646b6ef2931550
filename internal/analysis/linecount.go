// Package analysis implements the sampling and profiling stage: bounded
// line counting, deterministic block planning, per-block signature
// inference, full-file column profiling, and the multi-file engine that
// drives them.
package analysis

import (
	"bytes"
	"io"
	"os"

	"tabfuse/internal/errs"
)

const defaultCountChunk = 1 << 20

// LineCounter counts newline-delimited rows without materializing the file.
type LineCounter struct {
	ChunkSize int
}

// Count returns the number of rows in the file. A non-empty file whose
// final byte is not a newline contributes one implicit trailing record.
func (c LineCounter) Count(path string) (int, error) {
	chunkSize := c.ChunkSize
	if chunkSize < 1024 {
		chunkSize = defaultCountChunk
	}
	handle, err := os.Open(path)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "open %s", path)
	}
	defer handle.Close()

	buf := make([]byte, chunkSize)
	lines := 0
	hasData := false
	var lastByte byte
	for {
		n, readErr := handle.Read(buf)
		if n > 0 {
			hasData = true
			lines += bytes.Count(buf[:n], []byte{'\n'})
			lastByte = buf[n-1]
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, errs.Wrap(errs.KindIO, readErr, "read %s", path)
		}
	}
	if hasData && lastByte != '\n' {
		lines++
	}
	return lines, nil
}
