package materialize

import (
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"tabfuse/internal/errs"
)

// parquetFlushRows is the batch size: every N buffered rows are written as
// one record batch.
const parquetFlushRows = 2048

// parquetBackend is the columnar writer. Parquet files cannot be appended
// post-close, so resumption always starts a fresh chunk.
type parquetBackend struct {
	header []string
	schema *arrow.Schema

	handle *os.File
	writer *pqarrow.FileWriter
	buffer [][]string
}

func newParquetBackend(header []string) *parquetBackend {
	fields := make([]arrow.Field, len(header))
	for i, name := range header {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String}
	}
	return &parquetBackend{
		header: header,
		schema: arrow.NewSchema(fields, nil),
	}
}

func (b *parquetBackend) FileExtension() string { return "parquet" }

func (b *parquetBackend) ResumesMidChunk() bool { return false }

func (b *parquetBackend) OutputPath(chunkPath string) string { return chunkPath }

func (b *parquetBackend) OpenChunk(path string, appendMode bool) error {
	if appendMode {
		return errs.New(errs.KindState, "parquet chunks cannot be reopened for append")
	}
	handle, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "create chunk %s", path)
	}
	writer, err := pqarrow.NewFileWriter(
		b.schema,
		handle,
		parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.DefaultWriterProps(),
	)
	if err != nil {
		_ = handle.Close()
		return errs.Wrap(errs.KindIO, err, "open parquet writer")
	}
	b.handle = handle
	b.writer = writer
	b.buffer = b.buffer[:0]
	return nil
}

func (b *parquetBackend) WriteRow(values []string) error {
	row := append([]string(nil), values...)
	b.buffer = append(b.buffer, row)
	if len(b.buffer) >= parquetFlushRows {
		return b.flush()
	}
	return nil
}

func (b *parquetBackend) CloseChunk() error {
	if b.writer == nil {
		return nil
	}
	flushErr := b.flush()
	closeErr := b.writer.Close()
	b.writer = nil
	b.handle = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errs.Wrap(errs.KindIO, closeErr, "close parquet chunk")
	}
	return nil
}

func (b *parquetBackend) flush() error {
	if len(b.buffer) == 0 || b.writer == nil {
		return nil
	}
	builder := array.NewRecordBuilder(memory.DefaultAllocator, b.schema)
	defer builder.Release()
	for col := range b.header {
		field := builder.Field(col).(*array.StringBuilder)
		for _, row := range b.buffer {
			value := ""
			if col < len(row) {
				value = row[col]
			}
			field.Append(value)
		}
	}
	record := builder.NewRecord()
	defer record.Release()
	if err := b.writer.Write(record); err != nil {
		return errs.Wrap(errs.KindIO, err, "write parquet batch")
	}
	b.buffer = b.buffer[:0]
	return nil
}
