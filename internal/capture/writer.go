package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/dbsmedya/dbusreplay/internal/types"
)

// Writer appends records to a capture stream. Every record is flushed
// through to the underlying writer before Write returns, so a scan that
// aborts leaves all earlier records readable.
type Writer struct {
	file      *os.File
	bufWriter *bufio.Writer
	writer    io.Writer
	encoder   *zstd.Encoder
	records   int
	closed    bool
}

// NewWriter writes the header to w and returns a Writer for the records.
func NewWriter(w io.Writer, h Header, ct CompressionType) (*Writer, error) {
	bufWriter := bufio.NewWriter(w)
	writer, encoder, err := newCompressedWriter(bufWriter, ct)
	if err != nil {
		return nil, err
	}

	cw := &Writer{
		bufWriter: bufWriter,
		writer:    writer,
		encoder:   encoder,
	}

	h.Kind = kindHeader
	h.Version = FormatVersion
	if err := cw.writeLine(h); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return cw, nil
}

// Create opens path for writing, truncating it. "-" writes to stdout.
// Compression follows the file extension.
func Create(path string, h Header) (*Writer, error) {
	if path == "-" || path == "" {
		return NewWriter(os.Stdout, h, NoCompression)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	cw, err := NewWriter(f, h, CompressionFor(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	cw.file = f
	return cw, nil
}

// Write appends one record.
func (w *Writer) Write(rec types.ObjectRecord) error {
	if w.closed {
		return fmt.Errorf("capture writer is closed")
	}
	if err := w.writeLine(objectLine{Kind: kindObject, ObjectRecord: rec}); err != nil {
		return fmt.Errorf("failed to write record for %s: %w", rec.Path, err)
	}
	w.records++
	return nil
}

// Records returns the number of records written so far.
func (w *Writer) Records() int {
	return w.records
}

func (w *Writer) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if w.encoder != nil {
		if err := w.encoder.Flush(); err != nil {
			return err
		}
	}
	return w.bufWriter.Flush()
}

// Close finishes the compressed frame and closes the file, if any.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if w.encoder != nil {
		if err := w.encoder.Close(); err != nil {
			firstErr = err
		}
	}
	if err := w.bufWriter.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
