package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/dbsmedya/dbusreplay/internal/types"
)

// maxLineSize bounds a single record. Large UDisks2 objects with many
// configuration entries stay well below it.
const maxLineSize = 64 << 20

// Reader yields the records of a capture stream in file order.
type Reader struct {
	file    *os.File
	decoder *zstd.Decoder
	scanner *bufio.Scanner
	header  Header
	line    int
}

// NewReader reads and validates the header of r.
func NewReader(r io.Reader, ct CompressionType) (*Reader, error) {
	reader, decoder, err := newCompressedReader(r, ct)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	cr := &Reader{decoder: decoder, scanner: scanner}

	data, err := cr.nextLine()
	if err == io.EOF {
		cr.closeDecoder()
		return nil, &ParseError{Line: 1, Err: errors.New("missing header")}
	}
	if err != nil {
		cr.closeDecoder()
		return nil, err
	}

	if err := json.Unmarshal(data, &cr.header); err != nil {
		cr.closeDecoder()
		return nil, &ParseError{Line: cr.line, Err: err}
	}
	if cr.header.Kind != kindHeader {
		cr.closeDecoder()
		return nil, &ParseError{Line: cr.line, Err: fmt.Errorf("expected header, got %q", cr.header.Kind)}
	}
	if cr.header.Version != FormatVersion {
		cr.closeDecoder()
		return nil, &ParseError{Line: cr.line, Err: fmt.Errorf("unsupported format version %d", cr.header.Version)}
	}
	return cr, nil
}

// Open opens a capture file. "-" reads stdin.
func Open(path string) (*Reader, error) {
	if path == "-" || path == "" {
		return NewReader(os.Stdin, NoCompression)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}

	cr, err := NewReader(f, CompressionFor(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	cr.file = f
	return cr, nil
}

// Header returns the parsed header line.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF after the last one. Malformed
// lines are reported as *ParseError.
func (r *Reader) Next() (types.ObjectRecord, error) {
	data, err := r.nextLine()
	if err != nil {
		return types.ObjectRecord{}, err
	}

	var kind struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		return types.ObjectRecord{}, &ParseError{Line: r.line, Err: err}
	}
	if kind.Kind != kindObject {
		return types.ObjectRecord{}, &ParseError{Line: r.line, Err: fmt.Errorf("unexpected line kind %q", kind.Kind)}
	}

	var line objectLine
	if err := json.Unmarshal(data, &line); err != nil {
		return types.ObjectRecord{}, &ParseError{Line: r.line, Err: err}
	}
	if !line.Path.IsValid() {
		return types.ObjectRecord{}, &ParseError{Line: r.line, Err: fmt.Errorf("invalid object path %q", line.Path)}
	}
	return line.ObjectRecord, nil
}

// nextLine returns the next non-blank line.
func (r *Reader) nextLine() ([]byte, error) {
	for r.scanner.Scan() {
		r.line++
		data := bytes.TrimSpace(r.scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, &ParseError{Line: r.line + 1, Err: err}
	}
	return nil, io.EOF
}

// Line returns the number of the line most recently read.
func (r *Reader) Line() int {
	return r.line
}

// Close releases the decoder and file, if any.
func (r *Reader) Close() error {
	r.closeDecoder()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) closeDecoder() {
	if r.decoder != nil {
		r.decoder.Close()
		r.decoder = nil
	}
}

// ReadAll drains r. On a parse error the records read so far are returned
// together with the error.
func ReadAll(r *Reader) ([]types.ObjectRecord, error) {
	var records []types.ObjectRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
