// Package capture reads and writes capture files: JSON Lines documents with
// one header line followed by one line per ObjectRecord. Files whose name
// ends in .zst are zstd-compressed.
package capture

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/dbsmedya/dbusreplay/internal/types"
)

// FormatVersion is written to and required from every header.
const FormatVersion = 1

const (
	kindHeader = "header"
	kindObject = "object"
)

// CompressionType selects how a capture stream is encoded.
type CompressionType int

const (
	// NoCompression writes plain JSON Lines.
	NoCompression CompressionType = iota
	// ZstdCompression wraps the stream in a zstd frame.
	ZstdCompression
)

// CompressionFor picks the compression implied by a file name.
func CompressionFor(path string) CompressionType {
	if strings.HasSuffix(path, ".zst") {
		return ZstdCompression
	}
	return NoCompression
}

// Header describes where a capture came from.
type Header struct {
	Kind        string `json:"kind"`
	Version     int    `json:"version"`
	Destination string `json:"destination"`
	Bus         string `json:"bus"`
	// Mock names the stub host the records are meant to be replayed into.
	Mock string `json:"mock"`
	Root string `json:"root"`
}

// objectLine is the on-disk shape of one record.
type objectLine struct {
	Kind string `json:"kind"`
	types.ObjectRecord
}

// ParseError reports a malformed line. Line is 1-based.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("capture line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newCompressedWriter(w io.Writer, ct CompressionType) (io.Writer, *zstd.Encoder, error) {
	if ct == NoCompression {
		return w, nil, nil
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	return enc, enc, nil
}

func newCompressedReader(r io.Reader, ct CompressionType) (io.Reader, *zstd.Decoder, error) {
	if ct == NoCompression {
		return r, nil, nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return dec, dec, nil
}
