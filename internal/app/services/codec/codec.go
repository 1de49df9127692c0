// Package codec serializes notification envelopes and change payloads for
// storage. Values are JSON-encoded exactly once and gzip-compressed so the
// shared store holds compact opaque blobs.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Codec compresses JSON-serializable values. The zero value is not usable;
// construct one with New.
type Codec struct {
	level int
}

// New returns a Codec using the default compression level.
func New() *Codec {
	return &Codec{level: gzip.DefaultCompression}
}

// NewWithLevel returns a Codec using the given gzip level. Levels outside
// the valid range fall back to the default.
func NewWithLevel(level int) *Codec {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &Codec{level: level}
}

// Compress encodes v as JSON and compresses the encoding. The input is
// serialized exactly once.
func (c *Codec) Compress(v interface{}) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	if _, err := zw.Write(encoded); err != nil {
		return nil, fmt.Errorf("compress value: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress, decoding the recovered JSON into dst. For
// any JSON-serializable value, decompressing its compressed form yields an
// equal value.
func (c *Codec) Decompress(data []byte, dst interface{}) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("init decompressor: %w", err)
	}
	defer zr.Close()

	decoded, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("decompress value: %w", err)
	}
	if err := json.Unmarshal(decoded, dst); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}
