// Package compression provides the block codecs available to segment
// files. The codec is a per-file choice recorded in the segment footer,
// so files written with different settings coexist in one store.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifiers persisted in segment footers. Values are part of the
// on-disk format and must not be reordered.
const (
	IDNone uint8 = iota
	IDZstd
	IDLZ4
)

// Codec encodes and decodes segment data blocks.
type Codec interface {
	ID() uint8
	Name() string

	// Compress returns the encoded form of src. It may return src
	// unchanged when encoding would not shrink it; the block writer
	// detects that and stores the block raw.
	Compress(src []byte) ([]byte, error)

	// Decompress decodes src into a buffer of exactly rawLen bytes.
	Decompress(src []byte, rawLen int) ([]byte, error)
}

// ByName resolves a codec from its config name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return None{}, nil
	case "zstd":
		return Zstd{}, nil
	case "lz4":
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
}

// ByID resolves a codec from its persisted identifier.
func ByID(id uint8) (Codec, error) {
	switch id {
	case IDNone:
		return None{}, nil
	case IDZstd:
		return Zstd{}, nil
	case IDLZ4:
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown compression codec id %d", id)
	}
}

// None stores blocks verbatim.
type None struct{}

func (None) ID() uint8    { return IDNone }
func (None) Name() string { return "none" }

func (None) Compress(src []byte) ([]byte, error) { return src, nil }

func (None) Decompress(src []byte, rawLen int) ([]byte, error) {
	if len(src) != rawLen {
		return nil, fmt.Errorf("none codec: length mismatch: %d != %d", len(src), rawLen)
	}
	return src, nil
}

// Shared zstd coders; both are safe for concurrent use via EncodeAll and
// DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Zstd compresses blocks with klauspost/compress zstd.
type Zstd struct{}

func (Zstd) ID() uint8    { return IDZstd }
func (Zstd) Name() string { return "zstd" }

func (Zstd) Compress(src []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src))), nil
}

func (Zstd) Decompress(src []byte, rawLen int) ([]byte, error) {
	dst, err := zstdDecoder.DecodeAll(src, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(dst) != rawLen {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(dst), rawLen)
	}
	return dst, nil
}

// LZ4 compresses blocks with pierrec/lz4 block encoding.
type LZ4 struct{}

func (LZ4) ID() uint8    { return IDLZ4 }
func (LZ4) Name() string { return "lz4" }

func (LZ4) Compress(src []byte) ([]byte, error) {
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// incompressible block
		return src, nil
	}
	return dst[:n], nil
}

func (LZ4) Decompress(src []byte, rawLen int) ([]byte, error) {
	dst := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != rawLen {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, rawLen)
	}
	return dst, nil
}
