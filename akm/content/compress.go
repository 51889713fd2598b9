// Package content applies optional LZ4 compression to frame payloads.
//
// Both ends of a relationship must agree on the codec; it is part of the
// relationship configuration, not of the wire format.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"
)

const (
	NameNone = ""
	NameLZ4  = "lz4"

	// MaxDecoded bounds the size of a decompressed payload.
	MaxDecoded = 16 << 20 // 16 MiB
)

const (
	flagRaw byte = 0
	flagLZ4 byte = 1
)

var (
	ErrCompressionFailed   = errors.New("content: compression failed")
	ErrDecompressionFailed = errors.New("content: decompression failed")
	ErrUnknownCodec        = errors.New("content: unknown codec")
)

// CompressionLevel controls the speed/ratio tradeoff.
type CompressionLevel int

const (
	CompressionFast    CompressionLevel = iota // Fastest, lower ratio
	CompressionDefault                         // Balanced
	CompressionBest                            // Best ratio, slower
)

var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Compress compresses data using LZ4.
func Compress(data []byte, level CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)

	switch level {
	case CompressionFast:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	case CompressionBest:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level9))
	default:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level4))
	}

	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

// Decompress decompresses LZ4 data of at most MaxDecoded bytes.
func Decompress(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, MaxDecoded+1))
	if err != nil || n > MaxDecoded {
		return nil, ErrDecompressionFailed
	}
	return buf.Bytes(), nil
}

// Codec frames a payload with a one-byte flag saying whether it was
// compressed. A nil *Codec passes payloads through unchanged.
type Codec struct {
	level CompressionLevel
}

// ParseLevel maps a configured level name to a CompressionLevel. An empty
// name is CompressionDefault.
func ParseLevel(name string) (CompressionLevel, error) {
	switch strings.ToLower(name) {
	case "fast":
		return CompressionFast, nil
	case "", "default":
		return CompressionDefault, nil
	case "best":
		return CompressionBest, nil
	default:
		return CompressionDefault, fmt.Errorf("%w: level %q", ErrUnknownCodec, name)
	}
}

// ByName returns the codec for a configured name and level; NameNone yields
// nil.
func ByName(name, level string) (*Codec, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(name) {
	case NameNone:
		return nil, nil
	case NameLZ4:
		return &Codec{level: lvl}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Level returns the compression level.
func (c *Codec) Level() CompressionLevel { return c.level }

// Encode compresses p when that makes it smaller.
func (c *Codec) Encode(p []byte) []byte {
	if c == nil {
		return p
	}
	compressed, err := Compress(p, c.level)
	if err != nil || len(compressed) >= len(p) {
		out := make([]byte, 1+len(p))
		out[0] = flagRaw
		copy(out[1:], p)
		return out
	}
	return append([]byte{flagLZ4}, compressed...)
}

// Decode reverses Encode.
func (c *Codec) Decode(p []byte) ([]byte, error) {
	if c == nil {
		return p, nil
	}
	if len(p) == 0 {
		return nil, ErrDecompressionFailed
	}
	switch p[0] {
	case flagRaw:
		return p[1:], nil
	case flagLZ4:
		return Decompress(p[1:])
	default:
		return nil, ErrDecompressionFailed
	}
}
