// Package codec compresses and decompresses committed file payloads.
//
// Codecs are identified by name ("gzip", "zstd", "snappy", "brotli"); the
// empty name means raw content. The name is stored on the inode so readers
// know how to materialize the payload.
package codec

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archiver/v3"
)

const (
	None   = ""
	Gzip   = "gzip"
	Zstd   = "zstd"
	Snappy = "snappy"
	Brotli = "brotli"
)

// ErrUnknownCodec is returned for codec names this package does not know.
var ErrUnknownCodec = errors.New("unknown codec")

// Names lists every supported codec, raw excluded.
var Names = []string{Gzip, Zstd, Snappy, Brotli}

// Extensions whose content is already compressed; compressing them again
// only costs CPU.
var incompressibleExts = map[string]struct{}{
	".gz": {}, ".tgz": {}, ".zst": {}, ".sz": {}, ".br": {}, ".bz2": {}, ".xz": {},
	".zip": {}, ".7z": {}, ".rar": {}, ".lz4": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".heic": {},
	".mp3": {}, ".aac": {}, ".ogg": {}, ".flac": {},
	".mp4": {}, ".mkv": {}, ".mov": {}, ".avi": {}, ".webm": {},
	".parquet": {}, ".orc": {}, ".avro": {},
}

// Valid returns ErrUnknownCodec if name is not a supported codec (or raw).
func Valid(name string) error {
	if name == None {
		return nil
	}
	for _, n := range Names {
		if n == name {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// NewCompressor returns the compressor for name at the given level. A zero
// level selects the codec default. Returns nil for raw content.
func NewCompressor(name string, level int) (archiver.Compressor, error) {
	switch name {
	case None:
		return nil, nil
	case Gzip:
		if level == 0 {
			level = -1
		}
		return &archiver.Gz{CompressionLevel: level}, nil
	case Zstd:
		z := &archiver.Zstd{}
		if level != 0 {
			z.EncoderOptions = []zstd.EOption{zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level))}
		}
		return z, nil
	case Snappy:
		return &archiver.Snappy{}, nil
	case Brotli:
		if level == 0 {
			level = 6
		}
		return &archiver.Brotli{Quality: level}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// NewDecompressor returns the decompressor for name, or nil for raw content.
func NewDecompressor(name string) (archiver.Decompressor, error) {
	switch name {
	case None:
		return nil, nil
	case Gzip:
		return &archiver.Gz{}, nil
	case Zstd:
		return &archiver.Zstd{}, nil
	case Snappy:
		return &archiver.Snappy{}, nil
	case Brotli:
		return &archiver.Brotli{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// ShouldCompress reports whether a payload is worth compressing, judging by
// the file extension first and then by the magic bytes in head.
func ShouldCompress(fileName string, head []byte) bool {
	if len(head) == 0 {
		return false
	}

	if fileName != "" {
		ext := strings.ToLower(filepath.Ext(fileName))
		if _, ok := incompressibleExts[ext]; ok {
			return false
		}
	}

	kind, _ := filetype.Match(head)
	return kind == filetype.Unknown
}

// Compress copies r to w through the named codec.
func Compress(name string, level int, r io.Reader, w io.Writer) error {
	c, err := NewCompressor(name, level)
	if err != nil {
		return err
	}
	if c == nil {
		_, err := io.Copy(w, r)
		return err
	}
	if err := c.Compress(r, w); err != nil {
		return fmt.Errorf("%s compress: %w", name, err)
	}
	return nil
}

// Decompress copies r to w, undoing the named codec.
func Decompress(name string, r io.Reader, w io.Writer) error {
	d, err := NewDecompressor(name)
	if err != nil {
		return err
	}
	if d == nil {
		_, err := io.Copy(w, r)
		return err
	}
	if err := d.Decompress(r, w); err != nil {
		return fmt.Errorf("%s decompress: %w", name, err)
	}
	return nil
}
