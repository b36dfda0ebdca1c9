package cpio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Decompress reads a compressed ramdisk image and returns the raw
// archive bytes. The compression algorithm is detected by magic bytes:
// gzip, otherwise zstd.
func Decompress(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cpio: reading %s: %w", path, err)
	}

	if bytes.HasPrefix(raw, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("cpio: opening gzip stream: %w", err)
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("cpio: decompressing gzip stream: %w", err)
		}
		return data, nil
	}

	zr, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("cpio: opening zstd stream: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("cpio: decompressing zstd stream: %w", err)
	}
	return data, nil
}

// Compress re-compresses archive bytes with zstd at the given level
// (1-22, zstd scale).
func Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("cpio: creating zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("cpio: compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("cpio: finishing zstd stream: %w", err)
	}
	return buf.Bytes(), nil
}
