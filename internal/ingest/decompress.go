package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxDecompressedSize caps how much a compressed upload may expand to.
const MaxDecompressedSize = 512 * 1024 * 1024

// ErrTooLarge is returned when a payload expands past MaxDecompressedSize.
var ErrTooLarge = errors.New("decompressed payload too large")

// Pool for gzip readers; each holds ~32KB of decompression state reusable via Reset().
var gzipReaderPool sync.Pool

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// isGzip reports whether data starts with the gzip magic bytes.
func isGzip(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// isZstd reports whether data starts with the zstd frame magic.
func isZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Decompress inflates gzip or zstd payloads, detected by their magic bytes.
// Anything else is returned unchanged.
func Decompress(data []byte) ([]byte, error) {
	switch {
	case isGzip(data):
		return gunzip(data)
	case isZstd(data):
		return unzstd(data)
	default:
		return data, nil
	}
}

func gunzip(data []byte) ([]byte, error) {
	var reader *gzip.Reader
	var err error
	if pooled := gzipReaderPool.Get(); pooled != nil {
		reader = pooled.(*gzip.Reader)
		err = reader.Reset(bytes.NewReader(data))
	} else {
		reader, err = gzip.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		if reader != nil {
			gzipReaderPool.Put(reader)
		}
		return nil, fmt.Errorf("failed to initialize gzip reader: %w", err)
	}
	defer gzipReaderPool.Put(reader)

	return readLimited(reader)
}

func unzstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zstd reader: %w", err)
	}
	defer dec.Close()
	return readLimited(dec)
}

func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	return out, nil
}
