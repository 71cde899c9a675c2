// Package compress implements the pluggable batch compression codecs.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"kpub/internal/pub"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Available reports whether c can be used. All codecs are linked in, so this
// only guards against unknown attribute values.
func Available(c pub.Compression) bool {
	switch c {
	case pub.CompressionNone, pub.CompressionGzip, pub.CompressionSnappy, pub.CompressionLZ4, pub.CompressionZstd:
		return true
	default:
		return false
	}
}

// Compress encodes src with codec c.
func Compress(c pub.Compression, src []byte) ([]byte, error) {
	switch c {
	case pub.CompressionNone:
		return src, nil
	case pub.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("failed to gzip batch: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to gzip batch: %w", err)
		}
		return buf.Bytes(), nil
	case pub.CompressionSnappy:
		return snappy.Encode(nil, src), nil
	case pub.CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("failed to lz4 batch: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to lz4 batch: %w", err)
		}
		return buf.Bytes(), nil
	case pub.CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", c)
	}
}

// Decompress reverses Compress.
func Decompress(c pub.Compression, src []byte) ([]byte, error) {
	switch c {
	case pub.CompressionNone:
		return src, nil
	case pub.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip batch: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case pub.CompressionSnappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy batch: %w", err)
		}
		return out, nil
	case pub.CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	case pub.CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		out, err := dec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd batch: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", c)
	}
}
