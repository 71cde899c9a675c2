package pub

import (
	"fmt"
	"strings"
)

const (
	NoProducerID    int64 = -1
	NoProducerEpoch int16 = -1
	NoSequence      int32 = -1
)

// Compression is the batch compression attribute. Values match the wire
// attribute bits.
type Compression int8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// ParseCompression accepts "", "none", "gzip", "snappy", "lz4" and "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("%w: invalid compression type %q", ErrInvalidConfig, s)
	}
}

// BatchHeader is the batch level metadata written by a Codec.
type BatchHeader struct {
	Magic         int8
	Compression   Compression
	ProducerID    int64
	ProducerEpoch int16
	BaseSequence  int32
	Transactional bool
}

// Codec turns a sealed batch into broker wire bytes and back.
type Codec interface {
	Encode(h BatchHeader, records []Record) ([]byte, error)
	Decode(b []byte) (BatchHeader, []Record, error)
}
