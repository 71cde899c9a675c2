// Package codec is the default batch wire codec: a fixed header followed by
// a compressed, varint framed record payload.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"kpub/internal/compress"
	"kpub/internal/pub"
)

const headerSize = 1 + 1 + 8 + 2 + 4 + 1 + 4 + 4

var errShortBuffer = errors.New("batch truncated")

// Binary implements pub.Codec.
type Binary struct{}

// New returns the default codec.
func New() Binary {
	return Binary{}
}

// RecordOverhead is the fixed per-record framing cost of a record format.
func RecordOverhead(magic int8) int {
	switch magic {
	case 0:
		return 26
	case 1:
		return 34
	default:
		return 21
	}
}

// EstimateRecordSize is the number of bytes a record adds to a batch.
func EstimateRecordSize(magic int8, key, value []byte, headers []pub.Header) int {
	n := RecordOverhead(magic) + len(key) + len(value)
	for _, h := range headers {
		n += len(h.Key) + len(h.Value) + 10
	}
	return n
}

// Encode implements pub.Codec.
func (Binary) Encode(h pub.BatchHeader, records []pub.Record) ([]byte, error) {
	var payload []byte
	for _, r := range records {
		payload = appendRecord(payload, r)
	}

	compressed, err := compress.Compress(h.Compression, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}

	out := make([]byte, 0, headerSize+len(compressed))
	out = append(out, byte(h.Magic), byte(h.Compression))
	out = binary.BigEndian.AppendUint64(out, uint64(h.ProducerID))
	out = binary.BigEndian.AppendUint16(out, uint16(h.ProducerEpoch))
	out = binary.BigEndian.AppendUint32(out, uint32(h.BaseSequence))
	if h.Transactional {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(records)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(compressed)))
	out = append(out, compressed...)

	return out, nil
}

// Decode implements pub.Codec.
func (Binary) Decode(b []byte) (pub.BatchHeader, []pub.Record, error) {
	var h pub.BatchHeader
	if len(b) < headerSize {
		return h, nil, errShortBuffer
	}

	h.Magic = int8(b[0])
	h.Compression = pub.Compression(b[1])
	h.ProducerID = int64(binary.BigEndian.Uint64(b[2:]))
	h.ProducerEpoch = int16(binary.BigEndian.Uint16(b[10:]))
	h.BaseSequence = int32(binary.BigEndian.Uint32(b[12:]))
	h.Transactional = b[16] == 1
	count := int(binary.BigEndian.Uint32(b[17:]))
	size := int(binary.BigEndian.Uint32(b[21:]))
	if len(b) < headerSize+size {
		return h, nil, errShortBuffer
	}

	payload, err := compress.Decompress(h.Compression, b[headerSize:headerSize+size])
	if err != nil {
		return h, nil, fmt.Errorf("failed to decompress batch: %w", err)
	}

	records := make([]pub.Record, 0, count)
	for i := 0; i < count; i++ {
		var r pub.Record
		r, payload, err = readRecord(payload)
		if err != nil {
			return h, nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		records = append(records, r)
	}

	return h, records, nil
}

func appendBytes(dst, b []byte) []byte {
	if b == nil {
		return binary.AppendVarint(dst, -1)
	}
	dst = binary.AppendVarint(dst, int64(len(b)))
	return append(dst, b...)
}

func appendRecord(dst []byte, r pub.Record) []byte {
	dst = binary.AppendVarint(dst, r.Timestamp.UnixMilli())
	dst = appendBytes(dst, r.Key)
	dst = appendBytes(dst, r.Value)
	dst = binary.AppendUvarint(dst, uint64(len(r.Headers)))
	for _, h := range r.Headers {
		dst = appendBytes(dst, []byte(h.Key))
		dst = appendBytes(dst, h.Value)
	}
	return dst
}

func readVarint(b []byte) (int64, []byte, error) {
	v, n := binary.Varint(b)
	if n <= 0 {
		return 0, nil, errShortBuffer
	}
	return v, b[n:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	l, b, err := readVarint(b)
	if err != nil {
		return nil, nil, err
	}
	if l < 0 {
		return nil, b, nil
	}
	if int64(len(b)) < l {
		return nil, nil, errShortBuffer
	}
	out := make([]byte, l)
	copy(out, b[:l])
	return out, b[l:], nil
}

func readRecord(b []byte) (pub.Record, []byte, error) {
	var r pub.Record

	ts, b, err := readVarint(b)
	if err != nil {
		return r, nil, err
	}
	r.Timestamp = time.UnixMilli(ts)

	if r.Key, b, err = readBytes(b); err != nil {
		return r, nil, err
	}
	if r.Value, b, err = readBytes(b); err != nil {
		return r, nil, err
	}

	n, m := binary.Uvarint(b)
	if m <= 0 {
		return r, nil, errShortBuffer
	}
	b = b[m:]
	for i := uint64(0); i < n; i++ {
		var k, v []byte
		if k, b, err = readBytes(b); err != nil {
			return r, nil, err
		}
		if v, b, err = readBytes(b); err != nil {
			return r, nil, err
		}
		r.Headers = append(r.Headers, pub.Header{Key: string(k), Value: v})
	}

	return r, b, nil
}
