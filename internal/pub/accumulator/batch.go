package accumulator

import (
	"errors"
	"fmt"
	"time"

	"kpub/internal/pub"
	"kpub/internal/pub/codec"
)

// ErrBatchFull means the record does not fit; the caller must retry against a new batch.
var ErrBatchFull = errors.New("batch is full")

type entry struct {
	record pub.Record
	future *pub.Future
}

// Batch is an append-only group of records for one partition. Once sealed
// its records never change; only retry metadata does.
type Batch struct {
	tp          pub.TopicPartition
	magic       int8
	compression pub.Compression
	maxSize     int
	maxRecord   int

	entries []entry
	size    int
	sealed  bool
	created time.Time

	// set for batches submitted through a BatchBuilder; resolved with the base offset
	future *pub.Future

	retries      int
	firstAttempt time.Time

	producerID    int64
	producerEpoch int16
	baseSequence  int32
	transactional bool
	encoded       []byte

	resolved bool
	done     chan struct{}
}

func newBatch(tp pub.TopicPartition, cfg Config, magic int8, now time.Time) *Batch {
	return &Batch{
		tp:            tp,
		magic:         magic,
		compression:   cfg.Compression,
		maxSize:       cfg.MaxBatchSize,
		maxRecord:     cfg.MaxRecordSize,
		created:       now,
		producerID:    pub.NoProducerID,
		producerEpoch: pub.NoProducerEpoch,
		baseSequence:  pub.NoSequence,
		done:          make(chan struct{}),
	}
}

// Append adds a record and returns its completion handle. An empty batch
// always accepts the record so oversized records still make progress.
func (b *Batch) Append(key, value []byte, headers []pub.Header, ts time.Time) (*pub.Future, error) {
	if b.sealed {
		return nil, ErrBatchFull
	}

	n := codec.EstimateRecordSize(b.magic, key, value, headers)
	if n > b.maxRecord {
		return nil, fmt.Errorf("%w: record is %d bytes, limit is %d", pub.ErrRecordTooLarge, n, b.maxRecord)
	}
	if len(b.entries) > 0 && b.size+n > b.maxSize {
		return nil, ErrBatchFull
	}

	fut := pub.NewFuture()
	b.entries = append(b.entries, entry{
		record: pub.Record{Key: key, Value: value, Headers: headers, Timestamp: ts},
		future: fut,
	})
	b.size += n
	if b.size >= b.maxSize {
		b.sealed = true
	}

	return fut, nil
}

// fits reports whether a record of n bytes would be appended to b.
func (b *Batch) fits(n int) bool {
	return !b.sealed && (len(b.entries) == 0 || b.size+n <= b.maxSize)
}

// Seal makes the batch immutable. It is idempotent.
func (b *Batch) Seal() {
	b.sealed = true
}

func (b *Batch) Sealed() bool { return b.sealed }
func (b *Batch) TopicPartition() pub.TopicPartition { return b.tp }
func (b *Batch) Size() int { return b.size }
func (b *Batch) RecordCount() int { return len(b.entries) }
func (b *Batch) Retries() int { return b.retries }
func (b *Batch) Created() time.Time { return b.created }
func (b *Batch) FirstAttempt() time.Time { return b.firstAttempt }
func (b *Batch) Compression() pub.Compression { return b.compression }

// Done is closed once every completion handle of the batch is resolved.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Records returns the batch contents in append order.
func (b *Batch) Records() []pub.Record {
	out := make([]pub.Record, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.record
	}
	return out
}

// MarkAttempt records a send attempt. The first call fixes the first-attempt time.
func (b *Batch) MarkAttempt(now time.Time) {
	if b.firstAttempt.IsZero() {
		b.firstAttempt = now
	}
}

// IncRetries counts a retriable failure.
func (b *Batch) IncRetries() {
	b.retries++
}

// HasSequence reports whether producer id and sequence were already stamped.
func (b *Batch) HasSequence() bool {
	return b.baseSequence != pub.NoSequence
}

func (b *Batch) BaseSequence() int32 {
	return b.baseSequence
}

// SetProducerState stamps idempotence metadata. Retries keep the stamp.
func (b *Batch) SetProducerState(producerID int64, epoch int16, baseSequence int32, transactional bool) {
	b.producerID = producerID
	b.producerEpoch = epoch
	b.baseSequence = baseSequence
	b.transactional = transactional
	b.encoded = nil
}

// Encode returns the wire bytes of a sealed batch, encoding only once.
func (b *Batch) Encode(c pub.Codec) ([]byte, error) {
	if !b.sealed {
		return nil, fmt.Errorf("batch for %s is not sealed", b.tp)
	}
	if b.encoded != nil {
		return b.encoded, nil
	}

	encoded, err := c.Encode(pub.BatchHeader{
		Magic:         b.magic,
		Compression:   b.compression,
		ProducerID:    b.producerID,
		ProducerEpoch: b.producerEpoch,
		BaseSequence:  b.baseSequence,
		Transactional: b.transactional,
	}, b.Records())
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch for %s: %w", b.tp, err)
	}
	b.encoded = encoded

	return encoded, nil
}

// complete resolves every handle in record order. It reports false if the
// batch had already been resolved.
func (b *Batch) complete(baseOffset int64, logAppendTime time.Time, err error) bool {
	if b.resolved {
		return false
	}
	b.resolved = true

	for i, e := range b.entries {
		md := pub.RecordMetadata{TopicPartition: b.tp, Offset: -1, Timestamp: e.record.Timestamp}
		if baseOffset >= 0 {
			md.Offset = baseOffset + int64(i)
		}
		if !logAppendTime.IsZero() {
			md.Timestamp = logAppendTime
		}
		e.future.Resolve(md, err)
	}

	if b.future != nil {
		b.future.Resolve(pub.RecordMetadata{
			TopicPartition: b.tp,
			Offset:         baseOffset,
			Timestamp:      logAppendTime,
		}, err)
	}

	close(b.done)

	return true
}
