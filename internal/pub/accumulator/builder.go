package accumulator

import (
	"errors"
	"fmt"
	"time"

	"kpub/internal/pub"
	"kpub/internal/pub/codec"
)

var errBuilderSubmitted = errors.New("batch builder already submitted")

// BatchBuilder assembles a batch by hand. The batch is not queued until it
// is handed to MessageAccumulator.AddBatch.
type BatchBuilder struct {
	magic     int8
	maxSize   int
	maxRecord int

	records   []pub.Record
	size      int
	submitted bool
}

// Append adds a record and returns the bytes it occupies. It returns
// ErrBatchFull when the record does not fit in a non-empty builder.
func (b *BatchBuilder) Append(key, value []byte, headers []pub.Header, ts time.Time) (int, error) {
	if b.submitted {
		return 0, errBuilderSubmitted
	}

	n := codec.EstimateRecordSize(b.magic, key, value, headers)
	if n > b.maxRecord {
		return 0, fmt.Errorf("%w: record is %d bytes, limit is %d", pub.ErrRecordTooLarge, n, b.maxRecord)
	}
	if len(b.records) > 0 && b.size+n > b.maxSize {
		return 0, ErrBatchFull
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	b.records = append(b.records, pub.Record{Key: key, Value: value, Headers: headers, Timestamp: ts})
	b.size += n

	return n, nil
}

func (b *BatchBuilder) Size() int { return b.size }
func (b *BatchBuilder) RecordCount() int { return len(b.records) }

// build turns the builder into a sealed batch owning a single batch-level future.
func (b *BatchBuilder) build(tp pub.TopicPartition, cfg Config, now time.Time) (*Batch, error) {
	if b.submitted {
		return nil, errBuilderSubmitted
	}
	if len(b.records) == 0 {
		return nil, fmt.Errorf("%w: empty batch", pub.ErrInvalidMessage)
	}
	b.submitted = true

	batch := newBatch(tp, cfg, b.magic, now)
	for _, r := range b.records {
		batch.entries = append(batch.entries, entry{record: r, future: pub.NewFuture()})
	}
	batch.size = b.size
	batch.future = pub.NewFuture()
	batch.Seal()

	return batch, nil
}
