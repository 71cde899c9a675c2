package pub

import "context"

// ConsumerRecord is a record read back from a partition log.
type ConsumerRecord struct {
	Record
	TopicPartition
	Offset int64
}

// Log reads back what producers wrote.
type Log interface {
	// ReadCommitted returns at most limit records of tp from fromOffset on.
	// Aborted records are skipped and reading stops at the first record of a
	// transaction that is still open.
	ReadCommitted(ctx context.Context, tp TopicPartition, fromOffset int64, limit int) ([]ConsumerRecord, error)

	// CommittedOffset returns the offset committed by group for tp; ok is
	// false when the group never committed one.
	CommittedOffset(ctx context.Context, group string, tp TopicPartition) (om OffsetAndMetadata, ok bool, err error)

	// CommitOffset stores om for group outside of any transaction. Offsets
	// never move backwards.
	CommitOffset(ctx context.Context, group string, tp TopicPartition, om OffsetAndMetadata) error
}

// Consumer reads committed records on behalf of a consumer group. Pull never
// commits: the returned offset is either sent to a transaction together with
// whatever the records were turned into, or handed to Commit for
// at-least-once processing.
type Consumer interface {
	// Pull hands the records after the committed offset of group to handle
	// and returns how many there were and the offset to commit afterwards.
	Pull(ctx context.Context, group string, tp TopicPartition, handle func(context.Context, ConsumerRecord) error) (int, OffsetAndMetadata, error)

	Commit(ctx context.Context, group string, tp TopicPartition, om OffsetAndMetadata) error
}
