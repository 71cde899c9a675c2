package pub

import "context"

// Producer defines the interface for publishing records to topics.
type Producer interface {
	// Send buffers msg and returns the future resolved once the broker acknowledges it.
	Send(ctx context.Context, msg Message) (*Future, error)

	// SendAndWait sends msg and waits for its acknowledgement.
	SendAndWait(ctx context.Context, msg Message) (RecordMetadata, error)

	// Flush waits until every record buffered so far is resolved.
	Flush(ctx context.Context) error

	// Err returns the error that poisoned the producer, nil while healthy.
	Err() error
}

// TransactionalProducer is a Producer that groups sends into atomic transactions.
type TransactionalProducer interface {
	Producer

	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error

	// SendOffsetsToTransaction makes a consumer group offset commit part of the
	// current transaction.
	SendOffsetsToTransaction(ctx context.Context, offsets map[TopicPartition]OffsetAndMetadata, groupID string) error
}
