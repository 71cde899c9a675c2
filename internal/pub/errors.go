package pub

import "errors"

var (
	// ErrInvalidConfig is returned when a producer is constructed with unusable settings.
	ErrInvalidConfig = errors.New("invalid producer configuration")

	// ErrRecordTooLarge means a single serialized record exceeds the max request size.
	ErrRecordTooLarge = errors.New("record is larger than the maximum request size")

	// ErrTimeout is returned when a record could not be buffered in time.
	ErrTimeout = errors.New("timed out waiting for buffer space")

	// ErrIllegalOperation is returned for operations called outside their valid phase.
	ErrIllegalOperation = errors.New("illegal operation")

	// ErrProducerFenced means a newer producer with the same transactional id took over.
	ErrProducerFenced = errors.New("producer fenced by a newer epoch")

	// ErrOutOfOrderSequence means the broker detected a gap or regression in
	// sequence numbers; data may have been lost or duplicated.
	ErrOutOfOrderSequence = errors.New("out of order sequence number")

	// ErrTransactionAborted resolves records that were pending when their transaction aborted.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrProducerClosed resolves records that were still pending when the producer stopped.
	ErrProducerClosed = errors.New("producer closed")

	// ErrUnsupportedVersion is returned when the broker is too old for a requested feature.
	ErrUnsupportedVersion = errors.New("unsupported broker version")

	// ErrUnknownPartition is returned when an explicit partition is missing from metadata.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrInvalidOffsets is returned for malformed offsets sent to a transaction.
	ErrInvalidOffsets = errors.New("invalid offsets")

	// ErrInvalidMessage is returned for a message that can never be sent, such
	// as one with neither key nor value.
	ErrInvalidMessage = errors.New("invalid message")
)

// TransportError wraps a transport level failure (timeout, connection
// closed) talking to a node. Transport errors are always retriable.
type TransportError struct {
	Node int32
	Err  error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
