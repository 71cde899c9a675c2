package sender

import (
	"time"

	"kpub/internal/pub"
)

// Observer receives pipeline events. metrics.Registry implements it.
type Observer interface {
	RecordBatchSent(tp pub.TopicPartition, records, bytes int)
	RecordBatchResult(tp pub.TopicPartition, records int, latency time.Duration, err error)
	RecordBatchRetry(tp pub.TopicPartition, err error)
	RecordTransactionEnd(transactionalID string, commit bool, err error)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) RecordBatchSent(pub.TopicPartition, int, int) {}
func (NoOpObserver) RecordBatchResult(pub.TopicPartition, int, time.Duration, error) {}
func (NoOpObserver) RecordBatchRetry(pub.TopicPartition, error) {}
func (NoOpObserver) RecordTransactionEnd(string, bool, error) {}
