package consumer

import (
	"context"
	"time"

	"kpub/internal/pub"
	"kpub/internal/pub/metrics"
)

// MetricsConsumer wraps a pub.Consumer with metrics collection
type MetricsConsumer struct {
	consumer pub.Consumer
	registry *metrics.Registry
}

// NewMetricsConsumer creates a new instrumented consumer
func NewMetricsConsumer(consumer pub.Consumer, registry *metrics.Registry) pub.Consumer {
	return &MetricsConsumer{
		consumer: consumer,
		registry: registry,
	}
}

// Pull implements pub.Consumer.Pull with metrics collection
func (c *MetricsConsumer) Pull(ctx context.Context, group string, tp pub.TopicPartition, handle func(context.Context, pub.ConsumerRecord) error) (int, pub.OffsetAndMetadata, error) {
	start := time.Now()

	n, next, err := c.consumer.Pull(ctx, group, tp, handle)
	c.registry.RecordConsumerPull(tp.Topic, group, n, time.Since(start), err)

	return n, next, err
}

// Commit implements pub.Consumer.Commit.
func (c *MetricsConsumer) Commit(ctx context.Context, group string, tp pub.TopicPartition, om pub.OffsetAndMetadata) error {
	start := time.Now()
	err := c.consumer.Commit(ctx, group, tp, om)
	c.registry.RecordConsumerCommit(group, time.Since(start), err)
	return err
}
