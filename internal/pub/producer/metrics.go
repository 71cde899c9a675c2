package producer

import (
	"context"
	"time"

	"kpub/internal/pub"
	"kpub/internal/pub/metrics"
)

// MetricsProducer wraps a pub.TransactionalProducer with metrics collection
type MetricsProducer struct {
	producer pub.TransactionalProducer
	registry *metrics.Registry
}

// NewMetricsProducer creates a new instrumented producer
func NewMetricsProducer(producer pub.TransactionalProducer, registry *metrics.Registry) pub.TransactionalProducer {
	return &MetricsProducer{
		producer: producer,
		registry: registry,
	}
}

// Send records how long buffering took, backpressure included.
func (p *MetricsProducer) Send(ctx context.Context, msg pub.Message) (*pub.Future, error) {
	start := time.Now()
	fut, err := p.producer.Send(ctx, msg)
	p.registry.RecordProducerSend(msg.Topic, time.Since(start), err)
	return fut, err
}

func (p *MetricsProducer) SendAndWait(ctx context.Context, msg pub.Message) (pub.RecordMetadata, error) {
	start := time.Now()
	md, err := p.producer.SendAndWait(ctx, msg)
	p.registry.RecordProducerSend(msg.Topic, time.Since(start), err)
	return md, err
}

func (p *MetricsProducer) Flush(ctx context.Context) error {
	return p.observe("flush", func() error { return p.producer.Flush(ctx) })
}

func (p *MetricsProducer) Err() error {
	return p.producer.Err()
}

func (p *MetricsProducer) BeginTransaction(ctx context.Context) error {
	return p.observe("begin", func() error { return p.producer.BeginTransaction(ctx) })
}

func (p *MetricsProducer) CommitTransaction(ctx context.Context) error {
	return p.observe("commit", func() error { return p.producer.CommitTransaction(ctx) })
}

func (p *MetricsProducer) AbortTransaction(ctx context.Context) error {
	return p.observe("abort", func() error { return p.producer.AbortTransaction(ctx) })
}

func (p *MetricsProducer) SendOffsetsToTransaction(ctx context.Context, offsets map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string) error {
	return p.observe("send_offsets", func() error {
		return p.producer.SendOffsetsToTransaction(ctx, offsets, groupID)
	})
}

func (p *MetricsProducer) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.registry.RecordProducerOperation(operation, time.Since(start), err)
	return err
}
