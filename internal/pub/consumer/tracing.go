package consumer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kpub/internal/pub"
	"kpub/internal/pub/tracing"
)

// TracedConsumer wraps a pub.Consumer with distributed tracing
// Layer order: TracedConsumer -> MetricsConsumer -> Consumer (real thing)
type TracedConsumer struct {
	consumer pub.Consumer
	tracer   *tracing.Tracer
}

// NewTracedConsumer creates a new traced consumer that wraps a metrics consumer
func NewTracedConsumer(consumer pub.Consumer, tracer *tracing.Tracer) pub.Consumer {
	return &TracedConsumer{
		consumer: consumer,
		tracer:   tracer,
	}
}

// Pull implements pub.Consumer.Pull with distributed tracing. Every handled
// record gets a child span.
func (c *TracedConsumer) Pull(ctx context.Context, group string, tp pub.TopicPartition, handle func(context.Context, pub.ConsumerRecord) error) (int, pub.OffsetAndMetadata, error) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.pull")
	defer span.End()

	span.SetAttributes(c.tracer.ConsumerAttributes(tp.Topic, tp.Partition, group)...)

	traced := func(ctx context.Context, r pub.ConsumerRecord) error {
		ctx, span := c.tracer.StartSpan(ctx, "consumer.process", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		span.SetAttributes(c.tracer.RecordAttributes(r.Topic, r.Partition, r.Offset)...)
		err := handle(ctx, r)
		if err != nil {
			c.tracer.RecordError(ctx, err)
		}
		return err
	}

	n, next, err := c.consumer.Pull(ctx, group, tp, traced)

	span.SetAttributes(
		attribute.Int("kpub.records_consumed", n),
		attribute.Int64("kpub.next_offset", next.Offset),
	)

	if err != nil {
		c.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(c.tracer.ErrorAttributes(err)...)

	return n, next, err
}

func (c *TracedConsumer) Commit(ctx context.Context, group string, tp pub.TopicPartition, om pub.OffsetAndMetadata) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.commit")
	defer span.End()

	span.SetAttributes(c.tracer.RecordAttributes(tp.Topic, tp.Partition, om.Offset)...)
	span.SetAttributes(attribute.String("messaging.consumer.group.name", group))

	err := c.consumer.Commit(ctx, group, tp, om)
	if err != nil {
		c.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}
