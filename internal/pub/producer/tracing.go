package producer

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kpub/internal/pub"
	"kpub/internal/pub/tracing"
)

// TracedProducer wraps a pub.TransactionalProducer with distributed tracing
// Layer order: TracedProducer -> MetricsProducer -> Producer (real thing)
type TracedProducer struct {
	producer        pub.TransactionalProducer
	tracer          *tracing.Tracer
	transactionalID string
}

// NewTracedProducer creates a new traced producer that wraps a metrics producer.
// transactionalID only labels transaction spans and may be empty.
func NewTracedProducer(producer pub.TransactionalProducer, tracer *tracing.Tracer, transactionalID string) pub.TransactionalProducer {
	return &TracedProducer{
		producer:        producer,
		tracer:          tracer,
		transactionalID: transactionalID,
	}
}

// Send spans the buffering of msg. The span ends once the record is
// buffered; delivery is reported on the returned future.
func (p *TracedProducer) Send(ctx context.Context, msg pub.Message) (*pub.Future, error) {
	ctx, span := p.tracer.StartSpan(ctx, "producer.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(p.tracer.MessageAttributes(msg.Topic, msg.Partition)...)

	fut, err := p.producer.Send(ctx, msg)
	p.finish(ctx, span, err)
	return fut, err
}

func (p *TracedProducer) SendAndWait(ctx context.Context, msg pub.Message) (pub.RecordMetadata, error) {
	ctx, span := p.tracer.StartSpan(ctx, "producer.send_and_wait", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	md, err := p.producer.SendAndWait(ctx, msg)
	if err == nil {
		span.SetAttributes(p.tracer.RecordAttributes(md.Topic, md.Partition, md.Offset)...)
	} else {
		span.SetAttributes(p.tracer.MessageAttributes(msg.Topic, msg.Partition)...)
	}
	p.finish(ctx, span, err)
	return md, err
}

func (p *TracedProducer) Flush(ctx context.Context) error {
	ctx, span := p.tracer.StartSpan(ctx, "producer.flush")
	defer span.End()

	err := p.producer.Flush(ctx)
	p.finish(ctx, span, err)
	return err
}

func (p *TracedProducer) Err() error {
	return p.producer.Err()
}

func (p *TracedProducer) BeginTransaction(ctx context.Context) error {
	return p.transaction(ctx, "begin", p.producer.BeginTransaction)
}

func (p *TracedProducer) CommitTransaction(ctx context.Context) error {
	return p.transaction(ctx, "commit", p.producer.CommitTransaction)
}

func (p *TracedProducer) AbortTransaction(ctx context.Context) error {
	return p.transaction(ctx, "abort", p.producer.AbortTransaction)
}

func (p *TracedProducer) SendOffsetsToTransaction(ctx context.Context, offsets map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string) error {
	return p.transaction(ctx, "send_offsets", func(ctx context.Context) error {
		return p.producer.SendOffsetsToTransaction(ctx, offsets, groupID)
	})
}

func (p *TracedProducer) transaction(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := p.tracer.StartSpan(ctx, "producer.transaction."+operation)
	defer span.End()

	span.SetAttributes(p.tracer.TransactionAttributes(operation, p.transactionalID)...)

	err := fn(ctx)
	p.finish(ctx, span, err)
	return err
}

func (p *TracedProducer) finish(ctx context.Context, span trace.Span, err error) {
	if err != nil {
		p.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(p.tracer.ErrorAttributes(err)...)
}
