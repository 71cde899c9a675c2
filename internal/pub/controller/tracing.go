package controller

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kpub/internal/pub"
	"kpub/internal/pub/tracing"
)

// TracedTransport wraps a pub.Transport with distributed tracing
// Layer order: TracedTransport -> MetricsTransport -> Controller (real thing)
type TracedTransport struct {
	transport pub.Transport
	tracer    *tracing.Tracer
}

// NewTracedTransport creates a new traced transport that wraps a metrics transport
func NewTracedTransport(transport pub.Transport, tracer *tracing.Tracer) pub.Transport {
	return &TracedTransport{
		transport: transport,
		tracer:    tracer,
	}
}

func (t *TracedTransport) start(ctx context.Context, operation string, node int32, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.StartSpan(ctx, "controller."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(t.tracer.DatabaseAttributes(operation)...)
	span.SetAttributes(attribute.Int("kpub.node", int(node)))
	span.SetAttributes(attrs...)
	return ctx, span
}

// finish ends the span as failed on a transport error or a broker error code.
func (t *TracedTransport) finish(ctx context.Context, span trace.Span, err error, code int16) {
	if err == nil {
		err = pub.CodeError(code)
	}
	if err != nil {
		t.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(t.tracer.ErrorAttributes(err)...)
}

func (t *TracedTransport) Produce(ctx context.Context, node int32, req *pub.ProduceRequest) (*pub.ProduceResponse, error) {
	ctx, span := t.start(ctx, "produce", node,
		attribute.Int("kpub.batches", len(req.Batches)),
		attribute.Int("kpub.acks", int(req.Acks)),
		attribute.String("kpub.transactional_id", req.TransactionalID),
	)
	defer span.End()

	resp, err := t.transport.Produce(ctx, node, req)

	var code int16
	if resp != nil {
		for tp, pr := range resp.Partitions {
			if pr.ErrorCode != 0 {
				code = pr.ErrorCode
				span.SetAttributes(t.tracer.MessageAttributes(tp.Topic, tp.Partition)...)
				break
			}
		}
	}
	t.finish(ctx, span, err, code)

	return resp, err
}

func (t *TracedTransport) InitProducerID(ctx context.Context, node int32, req *pub.InitProducerIDRequest) (*pub.InitProducerIDResponse, error) {
	ctx, span := t.start(ctx, "init_producer_id", node, t.tracer.TransactionAttributes("init", req.TransactionalID)...)
	defer span.End()

	resp, err := t.transport.InitProducerID(ctx, node, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
		span.SetAttributes(
			attribute.Int64("kpub.producer_id", resp.ProducerID),
			attribute.Int("kpub.producer_epoch", int(resp.ProducerEpoch)),
		)
	}
	t.finish(ctx, span, err, code)

	return resp, err
}

func (t *TracedTransport) FindCoordinator(ctx context.Context, req *pub.FindCoordinatorRequest) (*pub.FindCoordinatorResponse, error) {
	ctx, span := t.start(ctx, "find_coordinator", -1,
		attribute.String("kpub.coordinator.key", req.Key),
		attribute.Stringer("kpub.coordinator.type", req.Type),
	)
	defer span.End()

	resp, err := t.transport.FindCoordinator(ctx, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
	}
	t.finish(ctx, span, err, code)

	return resp, err
}

func (t *TracedTransport) AddPartitionsToTxn(ctx context.Context, node int32, req *pub.AddPartitionsToTxnRequest) (*pub.AddPartitionsToTxnResponse, error) {
	ctx, span := t.start(ctx, "add_partitions_to_txn", node, t.tracer.TransactionAttributes("add_partitions", req.TransactionalID)...)
	defer span.End()
	span.SetAttributes(attribute.Int("kpub.partitions", len(req.Partitions)))

	resp, err := t.transport.AddPartitionsToTxn(ctx, node, req)

	var code int16
	if resp != nil {
		code = firstCode(resp.Errors)
	}
	t.finish(ctx, span, err, code)

	return resp, err
}

func (t *TracedTransport) AddOffsetsToTxn(ctx context.Context, node int32, req *pub.AddOffsetsToTxnRequest) (*pub.AddOffsetsToTxnResponse, error) {
	ctx, span := t.start(ctx, "add_offsets_to_txn", node, t.tracer.TransactionAttributes("add_offsets", req.TransactionalID)...)
	defer span.End()
	span.SetAttributes(attribute.String("messaging.consumer.group.name", req.GroupID))

	resp, err := t.transport.AddOffsetsToTxn(ctx, node, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
	}
	t.finish(ctx, span, err, code)

	return resp, err
}

func (t *TracedTransport) TxnOffsetCommit(ctx context.Context, node int32, req *pub.TxnOffsetCommitRequest) (*pub.TxnOffsetCommitResponse, error) {
	ctx, span := t.start(ctx, "txn_offset_commit", node, t.tracer.TransactionAttributes("offset_commit", req.TransactionalID)...)
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.consumer.group.name", req.GroupID),
		attribute.Int("kpub.offsets", len(req.Offsets)),
	)

	resp, err := t.transport.TxnOffsetCommit(ctx, node, req)

	var code int16
	if resp != nil {
		code = firstCode(resp.Errors)
	}
	t.finish(ctx, span, err, code)

	return resp, err
}

func (t *TracedTransport) EndTxn(ctx context.Context, node int32, req *pub.EndTxnRequest) (*pub.EndTxnResponse, error) {
	op := "abort"
	if req.Commit {
		op = "commit"
	}
	ctx, span := t.start(ctx, "end_txn", node, t.tracer.TransactionAttributes(op, req.TransactionalID)...)
	defer span.End()

	resp, err := t.transport.EndTxn(ctx, node, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
	}
	t.finish(ctx, span, err, code)

	return resp, err
}
