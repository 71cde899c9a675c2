package controller

import (
	"context"
	"time"

	"kpub/internal/pub"
	"kpub/internal/pub/metrics"
)

// MetricsTransport wraps a pub.Transport with metrics collection. A request
// answered with a broker error code counts as failed.
type MetricsTransport struct {
	transport pub.Transport
	registry  *metrics.Registry
}

// NewMetricsTransport creates a new instrumented transport
func NewMetricsTransport(transport pub.Transport, registry *metrics.Registry) pub.Transport {
	return &MetricsTransport{
		transport: transport,
		registry:  registry,
	}
}

func (t *MetricsTransport) record(operation string, start time.Time, err error, code int16) {
	if err == nil {
		err = pub.CodeError(code)
	}
	t.registry.RecordDatabaseOperation(operation, time.Since(start), err)
}

// firstCode returns the first non-zero code in codes.
func firstCode(codes map[pub.TopicPartition]int16) int16 {
	for _, c := range codes {
		if c != 0 {
			return c
		}
	}
	return 0
}

func (t *MetricsTransport) Produce(ctx context.Context, node int32, req *pub.ProduceRequest) (*pub.ProduceResponse, error) {
	start := time.Now()

	resp, err := t.transport.Produce(ctx, node, req)

	var code int16
	if resp != nil {
		for _, pr := range resp.Partitions {
			if pr.ErrorCode != 0 {
				code = pr.ErrorCode
				break
			}
		}
	}
	t.record("produce", start, err, code)

	return resp, err
}

func (t *MetricsTransport) InitProducerID(ctx context.Context, node int32, req *pub.InitProducerIDRequest) (*pub.InitProducerIDResponse, error) {
	start := time.Now()

	resp, err := t.transport.InitProducerID(ctx, node, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
	}
	t.record("init_producer_id", start, err, code)

	return resp, err
}

func (t *MetricsTransport) FindCoordinator(ctx context.Context, req *pub.FindCoordinatorRequest) (*pub.FindCoordinatorResponse, error) {
	start := time.Now()

	resp, err := t.transport.FindCoordinator(ctx, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
	}
	t.record("find_coordinator", start, err, code)

	return resp, err
}

func (t *MetricsTransport) AddPartitionsToTxn(ctx context.Context, node int32, req *pub.AddPartitionsToTxnRequest) (*pub.AddPartitionsToTxnResponse, error) {
	start := time.Now()

	resp, err := t.transport.AddPartitionsToTxn(ctx, node, req)

	var code int16
	if resp != nil {
		code = firstCode(resp.Errors)
	}
	t.record("add_partitions_to_txn", start, err, code)

	return resp, err
}

func (t *MetricsTransport) AddOffsetsToTxn(ctx context.Context, node int32, req *pub.AddOffsetsToTxnRequest) (*pub.AddOffsetsToTxnResponse, error) {
	start := time.Now()

	resp, err := t.transport.AddOffsetsToTxn(ctx, node, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
	}
	t.record("add_offsets_to_txn", start, err, code)

	return resp, err
}

func (t *MetricsTransport) TxnOffsetCommit(ctx context.Context, node int32, req *pub.TxnOffsetCommitRequest) (*pub.TxnOffsetCommitResponse, error) {
	start := time.Now()

	resp, err := t.transport.TxnOffsetCommit(ctx, node, req)

	var code int16
	if resp != nil {
		code = firstCode(resp.Errors)
	}
	t.record("txn_offset_commit", start, err, code)

	return resp, err
}

func (t *MetricsTransport) EndTxn(ctx context.Context, node int32, req *pub.EndTxnRequest) (*pub.EndTxnResponse, error) {
	start := time.Now()

	resp, err := t.transport.EndTxn(ctx, node, req)

	var code int16
	if resp != nil {
		code = resp.ErrorCode
	}
	t.record("end_txn", start, err, code)

	return resp, err
}
