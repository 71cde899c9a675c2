package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"kpub/internal/pub"
	"kpub/internal/pub/codec"
	"kpub/internal/pub/memory"
	"kpub/internal/pub/metrics"
	"kpub/internal/pub/tracing"
)

func produceRequest(t *testing.T, tp pub.TopicPartition, values ...string) *pub.ProduceRequest {
	t.Helper()

	records := make([]pub.Record, 0, len(values))
	for _, v := range values {
		records = append(records, pub.Record{Value: []byte(v)})
	}
	b, err := codec.New().Encode(pub.BatchHeader{
		Magic:        2,
		ProducerID:   pub.NoProducerID,
		BaseSequence: pub.NoSequence,
	}, records)
	require.NoError(t, err)

	return &pub.ProduceRequest{
		Acks: 1,
		Batches: []pub.ProduceBatch{{
			TopicPartition: tp,
			RecordCount:    len(records),
			Records:        b,
		}},
	}
}

func TestMetricsTransport(t *testing.T) {
	b := memory.NewBroker(memory.WithTopic("orders", 2))
	registry := metrics.NewRegistry()
	tr := NewMetricsTransport(b, registry)
	ctx := context.Background()

	resp, err := tr.Produce(ctx, 0, produceRequest(t, tp0, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, int16(0), resp.Partitions[tp0].ErrorCode)
	assert.Len(t, b.Records(tp0), 2)

	b.FailProduce(tp1, kerr.NotLeaderForPartition.Code)
	resp, err = tr.Produce(ctx, 0, produceRequest(t, tp1, "c"))
	require.NoError(t, err)
	assert.Equal(t, kerr.NotLeaderForPartition.Code, resp.Partitions[tp1].ErrorCode)

	b.OnProduce(func(context.Context, *pub.ProduceRequest) error { return errors.New("connection reset") })
	_, err = tr.Produce(ctx, 0, produceRequest(t, tp1, "d"))
	require.Error(t, err)

	init, err := tr.InitProducerID(ctx, 0, &pub.InitProducerIDRequest{TransactionalID: "payments"})
	require.NoError(t, err)
	_, err = tr.AddPartitionsToTxn(ctx, 0, &pub.AddPartitionsToTxnRequest{
		TransactionalID: "payments",
		ProducerID:      init.ProducerID,
		ProducerEpoch:   init.ProducerEpoch,
		Partitions:      []pub.TopicPartition{tp0},
	})
	require.NoError(t, err)
	end, err := tr.EndTxn(ctx, 0, &pub.EndTxnRequest{
		TransactionalID: "payments",
		ProducerID:      init.ProducerID,
		ProducerEpoch:   init.ProducerEpoch - 1,
		Commit:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, kerr.ProducerFenced.Code, end.ErrorCode)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, line := range []string{
		`kpub_database_operation_total{operation="produce",status="success"} 1`,
		`kpub_database_operation_total{operation="produce",status="error"} 2`,
		`kpub_database_operation_total{operation="init_producer_id",status="success"} 1`,
		`kpub_database_operation_total{operation="add_partitions_to_txn",status="success"} 1`,
		`kpub_database_operation_total{operation="end_txn",status="error"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestTracedTransport(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	b := memory.NewBroker(memory.WithTopic("orders", 2))
	tr := NewTracedTransport(b, tracing.NewTracerFromProvider("kpub-test", provider))
	ctx := context.Background()

	coord, err := tr.FindCoordinator(ctx, &pub.FindCoordinatorRequest{Key: "payments", Type: pub.CoordinatorTransaction})
	require.NoError(t, err)
	_, err = tr.Produce(ctx, coord.Node, produceRequest(t, tp0, "a"))
	require.NoError(t, err)

	b.FailAPI(memory.APIInitProducerID, kerr.CoordinatorNotAvailable.Code)
	_, err = tr.InitProducerID(ctx, coord.Node, &pub.InitProducerIDRequest{TransactionalID: "payments"})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "controller.find_coordinator", spans[0].Name())
	assert.Equal(t, "controller.produce", spans[1].Name())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "produce", attrs["db.operation"])
	assert.Equal(t, "1", attrs["kpub.batches"])
	assert.Equal(t, "false", attrs["error"])

	assert.Equal(t, "controller.init_producer_id", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code, "broker error codes fail the span")
}
