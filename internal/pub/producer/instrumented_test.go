package producer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"kpub/internal/pub"
	"kpub/internal/pub/metrics"
	"kpub/internal/pub/tracing"
)

func scrape(t *testing.T, r *metrics.Registry) string {
	t.Helper()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	return string(body)
}

func TestMetricsProducer(t *testing.T) {
	b := newBroker()
	registry := metrics.NewRegistry()
	p := NewMetricsProducer(startProducer(t, b, Config{TransactionalID: "orders-tx"}, WithObserver(registry)), registry)
	ctx := testContext(t)

	require.NoError(t, Transaction(ctx, p, func(ctx context.Context) error {
		_, err := p.SendAndWait(ctx, to(tp0, "a"))
		return err
	}))
	_, err := p.Send(ctx, pub.Message{Topic: "orders", Partition: 3, Value: "b"})
	require.Error(t, err)

	body := scrape(t, registry)
	assert.Contains(t, body, `kpub_producer_send_total{status="success",topic="orders"} 1`)
	assert.Contains(t, body, `kpub_producer_send_total{status="error",topic="orders"} 1`)
	assert.Contains(t, body, `kpub_producer_operation_total{operation="begin",status="success"} 1`)
	assert.Contains(t, body, `kpub_producer_operation_total{operation="commit",status="success"} 1`)
	assert.Contains(t, body, `kpub_sender_batch_result_total{partition="0",status="success",topic="orders"} 1`)
	assert.Contains(t, body, `kpub_transaction_end_total{result="commit",status="success",transactional_id="orders-tx"} 1`)
}

func TestTracedProducer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	tracer := tracing.NewTracerFromProvider("kpub-test", provider)

	b := newBroker()
	p := NewTracedProducer(startProducer(t, b, Config{TransactionalID: "orders-tx"}), tracer, "orders-tx")
	ctx := testContext(t)

	require.NoError(t, p.BeginTransaction(ctx))
	_, err := p.SendAndWait(ctx, to(tp1, "a"))
	require.NoError(t, err)
	boom := errors.New("boom")
	require.ErrorIs(t, Transaction(ctx, p, func(context.Context) error { return boom }), pub.ErrIllegalOperation,
		"a transaction is already open")
	require.NoError(t, p.CommitTransaction(ctx))
	require.NoError(t, p.Err())

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}

	require.Contains(t, spans, "producer.send_and_wait")
	require.Contains(t, spans, "producer.transaction.commit")
	assert.Equal(t, codes.Ok, spans["producer.transaction.commit"].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans["producer.send_and_wait"].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "orders", attrs["messaging.destination.name"])
	assert.Equal(t, "1", attrs["messaging.destination.partition.id"])
	assert.Equal(t, "0", attrs["messaging.kafka.offset"])

	var failedBegin bool
	for _, s := range recorder.Ended() {
		if s.Name() == "producer.transaction.begin" && s.Status().Code == codes.Error {
			failedBegin = true
		}
	}
	assert.True(t, failedBegin, "the second begin is recorded as an error")
}
