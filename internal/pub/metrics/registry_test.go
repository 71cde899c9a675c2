package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"go.uber.org/zap/zaptest"

	"kpub/internal/pub"
)

func TestRegistry_BatchMetrics(t *testing.T) {
	r := NewRegistry()
	tp := pub.TopicPartition{Topic: "orders", Partition: 1}

	r.RecordBatchSent(tp, 10, 512)
	r.RecordBatchSent(tp, 10, 512)
	r.RecordBatchResult(tp, 10, 20*time.Millisecond, nil)
	r.RecordBatchResult(tp, 10, time.Second, errors.New("boom"))

	assert.InDelta(t, 2, testutil.ToFloat64(r.batchesSent.WithLabelValues("orders", "1")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.batchResult.WithLabelValues("orders", "1", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.batchResult.WithLabelValues("orders", "1", "error")), 0)
}

func TestRegistry_RetryReason(t *testing.T) {
	r := NewRegistry()
	tp := pub.TopicPartition{Topic: "orders"}

	r.RecordBatchRetry(tp, kerr.NotLeaderForPartition)
	r.RecordBatchRetry(tp, &pub.TransportError{Node: 1, Err: errors.New("connection reset")})
	r.RecordBatchRetry(tp, errors.New("unknown"))

	assert.InDelta(t, 1, testutil.ToFloat64(r.batchRetries.WithLabelValues("orders", kerr.NotLeaderForPartition.Message)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.batchRetries.WithLabelValues("orders", "transport")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.batchRetries.WithLabelValues("orders", "other")), 0)
}

func TestRegistry_ProducerAndTransactionMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordProducerSend("orders", time.Millisecond, nil)
	r.RecordProducerSend("orders", time.Millisecond, pub.ErrTimeout)
	r.RecordProducerOperation("commit", 5*time.Millisecond, nil)
	r.RecordTransactionEnd("tx-1", true, nil)
	r.RecordTransactionEnd("tx-1", false, nil)
	r.RecordDatabaseOperation("append", time.Millisecond, nil)

	assert.InDelta(t, 1, testutil.ToFloat64(r.sendTotal.WithLabelValues("orders", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.sendTotal.WithLabelValues("orders", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.operationTotal.WithLabelValues("commit", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.transactionTotal.WithLabelValues("tx-1", "commit", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.transactionTotal.WithLabelValues("tx-1", "abort", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.databaseOperationTotal.WithLabelValues("append", "success")), 0)
}

func TestRegistry_ConsumerMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordConsumerPull("orders", "billing", 3, time.Millisecond, nil)
	r.RecordConsumerPull("orders", "billing", 2, time.Millisecond, errors.New("handler failed"))
	r.RecordConsumerCommit("audit", time.Millisecond, nil)

	assert.InDelta(t, 1, testutil.ToFloat64(r.pullTotal.WithLabelValues("orders", "billing", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.pullTotal.WithLabelValues("orders", "billing", "error")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.recordsConsumed.WithLabelValues("orders", "billing")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.commitTotal.WithLabelValues("audit", "success")), 0)
}

func TestServer_Routes(t *testing.T) {
	r := NewRegistry()
	r.SetSystemInfo("test", "now")

	var notReady error = errors.New("producer fenced")
	s := NewServer(ServerConfig{Port: 0, Timeout: time.Second}, r, zaptest.NewLogger(t),
		WithReadyCheck(func() error { return notReady }))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kpub_system_info")

	assert.Equal(t, http.StatusOK, get("/health").Code)

	rec = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "producer fenced")

	notReady = nil
	assert.Equal(t, http.StatusOK, get("/ready").Code)
}
