package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kerr"

	"kpub/internal/pub"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state. It satisfies sender.Observer.
type Registry struct {
	registry *prometheus.Registry

	// Producer API metrics
	sendTotal         *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Sender metrics
	batchesSent     *prometheus.CounterVec
	batchRecords    *prometheus.HistogramVec
	batchBytes      *prometheus.HistogramVec
	batchResult     *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	batchRetries    *prometheus.CounterVec

	// Transaction metrics
	transactionTotal *prometheus.CounterVec

	// Consumer metrics
	pullTotal       *prometheus.CounterVec
	pullDuration    *prometheus.HistogramVec
	recordsConsumed *prometheus.CounterVec
	commitTotal     *prometheus.CounterVec
	commitDuration  *prometheus.HistogramVec

	// Cluster store metrics
	databaseOperationTotal    *prometheus.CounterVec
	databaseOperationDuration *prometheus.HistogramVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		sendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_producer_send_total",
				Help: "Total number of records handed to the producer",
			},
			[]string{"topic", "status"}, // status: success, error
		),

		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_producer_send_duration_seconds",
				Help:    "Time spent buffering a record, including backpressure",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),

		operationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_producer_operation_total",
				Help: "Total number of producer operations",
			},
			[]string{"operation", "status"}, // operation: begin, commit, abort, send_offsets, flush
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_producer_operation_duration_seconds",
				Help:    "Time spent on producer operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		batchesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_sender_batches_sent_total",
				Help: "Total number of batch dispatches, retries included",
			},
			[]string{"topic", "partition"},
		),

		batchRecords: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_sender_batch_records",
				Help:    "Number of records in dispatched batches",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"topic"},
		),

		batchBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_sender_batch_bytes",
				Help:    "Encoded size of dispatched batches",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8),
			},
			[]string{"topic"},
		),

		batchResult: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_sender_batch_result_total",
				Help: "Total number of batches resolved",
			},
			[]string{"topic", "partition", "status"}, // status: success, error
		),

		deliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_sender_delivery_latency_seconds",
				Help:    "Time from batch creation to resolution",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"topic"},
		),

		batchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_sender_batch_retries_total",
				Help: "Total number of batches put back for another attempt",
			},
			[]string{"topic", "reason"},
		),

		transactionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_transaction_end_total",
				Help: "Total number of transactions ended",
			},
			[]string{"transactional_id", "result", "status"}, // result: commit, abort
		),

		pullTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_consumer_pull_total",
				Help: "Total number of consumer pulls",
			},
			[]string{"topic", "group", "status"},
		),

		pullDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_consumer_pull_duration_seconds",
				Help:    "Time spent reading and handling one pull",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "group"},
		),

		recordsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_consumer_records_total",
				Help: "Total number of records handled by consumers",
			},
			[]string{"topic", "group"},
		),

		commitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_consumer_commit_total",
				Help: "Total number of offsets committed outside transactions",
			},
			[]string{"group", "status"},
		),

		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_consumer_commit_duration_seconds",
				Help:    "Time spent committing an offset outside a transaction",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"group"},
		),

		databaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpub_database_operation_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"}, // operation: get_metadata, append, commit_offsets, etc.
		),

		databaseOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpub_database_operation_duration_seconds",
				Help:    "Time spent on database operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kpub_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kpub_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.sendTotal,
		r.sendDuration,
		r.operationTotal,
		r.operationDuration,
		r.batchesSent,
		r.batchRecords,
		r.batchBytes,
		r.batchResult,
		r.deliveryLatency,
		r.batchRetries,
		r.transactionTotal,
		r.pullTotal,
		r.pullDuration,
		r.recordsConsumed,
		r.commitTotal,
		r.commitDuration,
		r.databaseOperationTotal,
		r.databaseOperationDuration,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordProducerSend records one record handed to Send.
func (r *Registry) RecordProducerSend(topic string, duration time.Duration, err error) {
	r.sendTotal.WithLabelValues(topic, status(err)).Inc()
	r.sendDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordProducerOperation records a flush or transaction operation.
func (r *Registry) RecordProducerOperation(operation string, duration time.Duration, err error) {
	r.operationTotal.WithLabelValues(operation, status(err)).Inc()
	r.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (r *Registry) RecordBatchSent(tp pub.TopicPartition, records, bytes int) {
	r.batchesSent.WithLabelValues(tp.Topic, strconv.Itoa(int(tp.Partition))).Inc()
	r.batchRecords.WithLabelValues(tp.Topic).Observe(float64(records))
	r.batchBytes.WithLabelValues(tp.Topic).Observe(float64(bytes))
}

func (r *Registry) RecordBatchResult(tp pub.TopicPartition, records int, latency time.Duration, err error) {
	r.batchResult.WithLabelValues(tp.Topic, strconv.Itoa(int(tp.Partition)), status(err)).Inc()
	r.deliveryLatency.WithLabelValues(tp.Topic).Observe(latency.Seconds())
}

// RecordBatchRetry labels the retry with the broker error name, or
// "transport" for connection level failures.
func (r *Registry) RecordBatchRetry(tp pub.TopicPartition, err error) {
	r.batchRetries.WithLabelValues(tp.Topic, retryReason(err)).Inc()
}

func retryReason(err error) string {
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Message
	}
	var te *pub.TransportError
	if errors.As(err, &te) {
		return "transport"
	}
	return "other"
}

func (r *Registry) RecordTransactionEnd(transactionalID string, commit bool, err error) {
	result := "abort"
	if commit {
		result = "commit"
	}
	r.transactionTotal.WithLabelValues(transactionalID, result, status(err)).Inc()
}

// RecordConsumerPull records one pull and the records it handled.
func (r *Registry) RecordConsumerPull(topic, group string, records int, duration time.Duration, err error) {
	r.pullTotal.WithLabelValues(topic, group, status(err)).Inc()
	r.pullDuration.WithLabelValues(topic, group).Observe(duration.Seconds())
	if err == nil {
		r.recordsConsumed.WithLabelValues(topic, group).Add(float64(records))
	}
}

func (r *Registry) RecordConsumerCommit(group string, duration time.Duration, err error) {
	r.commitTotal.WithLabelValues(group, status(err)).Inc()
	r.commitDuration.WithLabelValues(group).Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation
func (r *Registry) RecordDatabaseOperation(operation string, duration time.Duration, err error) {
	r.databaseOperationTotal.WithLabelValues(operation, status(err)).Inc()
	r.databaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}
