// Package tracing sets up OpenTelemetry for the producer pipeline and holds
// the span attribute conventions shared by the instrumented wrappers.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration parameters for OpenTelemetry tracing setup.
// An empty JaegerEndpoint keeps spans in process: they are sampled and
// dropped, which is enough for local runs.
type Config struct {
	ServiceName    string        `env:"TRACING_SERVICE_NAME" envDefault:"kpub-e2e"`
	ServiceVersion string        `env:"TRACING_SERVICE_VERSION" envDefault:"1.0.0"`
	Environment    string        `env:"TRACING_ENVIRONMENT" envDefault:"development"`
	JaegerEndpoint string        `env:"JAEGER_ENDPOINT" envDefault:"localhost:4318"`
	Insecure       bool          `env:"TRACING_INSECURE" envDefault:"true"`
	SampleRate     float64       `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
	BatchTimeout   time.Duration `env:"TRACING_BATCH_TIMEOUT" envDefault:"1s"`
	ExportTimeout  time.Duration `env:"TRACING_EXPORT_TIMEOUT" envDefault:"30s"`
	MaxExportBatch int           `env:"TRACING_MAX_EXPORT_BATCH" envDefault:"512"`
	MaxQueueSize   int           `env:"TRACING_MAX_QUEUE_SIZE" envDefault:"2048"`
}

// Tracer wraps the OpenTelemetry tracer with the messaging and storage
// attributes the producer, consumer and broker spans use.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer installs a global tracer provider exporting over OTLP HTTP and
// returns the tracer with a cleanup func that flushes pending spans.
func NewTracer(config Config) (*Tracer, func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	}

	if config.JaegerEndpoint != "" {
		exporterOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.JaegerEndpoint),
			otlptracehttp.WithTimeout(config.ExportTimeout),
		}
		if config.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}

		exporter, err := otlptracehttp.New(context.Background(), exporterOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithExportTimeout(config.ExportTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cleanup := func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			return fmt.Errorf("failed to flush traces: %w", err)
		}
		return tp.Shutdown(ctx)
	}

	return &Tracer{tracer: tp.Tracer(config.ServiceName)}, cleanup, nil
}

// NewTracerFromProvider wraps a tracer provider configured elsewhere, such as
// an in-memory one in tests. Shutting the provider down is left to the caller.
func NewTracerFromProvider(name string, tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

func (t *Tracer) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// RecordError records err on the span in ctx and marks the span failed.
func (t *Tracer) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// MessageAttributes describes a record handed to the producer. partition
// is pub.AnyPartition until the partitioner has chosen one.
func (t *Tracer) MessageAttributes(topic string, partition int32) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		semconv.MessagingDestinationName(topic),
		attribute.Int("messaging.destination.partition.id", int(partition)),
	}
}

// RecordAttributes describes a record stored at offset, as acknowledged to a
// producer or read back by a consumer.
func (t *Tracer) RecordAttributes(topic string, partition int32, offset int64) []attribute.KeyValue {
	attrs := t.MessageAttributes(topic, partition)
	attrs = append(attrs, attribute.Int64("messaging.kafka.offset", offset))
	return attrs
}

// ConsumerAttributes describes a pull of tp on behalf of group.
func (t *Tracer) ConsumerAttributes(topic string, partition int32, group string) []attribute.KeyValue {
	attrs := t.MessageAttributes(topic, partition)
	attrs = append(attrs, attribute.String("messaging.consumer.group.name", group))
	return attrs
}

// TransactionAttributes describes a transaction operation.
func (t *Tracer) TransactionAttributes(operation, transactionalID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		attribute.String("kpub.transaction.operation", operation),
		attribute.String("kpub.transactional_id", transactionalID),
	}
}

// DatabaseAttributes describes a request served by the broker backend.
func (t *Tracer) DatabaseAttributes(operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.system", "couchbase"),
	}
}

// ErrorAttributes flags the outcome of an operation on its span.
func (t *Tracer) ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return []attribute.KeyValue{
			attribute.Bool("error", false),
		}
	}
	return []attribute.KeyValue{
		attribute.Bool("error", true),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
		attribute.String("error.message", err.Error()),
	}
}
