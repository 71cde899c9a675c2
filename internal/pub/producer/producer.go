// Package producer is the application facing side of the pipeline: it
// validates configuration, serializes and partitions messages and routes
// them to the accumulator, transaction manager and sender of an identity.
package producer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"kpub/internal/pub"
	"kpub/internal/pub/accumulator"
	"kpub/internal/pub/codec"
	"kpub/internal/pub/partitioner"
	"kpub/internal/pub/sender"
	"kpub/internal/pub/serde"
	"kpub/internal/validator"
)

var errNotStarted = fmt.Errorf("%w: producer is not started", pub.ErrIllegalOperation)

type Option func(*options)

type options struct {
	partitioner     pub.Partitioner
	keySerializer   pub.Serializer
	valueSerializer pub.Serializer
	observer        sender.Observer
	onFatal         func(error)
}

// WithPartitioner replaces the default murmur2 sticky-key partitioner.
func WithPartitioner(p pub.Partitioner) Option {
	return func(o *options) {
		o.partitioner = p
	}
}

// WithKeySerializer sets the key serializer; keys are sent as bytes by default.
func WithKeySerializer(s pub.Serializer) Option {
	return func(o *options) {
		o.keySerializer = s
	}
}

// WithValueSerializer sets the value serializer; values are sent as bytes by default.
func WithValueSerializer(s pub.Serializer) Option {
	return func(o *options) {
		o.valueSerializer = s
	}
}

// WithObserver reports batch level events, typically to a metrics.Registry.
func WithObserver(o sender.Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

// WithIrrecoverableErrorHandler registers fn, called once per identity when
// it hits an error the producer cannot recover from.
func WithIrrecoverableErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onFatal = fn
	}
}

// base holds what Producer and MultiTxnProducer share: collaborators,
// resolved settings and message routing.
type base struct {
	settings
	cluster   pub.Cluster
	transport pub.Transport
	codec     pub.Codec
	logger    *zap.Logger
	options

	// set by start
	version pub.APIVersion
	magic   int8
}

func newBase(s settings, cluster pub.Cluster, transport pub.Transport, c pub.Codec, logger *zap.Logger, opts []Option) (base, error) {
	if err := validator.Validate("producer", cluster, transport, c, logger); err != nil {
		return base{}, fmt.Errorf("failed to validate producer deps: %w", err)
	}

	o := options{
		partitioner:     partitioner.New(),
		keySerializer:   serde.Bytes,
		valueSerializer: serde.Bytes,
		observer:        sender.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return base{
		settings:  s,
		cluster:   cluster,
		transport: transport,
		codec:     c,
		logger:    logger.Named("producer").With(zap.String("client_id", s.ClientID)),
		options:   o,
	}, nil
}

// start connects to the cluster and settles the API version.
func (b *base) start(ctx context.Context, multi bool) error {
	version, err := b.cluster.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	if b.settings.version != nil {
		version = *b.settings.version
	}
	if err := b.checkVersion(version, multi); err != nil {
		return err
	}

	b.version = version
	b.magic = version.Magic()
	b.logger.Info("producer started", zap.Stringer("api_version", version))

	return nil
}

func (b *base) deps() streamDeps {
	return streamDeps{
		cluster:   b.cluster,
		transport: b.transport,
		codec:     b.codec,
		logger:    b.logger,
		observer:  b.observer,
		onFatal:   b.onFatal,
	}
}

// send serializes, validates and partitions msg, then appends it to st.
func (b *base) send(ctx context.Context, st *stream, msg pub.Message) (*pub.Future, error) {
	if msg.Topic == "" {
		return nil, fmt.Errorf("%w: topic is required", pub.ErrInvalidMessage)
	}

	key, err := b.keySerializer.Serialize(msg.Topic, msg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize key: %w", err)
	}
	value, err := b.valueSerializer.Serialize(msg.Topic, msg.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}
	if key == nil && value == nil {
		return nil, fmt.Errorf("%w: need at least one of key or value", pub.ErrInvalidMessage)
	}
	if len(msg.Headers) > 0 && !b.version.AtLeast(pub.Version0_11) {
		return nil, fmt.Errorf("%w: headers require broker 0.11 or newer, got %s", pub.ErrUnsupportedVersion, b.version)
	}
	if n := codec.EstimateRecordSize(b.magic, key, value, msg.Headers); n > b.MaxRequestSize {
		return nil, fmt.Errorf("%w: message is %d bytes when serialized, max request size is %d", pub.ErrRecordTooLarge, n, b.MaxRequestSize)
	}

	all, err := b.cluster.WaitOnMetadata(ctx, msg.Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to get partitions for %s: %w", msg.Topic, err)
	}
	if err := st.verifyInTransaction(); err != nil {
		return nil, err
	}

	partition, err := b.partition(st, msg.Topic, msg.Partition, key, value, msg.Headers, all)
	if err != nil {
		return nil, err
	}
	tp := pub.TopicPartition{Topic: msg.Topic, Partition: partition}

	return st.acc.AddMessage(ctx, tp, key, value, msg.Headers, msg.Timestamp, b.RequestTimeout)
}

func (b *base) partition(st *stream, topic string, requested int32, key, value []byte, headers []pub.Header, all []int32) (int32, error) {
	if requested != pub.AnyPartition {
		if !slices.Contains(all, requested) {
			return 0, fmt.Errorf("%w: %s has no partition %d", pub.ErrUnknownPartition, topic, requested)
		}
		return requested, nil
	}

	available := b.cluster.AvailablePartitionsFor(topic)
	p := b.partitioner.Partition(topic, key, all, available)

	if sticky, ok := b.partitioner.(partitioner.BatchAware); ok && key == nil {
		if st.acc.StartsNewBatch(pub.TopicPartition{Topic: topic, Partition: p}, key, value, headers) {
			sticky.OnNewBatch(topic)
			p = b.partitioner.Partition(topic, key, all, available)
		}
	}

	if !slices.Contains(all, p) {
		return 0, fmt.Errorf("%w: partitioner chose %d for %s", pub.ErrUnknownPartition, p, topic)
	}
	return p, nil
}

func (b *base) sendBatch(ctx context.Context, st *stream, builder *accumulator.BatchBuilder, topic string, partition int32) (*pub.Future, error) {
	all, err := b.cluster.WaitOnMetadata(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to get partitions for %s: %w", topic, err)
	}
	if !slices.Contains(all, partition) {
		return nil, fmt.Errorf("%w: %s has no partition %d", pub.ErrUnknownPartition, topic, partition)
	}
	if err := st.verifyInTransaction(); err != nil {
		return nil, err
	}

	return st.acc.AddBatch(ctx, builder, pub.TopicPartition{Topic: topic, Partition: partition}, b.RequestTimeout)
}

// Producer publishes records under a single identity: plain, idempotent or
// transactional depending on Config.
type Producer struct {
	base

	mu      sync.RWMutex
	stream  *stream
	stopped bool
}

var _ pub.TransactionalProducer = (*Producer)(nil)

func New(cfg Config, cluster pub.Cluster, transport pub.Transport, c pub.Codec, logger *zap.Logger, opts ...Option) (*Producer, error) {
	s, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	b, err := newBase(s, cluster, transport, c, logger, opts)
	if err != nil {
		return nil, err
	}

	return &Producer{base: b}, nil
}

// Start bootstraps the cluster connection and launches the sender. It is a
// no-op on a running producer.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped:
		return fmt.Errorf("%w: producer is stopped", pub.ErrIllegalOperation)
	case p.stream != nil:
		return nil
	}

	if err := p.start(ctx, false); err != nil {
		return err
	}
	st, err := newStream(p.settings, p.version, p.idempotent, p.TransactionalID, p.deps())
	if err != nil {
		return err
	}
	p.stream = st

	return nil
}

// Stop delivers buffered records and shuts the sender down. An open
// transaction is aborted. Records still unsent when ctx ends fail with
// pub.ErrProducerClosed.
func (p *Producer) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.stream == nil {
		p.stopped = true
		return nil
	}
	p.stopped = true

	if err := p.stream.stop(ctx); err != nil {
		return fmt.Errorf("failed to stop producer: %w", err)
	}
	p.logger.Info("producer stopped")

	return nil
}

func (p *Producer) current() (*stream, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.stopped:
		return nil, pub.ErrProducerClosed
	case p.stream == nil:
		return nil, errNotStarted
	}
	return p.stream, nil
}

// Send buffers msg. The returned future resolves once the broker
// acknowledges the record; cancelling ctx only stops waiting for buffer space.
func (p *Producer) Send(ctx context.Context, msg pub.Message) (*pub.Future, error) {
	st, err := p.current()
	if err != nil {
		return nil, err
	}
	return p.send(ctx, st, msg)
}

func (p *Producer) SendAndWait(ctx context.Context, msg pub.Message) (pub.RecordMetadata, error) {
	fut, err := p.Send(ctx, msg)
	if err != nil {
		return pub.RecordMetadata{}, err
	}
	return fut.Wait(ctx)
}

func (p *Producer) Flush(ctx context.Context) error {
	st, err := p.current()
	if err != nil {
		return err
	}
	return st.acc.Flush(ctx)
}

// BeginTransaction waits for a producer id and opens a transaction.
func (p *Producer) BeginTransaction(ctx context.Context) error {
	st, err := p.current()
	if err != nil {
		return err
	}
	return st.begin(ctx)
}

// CommitTransaction delivers every record of the transaction and commits
// it. Cancelling ctx stops waiting but not the commit itself.
func (p *Producer) CommitTransaction(ctx context.Context) error {
	st, err := p.current()
	if err != nil {
		return err
	}
	return st.commit(ctx)
}

// AbortTransaction fails unsent records with pub.ErrTransactionAborted and
// aborts the transaction.
func (p *Producer) AbortTransaction(ctx context.Context) error {
	st, err := p.current()
	if err != nil {
		return err
	}
	return st.abort(ctx)
}

func (p *Producer) SendOffsetsToTransaction(ctx context.Context, offsets map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string) error {
	st, err := p.current()
	if err != nil {
		return err
	}
	return st.sendOffsets(ctx, offsets, groupID)
}

// CreateBatch returns an empty builder for SendBatch.
func (p *Producer) CreateBatch() (*accumulator.BatchBuilder, error) {
	st, err := p.current()
	if err != nil {
		return nil, err
	}
	return st.acc.CreateBuilder(), nil
}

// SendBatch queues a hand built batch for an explicit partition. The future
// resolves with the offset of the first record.
func (p *Producer) SendBatch(ctx context.Context, builder *accumulator.BatchBuilder, topic string, partition int32) (*pub.Future, error) {
	st, err := p.current()
	if err != nil {
		return nil, err
	}
	return p.sendBatch(ctx, st, builder, topic, partition)
}

// PartitionsFor returns every partition of topic, waiting for metadata.
func (p *Producer) PartitionsFor(ctx context.Context, topic string) ([]int32, error) {
	return p.cluster.WaitOnMetadata(ctx, topic)
}

// Err returns the error that poisoned the producer, nil while healthy.
func (p *Producer) Err() error {
	st, err := p.current()
	if err != nil {
		return nil
	}
	if st.txn != nil {
		if err := st.txn.FatalError(); err != nil {
			return err
		}
	}
	return st.sender.Err()
}

// Transaction runs fn in a transaction; see the package level Transaction.
func (p *Producer) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return Transaction(ctx, p, fn)
}

// Transaction runs fn inside a transaction of p. The transaction commits
// when fn returns nil and aborts otherwise; a poisoned producer is not
// asked to abort.
func Transaction(ctx context.Context, p pub.TransactionalProducer, fn func(ctx context.Context) error) error {
	if err := p.BeginTransaction(ctx); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if p.Err() != nil {
			return err
		}
		if aerr := p.AbortTransaction(ctx); aerr != nil {
			return errors.Join(err, fmt.Errorf("failed to abort transaction: %w", aerr))
		}
		return err
	}

	return p.CommitTransaction(ctx)
}
