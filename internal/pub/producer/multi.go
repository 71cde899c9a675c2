package producer

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kpub/internal/pub"
	"kpub/internal/pub/accumulator"
)

// MultiTxnProducer runs many transactional identities over one cluster
// connection. Each identity gets its own accumulator, transaction manager
// and sender, created by BeginTransaction and retired by StopTransaction.
// Messages sent without an identity go through a shared plain stream.
type MultiTxnProducer struct {
	base

	mu      sync.RWMutex
	started bool
	stopped bool
	shared  *stream
	streams map[string]*stream
}

// NewMultiTxnProducer validates cfg. Transactional ids are given per call,
// so cfg.TransactionalID must be empty; acks must be all.
func NewMultiTxnProducer(cfg Config, cluster pub.Cluster, transport pub.Transport, c pub.Codec, logger *zap.Logger, opts ...Option) (*MultiTxnProducer, error) {
	if cfg.TransactionalID != "" {
		return nil, fmt.Errorf("%w: transactional ids are chosen per transaction", pub.ErrInvalidConfig)
	}
	if cfg.Acks == "" {
		cfg.Acks = "all"
	}
	s, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	if s.acks != -1 {
		return nil, fmt.Errorf("%w: acks=%s not supported by the multi transaction producer", pub.ErrInvalidConfig, cfg.Acks)
	}

	b, err := newBase(s, cluster, transport, c, logger, opts)
	if err != nil {
		return nil, err
	}

	return &MultiTxnProducer{
		base:    b,
		streams: make(map[string]*stream),
	}, nil
}

func (p *MultiTxnProducer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped:
		return fmt.Errorf("%w: producer is stopped", pub.ErrIllegalOperation)
	case p.started:
		return nil
	}

	if err := p.start(ctx, true); err != nil {
		return err
	}
	shared, err := newStream(p.settings, p.version, false, "", p.deps())
	if err != nil {
		return err
	}
	p.shared = shared
	p.started = true

	return nil
}

// Stop aborts open transactions and shuts every stream down.
func (p *MultiTxnProducer) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	all := append([]*stream{p.shared}, slices.Collect(maps.Values(p.streams))...)
	clear(p.streams)
	p.mu.Unlock()

	var g errgroup.Group
	for _, st := range all {
		g.Go(func() error {
			return st.stop(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to stop producer: %w", err)
	}
	p.logger.Info("producer stopped", zap.Int("streams", len(all)))

	return nil
}

func (p *MultiTxnProducer) checkRunning() error {
	switch {
	case p.stopped:
		return pub.ErrProducerClosed
	case !p.started:
		return errNotStarted
	}
	return nil
}

// stream returns the stream of transactionalID; "" is the shared one.
func (p *MultiTxnProducer) stream(transactionalID string) (*stream, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return nil, err
	}
	if transactionalID == "" {
		return p.shared, nil
	}
	st, ok := p.streams[transactionalID]
	if !ok {
		return nil, fmt.Errorf("%w: no transaction was started for %q", pub.ErrIllegalOperation, transactionalID)
	}
	return st, nil
}

// initTransaction returns the stream of transactionalID, creating it on first use.
func (p *MultiTxnProducer) initTransaction(transactionalID string) (*stream, error) {
	if transactionalID == "" {
		return nil, fmt.Errorf("%w: transactional id is required", pub.ErrIllegalOperation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRunning(); err != nil {
		return nil, err
	}
	if st, ok := p.streams[transactionalID]; ok {
		return st, nil
	}

	st, err := newStream(p.settings, p.version, true, transactionalID, p.deps())
	if err != nil {
		return nil, err
	}
	p.streams[transactionalID] = st
	p.logger.Debug("transaction stream created", zap.String("transactional_id", transactionalID))

	return st, nil
}

// Send buffers msg in the transaction of transactionalID, or outside any
// transaction when transactionalID is empty.
func (p *MultiTxnProducer) Send(ctx context.Context, transactionalID string, msg pub.Message) (*pub.Future, error) {
	st, err := p.stream(transactionalID)
	if err != nil {
		return nil, err
	}
	return p.send(ctx, st, msg)
}

func (p *MultiTxnProducer) SendAndWait(ctx context.Context, transactionalID string, msg pub.Message) (pub.RecordMetadata, error) {
	fut, err := p.Send(ctx, transactionalID, msg)
	if err != nil {
		return pub.RecordMetadata{}, err
	}
	return fut.Wait(ctx)
}

func (p *MultiTxnProducer) SendBatch(ctx context.Context, transactionalID string, builder *accumulator.BatchBuilder, topic string, partition int32) (*pub.Future, error) {
	st, err := p.stream(transactionalID)
	if err != nil {
		return nil, err
	}
	return p.sendBatch(ctx, st, builder, topic, partition)
}

// CreateBatch returns an empty builder for SendBatch.
func (p *MultiTxnProducer) CreateBatch() (*accumulator.BatchBuilder, error) {
	st, err := p.stream("")
	if err != nil {
		return nil, err
	}
	return st.acc.CreateBuilder(), nil
}

// Flush waits for every stream's buffered records.
func (p *MultiTxnProducer) Flush(ctx context.Context) error {
	p.mu.RLock()
	if err := p.checkRunning(); err != nil {
		p.mu.RUnlock()
		return err
	}
	all := append([]*stream{p.shared}, slices.Collect(maps.Values(p.streams))...)
	p.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range all {
		g.Go(func() error {
			return st.acc.Flush(gctx)
		})
	}
	return g.Wait()
}

// BeginTransaction opens a transaction for transactionalID, creating its
// stream on first use.
func (p *MultiTxnProducer) BeginTransaction(ctx context.Context, transactionalID string) error {
	st, err := p.initTransaction(transactionalID)
	if err != nil {
		return err
	}
	return st.begin(ctx)
}

// MaybeBeginTransaction is BeginTransaction unless a transaction is already open.
func (p *MultiTxnProducer) MaybeBeginTransaction(ctx context.Context, transactionalID string) error {
	st, err := p.initTransaction(transactionalID)
	if err != nil {
		return err
	}
	if st.inTransaction() {
		return nil
	}
	return st.begin(ctx)
}

func (p *MultiTxnProducer) CommitTransaction(ctx context.Context, transactionalID string) error {
	st, err := p.stream(transactionalID)
	if err != nil {
		return err
	}
	return st.commit(ctx)
}

func (p *MultiTxnProducer) AbortTransaction(ctx context.Context, transactionalID string) error {
	st, err := p.stream(transactionalID)
	if err != nil {
		return err
	}
	return st.abort(ctx)
}

func (p *MultiTxnProducer) SendOffsetsToTransaction(ctx context.Context, transactionalID string, offsets map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string) error {
	st, err := p.stream(transactionalID)
	if err != nil {
		return err
	}
	return st.sendOffsets(ctx, offsets, groupID)
}

// StopTransaction retires transactionalID: an open transaction is aborted
// and its sender shut down.
func (p *MultiTxnProducer) StopTransaction(ctx context.Context, transactionalID string) error {
	p.mu.Lock()
	st, ok := p.streams[transactionalID]
	delete(p.streams, transactionalID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := st.stop(ctx); err != nil {
		return fmt.Errorf("failed to stop transaction %q: %w", transactionalID, err)
	}
	return nil
}

// Commit sends each identity's offsets to its transaction and commits it,
// beginning the next transaction when startNew is set.
func (p *MultiTxnProducer) Commit(ctx context.Context, offsetsByID map[string]map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string, startNew bool) error {
	for _, id := range slices.Sorted(maps.Keys(offsetsByID)) {
		if err := p.SendOffsetsToTransaction(ctx, id, offsetsByID[id], groupID); err != nil {
			return fmt.Errorf("failed to send offsets for %q: %w", id, err)
		}
		if err := p.CommitTransaction(ctx, id); err != nil {
			return fmt.Errorf("failed to commit %q: %w", id, err)
		}
		if startNew {
			if err := p.BeginTransaction(ctx, id); err != nil {
				return fmt.Errorf("failed to begin next transaction for %q: %w", id, err)
			}
		}
	}
	return nil
}

// Transactions lists the live transactional ids.
func (p *MultiTxnProducer) Transactions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.streams))
}

// Err returns the error that poisoned transactionalID, nil while healthy.
// An empty id reports on the shared stream.
func (p *MultiTxnProducer) Err(transactionalID string) error {
	st, err := p.stream(transactionalID)
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

// PartitionsFor returns every partition of topic, waiting for metadata.
func (p *MultiTxnProducer) PartitionsFor(ctx context.Context, topic string) ([]int32, error) {
	return p.cluster.WaitOnMetadata(ctx, topic)
}
