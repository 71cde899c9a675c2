package producer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kpub/internal/pub"
	"kpub/internal/pub/accumulator"
	"kpub/internal/pub/sender"
	"kpub/internal/pub/txn"
)

// stream is one accumulator, transaction manager and sender serving a
// single producer identity. txn is nil for a plain producer.
type stream struct {
	id     string
	acc    *accumulator.MessageAccumulator
	txn    *txn.Manager
	sender *sender.Sender
	logger *zap.Logger
}

type streamDeps struct {
	cluster   pub.Cluster
	transport pub.Transport
	codec     pub.Codec
	logger    *zap.Logger
	observer  sender.Observer
	onFatal   func(error)
}

func newStream(s settings, version pub.APIVersion, idempotent bool, transactionalID string, deps streamDeps) (*stream, error) {
	logger := deps.logger
	if transactionalID != "" {
		logger = logger.With(zap.String("transactional_id", transactionalID))
	}

	var m *txn.Manager
	if idempotent {
		var err error
		m, err = txn.NewManager(txn.Config{
			TransactionalID:    transactionalID,
			TransactionTimeout: s.TransactionTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transaction manager: %w", err)
		}
	}

	acc, err := accumulator.NewMessageAccumulator(accumulator.Config{
		MaxBatchSize:     s.MaxBatchSize,
		MaxRecordSize:    s.MaxRequestSize,
		MaxBufferedBytes: s.MaxBufferedBytes,
		Linger:           s.Linger,
		Compression:      s.compression,
		APIVersion:       version,
	}, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create accumulator: %w", err)
	}

	opts := []sender.Option{sender.WithObserver(deps.observer)}
	if deps.onFatal != nil {
		opts = append(opts, sender.WithIrrecoverableErrorHandler(deps.onFatal))
	}
	snd, err := sender.New(sender.Config{
		Acks:            s.acks,
		RequestTimeout:  s.RequestTimeout,
		RetryBackoff:    s.RetryBackoff,
		MaxRetries:      s.MaxRetries,
		DeliveryTimeout: s.DeliveryTimeout,
	}, acc, m, deps.cluster, deps.transport, deps.codec, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}
	snd.Start()

	return &stream{
		id:     transactionalID,
		acc:    acc,
		txn:    m,
		sender: snd,
		logger: logger,
	}, nil
}

func (s *stream) transactional() bool {
	return s.txn != nil && s.txn.IsTransactional()
}

func (s *stream) ensureTransactional() error {
	if !s.transactional() {
		return fmt.Errorf("%w: a transactional id is required to use transactions", pub.ErrIllegalOperation)
	}
	return nil
}

// shielded detaches ctx from its cancellation and bounds it by the
// transaction timeout instead. A caller giving up must not leave the
// coordinator in the middle of a phase change.
func (s *stream) shielded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.txn.TransactionTimeout())
}

func (s *stream) begin(ctx context.Context) error {
	if err := s.ensureTransactional(); err != nil {
		return err
	}

	s.logger.Debug("beginning transaction")

	wctx, cancel := s.shielded(ctx)
	defer cancel()
	if err := s.txn.WaitForPID(wctx); err != nil {
		return err
	}
	return s.txn.BeginTransaction()
}

func (s *stream) commit(ctx context.Context) error {
	if err := s.ensureTransactional(); err != nil {
		return err
	}

	s.logger.Debug("committing transaction")

	if err := s.acc.ExcludeAppends(s.txn.CommittingTransaction); err != nil {
		return err
	}
	return s.waitForEnd(ctx)
}

func (s *stream) abort(ctx context.Context) error {
	if err := s.ensureTransactional(); err != nil {
		return err
	}

	s.logger.Debug("aborting transaction")

	if err := s.acc.ExcludeAppends(s.txn.AbortingTransaction); err != nil {
		return err
	}
	return s.waitForEnd(ctx)
}

// waitForEnd sends lingering batches right away and waits for the
// coordinator to confirm the end of the transaction.
func (s *stream) waitForEnd(ctx context.Context) error {
	s.acc.BeginFlush()
	defer s.acc.EndFlush()

	wctx, cancel := s.shielded(ctx)
	defer cancel()
	return s.txn.WaitForTransactionEnd(wctx)
}

func (s *stream) sendOffsets(ctx context.Context, offsets map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string) error {
	if err := s.ensureTransactional(); err != nil {
		return err
	}
	if groupID == "" {
		return fmt.Errorf("%w: group id is required", pub.ErrInvalidOffsets)
	}
	if err := pub.ValidateOffsets(offsets); err != nil {
		return err
	}

	s.logger.Debug("adding offsets to transaction",
		zap.String("group_id", groupID),
		zap.Int("partitions", len(offsets)),
	)

	done, err := s.txn.AddOffsetsToTxn(offsets, groupID)
	if err != nil {
		return err
	}

	wctx, cancel := s.shielded(ctx)
	defer cancel()
	select {
	case err := <-done:
		return err
	case <-wctx.Done():
		return fmt.Errorf("failed to add offsets to transaction: %w", wctx.Err())
	}
}

func (s *stream) verifyInTransaction() error {
	if s.transactional() && !s.txn.IsInTransaction() {
		if err := s.txn.FatalError(); err != nil {
			return err
		}
		return fmt.Errorf("%w: can't send messages while not in transaction", pub.ErrIllegalOperation)
	}
	return nil
}

func (s *stream) inTransaction() bool {
	return s.txn != nil && s.txn.IsInTransaction()
}

// stop aborts an open transaction, delivers what is buffered and closes
// the sender.
func (s *stream) stop(ctx context.Context) error {
	var errs []error
	if s.inTransaction() {
		if err := s.abort(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to abort open transaction: %w", err))
		}
	}

	s.acc.Close()
	if err := s.acc.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.sender.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
