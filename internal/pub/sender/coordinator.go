package sender

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
	"go.uber.org/zap"

	"kpub/internal/pub"
)

var errNoNode = errors.New("no broker node available")

// coordinate issues the next transaction coordination request. Requests run
// one at a time, in the order partition registration, group registration,
// offset commit, end of transaction. blocked is true while data must wait.
func (s *Sender) coordinate(now time.Time) (wait time.Duration, blocked bool) {
	if s.coordBusy {
		return -1, true
	}
	if now.Before(s.coordBackoffUntil) {
		return s.coordBackoffUntil.Sub(now), true
	}

	commit, ending := s.txn.TransactionEnd()
	if ending && !commit {
		s.acc.FailAll(pub.ErrTransactionAborted)
	}

	if tps := s.txn.PartitionsToAdd(); len(tps) > 0 {
		s.addPartitions(tps)
		return -1, true
	}
	if groupID, ok := s.txn.ConsumerGroupToAdd(); ok {
		s.addOffsets(groupID)
		return -1, true
	}
	if offsets, groupID, ok := s.txn.OffsetsToCommit(); ok {
		s.commitOffsets(offsets, groupID)
		return -1, true
	}

	if !ending {
		return 0, false
	}
	// commit waits for every batch to be delivered, abort only for those in flight
	if commit && s.acc.HasUndelivered() {
		return 0, false
	}
	if s.acc.HasInFlight() || s.txn.HasPendingOffsets() {
		return -1, true
	}

	if s.txn.IsEmptyTransaction() {
		s.txn.CompleteTransaction()
		s.observer.RecordTransactionEnd(s.txn.TransactionalID(), commit, nil)
		return -1, true
	}
	s.endTxn(commit)

	return -1, true
}

func (s *Sender) txnRequestHeader() (string, int64, int16) {
	pid, epoch := s.txn.ProducerIDAndEpoch()
	return s.txn.TransactionalID(), pid, epoch
}

func (s *Sender) addPartitions(tps []pub.TopicPartition) {
	tid, pid, epoch := s.txnRequestHeader()
	req := &pub.AddPartitionsToTxnRequest{
		TransactionalID: tid,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Partitions:      tps,
	}

	s.coordBusy = true
	s.request(func(ctx context.Context) func() {
		resp, err := withCoordinator(ctx, s, pub.CoordinatorTransaction, tid, func(ctx context.Context, node int32) (*pub.AddPartitionsToTxnResponse, error) {
			return s.transport.AddPartitionsToTxn(ctx, node, req)
		})

		return func() {
			s.coordBusy = false
			if err != nil {
				s.coordinationFailed("add partitions to transaction", err)
				return
			}

			added := make([]pub.TopicPartition, 0, len(tps))
			var firstErr error
			for _, tp := range tps {
				if err := brokerError(resp.Errors[tp]); err != nil {
					firstErr = cmp.Or(firstErr, fmt.Errorf("failed to add %s to transaction: %w", tp, err))
					continue
				}
				added = append(added, tp)
			}
			s.txn.PartitionsAdded(added)
			if firstErr != nil {
				s.coordinationFailed("add partitions to transaction", firstErr)
			}
		}
	})
}

func (s *Sender) addOffsets(groupID string) {
	tid, pid, epoch := s.txnRequestHeader()
	req := &pub.AddOffsetsToTxnRequest{
		TransactionalID: tid,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		GroupID:         groupID,
	}

	s.coordBusy = true
	s.request(func(ctx context.Context) func() {
		resp, err := withCoordinator(ctx, s, pub.CoordinatorTransaction, tid, func(ctx context.Context, node int32) (*pub.AddOffsetsToTxnResponse, error) {
			return s.transport.AddOffsetsToTxn(ctx, node, req)
		})
		if err == nil {
			err = brokerError(resp.ErrorCode)
		}

		return func() {
			s.coordBusy = false
			if err != nil {
				s.offsetsFailed("add offsets to transaction", err)
				return
			}
			s.txn.ConsumerGroupAdded()
		}
	})
}

func (s *Sender) commitOffsets(offsets map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string) {
	tid, pid, epoch := s.txnRequestHeader()
	req := &pub.TxnOffsetCommitRequest{
		TransactionalID: tid,
		GroupID:         groupID,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Offsets:         offsets,
	}

	s.coordBusy = true
	s.request(func(ctx context.Context) func() {
		resp, err := withCoordinator(ctx, s, pub.CoordinatorGroup, groupID, func(ctx context.Context, node int32) (*pub.TxnOffsetCommitResponse, error) {
			return s.transport.TxnOffsetCommit(ctx, node, req)
		})
		if err == nil {
			for tp, code := range resp.Errors {
				if cerr := brokerError(code); cerr != nil {
					err = fmt.Errorf("failed to commit offset for %s: %w", tp, cerr)
					break
				}
			}
		}

		return func() {
			s.coordBusy = false
			if err != nil {
				s.offsetsFailed("commit transactional offsets", err)
				return
			}
			s.txn.OffsetsCommitted(nil)
		}
	})
}

func (s *Sender) endTxn(commit bool) {
	tid, pid, epoch := s.txnRequestHeader()
	req := &pub.EndTxnRequest{
		TransactionalID: tid,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Commit:          commit,
	}

	s.coordBusy = true
	s.request(func(ctx context.Context) func() {
		resp, err := withCoordinator(ctx, s, pub.CoordinatorTransaction, tid, func(ctx context.Context, node int32) (*pub.EndTxnResponse, error) {
			return s.transport.EndTxn(ctx, node, req)
		})
		if err == nil {
			err = brokerError(resp.ErrorCode)
		}

		return func() {
			s.coordBusy = false
			if err != nil {
				s.coordinationFailed("end transaction", err)
				return
			}
			s.logger.Debug("transaction ended", zap.String("transactional_id", tid), zap.Bool("commit", commit))
			s.observer.RecordTransactionEnd(tid, commit, nil)
			s.txn.CompleteTransaction()
		}
	})
}

// coordinationFailed retries retriable errors after a backoff; anything else
// leaves the transaction state undefined and poisons the producer.
func (s *Sender) coordinationFailed(op string, err error) {
	if classify(err) == classRetriable {
		if staleCoordinator(err) {
			s.coordMu.Lock()
			clear(s.coordinators)
			s.coordMu.Unlock()
		}
		s.coordBackoffUntil = time.Now().Add(s.backoff())
		s.logger.Debug("retrying coordination request", zap.String("op", op), zap.Error(err))
		return
	}
	s.fail(fmt.Errorf("failed to %s: %w", op, err))
}

// offsetsFailed hands non-fatal offset errors back to the caller that sent
// the offsets instead of poisoning the producer.
func (s *Sender) offsetsFailed(op string, err error) {
	switch classify(err) {
	case classRetriable:
		s.coordinationFailed(op, err)
	case classFatal:
		s.fail(fmt.Errorf("failed to %s: %w", op, err))
	default:
		s.txn.OffsetsCommitted(fmt.Errorf("failed to %s: %w", op, err))
	}
}

// withCoordinator runs fn against the coordinator for key. A transport
// failure drops the cached coordinator.
func withCoordinator[T any](
	ctx context.Context,
	s *Sender,
	typ pub.CoordinatorType,
	key string,
	fn func(ctx context.Context, node int32) (*T, error),
) (*T, error) {
	node, err := s.coordinator(ctx, typ, key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := fn(ctx, node)
	if err != nil {
		s.invalidateCoordinator(typ, key)
		return nil, &pub.TransportError{Node: node, Err: err}
	}

	return resp, nil
}

func (s *Sender) coordinator(ctx context.Context, typ pub.CoordinatorType, key string) (int32, error) {
	k := coordinatorKey{typ: typ, key: key}

	s.coordMu.Lock()
	node, ok := s.coordinators[k]
	s.coordMu.Unlock()
	if ok {
		return node, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.transport.FindCoordinator(ctx, &pub.FindCoordinatorRequest{Key: key, Type: typ})
	if err != nil {
		return 0, &pub.TransportError{Node: -1, Err: err}
	}
	if err := brokerError(resp.ErrorCode); err != nil {
		return 0, fmt.Errorf("failed to find %s coordinator for %q: %w", typ, key, err)
	}

	s.coordMu.Lock()
	s.coordinators[k] = resp.Node
	s.coordMu.Unlock()

	return resp.Node, nil
}

func (s *Sender) invalidateCoordinator(typ pub.CoordinatorType, key string) {
	s.coordMu.Lock()
	delete(s.coordinators, coordinatorKey{typ: typ, key: key})
	s.coordMu.Unlock()
}

func (s *Sender) requestProducerID() {
	s.pidBusy = true
	s.txn.RequestingProducerID()
	tid := s.txn.TransactionalID()
	timeout := s.txn.TransactionTimeout()

	// cancelled on close so the retry loop cannot hold shutdown up
	ctx, cancel := context.WithCancel(s.ctx)
	s.pidCancel = cancel

	s.request(func(context.Context) func() {
		pid, epoch, err := s.initProducerID(ctx, tid, timeout)

		return func() {
			cancel()
			s.pidBusy = false
			s.pidCancel = nil
			switch {
			case err == nil:
				s.logger.Info("acquired producer id",
					zap.String("transactional_id", tid),
					zap.Int64("producer_id", pid),
					zap.Int16("epoch", epoch),
				)
				s.txn.SetProducerID(pid, epoch)
			case s.closing:
				s.logger.Debug("producer id request abandoned", zap.Error(err))
			default:
				s.fail(err)
			}
		}
	})
}

// initProducerID retries retriable failures with backoff until ctx ends.
func (s *Sender) initProducerID(ctx context.Context, tid string, timeout time.Duration) (int64, int16, error) {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.RetryBackoff,
		MaxBackoff: 10 * s.cfg.RetryBackoff,
	})

	var lastErr error
	for b.Ongoing() {
		pid, epoch, err := s.tryInitProducerID(ctx, tid, timeout)
		if err == nil {
			return pid, epoch, nil
		}
		if classify(err) != classRetriable {
			return 0, 0, fmt.Errorf("failed to init producer id: %w", err)
		}

		if staleCoordinator(err) {
			s.invalidateCoordinator(pub.CoordinatorTransaction, tid)
		}
		lastErr = err
		s.logger.Debug("retrying producer id request", zap.Int("retries", b.NumRetries()), zap.Error(err))
		b.Wait()
	}

	return 0, 0, fmt.Errorf("failed to init producer id after %d retries: %w", b.NumRetries(), cmp.Or(lastErr, b.Err()))
}

func (s *Sender) tryInitProducerID(ctx context.Context, tid string, timeout time.Duration) (int64, int16, error) {
	req := &pub.InitProducerIDRequest{TransactionalID: tid, TransactionTimeout: timeout}

	var (
		resp *pub.InitProducerIDResponse
		err  error
	)
	if tid != "" {
		resp, err = withCoordinator(ctx, s, pub.CoordinatorTransaction, tid, func(ctx context.Context, node int32) (*pub.InitProducerIDResponse, error) {
			return s.transport.InitProducerID(ctx, node, req)
		})
	} else {
		node, ok := s.cluster.AnyNode()
		if !ok {
			s.cluster.RequestUpdate()
			return 0, 0, &pub.TransportError{Node: -1, Err: errNoNode}
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		resp, err = s.transport.InitProducerID(rctx, node, req)
		if err != nil {
			err = &pub.TransportError{Node: node, Err: err}
		}
	}
	if err != nil {
		return 0, 0, err
	}
	if err := brokerError(resp.ErrorCode); err != nil {
		return 0, 0, err
	}

	return resp.ProducerID, resp.ProducerEpoch, nil
}
