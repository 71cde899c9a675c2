package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"go.uber.org/zap"

	"kpub/internal/pub"
	"kpub/internal/pub/accumulator"
)

var errMissingPartition = errors.New("partition missing from produce response")

// sendReady drains ready batches into one produce request per idle node.
func (s *Sender) sendReady(now time.Time) time.Duration {
	ready, unknownLeaders := s.acc.Drain(s.cluster, s.busyNodes, now)
	if unknownLeaders {
		s.cluster.RequestUpdate()
	}

	for node, batches := range ready {
		s.sendProduce(node, batches, now)
	}

	wait := time.Duration(-1)
	if d, ok := s.acc.NextDeadline(now); ok {
		wait = d
	}
	if unknownLeaders && (wait < 0 || wait > s.cfg.RetryBackoff) {
		wait = s.cfg.RetryBackoff
	}

	return wait
}

func (s *Sender) sendProduce(node int32, batches []*accumulator.Batch, now time.Time) {
	req := &pub.ProduceRequest{
		Acks:    s.cfg.Acks,
		Timeout: s.cfg.RequestTimeout,
	}
	if s.txn != nil {
		req.TransactionalID = s.txn.TransactionalID()
	}

	sent := make([]*accumulator.Batch, 0, len(batches))
	for _, b := range batches {
		tp := b.TopicPartition()

		if s.expired(b, now) {
			s.failBatch(b, fmt.Errorf("%w: batch for %s expired before it could be sent", pub.ErrTimeout, tp), now)
			continue
		}

		stamped := false
		if s.txn != nil && !b.HasSequence() {
			pid, epoch := s.txn.ProducerIDAndEpoch()
			b.SetProducerState(pid, epoch, s.txn.SequenceNumber(tp), s.txn.IsTransactional())
			stamped = true
		}

		data, err := b.Encode(s.codec)
		if err != nil {
			s.failBatch(b, err, now)
			continue
		}
		if stamped {
			s.txn.IncrementSequence(tp, b.RecordCount())
		}

		b.MarkAttempt(now)
		req.Batches = append(req.Batches, pub.ProduceBatch{
			TopicPartition: tp,
			RecordCount:    b.RecordCount(),
			Records:        data,
		})
		sent = append(sent, b)
		s.observer.RecordBatchSent(tp, b.RecordCount(), len(data))
	}
	if len(sent) == 0 {
		return
	}

	s.busyNodes[node] = true
	s.request(func(ctx context.Context) func() {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		resp, err := s.transport.Produce(ctx, node, req)
		return func() {
			s.handleProduce(node, sent, resp, err)
		}
	})
}

func (s *Sender) handleProduce(node int32, batches []*accumulator.Batch, resp *pub.ProduceResponse, err error) {
	delete(s.busyNodes, node)
	now := time.Now()

	if err != nil {
		err = &pub.TransportError{Node: node, Err: err}
		s.logger.Warn("produce request failed",
			zap.Int32("node", node),
			zap.Int("batches", len(batches)),
			zap.Error(err),
		)
		s.cluster.RequestUpdate()
		for _, b := range batches {
			s.retryOrFail(b, err, now)
		}
		return
	}

	if s.cfg.Acks == 0 || resp == nil {
		for _, b := range batches {
			s.completeBatch(b, -1, time.Time{}, now)
		}
		return
	}

	for _, b := range batches {
		pr, ok := resp.Partitions[b.TopicPartition()]
		if !ok {
			s.retryOrFail(b, &pub.TransportError{Node: node, Err: errMissingPartition}, now)
			continue
		}

		// a duplicate means an earlier attempt was already written
		if pr.ErrorCode == 0 || pr.ErrorCode == kerr.DuplicateSequenceNumber.Code {
			s.completeBatch(b, pr.BaseOffset, pr.LogAppendTime, now)
			continue
		}

		s.handleBatchError(b, brokerError(pr.ErrorCode), now)
	}
}

func (s *Sender) handleBatchError(b *accumulator.Batch, err error, now time.Time) {
	switch classify(err) {
	case classRetriable:
		if errors.Is(err, kerr.NotLeaderForPartition) || errors.Is(err, kerr.UnknownTopicOrPartition) || errors.Is(err, kerr.LeaderNotAvailable) {
			s.cluster.RequestUpdate()
		}
		s.retryOrFail(b, err, now)
	case classFatal:
		s.acc.Fail(b, err)
		s.observer.RecordBatchResult(b.TopicPartition(), b.RecordCount(), now.Sub(b.Created()), err)
		s.fail(err)
	default:
		s.failBatch(b, err, now)
	}
}

// retryOrFail requeues b at the front of its partition unless its retry or
// delivery budget is spent. acks=0 batches get a single attempt.
func (s *Sender) retryOrFail(b *accumulator.Batch, err error, now time.Time) {
	tp := b.TopicPartition()

	if s.cfg.Acks == 0 || b.Retries() >= s.cfg.MaxRetries || s.expired(b, now) {
		s.failBatch(b, fmt.Errorf("failed to deliver batch for %s after %d retries: %w", tp, b.Retries(), err), now)
		return
	}

	b.IncRetries()
	backoff := s.backoff()
	s.acc.Reenqueue(b, backoff)
	s.observer.RecordBatchRetry(tp, err)

	s.logger.Debug("retrying batch",
		zap.Stringer("partition", tp),
		zap.Int("retries", b.Retries()),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)
}

func (s *Sender) completeBatch(b *accumulator.Batch, baseOffset int64, logAppendTime, now time.Time) {
	s.acc.Complete(b, baseOffset, logAppendTime)
	s.observer.RecordBatchResult(b.TopicPartition(), b.RecordCount(), now.Sub(b.Created()), nil)
}

// failBatch fails b permanently. A lost batch leaves its transaction
// incomplete, and a lost sequence number needs a new epoch before the
// partition can be written again.
func (s *Sender) failBatch(b *accumulator.Batch, err error, now time.Time) {
	s.acc.Fail(b, err)
	s.observer.RecordBatchResult(b.TopicPartition(), b.RecordCount(), now.Sub(b.Created()), err)

	s.logger.Warn("batch failed",
		zap.Stringer("partition", b.TopicPartition()),
		zap.Int("records", b.RecordCount()),
		zap.Error(err),
	)

	if s.txn == nil {
		return
	}
	if s.txn.IsTransactional() {
		s.txn.SetAbortableError(err, b.HasSequence())
		return
	}
	if b.HasSequence() {
		s.txn.ResetProducerID()
	}
}

func (s *Sender) expired(b *accumulator.Batch, now time.Time) bool {
	return s.cfg.DeliveryTimeout > 0 && now.Sub(b.Created()) >= s.cfg.DeliveryTimeout
}
