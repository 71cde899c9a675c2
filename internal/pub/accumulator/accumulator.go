// Package accumulator buffers records per partition into size bounded
// batches and hands sealed batches to the sender.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"kpub/internal/pub"
	"kpub/internal/pub/codec"
	"kpub/internal/pub/txn"
	"kpub/internal/validator"
)

// Config is fixed at construction.
type Config struct {
	MaxBatchSize int
	// MaxRecordSize caps a single serialized record (the max request size).
	MaxRecordSize int
	// MaxBufferedBytes per partition; appends block at or above it.
	MaxBufferedBytes int
	Linger           time.Duration
	Compression      pub.Compression
	APIVersion       pub.APIVersion
}

// partitionQueue is the per-partition queue. Only the last batch may be open.
type partitionQueue struct {
	mu           sync.Mutex
	tp           pub.TopicPartition
	batches      []*Batch
	inFlight     *Batch
	buffered     int
	backoffUntil time.Time
	// closed and replaced on every drain event
	space chan struct{}
}

func (q *partitionQueue) openBatch() *Batch {
	if n := len(q.batches); n > 0 && !q.batches[n-1].Sealed() {
		return q.batches[n-1]
	}
	return nil
}

func (q *partitionQueue) drained(size int) {
	q.buffered -= size
	close(q.space)
	q.space = make(chan struct{})
}

// MessageAccumulator maps partitions to their queues. Queues are created on
// first use and live as long as the accumulator.
type MessageAccumulator struct {
	cfg    Config
	magic  int8
	txn    *txn.Manager
	logger *zap.Logger

	// appends hold it shared; transaction phase changes hold it exclusively
	gate sync.RWMutex

	mu     sync.Mutex
	queues map[pub.TopicPartition]*partitionQueue

	wakeup   chan struct{}
	closed   atomic.Bool
	flushing atomic.Int32
}

// NewMessageAccumulator creates an accumulator. txnManager may be nil when
// the producer is neither idempotent nor transactional.
func NewMessageAccumulator(cfg Config, txnManager *txn.Manager, logger *zap.Logger) (*MessageAccumulator, error) {
	if err := validator.Validate("accumulator", logger); err != nil {
		return nil, fmt.Errorf("failed to validate accumulator deps: %w", err)
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxRecordSize <= 0 {
		return nil, fmt.Errorf("%w: batch and record sizes must be positive", pub.ErrInvalidConfig)
	}
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = cfg.MaxBatchSize
	}

	return &MessageAccumulator{
		cfg:    cfg,
		magic:  cfg.APIVersion.Magic(),
		txn:    txnManager,
		logger: logger.Named("accumulator"),
		queues: make(map[pub.TopicPartition]*partitionQueue),
		wakeup: make(chan struct{}, 1),
	}, nil
}

// Magic is the record format selected by the negotiated API version.
func (a *MessageAccumulator) Magic() int8 {
	return a.magic
}

// Wakeup fires whenever new data may be ready for the sender.
func (a *MessageAccumulator) Wakeup() <-chan struct{} {
	return a.wakeup
}

func (a *MessageAccumulator) signal() {
	select {
	case a.wakeup <- struct{}{}:
	default:
	}
}

func (a *MessageAccumulator) queue(tp pub.TopicPartition) *partitionQueue {
	a.mu.Lock()
	defer a.mu.Unlock()

	q, ok := a.queues[tp]
	if !ok {
		q = &partitionQueue{tp: tp, space: make(chan struct{})}
		a.queues[tp] = q
	}
	return q
}

func (a *MessageAccumulator) snapshot() []*partitionQueue {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*partitionQueue, 0, len(a.queues))
	for _, q := range a.queues {
		out = append(out, q)
	}
	return out
}

// AddMessage appends a record to tp's open batch. It blocks while the
// partition is over its buffer limit and fails with pub.ErrTimeout if no
// batch drains within timeout.
func (a *MessageAccumulator) AddMessage(
	ctx context.Context,
	tp pub.TopicPartition,
	key, value []byte,
	headers []pub.Header,
	ts time.Time,
	timeout time.Duration,
) (*pub.Future, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	if n := codec.EstimateRecordSize(a.magic, key, value, headers); n > a.cfg.MaxRecordSize {
		return nil, fmt.Errorf("%w: record is %d bytes, limit is %d", pub.ErrRecordTooLarge, n, a.cfg.MaxRecordSize)
	}

	return a.waitForSpace(ctx, tp, timeout, func(q *partitionQueue) (*pub.Future, error) {
		b := q.openBatch()
		if b == nil {
			b = newBatch(tp, a.cfg, a.magic, time.Now())
			q.batches = append(q.batches, b)
		}

		before := b.Size()
		fut, err := b.Append(key, value, headers, ts)
		if errors.Is(err, ErrBatchFull) {
			b.Seal()
			b = newBatch(tp, a.cfg, a.magic, time.Now())
			q.batches = append(q.batches, b)
			before = 0
			fut, err = b.Append(key, value, headers, ts)
		}
		if err != nil {
			return nil, err
		}
		q.buffered += b.Size() - before

		return fut, nil
	})
}

// AddBatch queues a hand built batch after everything already buffered for tp.
// An empty builder is rejected with pub.ErrInvalidMessage.
func (a *MessageAccumulator) AddBatch(ctx context.Context, builder *BatchBuilder, tp pub.TopicPartition, timeout time.Duration) (*pub.Future, error) {
	if builder.RecordCount() == 0 {
		return nil, fmt.Errorf("%w: batch for %s has no records", pub.ErrInvalidMessage, tp)
	}

	return a.waitForSpace(ctx, tp, timeout, func(q *partitionQueue) (*pub.Future, error) {
		b, err := builder.build(tp, a.cfg, time.Now())
		if err != nil {
			return nil, err
		}
		if open := q.openBatch(); open != nil {
			open.Seal()
		}
		q.batches = append(q.batches, b)
		q.buffered += b.Size()

		return b.future, nil
	})
}

// StartsNewBatch reports whether appending the record to tp now would open
// a new batch. Sticky partitioners use it to move on to another partition.
func (a *MessageAccumulator) StartsNewBatch(tp pub.TopicPartition, key, value []byte, headers []pub.Header) bool {
	q := a.queue(tp)
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.openBatch()
	return b == nil || !b.fits(codec.EstimateRecordSize(a.magic, key, value, headers))
}

func (a *MessageAccumulator) waitForSpace(
	ctx context.Context,
	tp pub.TopicPartition,
	timeout time.Duration,
	appendFn func(q *partitionQueue) (*pub.Future, error),
) (*pub.Future, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		fut, space, err := a.tryAppend(tp, appendFn)
		if err != nil {
			return nil, err
		}
		if fut != nil {
			a.signal()
			return fut, nil
		}

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-space:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s still holds %d bytes after %s", pub.ErrTimeout, tp, a.BufferedBytes(tp), timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryAppend either appends or returns the channel to wait on for space.
func (a *MessageAccumulator) tryAppend(tp pub.TopicPartition, appendFn func(q *partitionQueue) (*pub.Future, error)) (*pub.Future, <-chan struct{}, error) {
	a.gate.RLock()
	defer a.gate.RUnlock()

	if a.closed.Load() {
		return nil, nil, pub.ErrProducerClosed
	}
	if a.txn != nil && a.txn.IsTransactional() {
		if err := a.txn.MaybeAddPartition(tp); err != nil {
			return nil, nil, err
		}
	}

	q := a.queue(tp)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buffered >= a.cfg.MaxBufferedBytes {
		return nil, q.space, nil
	}

	fut, err := appendFn(q)
	return fut, nil, err
}

// ExcludeAppends runs fn while no append is in progress. Transaction phase
// changes go through it so an append can never straddle a commit or abort.
func (a *MessageAccumulator) ExcludeAppends(fn func() error) error {
	a.gate.Lock()
	defer a.gate.Unlock()

	return fn()
}

// CreateBuilder returns an empty builder using this accumulator's limits.
func (a *MessageAccumulator) CreateBuilder() *BatchBuilder {
	return &BatchBuilder{
		magic:     a.magic,
		maxSize:   a.cfg.MaxBatchSize,
		maxRecord: a.cfg.MaxRecordSize,
	}
}

// Leaders resolves the node leading a partition.
type Leaders interface {
	Leader(tp pub.TopicPartition) (int32, bool)
}

// Drain seals and removes the first ready batch of every partition that has
// no batch in flight, grouped by leader node. Nodes in busy are skipped.
// unknownLeaders reports partitions that had data but no known leader.
func (a *MessageAccumulator) Drain(leaders Leaders, busy map[int32]bool, now time.Time) (ready map[int32][]*Batch, unknownLeaders bool) {
	ready = make(map[int32][]*Batch)
	force := a.flushing.Load() > 0 || a.closed.Load()

	for _, q := range a.snapshot() {
		q.mu.Lock()
		b := a.readyBatch(q, force, now)
		if b == nil {
			q.mu.Unlock()
			continue
		}

		node, ok := leaders.Leader(q.tp)
		switch {
		case !ok:
			unknownLeaders = true
		case busy[node]:
		default:
			b.Seal()
			q.batches = q.batches[1:]
			q.inFlight = b
			ready[node] = append(ready[node], b)
		}
		q.mu.Unlock()
	}

	return ready, unknownLeaders
}

func (a *MessageAccumulator) readyBatch(q *partitionQueue, force bool, now time.Time) *Batch {
	if q.inFlight != nil || len(q.batches) == 0 || now.Before(q.backoffUntil) {
		return nil
	}
	if a.txn != nil && a.txn.IsTransactional() && !a.txn.IsPartitionAdded(q.tp) {
		return nil
	}

	b := q.batches[0]
	if b.RecordCount() == 0 {
		return nil
	}
	if b.Sealed() || force || now.Sub(b.Created()) >= a.cfg.Linger {
		return b
	}
	return nil
}

// NextDeadline returns how long until some unsent batch becomes ready by
// linger or backoff expiry; ok is false when nothing is waiting on time.
// Batches already past their deadline wait on an event instead.
func (a *MessageAccumulator) NextDeadline(now time.Time) (time.Duration, bool) {
	var (
		next  time.Time
		found bool
	)
	consider := func(t time.Time) {
		if !t.After(now) {
			return
		}
		if !found || t.Before(next) {
			next, found = t, true
		}
	}

	for _, q := range a.snapshot() {
		q.mu.Lock()
		if q.inFlight == nil && len(q.batches) > 0 {
			b := q.batches[0]
			switch {
			case now.Before(q.backoffUntil):
				consider(q.backoffUntil)
			case !b.Sealed() && b.RecordCount() > 0:
				consider(b.Created().Add(a.cfg.Linger))
			}
		}
		q.mu.Unlock()
	}

	if !found {
		return 0, false
	}
	return next.Sub(now), true
}

// Reenqueue puts an in-flight batch back at the front of its queue and holds
// the partition back for backoff.
func (a *MessageAccumulator) Reenqueue(b *Batch, backoff time.Duration) {
	q := a.queue(b.tp)
	q.mu.Lock()
	if q.inFlight == b {
		q.inFlight = nil
	}
	q.batches = append([]*Batch{b}, q.batches...)
	q.backoffUntil = time.Now().Add(backoff)
	q.mu.Unlock()

	a.signal()
}

// Complete resolves b with the broker's acknowledgement.
func (a *MessageAccumulator) Complete(b *Batch, baseOffset int64, logAppendTime time.Time) {
	if b.complete(baseOffset, logAppendTime, nil) {
		a.release(b)
	}
}

// Fail resolves every handle in b with err.
func (a *MessageAccumulator) Fail(b *Batch, err error) {
	if b.complete(-1, time.Time{}, err) {
		a.release(b)
	}
}

func (a *MessageAccumulator) release(b *Batch) {
	q := a.queue(b.tp)
	q.mu.Lock()
	if q.inFlight == b {
		q.inFlight = nil
	}
	q.drained(b.Size())
	q.mu.Unlock()

	a.signal()
}

// FailAll fails every batch that has not been handed to the sender. In
// flight batches are left to settle.
func (a *MessageAccumulator) FailAll(err error) int {
	var failed int
	for _, q := range a.snapshot() {
		q.mu.Lock()
		batches := q.batches
		q.batches = nil
		q.mu.Unlock()

		for _, b := range batches {
			if b.RecordCount() == 0 && b.future == nil {
				continue
			}
			b.Seal()
			a.Fail(b, err)
			failed++
		}
	}

	if failed > 0 {
		a.logger.Debug("failed unsent batches", zap.Int("batches", failed), zap.Error(err))
	}

	return failed
}

// BeginFlush makes every buffered batch ready regardless of linger until EndFlush.
func (a *MessageAccumulator) BeginFlush() {
	a.flushing.Inc()
	a.signal()
}

func (a *MessageAccumulator) EndFlush() {
	a.flushing.Dec()
}

// Flush waits until every batch buffered at the time of the call is resolved.
func (a *MessageAccumulator) Flush(ctx context.Context) error {
	a.BeginFlush()
	defer a.EndFlush()

	for _, done := range a.pending() {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("failed to flush: %w", ctx.Err())
		}
	}

	return nil
}

func (a *MessageAccumulator) pending() []<-chan struct{} {
	var out []<-chan struct{}
	for _, q := range a.snapshot() {
		q.mu.Lock()
		if q.inFlight != nil {
			out = append(out, q.inFlight.Done())
		}
		for _, b := range q.batches {
			out = append(out, b.Done())
		}
		q.mu.Unlock()
	}
	return out
}

// HasUndelivered reports whether any batch is queued or in flight.
func (a *MessageAccumulator) HasUndelivered() bool {
	for _, q := range a.snapshot() {
		q.mu.Lock()
		busy := q.inFlight != nil || len(q.batches) > 0
		q.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}

// HasInFlight reports whether any batch is currently handed to the sender.
func (a *MessageAccumulator) HasInFlight() bool {
	for _, q := range a.snapshot() {
		q.mu.Lock()
		busy := q.inFlight != nil
		q.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}

// BufferedBytes is the byte total held for tp, in flight included.
func (a *MessageAccumulator) BufferedBytes(tp pub.TopicPartition) int {
	a.mu.Lock()
	q, ok := a.queues[tp]
	a.mu.Unlock()
	if !ok {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// Close rejects further appends and makes everything buffered ready to send.
func (a *MessageAccumulator) Close() {
	a.closed.Store(true)
	a.signal()
}

func (a *MessageAccumulator) Closed() bool {
	return a.closed.Load()
}
