package sender

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"kpub/internal/pub"
	"kpub/internal/pub/accumulator"
	"kpub/internal/pub/codec"
	"kpub/internal/pub/memory"
	"kpub/internal/pub/txn"
)

var tp0 = pub.TopicPartition{Topic: "orders", Partition: 0}

type recordingObserver struct {
	mu      sync.Mutex
	sent    int
	retries map[pub.TopicPartition]int
	results []error
	txns    []bool
}

func (o *recordingObserver) RecordBatchSent(pub.TopicPartition, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent++
}

func (o *recordingObserver) RecordBatchResult(_ pub.TopicPartition, _ int, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, err)
}

func (o *recordingObserver) RecordBatchRetry(tp pub.TopicPartition, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retries == nil {
		o.retries = make(map[pub.TopicPartition]int)
	}
	o.retries[tp]++
}

func (o *recordingObserver) RecordTransactionEnd(_ string, commit bool, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.txns = append(o.txns, commit)
}

func (o *recordingObserver) retryCount(tp pub.TopicPartition) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries[tp]
}

type pipeline struct {
	broker   *memory.Broker
	acc      *accumulator.MessageAccumulator
	txn      *txn.Manager
	sender   *Sender
	observer *recordingObserver
	fatal    chan error
}

type pipelineOpts struct {
	transactionalID string
	idempotent      bool
	fireAndForget   bool
	linger          time.Duration
	maxRetries      int
	brokerOpts      []memory.Option
}

func newPipeline(t *testing.T, o pipelineOpts) *pipeline {
	t.Helper()

	logger := zap.NewNop()
	broker := memory.NewBroker(append([]memory.Option{memory.WithTopic("orders", 2)}, o.brokerOpts...)...)

	var m *txn.Manager
	if o.idempotent || o.transactionalID != "" {
		var err error
		m, err = txn.NewManager(txn.Config{TransactionalID: o.transactionalID, TransactionTimeout: time.Minute}, logger)
		require.NoError(t, err)
	}

	acc, err := accumulator.NewMessageAccumulator(accumulator.Config{
		MaxBatchSize:     250,
		MaxRecordSize:    1 << 20,
		MaxBufferedBytes: 1 << 20,
		Linger:           o.linger,
		APIVersion:       pub.Version0_11,
	}, m, logger)
	require.NoError(t, err)

	acks := int16(-1)
	if o.fireAndForget {
		acks = 0
	}
	maxRetries := o.maxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}

	p := &pipeline{
		broker:   broker,
		acc:      acc,
		txn:      m,
		observer: &recordingObserver{},
		fatal:    make(chan error, 4),
	}
	p.sender, err = New(Config{
		Acks:            acks,
		RequestTimeout:  time.Second,
		RetryBackoff:    5 * time.Millisecond,
		MaxRetries:      maxRetries,
		DeliveryTimeout: 10 * time.Second,
	}, acc, m, broker, broker, codec.New(), logger,
		WithObserver(p.observer),
		WithIrrecoverableErrorHandler(func(err error) { p.fatal <- err }),
	)
	require.NoError(t, err)
	p.sender.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.sender.Close(ctx)
	})

	return p
}

func (p *pipeline) send(t *testing.T, tp pub.TopicPartition, value []byte) *pub.Future {
	t.Helper()

	fut, err := p.acc.AddMessage(context.Background(), tp, nil, value, nil, time.Time{}, time.Second)
	require.NoError(t, err)
	return fut
}

func (p *pipeline) commit(ctx context.Context) error {
	if err := p.acc.ExcludeAppends(p.txn.CommittingTransaction); err != nil {
		return err
	}
	if err := p.acc.Flush(ctx); err != nil {
		return err
	}
	return p.txn.WaitForTransactionEnd(ctx)
}

func (p *pipeline) abort(ctx context.Context) error {
	if err := p.acc.ExcludeAppends(p.txn.AbortingTransaction); err != nil {
		return err
	}
	return p.txn.WaitForTransactionEnd(ctx)
}

func wait(t *testing.T, fut *pub.Future) (pub.RecordMetadata, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	md, err := fut.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never resolved")
	return md, err
}

func payload(n int) []byte {
	return bytes.Repeat([]byte{'v'}, n)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSender_BatchesInCreationOrder(t *testing.T) {
	p := newPipeline(t, pipelineOpts{linger: time.Hour})

	futures := []*pub.Future{
		p.send(t, tp0, []byte("record-1"+string(payload(92)))),
		p.send(t, tp0, []byte("record-2"+string(payload(92)))),
		p.send(t, tp0, []byte("record-3"+string(payload(92)))),
	}
	require.NoError(t, p.acc.Flush(context.Background()))

	batches := p.broker.Batches(tp0)
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].RecordCount)
	assert.Equal(t, 1, batches[1].RecordCount)
	assert.Less(t, batches[0].BaseOffset, batches[1].BaseOffset)

	for i, fut := range futures {
		md, err := wait(t, fut)
		require.NoError(t, err)
		assert.Equal(t, int64(i), md.Offset)
	}

	records := p.broker.Records(tp0)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.True(t, bytes.HasPrefix(r.Value, []byte("record-"+string(rune('1'+i)))))
	}
}

func TestSender_RetriesNotLeaderOnce(t *testing.T) {
	p := newPipeline(t, pipelineOpts{})
	p.broker.FailProduce(tp0, kerr.NotLeaderForPartition.Code)

	fut := p.send(t, tp0, []byte("v"))

	md, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, int64(0), md.Offset, "offset of the second attempt")
	assert.Equal(t, 1, p.observer.retryCount(tp0))
	assert.Equal(t, 1, p.broker.LogSize(tp0))
	assert.Positive(t, p.broker.MetadataUpdates())

	var produces int
	for _, r := range p.broker.Requests() {
		if r.API == memory.APIProduce {
			produces++
		}
	}
	assert.Equal(t, 2, produces)
}

func TestSender_RetriesExhausted(t *testing.T) {
	p := newPipeline(t, pipelineOpts{maxRetries: 1})
	p.broker.FailProduce(tp0, kerr.RequestTimedOut.Code, kerr.RequestTimedOut.Code)

	_, err := wait(t, p.send(t, tp0, []byte("v")))
	require.ErrorIs(t, err, kerr.RequestTimedOut)
	assert.Zero(t, p.broker.LogSize(tp0))
}

func TestSender_NonRetriableFailsOnlyTheBatch(t *testing.T) {
	p := newPipeline(t, pipelineOpts{})
	p.broker.FailProduce(tp0, kerr.MessageTooLarge.Code)

	_, err := wait(t, p.send(t, tp0, []byte("too big")))
	require.ErrorIs(t, err, kerr.MessageTooLarge)

	md, err := wait(t, p.send(t, tp0, []byte("fine")))
	require.NoError(t, err)
	assert.Zero(t, md.Offset)
	assert.NoError(t, p.sender.Err())
}

func TestSender_IdempotentDuplicateDelivery(t *testing.T) {
	p := newPipeline(t, pipelineOpts{idempotent: true})
	require.NoError(t, p.txn.WaitForPID(context.Background()))

	p.broker.LoseProduceAcks(1)
	md, err := wait(t, p.send(t, tp0, []byte("once")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), md.Offset)

	md, err = wait(t, p.send(t, tp0, []byte("twice")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.Offset)

	assert.Equal(t, 2, p.broker.LogSize(tp0), "the retried batch is not written twice")
	assert.Equal(t, 1, p.observer.retryCount(tp0))
}

func TestSender_IdempotentSequencesContiguous(t *testing.T) {
	p := newPipeline(t, pipelineOpts{idempotent: true, linger: time.Millisecond})
	tp1 := pub.TopicPartition{Topic: "orders", Partition: 1}

	p.broker.FailProduce(tp0, kerr.RequestTimedOut.Code, kerr.NotEnoughReplicas.Code)
	p.broker.FailProduce(tp1, kerr.RequestTimedOut.Code)
	p.broker.LoseProduceAcks(2)

	var futures []*pub.Future
	for i := range 40 {
		tp := tp0
		if i%3 == 0 {
			tp = tp1
		}
		futures = append(futures, p.send(t, tp, payload(60)))
		if i%7 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	for _, fut := range futures {
		_, err := wait(t, fut)
		require.NoError(t, err)
	}

	for _, tp := range []pub.TopicPartition{tp0, tp1} {
		var next int32
		var total int
		for _, b := range p.broker.Batches(tp) {
			assert.Equal(t, next, b.BaseSequence, "sequence gap on %s", tp)
			next += int32(b.RecordCount)
			total += b.RecordCount
		}
		assert.Equal(t, total, p.broker.LogSize(tp))
	}
	assert.Equal(t, 40, p.broker.LogSize(tp0)+p.broker.LogSize(tp1))
}

func TestSender_OutOfOrderSequenceIsFatal(t *testing.T) {
	p := newPipeline(t, pipelineOpts{idempotent: true, linger: time.Hour})
	require.NoError(t, p.txn.WaitForPID(context.Background()))
	p.broker.FailProduce(tp0, kerr.OutOfOrderSequenceNumber.Code)

	first := p.send(t, tp0, []byte("a"))
	p.acc.BeginFlush()
	_, err := wait(t, first)
	p.acc.EndFlush()
	require.ErrorIs(t, err, pub.ErrOutOfOrderSequence)

	select {
	case ferr := <-p.fatal:
		require.ErrorIs(t, ferr, pub.ErrOutOfOrderSequence)
	case <-time.After(time.Second):
		t.Fatal("irrecoverable error handler was not called")
	}

	require.ErrorIs(t, p.sender.Err(), pub.ErrOutOfOrderSequence)
	assert.True(t, p.txn.IsFatalError())

	later, err := p.acc.AddMessage(context.Background(), tp0, nil, []byte("b"), nil, time.Time{}, time.Second)
	require.NoError(t, err)
	_, err = wait(t, later)
	require.ErrorIs(t, err, pub.ErrOutOfOrderSequence)
	assert.Len(t, p.fatal, 0, "handler runs once")
}

func TestSender_AcksZeroFireAndForget(t *testing.T) {
	p := newPipeline(t, pipelineOpts{fireAndForget: true})

	md, err := wait(t, p.send(t, tp0, []byte("a")))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), md.Offset)
	assert.Equal(t, 1, p.broker.LogSize(tp0))

	boom := errors.New("connection refused")
	p.broker.OnProduce(func(context.Context, *pub.ProduceRequest) error { return boom })

	_, err = wait(t, p.send(t, tp0, []byte("b")))
	require.ErrorIs(t, err, boom)
	assert.Zero(t, p.observer.retryCount(tp0), "acks=0 is never retried")
}

func TestSender_CloseFailsUnsent(t *testing.T) {
	p := newPipeline(t, pipelineOpts{})
	p.broker.SetLeader(tp0, 0, false)

	fut := p.send(t, tp0, []byte("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.sender.Close(ctx))

	_, err := wait(t, fut)
	require.ErrorIs(t, err, pub.ErrProducerClosed)
}

func TestSender_CloseWaitsForInFlight(t *testing.T) {
	p := newPipeline(t, pipelineOpts{})

	entered := make(chan struct{})
	release := make(chan struct{})
	p.broker.OnProduce(func(context.Context, *pub.ProduceRequest) error {
		close(entered)
		<-release
		return nil
	})

	fut := p.send(t, tp0, []byte("in flight"))
	<-entered

	closed := make(chan error, 1)
	go func() {
		closed <- p.sender.Close(context.Background())
	}()

	select {
	case <-closed:
		t.Fatal("close returned with a request in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)

	md, err := wait(t, fut)
	require.NoError(t, err)
	assert.Zero(t, md.Offset)
}

func TestSender_TransactionRegistersPartitionBeforeData(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1", linger: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, p.txn.WaitForPID(ctx))

	require.NoError(t, p.txn.BeginTransaction())
	fut := p.send(t, tp0, []byte("in txn"))
	require.NoError(t, p.commit(ctx))

	_, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, txn.StateReady, p.txn.State())

	var apis []memory.API
	for _, r := range p.broker.Requests() {
		if r.API != memory.APIFindCoordinator {
			apis = append(apis, r.API)
		}
	}
	assert.Equal(t, []memory.API{
		memory.APIInitProducerID,
		memory.APIAddPartitionsToTxn,
		memory.APIProduce,
		memory.APIEndTxn,
	}, apis)
	assert.Len(t, p.broker.Records(tp0), 1)
}

func TestSender_TransactionWithOffsets(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1", linger: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, p.txn.WaitForPID(ctx))

	require.NoError(t, p.txn.BeginTransaction())
	p.send(t, tp0, []byte("out"))

	in := pub.TopicPartition{Topic: "in", Partition: 3}
	done, err := p.txn.AddOffsetsToTxn(map[pub.TopicPartition]pub.OffsetAndMetadata{in: {Offset: 42}}, "group-a")
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Empty(t, p.broker.CommittedOffsets("group-a"), "offsets wait for the commit")
	require.NoError(t, p.commit(ctx))
	assert.Equal(t, int64(42), p.broker.CommittedOffsets("group-a")[in].Offset)
}

func TestSender_EmptyTransactionSkipsEndTxn(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1"})
	ctx := context.Background()
	require.NoError(t, p.txn.WaitForPID(ctx))

	require.NoError(t, p.txn.BeginTransaction())
	require.NoError(t, p.commit(ctx))
	assert.Equal(t, txn.StateReady, p.txn.State())

	for _, r := range p.broker.Requests() {
		assert.NotEqual(t, memory.APIEndTxn, r.API)
	}
}

func TestSender_AbortFailsPendingSends(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1", linger: time.Hour})
	ctx := context.Background()
	require.NoError(t, p.txn.WaitForPID(ctx))

	require.NoError(t, p.txn.BeginTransaction())
	first := p.send(t, tp0, []byte("a"))
	second := p.send(t, pub.TopicPartition{Topic: "orders", Partition: 1}, []byte("b"))

	require.NoError(t, p.abort(ctx))

	_, err := wait(t, first)
	require.ErrorIs(t, err, pub.ErrTransactionAborted)
	_, err = wait(t, second)
	require.ErrorIs(t, err, pub.ErrTransactionAborted)

	assert.Equal(t, txn.StateReady, p.txn.State())
	assert.Empty(t, p.broker.Records(tp0))

	// the producer is usable again
	require.NoError(t, p.txn.BeginTransaction())
	fut := p.send(t, tp0, []byte("c"))
	require.NoError(t, p.commit(ctx))
	_, err = wait(t, fut)
	require.NoError(t, err)
	assert.Len(t, p.broker.Records(tp0), 1)
}

func TestSender_AbortHidesDeliveredRecords(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1", linger: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, p.txn.WaitForPID(ctx))

	require.NoError(t, p.txn.BeginTransaction())
	_, err := wait(t, p.send(t, tp0, []byte("a")))
	require.NoError(t, err)

	require.NoError(t, p.abort(ctx))
	assert.Equal(t, 1, p.broker.LogSize(tp0))
	assert.Empty(t, p.broker.Records(tp0))
}

func TestSender_FencedProducerIsFatal(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1", linger: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, p.txn.WaitForPID(ctx))

	require.NoError(t, p.txn.BeginTransaction())
	_, err := wait(t, p.send(t, tp0, []byte("a")))
	require.NoError(t, err)

	p.broker.Fence("txn-1")
	_, err = wait(t, p.send(t, tp0, []byte("b")))
	require.ErrorIs(t, err, pub.ErrProducerFenced)

	require.ErrorIs(t, p.txn.FatalError(), pub.ErrProducerFenced)
	require.ErrorIs(t, p.acc.ExcludeAppends(p.txn.CommittingTransaction), pub.ErrProducerFenced)
}

func TestSender_LostBatchForcesAbort(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1", linger: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, p.txn.WaitForPID(ctx))
	_, epoch := p.txn.ProducerIDAndEpoch()

	require.NoError(t, p.txn.BeginTransaction())
	p.broker.FailProduce(tp0, kerr.MessageTooLarge.Code)
	_, err := wait(t, p.send(t, tp0, []byte("lost")))
	require.ErrorIs(t, err, kerr.MessageTooLarge)

	require.ErrorIs(t, p.acc.ExcludeAppends(p.txn.CommittingTransaction), kerr.MessageTooLarge)
	require.NoError(t, p.abort(ctx))

	// a lost sequence number is repaired with a new epoch
	require.NoError(t, p.txn.WaitForPID(ctx))
	_, bumped := p.txn.ProducerIDAndEpoch()
	assert.Greater(t, bumped, epoch)

	require.NoError(t, p.txn.BeginTransaction())
	fut := p.send(t, tp0, []byte("next"))
	require.NoError(t, p.commit(ctx))
	_, err = wait(t, fut)
	require.NoError(t, err)
}

func TestSender_RetriesCoordinatorErrors(t *testing.T) {
	p := newPipeline(t, pipelineOpts{transactionalID: "txn-1", linger: time.Millisecond})
	ctx := context.Background()
	p.broker.FailAPI(memory.APIInitProducerID, kerr.CoordinatorLoadInProgress.Code)
	p.broker.FailAPI(memory.APIAddPartitionsToTxn, kerr.ConcurrentTransactions.Code)
	p.broker.FailAPI(memory.APIEndTxn, kerr.NotCoordinator.Code)

	require.NoError(t, p.txn.WaitForPID(ctx))
	require.NoError(t, p.txn.BeginTransaction())
	fut := p.send(t, tp0, []byte("a"))
	require.NoError(t, p.commit(ctx))

	_, err := wait(t, fut)
	require.NoError(t, err)
	assert.Len(t, p.broker.Records(tp0), 1)
}
