package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kpub/internal/pub"
	"kpub/internal/pub/codec"
	"kpub/internal/pub/memory"
)

func startMulti(t *testing.T, b *memory.Broker) *MultiTxnProducer {
	t.Helper()

	p, err := NewMultiTxnProducer(testConfig(Config{}), b, b, codec.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		_ = p.Stop(context.Background())
	})

	return p
}

func TestNewMultiTxnProducer_Config(t *testing.T) {
	b := newBroker()

	_, err := NewMultiTxnProducer(Config{TransactionalID: "tx"}, b, b, codec.New(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, pub.ErrInvalidConfig)

	_, err = NewMultiTxnProducer(Config{Acks: "1"}, b, b, codec.New(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, pub.ErrInvalidConfig)

	p, err := NewMultiTxnProducer(Config{}, b, b, codec.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, int16(-1), p.acks)
}

func TestMultiTxnProducer_NeedsNewBroker(t *testing.T) {
	b := newBroker(memory.WithAPIVersion(pub.Version0_10))
	p, err := NewMultiTxnProducer(testConfig(Config{}), b, b, codec.New(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.ErrorIs(t, p.Start(testContext(t)), pub.ErrUnsupportedVersion)
}

func TestMultiTxnProducer_IndependentTransactions(t *testing.T) {
	b := newBroker()
	p := startMulti(t, b)
	ctx := testContext(t)

	_, err := p.Send(ctx, "payments", to(tp0, "early"))
	require.ErrorIs(t, err, pub.ErrIllegalOperation, "unknown identity")

	require.NoError(t, p.BeginTransaction(ctx, "payments"))
	require.NoError(t, p.BeginTransaction(ctx, "refunds"))
	assert.Equal(t, []string{"payments", "refunds"}, p.Transactions())

	_, err = p.SendAndWait(ctx, "payments", to(tp0, "paid"))
	require.NoError(t, err)
	_, err = p.SendAndWait(ctx, "refunds", to(tp1, "refunded"))
	require.NoError(t, err)

	require.NoError(t, p.CommitTransaction(ctx, "payments"))
	require.NoError(t, p.AbortTransaction(ctx, "refunds"))

	assert.Equal(t, []string{"paid"}, values(b.Records(tp0)))
	assert.Empty(t, b.Records(tp1))
	assert.NoError(t, p.Err("payments"))
	assert.NoError(t, p.Err("refunds"))

	// each identity got its own producer id
	pids := map[int64]bool{}
	for _, tp := range []pub.TopicPartition{tp0, tp1} {
		for _, batch := range b.Batches(tp) {
			pids[batch.ProducerID] = true
		}
	}
	assert.Len(t, pids, 2)
}

func TestMultiTxnProducer_SharedStream(t *testing.T) {
	b := newBroker()
	p := startMulti(t, b)
	ctx := testContext(t)

	md, err := p.SendAndWait(ctx, "", to(tp1, "plain"))
	require.NoError(t, err)
	assert.Equal(t, tp1, md.TopicPartition)
	assert.Equal(t, []string{"plain"}, values(b.Records(tp1)))

	builder, err := p.CreateBatch()
	require.NoError(t, err)
	_, err = builder.Append([]byte("k"), []byte("built"), nil, md.Timestamp)
	require.NoError(t, err)
	fut, err := p.SendBatch(ctx, "", builder, "orders", 1)
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))
	assert.True(t, fut.Resolved())

	require.ErrorIs(t, p.BeginTransaction(ctx, ""), pub.ErrIllegalOperation)
	require.ErrorIs(t, p.CommitTransaction(ctx, ""), pub.ErrIllegalOperation)
}

func TestMultiTxnProducer_CommitWithOffsets(t *testing.T) {
	b := newBroker()
	p := startMulti(t, b)
	ctx := testContext(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, p.MaybeBeginTransaction(ctx, id))
		require.NoError(t, p.MaybeBeginTransaction(ctx, id), "already open")
		_, err := p.Send(ctx, id, to(tp0, id))
		require.NoError(t, err)
	}

	offsets := map[string]map[pub.TopicPartition]pub.OffsetAndMetadata{
		"a": {{Topic: "in", Partition: 0}: {Offset: 5}},
		"b": {{Topic: "in", Partition: 1}: {Offset: 9, Metadata: "b"}},
	}
	require.NoError(t, p.Commit(ctx, offsets, "workers", true))

	assert.ElementsMatch(t, []string{"a", "b"}, values(b.Records(tp0)))
	assert.Equal(t, map[pub.TopicPartition]pub.OffsetAndMetadata{
		{Topic: "in", Partition: 0}: {Offset: 5},
		{Topic: "in", Partition: 1}: {Offset: 9, Metadata: "b"},
	}, b.CommittedOffsets("workers"))

	// startNew opened the next transactions
	_, err := p.Send(ctx, "a", to(tp1, "next"))
	require.NoError(t, err)
	require.NoError(t, p.CommitTransaction(ctx, "a"))
	assert.Equal(t, []string{"next"}, values(b.Records(tp1)))
}

func TestMultiTxnProducer_StopTransaction(t *testing.T) {
	b := newBroker()
	p := startMulti(t, b)
	ctx := testContext(t)

	require.NoError(t, p.BeginTransaction(ctx, "a"))
	_, err := p.SendAndWait(ctx, "a", to(tp0, "dropped"))
	require.NoError(t, err)

	require.NoError(t, p.StopTransaction(ctx, "a"))
	require.NoError(t, p.StopTransaction(ctx, "a"), "unknown ids are ignored")
	assert.Empty(t, p.Transactions())
	assert.Empty(t, b.Records(tp0), "the open transaction was aborted")

	_, err = p.Send(ctx, "a", to(tp0, "late"))
	require.ErrorIs(t, err, pub.ErrIllegalOperation)

	// the identity can be picked up again with a fresh stream
	require.NoError(t, p.BeginTransaction(ctx, "a"))
	_, err = p.SendAndWait(ctx, "a", to(tp0, "again"))
	require.NoError(t, err)
	require.NoError(t, p.CommitTransaction(ctx, "a"))
	assert.Equal(t, []string{"again"}, values(b.Records(tp0)))
}

func TestMultiTxnProducer_Stop(t *testing.T) {
	b := newBroker()
	p, err := NewMultiTxnProducer(testConfig(Config{}), b, b, codec.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := testContext(t)

	_, err = p.Send(ctx, "", to(tp0, "a"))
	require.ErrorIs(t, err, pub.ErrIllegalOperation, "not started")

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.BeginTransaction(ctx, "a"))
	_, err = p.SendAndWait(ctx, "a", to(tp0, "open"))
	require.NoError(t, err)

	require.NoError(t, p.Stop(ctx))
	assert.Empty(t, b.Records(tp0))

	_, err = p.Send(ctx, "", to(tp0, "b"))
	require.ErrorIs(t, err, pub.ErrProducerClosed)
	require.ErrorIs(t, p.BeginTransaction(ctx, "b"), pub.ErrProducerClosed)
	require.NoError(t, p.Stop(ctx))
}
