package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"

	"kpub/internal/pub"
)

var (
	tp0 = pub.TopicPartition{Topic: "orders", Partition: 0}
	tp1 = pub.TopicPartition{Topic: "orders", Partition: 1}
)

func TestProducerState_Check(t *testing.T) {
	p := &ProducerState{Epoch: 1}
	p.accept(1, 0, 3, 10)
	p.accept(1, 3, 2, 13)

	tests := []struct {
		name       string
		epoch      int16
		seq        int32
		wantErr    *kerr.Error
		wantOffset int64
	}{
		{name: "next in line", epoch: 1, seq: 5, wantOffset: -1},
		{name: "duplicate of first", epoch: 1, seq: 0, wantErr: kerr.DuplicateSequenceNumber, wantOffset: 10},
		{name: "duplicate of last", epoch: 1, seq: 3, wantErr: kerr.DuplicateSequenceNumber, wantOffset: 13},
		{name: "inside a batch", epoch: 1, seq: 1, wantErr: kerr.OutOfOrderSequenceNumber, wantOffset: -1},
		{name: "gap", epoch: 1, seq: 7, wantErr: kerr.OutOfOrderSequenceNumber, wantOffset: -1},
		{name: "old epoch", epoch: 0, seq: 5, wantErr: kerr.InvalidProducerEpoch, wantOffset: -1},
		{name: "new epoch from zero", epoch: 2, seq: 0, wantOffset: -1},
		{name: "new epoch mid sequence", epoch: 2, seq: 5, wantErr: kerr.OutOfOrderSequenceNumber, wantOffset: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, err := p.check(tt.epoch, tt.seq)
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestProducerState_Accept(t *testing.T) {
	p := &ProducerState{}
	for i := range int32(7) {
		p.accept(0, i, 1, int64(100+i))
	}

	assert.Equal(t, int32(7), p.NextSeq)
	require.Len(t, p.Recent, maxRecentBatches)
	assert.Equal(t, recentBatch{Sequence: 2, Offset: 102}, p.Recent[0])

	_, err := p.check(0, 1)
	assert.Equal(t, kerr.OutOfOrderSequenceNumber, err, "forgotten batches are no longer duplicates")

	p.accept(1, 0, 4, 200)
	assert.Equal(t, int16(1), p.Epoch)
	assert.Equal(t, int32(4), p.NextSeq)
	assert.Equal(t, []recentBatch{{Sequence: 0, Offset: 200}}, p.Recent)
}

func TestTransaction_Validate(t *testing.T) {
	txn := &Transaction{ProducerID: 1000, Epoch: 3}

	assert.Nil(t, txn.validate(1000, 3))
	assert.Equal(t, kerr.InvalidProducerIDMapping, txn.validate(1001, 3))
	assert.Equal(t, kerr.ProducerFenced, txn.validate(1000, 2))
	assert.Equal(t, kerr.InvalidProducerEpoch, txn.validate(1000, 4))
}

func TestTransaction_CanAppend(t *testing.T) {
	txn := &Transaction{ProducerID: 1000, Epoch: 1}
	assert.Equal(t, kerr.InvalidTxnState, txn.canAppend(1, tp0), "no transaction open")

	txn.addPartitions([]pub.TopicPartition{tp0, tp0})
	assert.True(t, txn.Ongoing)
	assert.Equal(t, []pub.TopicPartition{tp0}, txn.Partitions)

	assert.Nil(t, txn.canAppend(1, tp0))
	assert.Equal(t, kerr.InvalidTxnState, txn.canAppend(1, tp1), "partition not added")
	assert.Equal(t, kerr.ProducerFenced, txn.canAppend(0, tp0))
}

func TestTransaction_StageOffsets(t *testing.T) {
	txn := &Transaction{}
	in := pub.TopicPartition{Topic: "in", Partition: 2}

	assert.Equal(t, kerr.InvalidTxnState, txn.stageOffsets("billing", map[pub.TopicPartition]pub.OffsetAndMetadata{in: {Offset: 1}}))

	txn.addGroup("billing")
	txn.addGroup("billing")
	assert.Equal(t, []string{"billing"}, txn.Groups)
	assert.Equal(t, kerr.InvalidTxnState, txn.stageOffsets("other", nil), "group not added")

	require.Nil(t, txn.stageOffsets("billing", map[pub.TopicPartition]pub.OffsetAndMetadata{in: {Offset: 1}}))
	require.Nil(t, txn.stageOffsets("billing", map[pub.TopicPartition]pub.OffsetAndMetadata{in: {Offset: 4, Metadata: "m"}}))
	assert.Equal(t, []PendingOffset{{
		Group:             "billing",
		TopicPartition:    in,
		OffsetAndMetadata: pub.OffsetAndMetadata{Offset: 4, Metadata: "m"},
	}}, txn.Offsets)

	txn.Batches = []string{BatchKey(tp0, 0)}
	txn.reset()
	assert.False(t, txn.Ongoing)
	assert.Empty(t, txn.Partitions)
	assert.Empty(t, txn.Groups)
	assert.Empty(t, txn.Batches)
	assert.Empty(t, txn.Offsets)
}

func TestEndStatus(t *testing.T) {
	assert.Equal(t, StatusVisible, endStatus(true))
	assert.Equal(t, StatusAborted, endStatus(false))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "topic::orders", TopicKey("orders"))
	assert.Equal(t, "log::orders::1", LogKey(tp1))
	assert.Equal(t, "batch::orders::0::00000000000000000042", BatchKey(tp0, 42))
	assert.Equal(t, "producer::1000::orders::1", ProducerKey(1000, tp1))
	assert.Equal(t, "txn::payments", TransactionKey("payments"))
	assert.Equal(t, "group::billing::orders::0", GroupOffsetKey("billing", tp0))

	// batch keys sort in offset order
	assert.Less(t, BatchKey(tp0, 9), BatchKey(tp0, 10))
}
