package controller

import (
	"slices"

	"github.com/twmb/franz-go/pkg/kerr"

	"kpub/internal/pub"
)

// check validates the sequence of a batch from this producer. A batch seen
// recently is a duplicate; the offset it landed at is returned with
// kerr.DuplicateSequenceNumber.
func (p *ProducerState) check(epoch int16, baseSequence int32) (int64, *kerr.Error) {
	switch {
	case epoch < p.Epoch:
		return -1, kerr.InvalidProducerEpoch
	case epoch > p.Epoch:
		// a new epoch restarts the sequence at zero
		if baseSequence != 0 {
			return -1, kerr.OutOfOrderSequenceNumber
		}
		return -1, nil
	case baseSequence < p.NextSeq:
		for _, r := range p.Recent {
			if r.Sequence == baseSequence {
				return r.Offset, kerr.DuplicateSequenceNumber
			}
		}
		return -1, kerr.OutOfOrderSequenceNumber
	case baseSequence > p.NextSeq:
		return -1, kerr.OutOfOrderSequenceNumber
	}
	return -1, nil
}

// accept advances the state past a batch of count records stored at baseOffset.
func (p *ProducerState) accept(epoch int16, baseSequence int32, count int, baseOffset int64) {
	if epoch > p.Epoch {
		p.Epoch = epoch
		p.NextSeq = 0
		p.Recent = nil
	}
	p.NextSeq = baseSequence + int32(count)
	p.Recent = append(p.Recent, recentBatch{Sequence: baseSequence, Offset: baseOffset})
	if len(p.Recent) > maxRecentBatches {
		p.Recent = slices.Delete(p.Recent, 0, len(p.Recent)-maxRecentBatches)
	}
}

// validate checks that a request comes from the current producer of t.
func (t *Transaction) validate(producerID int64, epoch int16) *kerr.Error {
	switch {
	case producerID != t.ProducerID:
		return kerr.InvalidProducerIDMapping
	case epoch < t.Epoch:
		return kerr.ProducerFenced
	case epoch > t.Epoch:
		return kerr.InvalidProducerEpoch
	}
	return nil
}

// canAppend reports why a transactional batch for tp may not be written.
func (t *Transaction) canAppend(epoch int16, tp pub.TopicPartition) *kerr.Error {
	switch {
	case epoch < t.Epoch:
		return kerr.ProducerFenced
	case !t.Ongoing, !slices.Contains(t.Partitions, tp):
		return kerr.InvalidTxnState
	}
	return nil
}

func (t *Transaction) addPartitions(tps []pub.TopicPartition) {
	for _, tp := range tps {
		if !slices.Contains(t.Partitions, tp) {
			t.Partitions = append(t.Partitions, tp)
		}
	}
	t.Ongoing = true
}

func (t *Transaction) addGroup(group string) {
	if !slices.Contains(t.Groups, group) {
		t.Groups = append(t.Groups, group)
	}
	t.Ongoing = true
}

// stageOffsets records offsets of a group added to the transaction. Later
// offsets for the same partition replace earlier ones.
func (t *Transaction) stageOffsets(group string, offsets map[pub.TopicPartition]pub.OffsetAndMetadata) *kerr.Error {
	if !t.Ongoing || !slices.Contains(t.Groups, group) {
		return kerr.InvalidTxnState
	}
	for tp, om := range offsets {
		i := slices.IndexFunc(t.Offsets, func(p PendingOffset) bool {
			return p.Group == group && p.TopicPartition == tp
		})
		if i >= 0 {
			t.Offsets[i].OffsetAndMetadata = om
			continue
		}
		t.Offsets = append(t.Offsets, PendingOffset{Group: group, TopicPartition: tp, OffsetAndMetadata: om})
	}
	return nil
}

// reset forgets the finished transaction.
func (t *Transaction) reset() {
	t.Ongoing = false
	t.Partitions = nil
	t.Groups = nil
	t.Batches = nil
	t.Offsets = nil
}

// endStatus is the status batches of a transaction get when it ends.
func endStatus(commit bool) string {
	if commit {
		return StatusVisible
	}
	return StatusAborted
}
