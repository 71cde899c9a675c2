package controller

import (
	"fmt"

	"github.com/couchbase/gocb/v2"

	"kpub/internal/couchbase"
	"kpub/internal/pub"
)

// Batch statuses. Pending batches belong to an open transaction and are
// hidden from readers until it commits.
const (
	StatusVisible = "visible"
	StatusPending = "pending"
	StatusAborted = "aborted"
)

// Topic records the partition count of a topic.
type Topic struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Partitions int32  `json:"partitions"`
}

// Log is the write position of a partition: the offset the next record gets.
type Log struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Next      int64  `json:"next"`
}

// Batch is a produced batch as appended to a partition log.
type Batch struct {
	ID            string       `json:"id"`
	Topic         string       `json:"topic"`
	Partition     int32        `json:"partition"`
	BaseOffset    int64        `json:"baseOffset"`
	ProducerID    int64        `json:"producerID"`
	ProducerEpoch int16        `json:"producerEpoch"`
	BaseSequence  int32        `json:"baseSequence"`
	Status        string       `json:"status"`
	Records       []pub.Record `json:"records"`
}

// recentBatch remembers where an accepted sequence landed so a resend can
// be answered as a duplicate.
type recentBatch struct {
	Sequence int32 `json:"sequence"`
	Offset   int64 `json:"offset"`
}

// maxRecentBatches matches the in-flight window of an idempotent producer.
const maxRecentBatches = 5

// ProducerState tracks the sequence numbers of one producer on one partition.
type ProducerState struct {
	ID         string        `json:"id"`
	ProducerID int64         `json:"producerID"`
	Topic      string        `json:"topic"`
	Partition  int32         `json:"partition"`
	Epoch      int16         `json:"epoch"`
	NextSeq    int32         `json:"nextSeq"`
	Recent     []recentBatch `json:"recent"`
}

// PendingOffset is a group offset waiting for its transaction to commit.
type PendingOffset struct {
	Group string `json:"group"`
	pub.TopicPartition
	pub.OffsetAndMetadata
}

// Transaction is the coordinator state of a transactional id.
type Transaction struct {
	ID              string               `json:"id"`
	TransactionalID string               `json:"transactionalID"`
	ProducerID      int64                `json:"producerID"`
	Epoch           int16                `json:"epoch"`
	Ongoing         bool                 `json:"ongoing"`
	Partitions      []pub.TopicPartition `json:"partitions"`
	Groups          []string             `json:"groups"`
	Batches         []string             `json:"batches"`
	Offsets         []PendingOffset      `json:"offsets"`
}

// GroupOffset is a committed consumer group offset.
type GroupOffset struct {
	ID        string `json:"id"`
	Group     string `json:"group"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	pub.OffsetAndMetadata

	couchbase.Cas `json:"-"`
}

func TopicKey(topic string) string {
	return "topic::" + topic
}

func LogKey(tp pub.TopicPartition) string {
	return fmt.Sprintf("log::%s::%d", tp.Topic, tp.Partition)
}

func BatchKey(tp pub.TopicPartition, baseOffset int64) string {
	return fmt.Sprintf("batch::%s::%d::%020d", tp.Topic, tp.Partition, baseOffset)
}

func ProducerKey(producerID int64, tp pub.TopicPartition) string {
	return fmt.Sprintf("producer::%d::%s::%d", producerID, tp.Topic, tp.Partition)
}

func TransactionKey(transactionalID string) string {
	return "txn::" + transactionalID
}

func GroupOffsetKey(group string, tp pub.TopicPartition) string {
	return fmt.Sprintf("group::%s::%s::%d", group, tp.Topic, tp.Partition)
}

// producerIDCounter allocates producer ids.
const producerIDCounter = "counter::producer-id"

// Stores are the collections the controller keeps its state in, all in one scope.
type Stores struct {
	Topics       couchbase.Collection[Topic]
	Logs         couchbase.Collection[Log]
	Batches      couchbase.Collection[Batch]
	Producers    couchbase.Collection[ProducerState]
	Transactions couchbase.Collection[Transaction]
	Groups       couchbase.Collection[GroupOffset]
}

// NewStores opens the controller collections of scope. The collections must exist.
func NewStores(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (Stores, error) {
	var (
		s   Stores
		err error
	)
	sc := bucket.Scope(scope)

	if s.Topics, err = couchbase.NewStore[Topic](cluster, bucket, sc.Collection("topics")); err != nil {
		return Stores{}, err
	}
	if s.Logs, err = couchbase.NewStore[Log](cluster, bucket, sc.Collection("logs")); err != nil {
		return Stores{}, err
	}
	if s.Batches, err = couchbase.NewStore[Batch](cluster, bucket, sc.Collection("batches")); err != nil {
		return Stores{}, err
	}
	if s.Producers, err = couchbase.NewStore[ProducerState](cluster, bucket, sc.Collection("producers")); err != nil {
		return Stores{}, err
	}
	if s.Transactions, err = couchbase.NewStore[Transaction](cluster, bucket, sc.Collection("transactions")); err != nil {
		return Stores{}, err
	}
	if s.Groups, err = couchbase.NewStore[GroupOffset](cluster, bucket, sc.Collection("groups")); err != nil {
		return Stores{}, err
	}

	return s, nil
}
