package pub

import (
	"context"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
)

// Transport issues requests to broker nodes. Returned errors are transport
// level failures; broker errors travel as Kafka error codes in the responses.
type Transport interface {
	Produce(ctx context.Context, node int32, req *ProduceRequest) (*ProduceResponse, error)
	InitProducerID(ctx context.Context, node int32, req *InitProducerIDRequest) (*InitProducerIDResponse, error)
	FindCoordinator(ctx context.Context, req *FindCoordinatorRequest) (*FindCoordinatorResponse, error)
	AddPartitionsToTxn(ctx context.Context, node int32, req *AddPartitionsToTxnRequest) (*AddPartitionsToTxnResponse, error)
	AddOffsetsToTxn(ctx context.Context, node int32, req *AddOffsetsToTxnRequest) (*AddOffsetsToTxnResponse, error)
	TxnOffsetCommit(ctx context.Context, node int32, req *TxnOffsetCommitRequest) (*TxnOffsetCommitResponse, error)
	EndTxn(ctx context.Context, node int32, req *EndTxnRequest) (*EndTxnResponse, error)
}

// ProduceRequest carries encoded batches for the partitions led by one node.
type ProduceRequest struct {
	TransactionalID string
	Acks            int16
	Timeout         time.Duration
	Batches         []ProduceBatch
}

// ProduceBatch is one encoded batch for one partition.
type ProduceBatch struct {
	TopicPartition
	RecordCount int
	Records     []byte
}

// ProduceResponse is nil when the request was sent with acks=0.
type ProduceResponse struct {
	Partitions map[TopicPartition]PartitionResponse
}

type PartitionResponse struct {
	ErrorCode  int16
	BaseOffset int64
	// LogAppendTime is zero when the topic uses create time.
	LogAppendTime time.Time
}

type InitProducerIDRequest struct {
	TransactionalID    string
	TransactionTimeout time.Duration
}

type InitProducerIDResponse struct {
	ErrorCode     int16
	ProducerID    int64
	ProducerEpoch int16
}

// CoordinatorType selects which coordinator FindCoordinator looks up.
type CoordinatorType int8

const (
	CoordinatorGroup CoordinatorType = iota
	CoordinatorTransaction
)

func (c CoordinatorType) String() string {
	if c == CoordinatorTransaction {
		return "transaction"
	}
	return "group"
}

type FindCoordinatorRequest struct {
	Key  string
	Type CoordinatorType
}

type FindCoordinatorResponse struct {
	ErrorCode int16
	Node      int32
}

type AddPartitionsToTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	Partitions      []TopicPartition
}

type AddPartitionsToTxnResponse struct {
	Errors map[TopicPartition]int16
}

type AddOffsetsToTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	GroupID         string
}

type AddOffsetsToTxnResponse struct {
	ErrorCode int16
}

type TxnOffsetCommitRequest struct {
	TransactionalID string
	GroupID         string
	ProducerID      int64
	ProducerEpoch   int16
	Offsets         map[TopicPartition]OffsetAndMetadata
}

type TxnOffsetCommitResponse struct {
	Errors map[TopicPartition]int16
}

type EndTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	Commit          bool
}

type EndTxnResponse struct {
	ErrorCode int16
}

// CodeError maps a Kafka error code to its kerr error, nil for success.
func CodeError(code int16) error {
	return kerr.ErrorForCode(code)
}

// ErrorCode is the inverse of CodeError for kerr errors; unknown errors map to -1.
func ErrorCode(err error) int16 {
	if err == nil {
		return 0
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return kerr.UnknownServerError.Code
}
