// Package controller is a broker backed by Couchbase. It implements
// pub.Cluster, pub.Transport and pub.Log on top of a handful of collections:
// partition logs, batches, producer state, transaction coordinator state and
// group offsets. Writes run in Couchbase distributed transactions so the log
// and the sequence bookkeeping move together.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/couchbase/gocb/v2"
	"github.com/twmb/franz-go/pkg/kerr"
	"go.uber.org/zap"

	"kpub/internal/couchbase"
	"kpub/internal/pub"
	"kpub/internal/validator"
)

// errRejected rolls back a Couchbase transaction whose request the broker
// answered with an error code.
var errRejected = errors.New("request rejected")

// Config holds the controller settings.
type Config struct {
	// NodeID is the single node every partition and coordinator lives on.
	NodeID int32 `env:"CONTROLLER_NODE_ID" envDefault:"0"`
	// AutoCreatePartitions creates unknown topics on first use when positive.
	AutoCreatePartitions int32 `env:"CONTROLLER_AUTO_CREATE_PARTITIONS" envDefault:"0"`
	// APIVersion is what Bootstrap reports to producers.
	APIVersion string `env:"CONTROLLER_API_VERSION" envDefault:"2.8.0"`
}

// Controller is the concrete implementation of pub.Cluster and pub.Transport.
type Controller struct {
	stores       Stores
	transactions couchbase.Transactor
	codec        pub.Codec
	logger       *zap.Logger

	node       int32
	autoCreate int32
	version    pub.APIVersion

	mu       sync.RWMutex
	metadata map[string][]int32
}

const maxCommitAttempts = 5

var (
	_ pub.Cluster   = (*Controller)(nil)
	_ pub.Transport = (*Controller)(nil)
	_ pub.Log       = (*Controller)(nil)
)

// NewController creates a controller over stores. Every multi-document write
// goes through transactions.
func NewController(cfg Config, stores Stores, transactions couchbase.Transactor, c pub.Codec, logger *zap.Logger) (*Controller, error) {
	if err := validator.Validate(
		"controller",
		stores.Topics,
		stores.Logs,
		stores.Batches,
		stores.Producers,
		stores.Transactions,
		stores.Groups,
		transactions,
		c,
		logger,
	); err != nil {
		return nil, fmt.Errorf("failed to validate controller dependencies: %w", err)
	}

	version, err := pub.ParseAPIVersion(cfg.APIVersion)
	if err != nil {
		return nil, err
	}

	return &Controller{
		stores:       stores,
		transactions: transactions,
		codec:        c,
		logger:       logger.Named("controller"),
		node:         cfg.NodeID,
		autoCreate:   cfg.AutoCreatePartitions,
		version:      version,
		metadata:     make(map[string][]int32),
	}, nil
}

// CreateTopic registers topic with the given number of partitions. It is a
// no-op when the topic exists.
func (c *Controller) CreateTopic(ctx context.Context, topic string, partitions int32) error {
	if partitions <= 0 {
		return fmt.Errorf("topic %s needs at least one partition", topic)
	}

	err := c.stores.Topics.Insert(ctx, TopicKey(topic), Topic{
		ID:         TopicKey(topic),
		Name:       topic,
		Partitions: partitions,
	})
	if err != nil && !errors.Is(err, gocb.ErrDocumentExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}

	return nil
}

// Bootstrap implements pub.Cluster by checking the bucket answers.
func (c *Controller) Bootstrap(ctx context.Context) (pub.APIVersion, error) {
	if err := c.stores.Topics.Ping(ctx); err != nil {
		return pub.APIVersion{}, err
	}
	c.logger.Info("controller ready", zap.Stringer("api_version", c.version), zap.Int32("node", c.node))
	return c.version, nil
}

// WaitOnMetadata implements pub.Cluster. Metadata is cached until RequestUpdate.
func (c *Controller) WaitOnMetadata(ctx context.Context, topic string) ([]int32, error) {
	if partitions := c.PartitionsFor(topic); partitions != nil {
		return partitions, nil
	}

	doc, err := c.stores.Topics.Get(ctx, TopicKey(topic))
	switch {
	case err == nil:
	case errors.Is(err, gocb.ErrDocumentNotFound) && c.autoCreate > 0:
		if err := c.CreateTopic(ctx, topic, c.autoCreate); err != nil {
			return nil, err
		}
		return c.WaitOnMetadata(ctx, topic)
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return nil, fmt.Errorf("failed to get metadata for %q: %w", topic, kerr.UnknownTopicOrPartition)
	default:
		return nil, fmt.Errorf("failed to get metadata for %q: %w", topic, err)
	}

	partitions := make([]int32, doc.Partitions)
	for i := range partitions {
		partitions[i] = int32(i)
	}

	c.mu.Lock()
	c.metadata[topic] = partitions
	c.mu.Unlock()

	return partitions, nil
}

// PartitionsFor implements pub.Cluster.
func (c *Controller) PartitionsFor(topic string) []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata[topic]
}

// AvailablePartitionsFor implements pub.Cluster. Every partition lives on
// this node, so all known partitions are available.
func (c *Controller) AvailablePartitionsFor(topic string) []int32 {
	return c.PartitionsFor(topic)
}

// Leader implements pub.Cluster.
func (c *Controller) Leader(tp pub.TopicPartition) (int32, bool) {
	partitions := c.PartitionsFor(tp.Topic)
	if tp.Partition < 0 || int(tp.Partition) >= len(partitions) {
		return 0, false
	}
	return c.node, true
}

// AnyNode implements pub.Cluster.
func (c *Controller) AnyNode() (int32, bool) {
	return c.node, true
}

// RequestUpdate implements pub.Cluster by dropping the cached metadata.
func (c *Controller) RequestUpdate() {
	c.mu.Lock()
	clear(c.metadata)
	c.mu.Unlock()
}

func (c *Controller) transportError(err error) error {
	return &pub.TransportError{Node: c.node, Err: err}
}

// Produce implements pub.Transport. Batches are appended one transaction at
// a time; a storage failure fails the whole request at the transport level.
func (c *Controller) Produce(ctx context.Context, node int32, req *pub.ProduceRequest) (*pub.ProduceResponse, error) {
	resp := &pub.ProduceResponse{Partitions: make(map[pub.TopicPartition]pub.PartitionResponse, len(req.Batches))}

	for _, pb := range req.Batches {
		pr, err := c.appendBatch(ctx, node, req.TransactionalID, pb)
		if err != nil {
			return nil, c.transportError(err)
		}
		resp.Partitions[pb.TopicPartition] = pr
	}

	if req.Acks == 0 {
		return nil, nil
	}
	return resp, nil
}

func (c *Controller) appendBatch(ctx context.Context, node int32, transactionalID string, pb pub.ProduceBatch) (pub.PartitionResponse, error) {
	tp := pb.TopicPartition
	fail := func(e *kerr.Error) (pub.PartitionResponse, error) {
		return pub.PartitionResponse{ErrorCode: e.Code, BaseOffset: -1}, nil
	}

	if node != c.node {
		return fail(kerr.NotLeaderForPartition)
	}
	if _, err := c.WaitOnMetadata(ctx, tp.Topic); err != nil {
		if errors.Is(err, kerr.UnknownTopicOrPartition) {
			return fail(kerr.UnknownTopicOrPartition)
		}
		return pub.PartitionResponse{}, err
	}
	if _, ok := c.Leader(tp); !ok {
		return fail(kerr.UnknownTopicOrPartition)
	}

	h, records, err := c.codec.Decode(pb.Records)
	if err != nil || len(records) != pb.RecordCount {
		return fail(kerr.CorruptMessage)
	}

	var (
		rejected *kerr.Error
		base     int64
	)
	_, err = c.transactions.Transaction(ctx, func(r couchbase.TransactionRunner) error {
		rejected = nil

		status := StatusVisible
		var (
			txnDoc couchbase.Document
			txn    Transaction
		)
		if h.Transactional {
			doc, err := r.Get(c.stores.Transactions, TransactionKey(transactionalID), &txn)
			switch {
			case errors.Is(err, gocb.ErrDocumentNotFound):
				rejected = kerr.InvalidProducerIDMapping
				return errRejected
			case err != nil:
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			if txn.ProducerID != h.ProducerID {
				rejected = kerr.InvalidProducerIDMapping
				return errRejected
			}
			if rejected = txn.canAppend(h.ProducerEpoch, tp); rejected != nil {
				return errRejected
			}
			txnDoc = doc
			status = StatusPending
		}

		var (
			producerDoc couchbase.Document
			producer    ProducerState
		)
		if h.ProducerID != pub.NoProducerID {
			key := ProducerKey(h.ProducerID, tp)
			init := ProducerState{ID: key, ProducerID: h.ProducerID, Topic: tp.Topic, Partition: tp.Partition, Epoch: h.ProducerEpoch}
			doc, err := getOrInsert(r, c.stores.Producers, key, init, &producer)
			if err != nil {
				return fmt.Errorf("failed to get producer state: %w", err)
			}
			offset, kerrc := producer.check(h.ProducerEpoch, h.BaseSequence)
			if kerrc != nil {
				rejected = kerrc
				base = offset
				return errRejected
			}
			producerDoc = doc
		}

		var log Log
		logDoc, err := getOrInsert(r, c.stores.Logs, LogKey(tp), Log{ID: LogKey(tp), Topic: tp.Topic, Partition: tp.Partition}, &log)
		if err != nil {
			return fmt.Errorf("failed to get log: %w", err)
		}

		base = log.Next
		batchKey := BatchKey(tp, base)
		if _, err := r.Insert(c.stores.Batches, batchKey, Batch{
			ID:            batchKey,
			Topic:         tp.Topic,
			Partition:     tp.Partition,
			BaseOffset:    base,
			ProducerID:    h.ProducerID,
			ProducerEpoch: h.ProducerEpoch,
			BaseSequence:  h.BaseSequence,
			Status:        status,
			Records:       records,
		}); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		log.Next += int64(len(records))
		if _, err := r.Replace(logDoc, log); err != nil {
			return fmt.Errorf("failed to advance log: %w", err)
		}
		if producerDoc != nil {
			producer.accept(h.ProducerEpoch, h.BaseSequence, len(records), base)
			if _, err := r.Replace(producerDoc, producer); err != nil {
				return fmt.Errorf("failed to update producer state: %w", err)
			}
		}
		if txnDoc != nil {
			txn.Batches = append(txn.Batches, batchKey)
			if _, err := r.Replace(txnDoc, txn); err != nil {
				return fmt.Errorf("failed to update transaction: %w", err)
			}
		}

		return nil
	})

	switch {
	case rejected == kerr.DuplicateSequenceNumber:
		return pub.PartitionResponse{ErrorCode: rejected.Code, BaseOffset: base}, nil
	case rejected != nil:
		return fail(rejected)
	case err != nil:
		return pub.PartitionResponse{}, fmt.Errorf("failed to append batch to %s: %w", tp, err)
	}

	c.logger.Debug("batch appended",
		zap.Stringer("partition", tp),
		zap.Int64("base_offset", base),
		zap.Int("records", len(records)),
	)

	return pub.PartitionResponse{BaseOffset: base}, nil
}

// getOrInsert reads key into v, inserting init first when it is missing.
func getOrInsert[T any](r couchbase.TransactionRunner, tc couchbase.TransactionCollection, key string, init T, v *T) (couchbase.Document, error) {
	doc, err := r.Get(tc, key, v)
	switch {
	case err == nil:
		return doc, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		doc, err := r.Insert(tc, key, init)
		if err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", key, err)
		}
		*v = init
		return doc, nil
	default:
		return nil, err
	}
}

// FindCoordinator implements pub.Transport. Every coordinator lives on this node.
func (c *Controller) FindCoordinator(context.Context, *pub.FindCoordinatorRequest) (*pub.FindCoordinatorResponse, error) {
	return &pub.FindCoordinatorResponse{Node: c.node}, nil
}

// InitProducerID implements pub.Transport. A known transactional id keeps its
// producer id, gets its epoch bumped and its ongoing transaction aborted.
func (c *Controller) InitProducerID(ctx context.Context, node int32, req *pub.InitProducerIDRequest) (*pub.InitProducerIDResponse, error) {
	if req.TransactionalID != "" && node != c.node {
		return &pub.InitProducerIDResponse{ErrorCode: kerr.NotCoordinator.Code}, nil
	}

	pid, err := c.stores.Transactions.Increment(ctx, producerIDCounter, 1, 1000)
	if err != nil {
		return nil, c.transportError(err)
	}
	if req.TransactionalID == "" {
		return &pub.InitProducerIDResponse{ProducerID: int64(pid)}, nil
	}

	var txn Transaction
	key := TransactionKey(req.TransactionalID)
	_, err = c.transactions.Transaction(ctx, func(r couchbase.TransactionRunner) error {
		init := Transaction{ID: key, TransactionalID: req.TransactionalID, ProducerID: int64(pid), Epoch: -1}
		doc, err := getOrInsert(r, c.stores.Transactions, key, init, &txn)
		if err != nil {
			return err
		}
		if txn.Ongoing {
			if err := c.endLocked(r, &txn, false); err != nil {
				return err
			}
		}
		txn.Epoch++
		_, err = r.Replace(doc, txn)
		return err
	})
	if err != nil {
		return nil, c.transportError(fmt.Errorf("failed to init producer id for %s: %w", req.TransactionalID, err))
	}

	c.logger.Info("producer id assigned",
		zap.String("transactional_id", req.TransactionalID),
		zap.Int64("producer_id", txn.ProducerID),
		zap.Int16("epoch", txn.Epoch),
	)

	return &pub.InitProducerIDResponse{ProducerID: txn.ProducerID, ProducerEpoch: txn.Epoch}, nil
}

// coordinate runs fn on the coordinator state of transactionalID after
// checking the caller owns it. fn answers with an error code or nil to
// persist its changes.
func (c *Controller) coordinate(ctx context.Context, node int32, transactionalID string, producerID int64, epoch int16, fn func(r couchbase.TransactionRunner, txn *Transaction) *kerr.Error) (int16, error) {
	if node != c.node {
		return kerr.NotCoordinator.Code, nil
	}

	var rejected *kerr.Error
	_, err := c.transactions.Transaction(ctx, func(r couchbase.TransactionRunner) error {
		rejected = nil

		var txn Transaction
		doc, err := r.Get(c.stores.Transactions, TransactionKey(transactionalID), &txn)
		switch {
		case errors.Is(err, gocb.ErrDocumentNotFound):
			rejected = kerr.InvalidProducerIDMapping
			return errRejected
		case err != nil:
			return err
		}
		if rejected = txn.validate(producerID, epoch); rejected != nil {
			return errRejected
		}
		if rejected = fn(r, &txn); rejected != nil {
			return errRejected
		}

		_, err = r.Replace(doc, txn)
		return err
	})

	switch {
	case rejected != nil:
		return rejected.Code, nil
	case err != nil:
		return 0, c.transportError(fmt.Errorf("failed to update transaction %s: %w", transactionalID, err))
	}
	return 0, nil
}

// AddPartitionsToTxn implements pub.Transport.
func (c *Controller) AddPartitionsToTxn(ctx context.Context, node int32, req *pub.AddPartitionsToTxnRequest) (*pub.AddPartitionsToTxnResponse, error) {
	for _, tp := range req.Partitions {
		if _, err := c.WaitOnMetadata(ctx, tp.Topic); err != nil && !errors.Is(err, kerr.UnknownTopicOrPartition) {
			return nil, c.transportError(err)
		}
	}

	code, err := c.coordinate(ctx, node, req.TransactionalID, req.ProducerID, req.ProducerEpoch, func(_ couchbase.TransactionRunner, txn *Transaction) *kerr.Error {
		for _, tp := range req.Partitions {
			if _, ok := c.Leader(tp); !ok {
				return kerr.UnknownTopicOrPartition
			}
		}
		txn.addPartitions(req.Partitions)
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &pub.AddPartitionsToTxnResponse{Errors: make(map[pub.TopicPartition]int16, len(req.Partitions))}
	for _, tp := range req.Partitions {
		resp.Errors[tp] = code
	}
	return resp, nil
}

// AddOffsetsToTxn implements pub.Transport.
func (c *Controller) AddOffsetsToTxn(ctx context.Context, node int32, req *pub.AddOffsetsToTxnRequest) (*pub.AddOffsetsToTxnResponse, error) {
	code, err := c.coordinate(ctx, node, req.TransactionalID, req.ProducerID, req.ProducerEpoch, func(_ couchbase.TransactionRunner, txn *Transaction) *kerr.Error {
		txn.addGroup(req.GroupID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pub.AddOffsetsToTxnResponse{ErrorCode: code}, nil
}

// TxnOffsetCommit implements pub.Transport. The offsets become visible when
// the transaction commits.
func (c *Controller) TxnOffsetCommit(ctx context.Context, node int32, req *pub.TxnOffsetCommitRequest) (*pub.TxnOffsetCommitResponse, error) {
	code, err := c.coordinate(ctx, node, req.TransactionalID, req.ProducerID, req.ProducerEpoch, func(_ couchbase.TransactionRunner, txn *Transaction) *kerr.Error {
		return txn.stageOffsets(req.GroupID, req.Offsets)
	})
	if err != nil {
		return nil, err
	}

	resp := &pub.TxnOffsetCommitResponse{Errors: make(map[pub.TopicPartition]int16, len(req.Offsets))}
	for tp := range req.Offsets {
		resp.Errors[tp] = code
	}
	return resp, nil
}

// EndTxn implements pub.Transport.
func (c *Controller) EndTxn(ctx context.Context, node int32, req *pub.EndTxnRequest) (*pub.EndTxnResponse, error) {
	var endErr error
	code, err := c.coordinate(ctx, node, req.TransactionalID, req.ProducerID, req.ProducerEpoch, func(r couchbase.TransactionRunner, txn *Transaction) *kerr.Error {
		endErr = nil
		if !txn.Ongoing {
			return kerr.InvalidTxnState
		}
		endErr = c.endLocked(r, txn, req.Commit)
		if endErr != nil {
			return kerr.UnknownServerError
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if endErr != nil {
		return nil, c.transportError(endErr)
	}

	c.logger.Debug("transaction ended",
		zap.String("transactional_id", req.TransactionalID),
		zap.Bool("commit", req.Commit),
		zap.Int16("code", code),
	)

	return &pub.EndTxnResponse{ErrorCode: code}, nil
}

// endLocked writes the outcome of txn to its batches and, on commit, its
// group offsets, then resets txn. It runs inside a Couchbase transaction.
func (c *Controller) endLocked(r couchbase.TransactionRunner, txn *Transaction, commit bool) error {
	status := endStatus(commit)
	for _, key := range txn.Batches {
		var b Batch
		doc, err := r.Get(c.stores.Batches, key, &b)
		if err != nil {
			return fmt.Errorf("failed to get batch %s: %w", key, err)
		}
		b.Status = status
		if _, err := r.Replace(doc, b); err != nil {
			return fmt.Errorf("failed to mark batch %s %s: %w", key, status, err)
		}
	}

	if commit {
		for _, p := range txn.Offsets {
			key := GroupOffsetKey(p.Group, p.TopicPartition)
			var g GroupOffset
			init := GroupOffset{ID: key, Group: p.Group, Topic: p.Topic, Partition: p.Partition}
			doc, err := getOrInsert(r, c.stores.Groups, key, init, &g)
			if err != nil {
				return fmt.Errorf("failed to get group offset %s: %w", key, err)
			}
			g.OffsetAndMetadata = p.OffsetAndMetadata
			if _, err := r.Replace(doc, g); err != nil {
				return fmt.Errorf("failed to commit group offset %s: %w", key, err)
			}
		}
	}

	txn.reset()
	return nil
}

// ReadCommitted implements pub.Log.
func (c *Controller) ReadCommitted(ctx context.Context, tp pub.TopicPartition, fromOffset int64, limit int) ([]pub.ConsumerRecord, error) {
	query := fmt.Sprintf(`
		SELECT RAW b
		FROM %s b
		WHERE b.topic = $topic
		AND b.`+"`partition`"+` = $partition
		AND b.baseOffset + ARRAY_LENGTH(b.records) > $from
		AND b.status != $aborted
		ORDER BY b.baseOffset ASC
		LIMIT $limit`,
		c.stores.Batches.Keyspace(),
	)

	batches, err := c.stores.Batches.Query(ctx, query, map[string]any{
		"topic":     tp.Topic,
		"partition": tp.Partition,
		"from":      fromOffset,
		"aborted":   StatusAborted,
		"limit":     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read records of %s: %w", tp, err)
	}

	var records []pub.ConsumerRecord
	for _, b := range batches {
		if b.Status == StatusPending {
			break
		}
		for i, r := range b.Records {
			offset := b.BaseOffset + int64(i)
			if offset < fromOffset {
				continue
			}
			if len(records) == limit {
				return records, nil
			}
			records = append(records, pub.ConsumerRecord{Record: r, TopicPartition: tp, Offset: offset})
		}
	}
	return records, nil
}

// CommittedOffset implements pub.Log.
func (c *Controller) CommittedOffset(ctx context.Context, group string, tp pub.TopicPartition) (pub.OffsetAndMetadata, bool, error) {
	g, err := c.stores.Groups.Get(ctx, GroupOffsetKey(group, tp))
	switch {
	case err == nil:
		return g.OffsetAndMetadata, true, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return pub.OffsetAndMetadata{}, false, nil
	default:
		return pub.OffsetAndMetadata{}, false, fmt.Errorf("failed to get committed offset: %w", err)
	}
}

// CommitOffset stores an offset for group outside any transaction. Offsets
// never move backwards; a stale commit is ignored. Concurrent writers are
// resolved with CAS and the losing side rereads.
func (c *Controller) CommitOffset(ctx context.Context, group string, tp pub.TopicPartition, om pub.OffsetAndMetadata) error {
	key := GroupOffsetKey(group, tp)

	for attempt := 1; ; attempt++ {
		err := c.commitOffset(ctx, key, group, tp, om)
		switch {
		case err == nil:
			return nil
		case attempt < maxCommitAttempts && (errors.Is(err, gocb.ErrCasMismatch) || errors.Is(err, gocb.ErrDocumentExists)):
			c.logger.Debug("offset commit raced, retrying", zap.String("group", group), zap.Stringer("partition", tp), zap.Int("attempt", attempt))
		default:
			return fmt.Errorf("failed to commit offset for group %s on %s: %w", group, tp, err)
		}
	}
}

func (c *Controller) commitOffset(ctx context.Context, key, group string, tp pub.TopicPartition, om pub.OffsetAndMetadata) error {
	g, err := c.stores.Groups.Get(ctx, key)
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return c.stores.Groups.Insert(ctx, key, GroupOffset{
			ID:                key,
			Group:             group,
			Topic:             tp.Topic,
			Partition:         tp.Partition,
			OffsetAndMetadata: om,
		})
	}
	if err != nil {
		return err
	}
	if om.Offset <= g.Offset {
		return nil
	}

	g.OffsetAndMetadata = om
	return c.stores.Groups.Replace(ctx, key, g)
}
