// Package memory is an in-process broker implementing pub.Cluster and
// pub.Transport. It validates idempotent sequences and transaction state the
// way a real broker does, and lets tests inject failures.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"go.uber.org/atomic"

	"kpub/internal/pub"
	"kpub/internal/pub/codec"
)

// API names a request type in the request log.
type API string

const (
	APIProduce            API = "Produce"
	APIInitProducerID     API = "InitProducerID"
	APIFindCoordinator    API = "FindCoordinator"
	APIAddPartitionsToTxn API = "AddPartitionsToTxn"
	APIAddOffsetsToTxn    API = "AddOffsetsToTxn"
	APITxnOffsetCommit    API = "TxnOffsetCommit"
	APIEndTxn             API = "EndTxn"
)

// Request is an entry of the request log.
type Request struct {
	API        API
	Node       int32
	Partitions []pub.TopicPartition
	Commit     bool
}

// BatchInfo describes a batch appended to a partition log.
type BatchInfo struct {
	ProducerID    int64
	ProducerEpoch int16
	BaseSequence  int32
	BaseOffset    int64
	RecordCount   int
}

const (
	statusVisible = iota
	statusPending
	statusAborted
)

type storedRecord struct {
	pub.Record
	producerID int64
	status     int
}

type producerKey struct {
	producerID int64
	tp         pub.TopicPartition
}

type producerState struct {
	epoch   int16
	nextSeq int32
	// base sequence to base offset of recently accepted batches
	recent map[int32]int64
}

type transaction struct {
	producerID int64
	epoch      int16
	ongoing    bool
	partitions map[pub.TopicPartition]struct{}
	groups     map[string]map[pub.TopicPartition]pub.OffsetAndMetadata
}

type Option func(*Broker)

// WithNodes sets the broker node ids. Partition leadership is spread over them.
func WithNodes(nodes ...int32) Option {
	return func(b *Broker) {
		b.nodes = nodes
	}
}

// WithTopic creates topic with the given number of partitions.
func WithTopic(topic string, partitions int32) Option {
	return func(b *Broker) {
		b.createTopic(topic, partitions)
	}
}

// WithAutoCreateTopics creates unknown topics with n partitions on first use.
func WithAutoCreateTopics(n int32) Option {
	return func(b *Broker) {
		b.autoCreate = n
	}
}

func WithAPIVersion(v pub.APIVersion) Option {
	return func(b *Broker) {
		b.version = v
	}
}

type Broker struct {
	codec   pub.Codec
	version pub.APIVersion

	mu          sync.Mutex
	nodes       []int32
	autoCreate  int32
	topics      map[string]int32
	leaders     map[pub.TopicPartition]int32
	logs        map[pub.TopicPartition][]storedRecord
	batches     map[pub.TopicPartition][]BatchInfo
	producers   map[producerKey]*producerState
	txns        map[string]*transaction
	offsets     map[string]map[pub.TopicPartition]pub.OffsetAndMetadata
	nextPID     int64
	requests    []Request
	produceErrs map[pub.TopicPartition][]int16
	apiErrs     map[API][]int16
	lostAcks    int
	onProduce   func(ctx context.Context, req *pub.ProduceRequest) error

	updates atomic.Int64
}

var (
	_ pub.Cluster   = (*Broker)(nil)
	_ pub.Transport = (*Broker)(nil)
	_ pub.Log       = (*Broker)(nil)
)

// NewBroker returns a broker with a single node 0 unless configured otherwise.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		codec:       codec.New(),
		version:     pub.Version0_11,
		nodes:       []int32{0},
		topics:      make(map[string]int32),
		leaders:     make(map[pub.TopicPartition]int32),
		logs:        make(map[pub.TopicPartition][]storedRecord),
		batches:     make(map[pub.TopicPartition][]BatchInfo),
		producers:   make(map[producerKey]*producerState),
		txns:        make(map[string]*transaction),
		offsets:     make(map[string]map[pub.TopicPartition]pub.OffsetAndMetadata),
		produceErrs: make(map[pub.TopicPartition][]int16),
		apiErrs:     make(map[API][]int16),
		nextPID:     1000,
	}

	for _, opt := range opts {
		opt(b)
	}
	// topics given before WithNodes are laid out again once nodes are known
	for tp := range b.leaders {
		b.leaders[tp] = b.nodes[int(tp.Partition)%len(b.nodes)]
	}

	return b
}

// createTopic must be called with mu held or before the broker is shared.
func (b *Broker) createTopic(topic string, partitions int32) {
	b.topics[topic] = partitions
	for p := range partitions {
		tp := pub.TopicPartition{Topic: topic, Partition: p}
		b.leaders[tp] = b.nodes[int(p)%len(b.nodes)]
	}
}

func (b *Broker) coordinatorNode() int32 {
	return b.nodes[0]
}

func (b *Broker) log(r Request) {
	b.requests = append(b.requests, r)
}

// Bootstrap implements pub.Cluster.
func (b *Broker) Bootstrap(context.Context) (pub.APIVersion, error) {
	return b.version, nil
}

// WaitOnMetadata implements pub.Cluster.
func (b *Broker) WaitOnMetadata(ctx context.Context, topic string) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; !ok {
		if b.autoCreate <= 0 {
			return nil, fmt.Errorf("failed to get metadata for %q: %w", topic, kerr.UnknownTopicOrPartition)
		}
		b.createTopic(topic, b.autoCreate)
	}
	return b.partitionsLocked(topic, false), nil
}

func (b *Broker) PartitionsFor(topic string) []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.partitionsLocked(topic, false)
}

func (b *Broker) AvailablePartitionsFor(topic string) []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.partitionsLocked(topic, true)
}

func (b *Broker) partitionsLocked(topic string, available bool) []int32 {
	n, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]int32, 0, n)
	for p := range n {
		if _, led := b.leaders[pub.TopicPartition{Topic: topic, Partition: p}]; available && !led {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (b *Broker) Leader(tp pub.TopicPartition) (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.leaders[tp]
	return n, ok
}

func (b *Broker) AnyNode() (int32, bool) {
	return b.nodes[0], true
}

func (b *Broker) RequestUpdate() {
	b.updates.Inc()
}

// MetadataUpdates counts RequestUpdate calls.
func (b *Broker) MetadataUpdates() int64 {
	return b.updates.Load()
}

// SetLeader moves tp to node; ok=false leaves tp without a leader.
func (b *Broker) SetLeader(tp pub.TopicPartition, node int32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ok {
		delete(b.leaders, tp)
		return
	}
	b.leaders[tp] = node
}

// FailProduce makes the next produce attempts for tp fail, one code per attempt.
func (b *Broker) FailProduce(tp pub.TopicPartition, codes ...int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.produceErrs[tp] = append(b.produceErrs[tp], codes...)
}

// FailAPI makes the next requests of api fail with codes, one per request.
func (b *Broker) FailAPI(api API, codes ...int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apiErrs[api] = append(b.apiErrs[api], codes...)
}

// LoseProduceAcks makes the next n produce requests write their batches and
// then fail at the transport level, so the producer retries data the broker
// already holds.
func (b *Broker) LoseProduceAcks(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lostAcks += n
}

// OnProduce installs a hook run before every produce request. A non-nil
// error fails the request at the transport level without writing anything.
func (b *Broker) OnProduce(fn func(ctx context.Context, req *pub.ProduceRequest) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onProduce = fn
}

// Fence bumps the epoch of transactionalID as a newer producer instance would.
func (b *Broker) Fence(transactionalID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.txns[transactionalID]; ok {
		t.epoch++
	}
}

// Requests returns the request log.
func (b *Broker) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

// Records returns the readable records of tp: non-transactional and committed ones.
func (b *Broker) Records(tp pub.TopicPartition) []pub.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []pub.Record
	for _, r := range b.logs[tp] {
		if r.status == statusVisible {
			out = append(out, r.Record)
		}
	}
	return out
}

// ReadCommitted implements pub.Log.
func (b *Broker) ReadCommitted(_ context.Context, tp pub.TopicPartition, fromOffset int64, limit int) ([]pub.ConsumerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logs[tp]
	var out []pub.ConsumerRecord
	for offset := max(fromOffset, 0); offset < int64(len(log)) && len(out) < limit; offset++ {
		r := log[offset]
		if r.status == statusPending {
			break
		}
		if r.status == statusAborted {
			continue
		}
		out = append(out, pub.ConsumerRecord{Record: r.Record, TopicPartition: tp, Offset: offset})
	}
	return out, nil
}

// CommittedOffset implements pub.Log.
func (b *Broker) CommittedOffset(_ context.Context, group string, tp pub.TopicPartition) (pub.OffsetAndMetadata, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	om, ok := b.offsets[group][tp]
	return om, ok, nil
}

// CommitOffset implements pub.Log. A commit behind the stored offset is
// ignored.
func (b *Broker) CommitOffset(_ context.Context, group string, tp pub.TopicPartition, om pub.OffsetAndMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.offsets[group][tp]; ok && om.Offset <= cur.Offset {
		return nil
	}
	if b.offsets[group] == nil {
		b.offsets[group] = make(map[pub.TopicPartition]pub.OffsetAndMetadata)
	}
	b.offsets[group][tp] = om
	return nil
}

// LogSize counts every record written to tp, aborted and pending ones included.
func (b *Broker) LogSize(tp pub.TopicPartition) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs[tp])
}

// Batches returns the batches appended to tp in log order.
func (b *Broker) Batches(tp pub.TopicPartition) []BatchInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.batches[tp])
}

// CommittedOffsets returns the offsets committed for group.
func (b *Broker) CommittedOffsets(group string) map[pub.TopicPartition]pub.OffsetAndMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[pub.TopicPartition]pub.OffsetAndMetadata, len(b.offsets[group]))
	for tp, om := range b.offsets[group] {
		out[tp] = om
	}
	return out
}

func (b *Broker) injected(api API) int16 {
	codes := b.apiErrs[api]
	if len(codes) == 0 {
		return 0
	}
	b.apiErrs[api] = codes[1:]
	return codes[0]
}

// Produce implements pub.Transport.
func (b *Broker) Produce(ctx context.Context, node int32, req *pub.ProduceRequest) (*pub.ProduceResponse, error) {
	b.mu.Lock()
	hook := b.onProduce
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	r := Request{API: APIProduce, Node: node}
	resp := &pub.ProduceResponse{Partitions: make(map[pub.TopicPartition]pub.PartitionResponse, len(req.Batches))}
	for _, pb := range req.Batches {
		r.Partitions = append(r.Partitions, pb.TopicPartition)
		resp.Partitions[pb.TopicPartition] = b.appendBatch(node, req.TransactionalID, pb)
	}
	b.log(r)

	if b.lostAcks > 0 {
		b.lostAcks--
		return nil, errors.New("connection reset by peer")
	}
	if req.Acks == 0 {
		return nil, nil
	}
	return resp, nil
}

// appendBatch must be called with mu held.
func (b *Broker) appendBatch(node int32, transactionalID string, pb pub.ProduceBatch) pub.PartitionResponse {
	tp := pb.TopicPartition
	fail := func(e *kerr.Error) pub.PartitionResponse {
		return pub.PartitionResponse{ErrorCode: e.Code, BaseOffset: -1}
	}

	if leader, ok := b.leaders[tp]; !ok {
		if _, known := b.topics[tp.Topic]; !known {
			return fail(kerr.UnknownTopicOrPartition)
		}
		return fail(kerr.LeaderNotAvailable)
	} else if leader != node {
		return fail(kerr.NotLeaderForPartition)
	}
	if codes := b.produceErrs[tp]; len(codes) > 0 {
		b.produceErrs[tp] = codes[1:]
		return pub.PartitionResponse{ErrorCode: codes[0], BaseOffset: -1}
	}

	h, records, err := b.codec.Decode(pb.Records)
	if err != nil || len(records) != pb.RecordCount {
		return fail(kerr.CorruptMessage)
	}

	status := statusVisible
	if h.Transactional {
		t, ok := b.txns[transactionalID]
		switch {
		case !ok:
			return fail(kerr.InvalidProducerIDMapping)
		case h.ProducerEpoch < t.epoch:
			return fail(kerr.ProducerFenced)
		case !t.ongoing:
			return fail(kerr.InvalidTxnState)
		}
		if _, ok := t.partitions[tp]; !ok {
			return fail(kerr.InvalidTxnState)
		}
		status = statusPending
	}

	var st *producerState
	if h.ProducerID != pub.NoProducerID {
		key := producerKey{producerID: h.ProducerID, tp: tp}
		st = b.producers[key]
		if st == nil || h.ProducerEpoch > st.epoch {
			st = &producerState{epoch: h.ProducerEpoch, recent: make(map[int32]int64)}
			b.producers[key] = st
		}
		switch {
		case h.ProducerEpoch < st.epoch:
			return fail(kerr.InvalidProducerEpoch)
		case h.BaseSequence < st.nextSeq:
			if offset, ok := st.recent[h.BaseSequence]; ok {
				return pub.PartitionResponse{ErrorCode: kerr.DuplicateSequenceNumber.Code, BaseOffset: offset}
			}
			return fail(kerr.OutOfOrderSequenceNumber)
		case h.BaseSequence > st.nextSeq:
			return fail(kerr.OutOfOrderSequenceNumber)
		}
	}

	base := int64(len(b.logs[tp]))
	for _, rec := range records {
		b.logs[tp] = append(b.logs[tp], storedRecord{Record: rec, producerID: h.ProducerID, status: status})
	}
	b.batches[tp] = append(b.batches[tp], BatchInfo{
		ProducerID:    h.ProducerID,
		ProducerEpoch: h.ProducerEpoch,
		BaseSequence:  h.BaseSequence,
		BaseOffset:    base,
		RecordCount:   len(records),
	})
	if st != nil {
		st.recent[h.BaseSequence] = base
		st.nextSeq += int32(len(records))
	}

	return pub.PartitionResponse{BaseOffset: base, LogAppendTime: time.Time{}}
}

// FindCoordinator implements pub.Transport. Every coordinator lives on the first node.
func (b *Broker) FindCoordinator(_ context.Context, req *pub.FindCoordinatorRequest) (*pub.FindCoordinatorResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.log(Request{API: APIFindCoordinator, Node: -1})
	if code := b.injected(APIFindCoordinator); code != 0 {
		return &pub.FindCoordinatorResponse{ErrorCode: code, Node: -1}, nil
	}
	return &pub.FindCoordinatorResponse{Node: b.coordinatorNode()}, nil
}

// InitProducerID implements pub.Transport. A known transactional id gets its
// epoch bumped and any ongoing transaction aborted.
func (b *Broker) InitProducerID(_ context.Context, node int32, req *pub.InitProducerIDRequest) (*pub.InitProducerIDResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.log(Request{API: APIInitProducerID, Node: node})
	if code := b.injected(APIInitProducerID); code != 0 {
		return &pub.InitProducerIDResponse{ErrorCode: code}, nil
	}

	if req.TransactionalID == "" {
		b.nextPID++
		return &pub.InitProducerIDResponse{ProducerID: b.nextPID, ProducerEpoch: 0}, nil
	}
	if node != b.coordinatorNode() {
		return &pub.InitProducerIDResponse{ErrorCode: kerr.NotCoordinator.Code}, nil
	}

	t, ok := b.txns[req.TransactionalID]
	if !ok {
		b.nextPID++
		t = &transaction{producerID: b.nextPID}
		b.txns[req.TransactionalID] = t
	} else {
		if t.ongoing {
			b.endLocked(t, false)
		}
		t.epoch++
	}

	return &pub.InitProducerIDResponse{ProducerID: t.producerID, ProducerEpoch: t.epoch}, nil
}

// transaction must be called with mu held.
func (b *Broker) transaction(node int32, transactionalID string, producerID int64, epoch int16) (*transaction, *kerr.Error) {
	if node != b.coordinatorNode() {
		return nil, kerr.NotCoordinator
	}
	t, ok := b.txns[transactionalID]
	switch {
	case !ok:
		return nil, kerr.InvalidProducerIDMapping
	case producerID != t.producerID:
		return nil, kerr.InvalidProducerIDMapping
	case epoch < t.epoch:
		return nil, kerr.ProducerFenced
	}
	return t, nil
}

// AddPartitionsToTxn implements pub.Transport.
func (b *Broker) AddPartitionsToTxn(_ context.Context, node int32, req *pub.AddPartitionsToTxnRequest) (*pub.AddPartitionsToTxnResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.log(Request{API: APIAddPartitionsToTxn, Node: node, Partitions: slices.Clone(req.Partitions)})
	resp := &pub.AddPartitionsToTxnResponse{Errors: make(map[pub.TopicPartition]int16, len(req.Partitions))}

	code := b.injected(APIAddPartitionsToTxn)
	t, kerrc := b.transaction(node, req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	if kerrc != nil {
		code = kerrc.Code
	}
	for _, tp := range req.Partitions {
		switch {
		case code != 0:
			resp.Errors[tp] = code
		case b.topics[tp.Topic] <= tp.Partition:
			resp.Errors[tp] = kerr.UnknownTopicOrPartition.Code
		default:
			if t.partitions == nil {
				t.partitions = make(map[pub.TopicPartition]struct{})
			}
			t.partitions[tp] = struct{}{}
			t.ongoing = true
			resp.Errors[tp] = 0
		}
	}

	return resp, nil
}

// AddOffsetsToTxn implements pub.Transport.
func (b *Broker) AddOffsetsToTxn(_ context.Context, node int32, req *pub.AddOffsetsToTxnRequest) (*pub.AddOffsetsToTxnResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.log(Request{API: APIAddOffsetsToTxn, Node: node})
	if code := b.injected(APIAddOffsetsToTxn); code != 0 {
		return &pub.AddOffsetsToTxnResponse{ErrorCode: code}, nil
	}
	t, kerrc := b.transaction(node, req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	if kerrc != nil {
		return &pub.AddOffsetsToTxnResponse{ErrorCode: kerrc.Code}, nil
	}

	if t.groups == nil {
		t.groups = make(map[string]map[pub.TopicPartition]pub.OffsetAndMetadata)
	}
	if _, ok := t.groups[req.GroupID]; !ok {
		t.groups[req.GroupID] = make(map[pub.TopicPartition]pub.OffsetAndMetadata)
	}
	t.ongoing = true

	return &pub.AddOffsetsToTxnResponse{}, nil
}

// TxnOffsetCommit implements pub.Transport. Offsets become visible when the
// transaction commits.
func (b *Broker) TxnOffsetCommit(_ context.Context, node int32, req *pub.TxnOffsetCommitRequest) (*pub.TxnOffsetCommitResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.log(Request{API: APITxnOffsetCommit, Node: node})
	resp := &pub.TxnOffsetCommitResponse{Errors: make(map[pub.TopicPartition]int16, len(req.Offsets))}

	code := b.injected(APITxnOffsetCommit)
	t, kerrc := b.transaction(node, req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	if kerrc != nil {
		code = kerrc.Code
	}
	var pending map[pub.TopicPartition]pub.OffsetAndMetadata
	if t != nil {
		pending = t.groups[req.GroupID]
		if pending == nil && code == 0 {
			code = kerr.InvalidTxnState.Code
		}
	}
	for tp, om := range req.Offsets {
		resp.Errors[tp] = code
		if code == 0 {
			pending[tp] = om
		}
	}

	return resp, nil
}

// EndTxn implements pub.Transport.
func (b *Broker) EndTxn(_ context.Context, node int32, req *pub.EndTxnRequest) (*pub.EndTxnResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.log(Request{API: APIEndTxn, Node: node, Commit: req.Commit})
	if code := b.injected(APIEndTxn); code != 0 {
		return &pub.EndTxnResponse{ErrorCode: code}, nil
	}
	t, kerrc := b.transaction(node, req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	if kerrc != nil {
		return &pub.EndTxnResponse{ErrorCode: kerrc.Code}, nil
	}
	if !t.ongoing {
		return &pub.EndTxnResponse{ErrorCode: kerr.InvalidTxnState.Code}, nil
	}
	b.endLocked(t, req.Commit)

	return &pub.EndTxnResponse{}, nil
}

func (b *Broker) endLocked(t *transaction, commit bool) {
	status := statusAborted
	if commit {
		status = statusVisible
	}
	for tp := range t.partitions {
		log := b.logs[tp]
		for i := range log {
			if log[i].producerID == t.producerID && log[i].status == statusPending {
				log[i].status = status
			}
		}
	}
	if commit {
		for group, offsets := range t.groups {
			if b.offsets[group] == nil {
				b.offsets[group] = make(map[pub.TopicPartition]pub.OffsetAndMetadata)
			}
			for tp, om := range offsets {
				b.offsets[group][tp] = om
			}
		}
	}

	t.ongoing = false
	t.partitions = nil
	t.groups = nil
}
