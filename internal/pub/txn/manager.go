// Package txn tracks producer identity, transaction phase and per-partition
// sequence numbers for idempotent and transactional producers.
package txn

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"kpub/internal/pub"
	"kpub/internal/validator"
)

// State is the transaction phase.
type State int

const (
	StateUninitialized State = iota
	StatePidRequested
	StateReady
	StateInTransaction
	StateCommitting
	StateAborting
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePidRequested:
		return "pid_requested"
	case StateReady:
		return "ready"
	case StateInTransaction:
		return "in_transaction"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Config struct {
	// TransactionalID is empty for an idempotent, non-transactional producer.
	TransactionalID    string
	TransactionTimeout time.Duration
}

// txnEnd outlives its transaction so a late waiter still sees the outcome.
type txnEnd struct {
	done chan struct{}
	err  error
}

// finish must be called with the manager's mu held.
func (e *txnEnd) finish(err error) {
	select {
	case <-e.done:
	default:
		e.err = err
		close(e.done)
	}
}

type pendingOffsets struct {
	groupID    string
	offsets    map[pub.TopicPartition]pub.OffsetAndMetadata
	groupAdded bool
	done       chan error
}

// Manager is shared by the producer (phase changes) and its sender
// (producer id, partition registration, sequences). Every method is safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	producerID    int64
	producerEpoch int16
	fatalErr      error
	pidReady      chan struct{}

	sequences map[pub.TopicPartition]int32

	partitions        map[pub.TopicPartition]struct{}
	pendingPartitions map[pub.TopicPartition]struct{}
	groupAdded        bool
	offsets           *pendingOffsets
	end               *txnEnd

	// abortableErr forbids committing the current transaction
	abortableErr error
	bumpEpoch    bool

	wakeup chan struct{}
}

func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if err := validator.Validate("transaction manager", logger); err != nil {
		return nil, fmt.Errorf("failed to validate transaction manager deps: %w", err)
	}

	return &Manager{
		cfg:               cfg,
		logger:            logger.Named("txn"),
		state:             StateUninitialized,
		producerID:        pub.NoProducerID,
		producerEpoch:     pub.NoProducerEpoch,
		pidReady:          make(chan struct{}),
		sequences:         make(map[pub.TopicPartition]int32),
		partitions:        make(map[pub.TopicPartition]struct{}),
		pendingPartitions: make(map[pub.TopicPartition]struct{}),
		wakeup:            make(chan struct{}, 1),
	}, nil
}

func (m *Manager) TransactionalID() string {
	return m.cfg.TransactionalID
}

func (m *Manager) TransactionTimeout() time.Duration {
	return m.cfg.TransactionTimeout
}

func (m *Manager) IsTransactional() bool {
	return m.cfg.TransactionalID != ""
}

// Wakeup fires when the manager has work for the sender.
func (m *Manager) Wakeup() <-chan struct{} {
	return m.wakeup
}

func (m *Manager) signal() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition must be called with mu held.
func (m *Manager) transition(to State) {
	if m.state == to {
		return
	}
	m.logger.Debug("transaction state change",
		zap.String("transactional_id", m.cfg.TransactionalID),
		zap.Stringer("from", m.state),
		zap.Stringer("to", to),
	)
	m.state = to
}

// illegal builds the error for an operation called in the wrong phase.
// Must be called with mu held.
func (m *Manager) illegal(op string) error {
	if m.state == StateFatal {
		return m.fatalErr
	}
	return fmt.Errorf("%w: %s is invalid in state %s", pub.ErrIllegalOperation, op, m.state)
}

// NeedsProducerID reports whether the sender must obtain a producer id
// before sending anything.
func (m *Manager) NeedsProducerID() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateUninitialized || m.state == StatePidRequested
}

// RequestingProducerID marks the start of a producer id round trip.
func (m *Manager) RequestingProducerID() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateUninitialized {
		m.transition(StatePidRequested)
	}
}

// SetProducerID installs a new identity. Sequence numbers restart at zero.
func (m *Manager) SetProducerID(producerID int64, epoch int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateFatal {
		return
	}
	m.producerID = producerID
	m.producerEpoch = epoch
	clear(m.sequences)
	m.transition(StateReady)

	select {
	case <-m.pidReady:
	default:
		close(m.pidReady)
	}
}

// ResetProducerID drops the identity of an idempotent, non-transactional
// producer so the sender acquires a fresh one. It is a no-op otherwise.
func (m *Manager) ResetProducerID() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsTransactional() || m.state != StateReady {
		return
	}
	m.producerID = pub.NoProducerID
	m.producerEpoch = pub.NoProducerEpoch
	clear(m.sequences)
	m.pidReady = make(chan struct{})
	m.transition(StateUninitialized)
	m.signal()
}

func (m *Manager) ProducerIDAndEpoch() (int64, int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.producerID, m.producerEpoch
}

// WaitForPID blocks until a producer id is known or the manager turns fatal.
func (m *Manager) WaitForPID(ctx context.Context) error {
	m.mu.Lock()
	ready := m.pidReady
	m.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for producer id: %w", ctx.Err())
	}
	return m.FatalError()
}

// BeginTransaction opens a transaction. Valid only in StateReady.
func (m *Manager) BeginTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.IsTransactional() {
		return fmt.Errorf("%w: producer has no transactional id", pub.ErrIllegalOperation)
	}
	if m.state != StateReady {
		return m.illegal("begin transaction")
	}

	clear(m.partitions)
	clear(m.pendingPartitions)
	m.groupAdded = false
	m.offsets = nil
	m.end = nil
	m.abortableErr = nil
	m.bumpEpoch = false
	m.transition(StateInTransaction)

	return nil
}

func (m *Manager) IsInTransaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateInTransaction
}

// MaybeAddPartition schedules tp for registration with the coordinator the
// first time the current transaction touches it.
func (m *Manager) MaybeAddPartition(tp pub.TopicPartition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInTransaction {
		if m.state == StateFatal {
			return m.fatalErr
		}
		return fmt.Errorf("%w: can't send messages while not in transaction", pub.ErrIllegalOperation)
	}
	if _, ok := m.partitions[tp]; ok {
		return nil
	}
	if _, ok := m.pendingPartitions[tp]; !ok {
		m.pendingPartitions[tp] = struct{}{}
		m.signal()
	}

	return nil
}

// PartitionsToAdd returns the partitions awaiting registration.
func (m *Manager) PartitionsToAdd() []pub.TopicPartition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pendingPartitions) == 0 {
		return nil
	}
	out := make([]pub.TopicPartition, 0, len(m.pendingPartitions))
	for tp := range m.pendingPartitions {
		out = append(out, tp)
	}
	return out
}

// PartitionsAdded records a successful registration.
func (m *Manager) PartitionsAdded(tps []pub.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tp := range tps {
		delete(m.pendingPartitions, tp)
		m.partitions[tp] = struct{}{}
	}
}

// IsPartitionAdded reports whether data for tp may be sent in the current transaction.
func (m *Manager) IsPartitionAdded(tp pub.TopicPartition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.partitions[tp]
	return ok
}

// AddOffsetsToTxn schedules a group offset commit inside the current
// transaction. The returned channel yields the outcome once the sender has
// committed (or failed to commit) the offsets.
func (m *Manager) AddOffsetsToTxn(offsets map[pub.TopicPartition]pub.OffsetAndMetadata, groupID string) (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInTransaction {
		return nil, m.illegal("add offsets to transaction")
	}
	if m.offsets != nil {
		return nil, fmt.Errorf("%w: offsets for group %q are still being committed", pub.ErrIllegalOperation, m.offsets.groupID)
	}

	m.offsets = &pendingOffsets{
		groupID:    groupID,
		offsets:    maps.Clone(offsets),
		groupAdded: m.groupAdded,
		done:       make(chan error, 1),
	}
	m.signal()

	return m.offsets.done, nil
}

// ConsumerGroupToAdd returns the group that must be registered with the
// transaction coordinator before its offsets can be committed.
func (m *Manager) ConsumerGroupToAdd() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offsets == nil || m.offsets.groupAdded {
		return "", false
	}
	return m.offsets.groupID, true
}

func (m *Manager) ConsumerGroupAdded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offsets != nil {
		m.offsets.groupAdded = true
		m.groupAdded = true
	}
}

// OffsetsToCommit returns offsets whose group is registered but not yet committed.
func (m *Manager) OffsetsToCommit() (map[pub.TopicPartition]pub.OffsetAndMetadata, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offsets == nil || !m.offsets.groupAdded {
		return nil, "", false
	}
	return m.offsets.offsets, m.offsets.groupID, true
}

// OffsetsCommitted resolves the pending offset commit with err.
func (m *Manager) OffsetsCommitted(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveOffsets(err)
}

func (m *Manager) resolveOffsets(err error) {
	if m.offsets == nil {
		return
	}
	m.offsets.done <- err
	m.offsets = nil
}

// HasPendingOffsets reports whether an offset commit is queued or in progress.
func (m *Manager) HasPendingOffsets() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets != nil
}

// CommittingTransaction moves to StateCommitting. Valid only in a transaction.
func (m *Manager) CommittingTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInTransaction {
		return m.illegal("commit transaction")
	}
	if m.abortableErr != nil {
		return fmt.Errorf("failed to commit, transaction must be aborted: %w", m.abortableErr)
	}
	m.end = &txnEnd{done: make(chan struct{})}
	m.transition(StateCommitting)
	m.signal()

	return nil
}

// AbortingTransaction moves to StateAborting. Offsets not yet committed are
// dropped with pub.ErrTransactionAborted.
func (m *Manager) AbortingTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInTransaction {
		return m.illegal("abort transaction")
	}
	m.resolveOffsets(pub.ErrTransactionAborted)
	clear(m.pendingPartitions)
	m.end = &txnEnd{done: make(chan struct{})}
	m.transition(StateAborting)
	m.signal()

	return nil
}

// SetAbortableError records a failure that leaves the current transaction
// incomplete. Committing it is refused; a commit already in progress ends
// as an abort and reports err. bumpEpoch asks for a new epoch once the
// transaction ends because a sequence number was lost.
func (m *Manager) SetAbortableError(err error, bumpEpoch bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateInTransaction, StateCommitting, StateAborting:
	default:
		return
	}
	if m.abortableErr == nil {
		m.abortableErr = err
	}
	m.bumpEpoch = m.bumpEpoch || bumpEpoch
	m.signal()
}

// AbortableError returns the error that forbids committing, if any.
func (m *Manager) AbortableError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortableErr
}

// TransactionEnd reports whether the current transaction is being committed
// or aborted.
func (m *Manager) TransactionEnd() (commit, ending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateCommitting:
		return m.abortableErr == nil, true
	case StateAborting:
		return false, true
	default:
		return false, false
	}
}

// IsEmptyTransaction reports whether the transaction touched no partition and no group.
func (m *Manager) IsEmptyTransaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.partitions) == 0 && !m.groupAdded
}

// CompleteTransaction returns to StateReady after the coordinator confirmed
// the end of the transaction, or to StateUninitialized when a new epoch is
// needed first.
func (m *Manager) CompleteTransaction() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCommitting && m.state != StateAborting {
		return
	}
	if m.end != nil {
		var err error
		if m.state == StateCommitting {
			err = m.abortableErr
		}
		m.end.finish(err)
	}

	clear(m.partitions)
	clear(m.pendingPartitions)
	m.groupAdded = false
	m.abortableErr = nil

	if m.bumpEpoch {
		m.bumpEpoch = false
		clear(m.sequences)
		m.pidReady = make(chan struct{})
		m.transition(StateUninitialized)
		m.signal()
		return
	}
	m.transition(StateReady)
}

// WaitForTransactionEnd blocks until the transaction being committed or
// aborted is confirmed, the manager turns fatal or ctx ends.
func (m *Manager) WaitForTransactionEnd(ctx context.Context) error {
	m.mu.Lock()
	end := m.end
	m.mu.Unlock()

	if end != nil {
		select {
		case <-end.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to wait for transaction end: %w", ctx.Err())
		}
		if end.err != nil {
			return fmt.Errorf("transaction was aborted: %w", end.err)
		}
	}
	return m.FatalError()
}

// SequenceNumber is the next sequence to stamp for tp.
func (m *Manager) SequenceNumber(tp pub.TopicPartition) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[tp]
}

// IncrementSequence advances tp's counter by the record count of a dispatched batch.
func (m *Manager) IncrementSequence(tp pub.TopicPartition, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[tp] += int32(n)
}

// SetFatalError poisons the manager. Every waiter is released and every
// later operation fails with err.
func (m *Manager) SetFatalError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateFatal {
		return
	}
	m.fatalErr = err
	m.transition(StateFatal)
	m.logger.Error("transaction manager failed",
		zap.String("transactional_id", m.cfg.TransactionalID),
		zap.Error(err),
	)

	select {
	case <-m.pidReady:
	default:
		close(m.pidReady)
	}
	m.resolveOffsets(err)
	if m.end != nil {
		m.end.finish(nil)
	}
	m.signal()
}

func (m *Manager) IsFatalError() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateFatal
}

// FatalError returns the error that poisoned the manager, nil if healthy.
func (m *Manager) FatalError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}
