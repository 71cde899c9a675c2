// Package sender runs the background loop that moves sealed batches from the
// accumulator to broker nodes, retries them and drives transaction
// coordination.
package sender

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"kpub/internal/pub"
	"kpub/internal/pub/accumulator"
	"kpub/internal/pub/txn"
	"kpub/internal/validator"
)

type Config struct {
	// Acks is 0, 1 or -1 (all).
	Acks           int16
	RequestTimeout time.Duration
	RetryBackoff   time.Duration
	// MaxRetries bounds retriable failures of one batch; zero disables retries.
	MaxRetries int
	// DeliveryTimeout bounds the time since a batch was created; zero means no bound.
	DeliveryTimeout time.Duration
}

// Option configures optional Sender collaborators.
type Option func(*Sender)

// WithObserver reports pipeline events to o.
func WithObserver(o Observer) Option {
	return func(s *Sender) {
		s.observer = o
	}
}

// WithIrrecoverableErrorHandler registers fn, called once when the producer
// hits an error it cannot recover from.
func WithIrrecoverableErrorHandler(fn func(error)) Option {
	return func(s *Sender) {
		s.onIrrecoverable = fn
	}
}

// Sender owns all pipeline state changes that follow a network response.
// Requests run on their own goroutines and hand their outcome back to the
// loop goroutine, so batches, nodes and coordination flags are only touched
// by the loop.
type Sender struct {
	cfg       Config
	acc       *accumulator.MessageAccumulator
	txn       *txn.Manager
	cluster   pub.Cluster
	transport pub.Transport
	codec     pub.Codec
	logger    *zap.Logger

	observer        Observer
	onIrrecoverable func(error)
	irrecoverable   sync.Once

	results chan func()

	// loop goroutine only
	busyNodes         map[int32]bool
	inflight          int
	coordBusy         bool
	coordBackoffUntil time.Time
	pidBusy           bool
	pidCancel         context.CancelFunc
	fatalErr          error
	closing           bool

	coordMu      sync.Mutex
	coordinators map[coordinatorKey]int32

	errMu sync.RWMutex
	err   error

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

type coordinatorKey struct {
	typ pub.CoordinatorType
	key string
}

// New creates a sender. txnManager is nil when the producer is neither
// idempotent nor transactional.
func New(
	cfg Config,
	acc *accumulator.MessageAccumulator,
	txnManager *txn.Manager,
	cluster pub.Cluster,
	transport pub.Transport,
	codec pub.Codec,
	logger *zap.Logger,
	opts ...Option,
) (*Sender, error) {
	if err := validator.Validate("sender", acc, cluster, transport, codec, logger); err != nil {
		return nil, fmt.Errorf("failed to validate sender deps: %w", err)
	}
	if cfg.RetryBackoff <= 0 {
		return nil, fmt.Errorf("%w: retry backoff must be positive", pub.ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		cfg:          cfg,
		acc:          acc,
		txn:          txnManager,
		cluster:      cluster,
		transport:    transport,
		codec:        codec,
		logger:       logger.Named("sender"),
		observer:     NoOpObserver{},
		results:      make(chan func(), 16),
		busyNodes:    make(map[int32]bool),
		coordinators: make(map[coordinatorKey]int32),
		ctx:          ctx,
		cancel:       cancel,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start launches the loop. Calling it more than once has no effect.
func (s *Sender) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Close stops the loop after in-flight requests complete. Batches that were
// never sent fail with pub.ErrProducerClosed. If ctx ends first, in-flight
// requests are cancelled.
func (s *Sender) Close(ctx context.Context) error {
	s.Start()
	s.closeOnce.Do(func() {
		close(s.stop)
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return fmt.Errorf("failed to close sender gracefully: %w", ctx.Err())
	}
}

// Done is closed once the loop has exited.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that poisoned the producer, nil while healthy.
func (s *Sender) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

func (s *Sender) run() {
	defer close(s.done)
	defer s.cancel()

	stop := s.stop
	var txnCh <-chan struct{}
	if s.txn != nil {
		txnCh = s.txn.Wakeup()
	}

	timer := time.NewTimer(time.Hour)
	armed := true
	defer timer.Stop()

	for {
		wait := s.step(time.Now())

		if s.closing && s.inflight == 0 {
			s.shutdown()
			return
		}

		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = wait >= 0
		if armed {
			timer.Reset(wait)
		}

		select {
		case apply := <-s.results:
			s.inflight--
			apply()
		case <-s.acc.Wakeup():
		case <-txnCh:
		case <-timer.C:
			armed = false
		case <-stop:
			stop = nil
			s.closing = true
			if s.pidCancel != nil {
				s.pidCancel()
			}
			s.logger.Debug("sender stopping", zap.Int("inflight", s.inflight))
		}
	}
}

func (s *Sender) shutdown() {
	if n := s.acc.FailAll(pub.ErrProducerClosed); n > 0 {
		s.logger.Warn("failed unsent batches on close", zap.Int("batches", n))
	}
	if s.txn != nil {
		if _, ending := s.txn.TransactionEnd(); ending {
			s.txn.SetFatalError(fmt.Errorf("%w: transaction did not finish before close", pub.ErrProducerClosed))
		}
	}
	s.logger.Debug("sender stopped")
}

// step dispatches whatever work is possible and returns how long the loop
// may sleep before something becomes ready by time alone; negative means
// only an event can make progress.
func (s *Sender) step(now time.Time) time.Duration {
	if s.closing {
		return -1
	}

	if s.fatalErr != nil {
		s.acc.FailAll(s.fatalErr)
		return -1
	}

	if s.txn != nil {
		if err := s.txn.FatalError(); err != nil {
			s.fail(err)
			return -1
		}
		if s.txn.NeedsProducerID() {
			if !s.pidBusy {
				s.requestProducerID()
			}
			return -1
		}
		if s.txn.IsTransactional() {
			if wait, blocked := s.coordinate(now); blocked {
				return wait
			}
		}
	}

	return s.sendReady(now)
}

// request runs fn on its own goroutine; the closure it returns is applied on
// the loop goroutine.
func (s *Sender) request(fn func(ctx context.Context) func()) {
	s.inflight++
	go func() {
		s.results <- fn(s.ctx)
	}()
}

// fail poisons the producer: queued batches fail with err, nothing else is
// sent and the irrecoverable error handler runs once.
func (s *Sender) fail(err error) {
	if s.fatalErr == nil {
		s.fatalErr = err
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		s.logger.Error("producer hit an irrecoverable error", zap.Error(err))
	}
	if s.txn != nil {
		s.txn.SetFatalError(err)
	}
	s.acc.FailAll(err)

	if s.onIrrecoverable != nil {
		s.irrecoverable.Do(func() {
			s.onIrrecoverable(err)
		})
	}
}

func (s *Sender) backoff() time.Duration {
	base := s.cfg.RetryBackoff
	// +/- 20%
	jitter := (rand.Float64()*0.4 - 0.2) * float64(base)
	return base + time.Duration(jitter)
}
