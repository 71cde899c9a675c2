package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"

	"kpub/internal/pub"
)

type errorClass int

const (
	// classFailed fails the affected batch or request only.
	classFailed errorClass = iota
	classRetriable
	// classFatal poisons the producer identity.
	classFatal
)

func (c errorClass) String() string {
	switch c {
	case classRetriable:
		return "retriable"
	case classFatal:
		return "fatal"
	default:
		return "failed"
	}
}

func classify(err error) errorClass {
	var te *pub.TransportError
	switch {
	case err == nil:
		return classFailed
	case errors.Is(err, pub.ErrProducerFenced), errors.Is(err, pub.ErrOutOfOrderSequence):
		return classFatal
	case errors.As(err, &te):
		return classRetriable
	case errors.Is(err, context.DeadlineExceeded):
		return classRetriable
	case errors.Is(err, context.Canceled):
		return classFailed
	}

	var ke *kerr.Error
	if !errors.As(err, &ke) {
		return classFailed
	}
	switch ke {
	case kerr.TopicAuthorizationFailed,
		kerr.ClusterAuthorizationFailed,
		kerr.TransactionalIDAuthorizationFailed:
		return classFatal
	}
	if kerr.IsRetriable(ke) {
		return classRetriable
	}
	return classFailed
}

// brokerError turns a response error code into an error, mapping the codes
// that break the idempotence contract onto the producer sentinels.
func brokerError(code int16) error {
	err := pub.CodeError(code)
	switch err {
	case nil:
		return nil
	case kerr.ProducerFenced, kerr.InvalidProducerEpoch:
		return fmt.Errorf("%w: %w", pub.ErrProducerFenced, err)
	case kerr.OutOfOrderSequenceNumber:
		return fmt.Errorf("%w: %w", pub.ErrOutOfOrderSequence, err)
	default:
		return err
	}
}

// staleCoordinator reports whether err means the cached coordinator moved.
func staleCoordinator(err error) bool {
	return errors.Is(err, kerr.NotCoordinator) ||
		errors.Is(err, kerr.CoordinatorNotAvailable)
}
