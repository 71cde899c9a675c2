package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Transactor runs fn as one atomic unit over any number of documents. fn
// may be attempted more than once; returning an error rolls everything back.
type Transactor interface {
	Transaction(ctx context.Context, fn TransactionAttempt) (string, error)
}

// TransactionAttempt is one attempt at a transaction.
type TransactionAttempt func(r TransactionRunner) error

// TransactionRunner reads and writes documents inside an attempt. Content is
// decoded into and encoded from caller values.
type TransactionRunner interface {
	// Get fails with gocb.ErrDocumentNotFound when key is missing.
	Get(tc TransactionCollection, key string, v any) (Document, error)
	// Insert fails with gocb.ErrDocumentExists when key is taken.
	Insert(tc TransactionCollection, key string, v any) (Document, error)
	Replace(doc Document, v any) (Document, error)
}

// TransactionCollection is a collection documents can be staged in.
type TransactionCollection interface {
	Name() string
	Collection() *gocb.Collection
}

// Document is a document staged in the current attempt.
type Document interface {
	Key() string
}

// Transactions runs attempts as Couchbase distributed transactions.
type Transactions struct {
	cluster    *gocb.Cluster
	timeout    time.Duration
	durability gocb.DurabilityLevel
}

var _ Transactor = (*Transactions)(nil)

// TransactionOption configures Transactions.
type TransactionOption func(*Transactions)

// WithTimeout bounds every transaction, retries included. Defaults to 10s.
func WithTimeout(d time.Duration) TransactionOption {
	return func(t *Transactions) {
		t.timeout = d
	}
}

// WithDurability sets the durability level of transactional writes.
func WithDurability(level gocb.DurabilityLevel) TransactionOption {
	return func(t *Transactions) {
		t.durability = level
	}
}

func NewTransactions(cluster *gocb.Cluster, opts ...TransactionOption) (*Transactions, error) {
	if cluster == nil {
		return nil, errors.New("couchbase transactions need a cluster")
	}

	t := &Transactions{
		cluster:    cluster,
		timeout:    10 * time.Second,
		durability: gocb.DurabilityLevelNone,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Transaction runs fn until it commits or gives up, and returns the id of
// the committed transaction. The deadline of ctx caps the configured timeout.
func (t *Transactions) Transaction(ctx context.Context, fn TransactionAttempt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}

	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	res, err := t.cluster.Transactions().Run(func(actx *gocb.TransactionAttemptContext) error {
		return fn(attempt{ctx: actx})
	}, &gocb.TransactionOptions{
		DurabilityLevel: t.durability,
		Timeout:         timeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

type attempt struct {
	ctx *gocb.TransactionAttemptContext
}

type stagedDoc struct {
	key string
	res *gocb.TransactionGetResult
}

func (d stagedDoc) Key() string { return d.key }

func (a attempt) Get(tc TransactionCollection, key string, v any) (Document, error) {
	res, err := a.ctx.Get(tc.Collection(), key)
	if err != nil {
		return nil, err
	}
	if err := res.Content(v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return stagedDoc{key: key, res: res}, nil
}

func (a attempt) Insert(tc TransactionCollection, key string, v any) (Document, error) {
	res, err := a.ctx.Insert(tc.Collection(), key, v)
	if err != nil {
		return nil, err
	}
	return stagedDoc{key: key, res: res}, nil
}

func (a attempt) Replace(doc Document, v any) (Document, error) {
	d, ok := doc.(stagedDoc)
	if !ok {
		return nil, fmt.Errorf("document %s was not read in this transaction", doc.Key())
	}
	res, err := a.ctx.Replace(d.res, v)
	if err != nil {
		return nil, err
	}
	return stagedDoc{key: d.key, res: res}, nil
}
