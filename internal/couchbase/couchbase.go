// Package couchbase holds typed access to Couchbase collections and a runner
// for distributed transactions over them.
package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
)

// Collection is a collection of documents of type T. Errors wrap the gocb
// sentinels, so errors.Is(err, gocb.ErrDocumentNotFound) and friends hold.
type Collection[T any] interface {
	TransactionCollection

	Insert(ctx context.Context, key string, v T) error
	// Get records the CAS of the document on values implementing CasSetter.
	Get(ctx context.Context, key string) (*T, error)
	// Replace only succeeds if the document still has the CAS of v when v
	// implements CasGetter; it fails with gocb.ErrCasMismatch otherwise.
	Replace(ctx context.Context, key string, v *T) error
	Increment(ctx context.Context, key string, delta, initial uint64) (uint64, error)
	// Query runs statement with request_plus consistency, so it sees every
	// mutation acknowledged before it started.
	Query(ctx context.Context, statement string, params map[string]any) ([]T, error)
	Ping(ctx context.Context) error
	// Keyspace is the backquoted bucket.scope.collection path for statements.
	Keyspace() string
}

// Store is the Collection backed by a Couchbase collection.
type Store[T any] struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	collection *gocb.Collection
}

var _ Collection[struct{}] = (*Store[struct{}])(nil)

func NewStore[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, collection *gocb.Collection) (*Store[T], error) {
	if cluster == nil || bucket == nil || collection == nil {
		return nil, errors.New("couchbase store needs a cluster, a bucket and a collection")
	}

	return &Store[T]{cluster: cluster, bucket: bucket, collection: collection}, nil
}

func (s *Store[T]) Name() string {
	return s.collection.Name()
}

func (s *Store[T]) Collection() *gocb.Collection {
	return s.collection
}

func (s *Store[T]) Insert(ctx context.Context, key string, v T) error {
	if _, err := s.collection.Insert(key, v, &gocb.InsertOptions{Context: ctx}); err != nil {
		return fmt.Errorf("failed to insert %s into %s: %w", key, s.Name(), err)
	}
	return nil
}

func (s *Store[T]) Get(ctx context.Context, key string) (*T, error) {
	res, err := s.collection.Get(key, &gocb.GetOptions{Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from %s: %w", key, s.Name(), err)
	}

	v := new(T)
	if err := res.Content(v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	if cs, ok := any(v).(CasSetter); ok {
		cs.SetCas(uint64(res.Cas()))
	}

	return v, nil
}

func (s *Store[T]) Replace(ctx context.Context, key string, v *T) error {
	opts := gocb.ReplaceOptions{Context: ctx}
	if cg, ok := any(v).(CasGetter); ok {
		opts.Cas = gocb.Cas(cg.GetCas())
	}

	res, err := s.collection.Replace(key, v, &opts)
	if err != nil {
		return fmt.Errorf("failed to replace %s in %s: %w", key, s.Name(), err)
	}
	if cs, ok := any(v).(CasSetter); ok {
		cs.SetCas(uint64(res.Cas()))
	}

	return nil
}

// Increment adds delta to the counter at key. A missing counter is created
// holding initial, which is returned as is.
func (s *Store[T]) Increment(ctx context.Context, key string, delta, initial uint64) (uint64, error) {
	res, err := s.collection.Binary().Increment(key, &gocb.IncrementOptions{
		Delta:   delta,
		Initial: int64(initial),
		Context: ctx,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}

	return res.Content(), nil
}

func (s *Store[T]) Query(ctx context.Context, statement string, params map[string]any) ([]T, error) {
	result, err := s.cluster.Query(statement, &gocb.QueryOptions{
		NamedParameters: params,
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
		Context:         ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.Name(), err)
	}
	defer result.Close()

	var rows []T
	for result.Next() {
		var row T
		if err := result.Row(&row); err != nil {
			return nil, fmt.Errorf("failed to decode row of %s: %w", s.Name(), err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", s.Name(), err)
	}

	return rows, nil
}

// Ping succeeds when at least one key value endpoint of the bucket is up.
func (s *Store[T]) Ping(ctx context.Context) error {
	res, err := s.bucket.Ping(&gocb.PingOptions{
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue},
		Context:      ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to ping bucket %s: %w", s.bucket.Name(), err)
	}

	for _, endpoints := range res.Services {
		for _, e := range endpoints {
			if e.State == gocb.PingStateOk {
				return nil
			}
		}
	}

	return fmt.Errorf("no key value endpoint of bucket %s is reachable", s.bucket.Name())
}

func (s *Store[T]) Keyspace() string {
	return fmt.Sprintf("`%s`.`%s`.`%s`", s.bucket.Name(), s.collection.ScopeName(), s.collection.Name())
}
