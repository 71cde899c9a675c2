package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/couchbase/gocb/v2"

	"kpub/internal/couchbase"
)

// memDB keeps documents encoded per collection so every read decodes a fresh
// copy, as a real store would.
type memDB struct {
	mu       sync.Mutex
	docs     map[string]map[string][]byte
	cas      map[string]uint64
	counters map[string]uint64
	nextCas  uint64
	// raceReplace makes the next n non transactional replaces lose a CAS race.
	raceReplace int
}

func newMemDB() *memDB {
	return &memDB{
		docs:     make(map[string]map[string][]byte),
		cas:      make(map[string]uint64),
		counters: make(map[string]uint64),
	}
}

func (db *memDB) stores() Stores {
	return Stores{
		Topics:       &memCollection[Topic]{db: db, name: "topics"},
		Logs:         &memCollection[Log]{db: db, name: "logs"},
		Batches:      &memCollection[Batch]{db: db, name: "batches"},
		Producers:    &memCollection[ProducerState]{db: db, name: "producers"},
		Transactions: &memCollection[Transaction]{db: db, name: "transactions"},
		Groups:       &memCollection[GroupOffset]{db: db, name: "groups"},
	}
}

func (db *memDB) write(collection, key string, raw []byte) {
	if db.docs[collection] == nil {
		db.docs[collection] = make(map[string][]byte)
	}
	db.docs[collection][key] = raw
	db.nextCas++
	db.cas[collection+"/"+key] = db.nextCas
}

// doc decodes a stored document for assertions.
func doc[T any](db *memDB, collection, key string) (T, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var v T
	raw, ok := db.docs[collection][key]
	if !ok {
		return v, false
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		panic(err)
	}
	return v, true
}

type memCollection[T any] struct {
	db   *memDB
	name string
}

var _ couchbase.Collection[Topic] = (*memCollection[Topic])(nil)

func (c *memCollection[T]) Name() string                 { return c.name }
func (c *memCollection[T]) Collection() *gocb.Collection { return nil }
func (c *memCollection[T]) Keyspace() string             { return c.name }
func (c *memCollection[T]) Ping(context.Context) error   { return nil }

func (c *memCollection[T]) Insert(_ context.Context, key string, v T) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if _, ok := c.db.docs[c.name][key]; ok {
		return fmt.Errorf("failed to insert %s: %w", key, gocb.ErrDocumentExists)
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	c.db.write(c.name, key, raw)
	return nil
}

func (c *memCollection[T]) Get(_ context.Context, key string) (*T, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	raw, ok := c.db.docs[c.name][key]
	if !ok {
		return nil, fmt.Errorf("failed to get %s: %w", key, gocb.ErrDocumentNotFound)
	}
	v := new(T)
	if err := sonic.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	if cs, ok := any(v).(couchbase.CasSetter); ok {
		cs.SetCas(c.db.cas[c.name+"/"+key])
	}
	return v, nil
}

func (c *memCollection[T]) Replace(_ context.Context, key string, v *T) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if _, ok := c.db.docs[c.name][key]; !ok {
		return fmt.Errorf("failed to replace %s: %w", key, gocb.ErrDocumentNotFound)
	}
	if c.db.raceReplace > 0 {
		c.db.raceReplace--
		c.db.nextCas++
		c.db.cas[c.name+"/"+key] = c.db.nextCas
	}
	if cg, ok := any(v).(couchbase.CasGetter); ok && cg.GetCas() != c.db.cas[c.name+"/"+key] {
		return fmt.Errorf("failed to replace %s: %w", key, gocb.ErrCasMismatch)
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	c.db.write(c.name, key, raw)
	if cs, ok := any(v).(couchbase.CasSetter); ok {
		cs.SetCas(c.db.cas[c.name+"/"+key])
	}
	return nil
}

func (c *memCollection[T]) Increment(_ context.Context, key string, delta, initial uint64) (uint64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	v, ok := c.db.counters[key]
	if !ok {
		v = initial
	} else {
		v += delta
	}
	c.db.counters[key] = v
	return v, nil
}

func (c *memCollection[T]) Query(context.Context, string, map[string]any) ([]T, error) {
	return nil, errors.New("queries are not supported in memory")
}

// memTransactor runs one attempt at a time and applies its writes only when
// the attempt succeeds.
type memTransactor struct {
	db *memDB
	// failures makes the next n transactions fail at commit.
	failures int
}

var _ couchbase.Transactor = (*memTransactor)(nil)

func (t *memTransactor) Transaction(_ context.Context, fn couchbase.TransactionAttempt) (string, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	a := &memAttempt{db: t.db, staged: make(map[string]map[string][]byte)}
	if err := fn(a); err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}
	if t.failures > 0 {
		t.failures--
		return "", errors.New("failed to run transaction: commit ambiguous")
	}

	for collection, docs := range a.staged {
		for key, raw := range docs {
			t.db.write(collection, key, raw)
		}
	}
	return "mem", nil
}

type memAttempt struct {
	db     *memDB
	staged map[string]map[string][]byte
}

type memDoc struct {
	collection string
	key        string
}

func (d memDoc) Key() string { return d.key }

func (a *memAttempt) lookup(collection, key string) ([]byte, bool) {
	if raw, ok := a.staged[collection][key]; ok {
		return raw, true
	}
	raw, ok := a.db.docs[collection][key]
	return raw, ok
}

func (a *memAttempt) stage(collection, key string, v any) error {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if a.staged[collection] == nil {
		a.staged[collection] = make(map[string][]byte)
	}
	a.staged[collection][key] = raw
	return nil
}

func (a *memAttempt) Get(tc couchbase.TransactionCollection, key string, v any) (couchbase.Document, error) {
	raw, ok := a.lookup(tc.Name(), key)
	if !ok {
		return nil, gocb.ErrDocumentNotFound
	}
	if err := sonic.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return memDoc{collection: tc.Name(), key: key}, nil
}

func (a *memAttempt) Insert(tc couchbase.TransactionCollection, key string, v any) (couchbase.Document, error) {
	if _, ok := a.lookup(tc.Name(), key); ok {
		return nil, gocb.ErrDocumentExists
	}
	if err := a.stage(tc.Name(), key, v); err != nil {
		return nil, err
	}
	return memDoc{collection: tc.Name(), key: key}, nil
}

func (a *memAttempt) Replace(d couchbase.Document, v any) (couchbase.Document, error) {
	md := d.(memDoc)
	if err := a.stage(md.collection, md.key, v); err != nil {
		return nil, err
	}
	return md, nil
}
