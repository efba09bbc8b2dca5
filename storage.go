package main

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KVReader is the read side of a store or transaction.
type KVReader interface {
	Get(key []byte) ([]byte, error)
	// ForEachPrefix visits keys with the given prefix in ascending byte order.
	ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error
}

// KVTx is a read-write transaction. Writes become visible only when the
// transaction function returns nil.
type KVTx interface {
	KVReader
	Put(key, value []byte) error
	Delete(key []byte) error
}

// IStore is the durable key-value layer behind the vote ledger and the validator registry.
type IStore interface {
	KVReader
	Put(key, value []byte) error
	Update(fn func(tx KVTx) error) error
	View(fn func(r KVReader) error) error
	Close() error
}

// MemoryStore is an in-memory key-value store with the same transactional semantics as BoltStore.
type MemoryStore struct {
	lock sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Put adds a key-value pair to the store.
func (s *MemoryStore) Put(key, value []byte) error {
	return s.Update(func(tx KVTx) error { return tx.Put(key, value) })
}

// Get retrieves a value by its key.
func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return memGet(s.data, nil, key)
}

func (s *MemoryStore) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.View(func(r KVReader) error { return r.ForEachPrefix(prefix, fn) })
}

// View runs fn under a read lock.
func (s *MemoryStore) View(fn func(r KVReader) error) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return fn(&memTx{base: s.data})
}

// Update runs fn with exclusive access and applies its writes only if it succeeds.
func (s *MemoryStore) Update(fn func(tx KVTx) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	tx := &memTx{base: s.data, pending: make(map[string][]byte), writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.pending {
		if v == nil {
			delete(s.data, k)
			continue
		}
		s.data[k] = v
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memTx struct {
	base     map[string][]byte
	pending  map[string][]byte // nil value marks a delete
	writable bool
}

func memGet(base, pending map[string][]byte, key []byte) ([]byte, error) {
	if v, ok := pending[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return bytes.Clone(v), nil
	}
	v, ok := base[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *memTx) Get(key []byte) ([]byte, error) {
	return memGet(t.base, t.pending, key)
}

func (t *memTx) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	seen := make(map[string]struct{})
	var keys []string
	collect := func(m map[string][]byte) {
		for k := range m {
			if _, ok := seen[k]; ok || !strings.HasPrefix(k, p) {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	collect(t.pending)
	collect(t.base)
	sort.Strings(keys)
	for _, k := range keys {
		v, err := t.Get([]byte(k))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) Put(key, value []byte) error {
	if !t.writable {
		return errors.New("put in read-only transaction")
	}
	if value == nil {
		value = []byte{}
	}
	t.pending[string(key)] = bytes.Clone(value)
	return nil
}

func (t *memTx) Delete(key []byte) error {
	if !t.writable {
		return errors.New("delete in read-only transaction")
	}
	t.pending[string(key)] = nil
	return nil
}

// BoltStore provides a key-value store using BoltDB with a single bucket.
type BoltStore struct {
	db         *bbolt.DB
	path       string
	bucketName string
	owner      bool
}

// NewBoltStore creates or opens a BoltDB database at the given path and bucket.
func NewBoltStore(path, bucketName string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	// Ensure the requested bucket exists
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, path: path, bucketName: bucketName, owner: true}, nil
}

// WithBucket returns a store over another bucket of the same database file.
// Only the store returned by NewBoltStore closes the database.
func (s *BoltStore) WithBucket(bucketName string) (*BoltStore, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: s.db, path: s.path, bucketName: bucketName}, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *BoltStore) Close() error {
	if !s.owner {
		return nil
	}
	return s.db.Close()
}

// Put saves a key-value pair in the store's bucket.
func (s *BoltStore) Put(key, value []byte) error {
	return s.Update(func(tx KVTx) error { return tx.Put(key, value) })
}

// Get retrieves a copy of the value stored under key.
func (s *BoltStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.View(func(r KVReader) error {
		var err error
		value, err = r.Get(key)
		return err
	})
	return value, err
}

func (s *BoltStore) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.View(func(r KVReader) error { return r.ForEachPrefix(prefix, fn) })
}

// View runs fn in a read-only bolt transaction.
func (s *BoltStore) View(fn func(r KVReader) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return fn(&boltTx{b: b})
	})
}

// Update runs fn in a read-write bolt transaction; returning an error rolls it back.
func (s *BoltStore) Update(fn func(tx KVTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return fn(&boltTx{b: b})
	})
}

func (s *BoltStore) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(s.bucketName))
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", s.bucketName)
	}
	return b, nil
}

type boltTx struct {
	b *bbolt.Bucket
}

// Get copies the value since bolt memory is only valid inside the transaction.
func (t *boltTx) Get(key []byte) ([]byte, error) {
	v := t.b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *boltTx) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	c := t.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(bytes.Clone(k), bytes.Clone(v)); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Put(key, value []byte) error {
	return t.b.Put(key, value)
}

func (t *boltTx) Delete(key []byte) error {
	return t.b.Delete(key)
}
