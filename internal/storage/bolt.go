package storage

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("ledger")

// BoltStore implements Store on a single bbolt bucket
// Each Put and Delete runs in its own read-write transaction, which bbolt
// commits with an fsync before returning
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt file at path
// Fails after a second if another process holds the file lock
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt store %s", path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create ledger bucket")
	}

	return &BoltStore{db: db}, nil
}

// Get retrieves a value by key
// bbolt values are only valid inside the transaction, so a copy is returned
func (s *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(ledgerBucket).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	return value, err
}

// Put stores a value with the given key
func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put([]byte(key), value)
	})
}

// Delete removes a key-value pair
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Delete([]byte(key))
	})
}

// List returns the keys with the given prefix
// bbolt keeps keys in byte order, so the result is already sorted
func (s *BoltStore) List(prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Stats returns storage statistics
func (s *BoltStore) Stats() (StoreStats, error) {
	var stats StoreStats
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).ForEach(func(_, v []byte) error {
			stats.Keys++
			stats.Bytes += len(v)
			return nil
		})
	})
	return stats, err
}

// Close releases the file lock
func (s *BoltStore) Close() error {
	return s.db.Close()
}
