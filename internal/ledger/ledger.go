// Package ledger provides the durable key-value store backing resumable
// sync runs. The sync engine only sees the small Store interface; the bolt
// implementation keeps each write transactional, so a crash can never record
// a file as complete that was not actually transferred.
package ledger

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/driftbox/driftbox/internal/utils"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("ledger: key not found")

// Store is the minimal durable key-value capability described in the design
// notes: get, set, delete, clear. Every Set is atomic and durable on return.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Clear() error
	Close() error
}

var bucketState = []byte("state")

// BoltStore implements Store on a bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the ledger database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger at %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(key))
	})
}

func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketState); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketState)
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
