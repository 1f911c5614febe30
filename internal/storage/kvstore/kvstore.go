// Package kvstore provides the durable key→value metadata store used to
// persist sandbox and container records across process restarts.
package kvstore

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/containers/containrs/utils/errdefs"
)

// Store is the consumed metadata store interface. Keys are derived from
// sandbox and container IDs.
type Store interface {
	// Get returns the value stored for the key, or an error wrapping
	// errdefs.ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)
	// Put stores the value for the key, overwriting a previous value.
	Put(key string, value []byte) error
	// Delete removes the key. Deleting a missing key succeeds.
	Delete(key string) error
	// Close releases the underlying resources.
	Close() error
}

var bucketMetadata = []byte("metadata")

// boltStore implements Store on a single bbolt bucket.
type boltStore struct {
	db *bolt.DB
}

// Open creates or opens the metadata database at the provided path.
func Open(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetadata)

		return err
	}); err != nil {
		db.Close()

		return nil, fmt.Errorf("create metadata bucket: %w", err)
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(key string) ([]byte, error) {
	var value []byte

	if err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetadata).Get([]byte(key))
		if data == nil {
			return errdefs.NotFoundf("key %q", key)
		}

		value = append(value, data...)

		return nil
	}); err != nil {
		return nil, err
	}

	return value, nil
}

func (s *boltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), value)
	})
}

func (s *boltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Delete([]byte(key))
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
