package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/handheld/internal/types"
)

// bucketRecords stores encoded records keyed by the raw 32-byte hash.
var bucketRecords = []byte("records")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// OpenBolt creates or opens a bolt store at path.
func OpenBolt(path string, noSync bool) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get retrieves the record for hash.
func (s *BoltStore) Get(hash types.Hash) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get(hash[:])
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return DecodeRecord(data)
}

// Put stores rec, replacing any record with the same hash.
func (s *BoltStore) Put(rec *Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(rec.Hash[:], data)
	})
}

// Has reports whether a record exists for hash.
func (s *BoltStore) Has(hash types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get(hash[:]) != nil
		return nil
	})
	return found
}

// Delete removes the record for hash. Deleting a missing record is not an error.
func (s *BoltStore) Delete(hash types.Hash) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete(hash[:])
	})
}

// Count returns the number of stored records.
func (s *BoltStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
