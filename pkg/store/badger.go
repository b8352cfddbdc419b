package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/handheld/internal/types"
)

// prefixRecord is the key prefix for records.
// Key format: prefixRecord + hash (32 bytes)
var prefixRecord = []byte{0x01}

// BadgerConfig contains configuration for BadgerDB.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional logger. Nil disables badger's own logging.
	Logger badger.Logger
}

// DefaultBadgerConfig returns default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20,
	}
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB

	closed atomic.Bool
}

// OpenBadger opens a badger store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if cfg.NumCompactors < 2 {
		cfg.NumCompactors = 2
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// recordKey returns the BadgerDB key for a record.
func recordKey(hash types.Hash) []byte {
	key := make([]byte, 1+types.HashSize)
	key[0] = prefixRecord[0]
	copy(key[1:], hash[:])
	return key
}

// Get retrieves the record for hash.
func (b *BadgerStore) Get(hash types.Hash) (*Record, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := DecodeRecord(val)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put stores rec, replacing any record with the same hash.
func (b *BadgerStore) Put(rec *Record) error {
	if b.closed.Load() {
		return ErrClosed
	}

	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Hash), data)
	})
}

// Has reports whether a record exists for hash.
func (b *BadgerStore) Has(hash types.Hash) bool {
	if b.closed.Load() {
		return false
	}

	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(hash))
		return err
	})
	return err == nil
}

// Delete removes the record for hash. Deleting a missing record is not an error.
func (b *BadgerStore) Delete(hash types.Hash) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(hash))
	})
}

// Count returns the number of stored records.
func (b *BadgerStore) Count() (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixRecord

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// RunGC runs one value-log garbage collection pass.
func (b *BadgerStore) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
