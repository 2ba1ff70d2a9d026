package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: not found")

// ErrStopScan can be returned from a scan callback to end iteration early
// without reporting an error.
var ErrStopScan = errors.New("kv: stop scan")

var bucketState = []byte("state")

// compactTxMaxSize bounds the transaction size used while rewriting the
// database file during compaction.
const compactTxMaxSize = 1 << 20

// Store is an ordered key-value store backed by a single bbolt file. Keys are
// UTF-8 strings iterated in byte order; values are JSON-encoded.
type Store struct {
	mu   sync.RWMutex // held exclusively only by Compact and Close
	path string
	db   *bbolt.DB
}

// Open opens (or creates) the store at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := openBolt(path)
	if err != nil {
		return nil, err
	}

	return &Store{path: path, db: db}, nil
}

func openBolt(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}

	return db, nil
}

// Get returns the raw JSON value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// GetJSON reads the value stored under key and decodes it into out.
func (s *Store) GetJSON(key string, out any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode value for %s: %w", key, err)
	}
	return nil
}

// Put JSON-encodes value and writes it under key in its own transaction.
func (s *Store) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(key), raw)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(key))
	})
}

// Op is a single put or delete inside an atomic batch.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// PutOp builds a put operation, JSON-encoding the value.
func PutOp(key string, value any) (Op, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Op{}, fmt.Errorf("encode value for %s: %w", key, err)
	}
	return Op{Key: key, Value: raw}, nil
}

// DelOp builds a delete operation.
func DelOp(key string) Op {
	return Op{Key: key, Delete: true}
}

// Apply commits all ops in a single atomic transaction.
func (s *Store) Apply(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketState)
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return fmt.Errorf("delete %s: %w", op.Key, err)
				}
				continue
			}
			if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return fmt.Errorf("put %s: %w", op.Key, err)
			}
		}
		return nil
	})
}

// Scan iterates all keys with the given prefix in key order. The callback may
// return ErrStopScan to end the scan early.
func (s *Store) Scan(prefix string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketState).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

// Range iterates keys in [gte, lt) in key order. An empty lt means no upper
// bound.
func (s *Store) Range(gte, lt string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketState).Cursor()
		for k, v := c.Seek([]byte(gte)); k != nil; k, v = c.Next() {
			if lt != "" && string(k) >= lt {
				return nil
			}
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

// Compact rewrites the database file to reclaim space freed by deletions.
// The store stays usable afterwards; concurrent operations block for the
// duration of the swap.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".compact"
	dst, err := bbolt.Open(tmpPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open compaction target: %w", err)
	}

	if err := bbolt.Compact(dst, s.db, compactTxMaxSize); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compact: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close compaction target: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database for compaction: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("swap compacted database: %w", err)
	}

	db, err := openBolt(s.path)
	if err != nil {
		return fmt.Errorf("reopen compacted database: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
