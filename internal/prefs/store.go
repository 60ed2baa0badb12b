// Package prefs provides durable typed key/value storage for the update agent.
// BoltDB is chosen over flat files for atomic single-key writes (pure Go, no C
// dependencies); every Set is an fsynced transaction.
package prefs

import (
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

var bucketPrefs = []byte("prefs")

// StoreError wraps a failed store operation with its key.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("prefs: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is a typed key/value store backed by a single BoltDB bucket.
// It is the sole writer of its database file; bbolt's file lock enforces
// single-process access.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false, // fsync for durability
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrefs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exists reports whether key has a stored value.
func (s *Store) Exists(key string) bool {
	var found bool
	s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketPrefs).Get([]byte(key)) != nil
		return nil
	})
	return found
}

// GetString returns the stored value for key, or ok=false if absent.
func (s *Store) GetString(key string) (value string, ok bool) {
	s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketPrefs).Get([]byte(key))
		if raw != nil {
			value = string(raw)
			ok = true
		}
		return nil
	})
	return value, ok
}

// GetInt64 returns the stored integer for key. Absent or unparseable values
// report ok=false; the caller falls back to its documented default.
func (s *Store) GetInt64(key string) (value int64, ok bool) {
	raw, found := s.GetString(key)
	if !found {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetString durably stores value under key.
func (s *Store) SetString(key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// SetInt64 durably stores value under key. Values are stored as decimal
// strings so the database stays inspectable with bolt tooling.
func (s *Store) SetInt64(key string, value int64) error {
	return s.SetString(key, strconv.FormatInt(value, 10))
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrefs).Delete([]byte(key))
	})
	if err != nil {
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	return nil
}
