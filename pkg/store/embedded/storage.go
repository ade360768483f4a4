package embedded

import "errors"

// errStorageClosed is returned by storage operations after Close.
var errStorageClosed = errors.New("storage closed")

// storage is a transactional key-value backend (bbolt file or memory).
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx is a storage transaction.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns the named bucket, or nil if it doesn't exist.
	Bucket(name string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (storageBucket, error)

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times,
	// including after Commit.
	Rollback() error
}

// storageBucket is a sorted key-value collection.
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// ForEach calls fn for every pair in key order. Returned slices are only valid
	// during the call.
	ForEach(fn func(key, value []byte) error) error
}

// view runs fn in a read-only transaction.
func view(s storage, fn func(tx storageTx) error) error {
	tx, err := s.BeginTx(false)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

// update runs fn in a writable transaction and commits when fn succeeds.
func update(s storage, fn func(tx storageTx) error) error {
	tx, err := s.BeginTx(true)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
