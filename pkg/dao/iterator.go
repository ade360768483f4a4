package dao

import (
	"context"
	"fmt"
	"sync"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/mapper"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

// Iterator is a closable lazy sequence of records. Close must be called on every path;
// it releases the cursor and the connection behind it. Close may be called from another
// goroutine while Next is blocked: the pending pull is cancelled and Next returns false.
//
//	it, err := d.ReadWhere(ctx, query)
//	if err != nil { ... }
//	defer it.Close(ctx)
//	for it.Next(ctx) {
//		rec := it.Value()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[T any] struct {
	mapper *mapper.Mapper
	next   func(ctx context.Context) (store.Document, bool, error)
	close  func(ctx context.Context) error

	pull sync.Mutex // serializes use of the underlying cursor

	mu         sync.Mutex
	value      T
	err        error
	closed     bool
	cancelPull context.CancelFunc
}

func newListIterator[T any](m *mapper.Mapper, docs []store.Document) *Iterator[T] {
	return &Iterator[T]{
		mapper: m,
		next: func(context.Context) (store.Document, bool, error) {
			if len(docs) == 0 {
				return nil, false, nil
			}
			doc := docs[0]
			docs = docs[1:]
			return doc, true, nil
		},
		close: func(context.Context) error { return nil },
	}
}

func newCursorIterator[T any](m *mapper.Mapper, cur store.Cursor, lease store.Lease) *Iterator[T] {
	return &Iterator[T]{
		mapper: m,
		next: func(ctx context.Context) (store.Document, bool, error) {
			if cur.Next(ctx) {
				return cur.Doc(), true, nil
			}
			err := cur.Err()
			if errors.Is(err, store.ErrCursorClosed) {
				err = nil
			}
			return nil, false, err
		},
		close: func(ctx context.Context) error {
			defer lease.Release()
			return cur.Close(ctx)
		},
	}
}

// Next advances to the next record. It returns false at the end of the sequence, after
// Close, or on error; check Err afterwards.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	it.pull.Lock()
	defer it.pull.Unlock()

	it.mu.Lock()
	if it.closed || it.err != nil {
		it.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	it.cancelPull = cancel
	it.mu.Unlock()

	doc, ok, err := it.next(ctx)

	it.mu.Lock()
	defer it.mu.Unlock()
	it.cancelPull = nil
	if it.closed {
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		return false
	}
	v, err := mapper.Decode[T](it.mapper, doc)
	if err != nil {
		it.err = err
		return false
	}
	it.value = v
	return true
}

// Value returns the current record.
func (it *Iterator[T]) Value() T {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.value
}

// Err returns the error that ended iteration, if any.
func (it *Iterator[T]) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Close releases the iterator's resources. Further calls are no-ops.
func (it *Iterator[T]) Close(ctx context.Context) error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	if it.cancelPull != nil {
		it.cancelPull()
	}
	it.mu.Unlock()

	it.pull.Lock()
	defer it.pull.Unlock()
	return it.close(ctx)
}

// All drains the iterator into a slice and closes it.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	defer it.Close(ctx)
	var out []T
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}

func typeName(v interface{}) string {
	return fmt.Sprintf("%T", v)
}
