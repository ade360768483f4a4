package dao

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/mapper"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

// ChangeKind classifies a change feed element.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	// ChangeInvalid is an element with neither image. Feeds never deliver it.
	ChangeInvalid ChangeKind = "invalid"
)

// ChangeFeedElement is one change: Old is nil for a create, New is nil for a delete.
type ChangeFeedElement[T any] struct {
	Old *T
	New *T
}

// Kind classifies the element.
func (e ChangeFeedElement[T]) Kind() ChangeKind {
	switch {
	case e.Old == nil && e.New != nil:
		return ChangeCreate
	case e.Old != nil && e.New != nil:
		return ChangeUpdate
	case e.Old != nil:
		return ChangeDelete
	default:
		return ChangeInvalid
	}
}

// Feed is a cancellable stream of change feed elements, read by a dedicated goroutine
// into a bounded channel. Elements arrive in the order the store emits them.
type Feed[T any] struct {
	ch     chan ChangeFeedElement[T]
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// C returns the element channel. It is closed when the feed ends.
func (f *Feed[T]) C() <-chan ChangeFeedElement[T] { return f.ch }

// Done is closed once the feed has ended and released its connection.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }

// Next waits for the next element. It returns false when the feed has ended or ctx is
// done.
func (f *Feed[T]) Next(ctx context.Context) (ChangeFeedElement[T], bool) {
	select {
	case e, ok := <-f.ch:
		return e, ok
	case <-ctx.Done():
		return ChangeFeedElement[T]{}, false
	}
}

// Err returns the error that ended the feed. Cancellation is not an error.
func (f *Feed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close cancels the feed and waits for its goroutine to release the connection.
func (f *Feed[T]) Close() error {
	f.cancel()
	<-f.done
	return nil
}

func (f *Feed[T]) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (d *GenericDAO[T, PK]) startFeed(ctx context.Context, cancel context.CancelFunc, cur store.ChangeCursor, lease store.Lease) *Feed[T] {
	f := &Feed[T]{
		ch:     make(chan ChangeFeedElement[T], d.feedBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.runFeed(ctx, f, cur, lease)
	return f
}

// runFeed pulls changes until the cursor ends. Interruption by cancellation or by the
// cursor closing ends the feed cleanly; any other error is kept for Err.
func (d *GenericDAO[T, PK]) runFeed(ctx context.Context, f *Feed[T], cur store.ChangeCursor, lease store.Lease) {
	log := logger.WithContext(ctx, d.logger)
	defer close(f.done)
	defer lease.Release()
	defer f.cancel()
	defer close(f.ch)
	defer func() {
		if err := cur.Close(context.Background()); err != nil {
			log.Debug("error closing change cursor", zap.Error(err))
		}
	}()

	log.Debug("change feed started")
	for {
		change, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, store.ErrCursorClosed) {
				log.Debug("change feed stopped")
				return
			}
			log.Error("change feed failed", zap.Error(err))
			f.fail(err)
			return
		}

		elem, err := decodeChange[T](d.mapper, change)
		if err != nil {
			log.Error("failed to decode change", zap.Error(err))
			f.fail(err)
			return
		}
		kind := elem.Kind()
		if kind == ChangeInvalid {
			log.Error("dropping change with neither old nor new value")
			d.metrics.ChangeDropped("empty")
			continue
		}

		select {
		case f.ch <- elem:
			d.metrics.ChangeEvent(string(kind))
		case <-ctx.Done():
			log.Debug("change feed stopped")
			return
		}
	}
}

func decodeChange[T any](m *mapper.Mapper, c store.Change) (ChangeFeedElement[T], error) {
	var elem ChangeFeedElement[T]
	if c.OldVal != nil {
		v, err := mapper.Decode[T](m, c.OldVal)
		if err != nil {
			return elem, err
		}
		elem.Old = &v
	}
	if c.NewVal != nil {
		v, err := mapper.Decode[T](m, c.NewVal)
		if err != nil {
			return elem, err
		}
		elem.New = &v
	}
	return elem, nil
}
