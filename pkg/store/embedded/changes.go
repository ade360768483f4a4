package embedded

import (
	"context"
	"sync"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/store/filter"
)

// broadcaster fans committed changes out to per-table subscribers. Publishing never
// blocks: a subscriber whose buffer is full is dropped with ErrFeedOverflow.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[string]map[*subscription]struct{}
	closed   bool
	closeErr error
}

type subscription struct {
	table string
	ch    chan store.Change
	done  chan struct{}
	once  sync.Once
	err   error
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]map[*subscription]struct{})}
}

// stop ends the subscription with err. Only the first call has an effect.
func (s *subscription) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (b *broadcaster) subscribe(table string, buffer int) *subscription {
	sub := &subscription{
		table: table,
		ch:    make(chan store.Change, buffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.stop(b.closeErr)
		return sub
	}
	set, ok := b.subs[table]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[table] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *broadcaster) unsubscribe(sub *subscription, err error) {
	b.mu.Lock()
	if set, ok := b.subs[sub.table]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.table)
		}
	}
	b.mu.Unlock()
	sub.stop(err)
}

func (b *broadcaster) publish(table string, c store.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[table] {
		select {
		case sub.ch <- c:
		default:
			delete(b.subs[table], sub)
			sub.stop(ErrFeedOverflow)
		}
	}
}

func (b *broadcaster) closeAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.closeErr = err
	for table, set := range b.subs {
		for sub := range set {
			sub.stop(err)
		}
		delete(b.subs, table)
	}
}

// subscribers returns the number of live subscriptions on table.
func (b *broadcaster) subscribers(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[table])
}

func (s *Server) changes(term store.Term, connClosed <-chan struct{}) (store.ChangeCursor, error) {
	table := term.TableName()
	pk, err := s.primaryKey(table)
	if err != nil {
		return nil, err
	}

	key, hasKey := term.Key()
	filters := term.Filters()
	match := func(doc store.Document) (bool, error) {
		if hasKey && !filter.Equal(doc[pk], key) {
			return false, nil
		}
		return filter.MatchAll(filters, doc)
	}
	if !hasKey && len(filters) == 0 {
		match = nil
	}

	return &changeCursor{
		feeds:      s.feeds,
		sub:        s.feeds.subscribe(table, s.feedBuffer),
		connClosed: connClosed,
		match:      match,
	}, nil
}

// changeCursor reads one subscription, applying the term's row predicate to each change.
type changeCursor struct {
	feeds      *broadcaster
	sub        *subscription
	connClosed <-chan struct{}
	match      func(store.Document) (bool, error)
}

func (c *changeCursor) Next(ctx context.Context) (store.Change, error) {
	for {
		select {
		case ch := <-c.sub.ch:
			out, ok, err := store.FilterChange(ch, c.match)
			if err != nil {
				return store.Change{}, errors.Wrap(err, errors.ErrorTypeQuery, "invalid change feed filter")
			}
			if ok {
				return out, nil
			}
		case <-c.sub.done:
			return store.Change{}, c.sub.err
		case <-c.connClosed:
			c.feeds.unsubscribe(c.sub, ErrConnClosed)
			return store.Change{}, errors.Wrap(ErrConnClosed, errors.ErrorTypeConnection, "change feed interrupted")
		case <-ctx.Done():
			return store.Change{}, ctx.Err()
		}
	}
}

func (c *changeCursor) Close(context.Context) error {
	c.feeds.unsubscribe(c.sub, store.ErrCursorClosed)
	return nil
}
