package embedded

import (
	"context"
	"fmt"
	"sync"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

// Conn is a connection to an embedded Server. Closing it fails in-flight change feeds
// opened through it; Reconnect reopens it.
type Conn struct {
	server *Server
	id     string

	mu     sync.Mutex
	open   bool
	closed chan struct{}
}

var _ store.Conn = (*Conn)(nil)

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

func (c *Conn) reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		c.open = true
		c.closed = make(chan struct{})
	}
}

// IsOpen implements store.Conn.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.server.isClosed()
}

// Reconnect implements store.Conn.
func (c *Conn) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.server.isClosed() {
		return ErrServerClosed
	}
	c.reopen()
	return nil
}

// Close implements store.Conn.
func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		c.open = false
		close(c.closed)
	}
	return nil
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "context done")
	}
	if c.server.isClosed() {
		return ErrServerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrConnClosed
	}
	return nil
}

// closedCh returns the channel closed when the current session ends.
func (c *Conn) closedCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TableList implements store.Conn.
func (c *Conn) TableList(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.server.tableList()
}

// TableCreate implements store.Conn.
func (c *Conn) TableCreate(ctx context.Context, name, primaryKey string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.server.tableCreate(name, primaryKey)
}

// IndexList implements store.Conn.
func (c *Conn) IndexList(ctx context.Context, table string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.server.indexList(table)
}

// IndexCreate implements store.Conn.
func (c *Conn) IndexCreate(ctx context.Context, table string, spec store.IndexSpec) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.server.indexCreate(table, spec)
}

// Insert implements store.Conn. A document without a primary key value gets a generated
// UUID key.
func (c *Conn) Insert(ctx context.Context, table string, doc store.Document) (store.WriteResult, error) {
	if err := c.check(ctx); err != nil {
		return store.WriteResult{}, err
	}
	return c.server.insert(table, doc)
}

// Update implements store.Conn. Fields of doc are merged into the stored document at the
// top level.
func (c *Conn) Update(ctx context.Context, table string, key interface{}, doc store.Document, opts store.UpdateOptions) (store.WriteResult, error) {
	if err := c.check(ctx); err != nil {
		return store.WriteResult{}, err
	}
	return c.server.update(table, key, doc, opts)
}

// Delete implements store.Conn.
func (c *Conn) Delete(ctx context.Context, table string, key interface{}) (store.WriteResult, error) {
	if err := c.check(ctx); err != nil {
		return store.WriteResult{}, err
	}
	return c.server.delete(table, key)
}

// Run implements store.Conn.
func (c *Conn) Run(ctx context.Context, term store.Term) (interface{}, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.server.run(term)
}

// Changes implements store.Conn.
func (c *Conn) Changes(ctx context.Context, term store.Term) (store.ChangeCursor, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.server.changes(term, c.closedCh())
}

func (c *Conn) String() string {
	return fmt.Sprintf("embedded.Conn(%s)", c.id)
}
