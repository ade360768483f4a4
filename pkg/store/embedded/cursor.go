package embedded

import (
	"context"
	"sync"

	"github.com/ajitpratap0/geodoc/pkg/store"
)

// sliceCursor streams a snapshot of documents.
type sliceCursor struct {
	mu     sync.Mutex
	docs   []store.Document
	cur    store.Document
	err    error
	closed bool
}

func newSliceCursor(docs []store.Document) *sliceCursor {
	return &sliceCursor{docs: docs}
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if len(c.docs) == 0 {
		c.cur = nil
		return false
	}
	c.cur, c.docs = c.docs[0], c.docs[1:]
	return true
}

func (c *sliceCursor) Doc() store.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *sliceCursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sliceCursor) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.docs = nil
	c.cur = nil
	return nil
}
