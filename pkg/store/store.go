// Package store defines the driver contract geodoc consumes from an underlying document
// database: connections, table and index provisioning, key-based document writes, query
// execution and change feeds.
//
// Drivers live in sub-packages (mongostore, embedded). The data-access engine and the
// connection pool only depend on the interfaces declared here.
package store

import (
	"context"
	"errors"
	"time"
)

// Document is the untyped storage shape of a record: field name to primitive, nested
// Document, []interface{} or geo.Value.
type Document = map[string]interface{}

// ErrCursorClosed is returned by cursors that were closed or interrupted. Consumers treat
// it as a clean end of stream.
var ErrCursorClosed = errors.New("cursor closed")

// Options describes how to reach the store.
type Options struct {
	Host           string        `yaml:"host" json:"host"`
	Port           int           `yaml:"port" json:"port"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"-"`
	Database       string        `yaml:"database" json:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// ConnectTimeoutOr returns ConnectTimeout, or def when it is unset.
func (o Options) ConnectTimeoutOr(def time.Duration) time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return def
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts Options) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, opts Options) (Conn, error) { return f(ctx, opts) }

// IndexSpec declares a secondary index.
type IndexSpec struct {
	Name   string   `msgpack:"name"`
	Fields []string `msgpack:"fields"`
	Geo    bool     `msgpack:"geo"`
}

// UpdateOptions tunes Update.
type UpdateOptions struct {
	// NonAtomic allows the store to read and write the document in separate steps.
	NonAtomic bool
}

// WriteResult summarises a write the way the store reports it. A non-zero Errors count
// means the write was rejected; FirstError holds the first message.
type WriteResult struct {
	Inserted      int
	Replaced      int
	Unchanged     int
	Skipped       int
	Deleted       int
	Errors        int
	FirstError    string
	GeneratedKeys []interface{}
}

// Conn is a live session to the store. Implementations must tolerate Reconnect being
// called from a maintenance goroutine while another goroutine holds the connection.
type Conn interface {
	// IsOpen reports whether the session is believed to be usable.
	IsOpen() bool
	// Reconnect re-establishes the session in place.
	Reconnect(ctx context.Context) error
	// Close ends the session.
	Close(ctx context.Context) error

	TableList(ctx context.Context) ([]string, error)
	TableCreate(ctx context.Context, name, primaryKey string) error
	IndexList(ctx context.Context, table string) ([]string, error)
	IndexCreate(ctx context.Context, table string, spec IndexSpec) error

	Insert(ctx context.Context, table string, doc Document) (WriteResult, error)
	Update(ctx context.Context, table string, key interface{}, doc Document, opts UpdateOptions) (WriteResult, error)
	Delete(ctx context.Context, table string, key interface{}) (WriteResult, error)

	// Run executes a query. The result is one of:
	//   - Document: a single document, nil when absent
	//   - []Document: a finite list
	//   - Cursor: a stream the caller must close
	Run(ctx context.Context, term Term) (interface{}, error)

	// Changes opens a change feed over the rows selected by term.
	Changes(ctx context.Context, term Term) (ChangeCursor, error)
}

// Cursor streams documents. Next blocks until a document is available, the stream ends
// or ctx is done.
type Cursor interface {
	Next(ctx context.Context) bool
	Doc() Document
	Err() error
	Close(ctx context.Context) error
}

// Change is one change feed event. Exactly one of OldVal/NewVal may be nil.
type Change struct {
	OldVal Document
	NewVal Document
}

// ChangeCursor streams change events. Next blocks until an event arrives. It returns
// ErrCursorClosed or the context error when interrupted.
type ChangeCursor interface {
	Next(ctx context.Context) (Change, error)
	Close(ctx context.Context) error
}
