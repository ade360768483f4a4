// Package dao provides a generic data-access object over the store driver contract:
// idempotent table provisioning, typed CRUD, closable lazy reads and cancellable change
// feeds.
//
// Records are converted to and from the untyped store representation by pkg/mapper, so
// geo values survive the round trip at any depth.
package dao

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/mapper"
	"github.com/ajitpratap0/geodoc/pkg/metrics"
	"github.com/ajitpratap0/geodoc/pkg/observability"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

// Operation names, used in spans and metric labels.
const (
	opInitTable       = "init_table"
	opCreate          = "create"
	opRead            = "read"
	opReadWhere       = "read_where"
	opUpdate          = "update"
	opUpdateNonAtomic = "update_non_atomic"
	opDelete          = "delete"
	opChanges         = "changes"
)

const defaultFeedBuffer = 64

// Query refines a table term, for example with a filter or an ordering. It is applied
// by the store; the engine does not inspect it.
type Query func(store.Term) store.Term

type options struct {
	logger     *zap.Logger
	mapper     *mapper.Mapper
	tracer     trace.TracerProvider
	feedBuffer int
}

// Option configures a GenericDAO.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMapper sets the mapper used to convert records.
func WithMapper(m *mapper.Mapper) Option {
	return func(o *options) { o.mapper = m }
}

// WithTracerProvider sets the tracer provider. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithFeedBuffer sets how many change feed elements are buffered between the feed
// goroutine and the consumer.
func WithFeedBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.feedBuffer = n
		}
	}
}

// GenericDAO performs typed operations on one table. T is the record type and PK the
// type of its primary key field.
type GenericDAO[T any, PK comparable] struct {
	provider   store.Provider
	schema     Schema
	mapper     *mapper.Mapper
	logger     *zap.Logger
	metrics    *metrics.TableCollector
	tracer     *observability.TableTracer
	feedBuffer int
}

// New creates a GenericDAO. provider is a connection pool or store.Persistent. The
// schema is validated; its PrimaryKeyType, when set, must name PK.
func New[T any, PK comparable](provider store.Provider, schema Schema, opts ...Option) (*GenericDAO[T, PK], error) {
	if provider == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "connection provider is required")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	pkType := keyTypeName[PK]()
	if schema.PrimaryKeyType == "" {
		schema.PrimaryKeyType = pkType
	} else if schema.PrimaryKeyType != pkType {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"schema primary key type %s does not match %s", schema.PrimaryKeyType, pkType).
			WithDetail("table", schema.TableName)
	}

	o := options{feedBuffer: defaultFeedBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrGlobal(o.logger).With(
		zap.String("component", "dao"),
		zap.String("table", schema.TableName))
	if o.mapper == nil {
		o.mapper = mapper.New(log)
	}

	return &GenericDAO[T, PK]{
		provider:   provider,
		schema:     schema,
		mapper:     o.mapper,
		logger:     log,
		metrics:    metrics.NewTableCollector(schema.TableName),
		tracer:     observability.NewTableTracer(schema.TableName, o.tracer),
		feedBuffer: o.feedBuffer,
	}, nil
}

// Schema returns the schema the DAO was built with.
func (d *GenericDAO[T, PK]) Schema() Schema { return d.schema }

// observe wraps an operation with a span and metrics.
func (d *GenericDAO[T, PK]) observe(ctx context.Context, op string, fn func(ctx context.Context, span *observability.Span) error) error {
	ctx = logger.ContextWith(ctx, zap.String("operation", op))
	ctx, span := d.tracer.StartSpan(ctx, op)
	timer := metrics.NewTimer(op)
	err := fn(ctx, span)
	d.metrics.ObserveOperation(op, err, timer.Stop())
	span.End(err)
	return err
}

// withConn runs fn on a leased connection that is released when fn returns.
func (d *GenericDAO[T, PK]) withConn(ctx context.Context, op string, fn func(ctx context.Context, conn store.Conn) error) error {
	return d.observe(ctx, op, func(ctx context.Context, _ *observability.Span) error {
		lease, err := d.provider.Acquire(ctx)
		if err != nil {
			return err
		}
		defer lease.Release()
		return fn(ctx, lease)
	})
}

// InitTable creates the table and its declared indexes if they do not exist. Calling it
// again has no effect.
func (d *GenericDAO[T, PK]) InitTable(ctx context.Context) error {
	return d.withConn(ctx, opInitTable, func(ctx context.Context, conn store.Conn) error {
		tables, err := conn.TableList(ctx)
		if err != nil {
			return err
		}
		if !contains(tables, d.schema.TableName) {
			err := conn.TableCreate(ctx, d.schema.TableName, d.schema.PrimaryKeyField)
			if err != nil && !errors.IsType(err, errors.ErrorTypeConflict) {
				return err
			}
			if err == nil {
				logger.WithContext(ctx, d.logger).Info("created table", zap.String("primary_key", d.schema.PrimaryKeyField))
			}
		}

		existing, err := conn.IndexList(ctx, d.schema.TableName)
		if err != nil {
			return err
		}
		for _, idx := range d.schema.Indices.Items() {
			name := idx.Name()
			if contains(existing, name) {
				continue
			}
			spec := store.IndexSpec{Name: name, Fields: idx.Fields, Geo: idx.Geo}
			err := conn.IndexCreate(ctx, d.schema.TableName, spec)
			if err != nil && !errors.IsType(err, errors.ErrorTypeConflict) {
				return err
			}
			if err == nil {
				logger.WithContext(ctx, d.logger).Info("created index", zap.String("index", name), zap.Bool("geo", idx.Geo))
			}
		}
		return nil
	})
}

// Create inserts model. A duplicate primary key fails with a conflict error carrying
// the store's message.
func (d *GenericDAO[T, PK]) Create(ctx context.Context, model T) error {
	return d.withConn(ctx, opCreate, func(ctx context.Context, conn store.Conn) error {
		doc, err := d.mapper.ToRepresentation(model)
		if err != nil {
			return err
		}
		res, err := conn.Insert(ctx, d.schema.TableName, doc)
		if err != nil {
			return err
		}
		return d.checkWrite(res)
	})
}

// Read returns the record with the given key, or nil when there is none.
func (d *GenericDAO[T, PK]) Read(ctx context.Context, pk PK) (*T, error) {
	var out *T
	err := d.withConn(ctx, opRead, func(ctx context.Context, conn store.Conn) error {
		res, err := conn.Run(ctx, store.Table(d.schema.TableName).Get(pk))
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		doc, ok := res.(store.Document)
		if !ok {
			return unrecognized(res)
		}
		if doc == nil {
			return nil
		}
		v, err := mapper.Decode[T](d.mapper, doc)
		if err != nil {
			return err
		}
		out = &v
		return nil
	})
	return out, err
}

// ReadAll returns an iterator over the whole table. It scans every row; the iterator
// must be closed.
func (d *GenericDAO[T, PK]) ReadAll(ctx context.Context) (*Iterator[T], error) {
	return d.ReadWhere(ctx, nil)
}

// ReadWhere runs query against the table and returns an iterator over the result,
// whether the store produced a single document, a list or a cursor. The iterator must
// be closed; for cursors it holds the connection until then.
func (d *GenericDAO[T, PK]) ReadWhere(ctx context.Context, query Query) (*Iterator[T], error) {
	var it *Iterator[T]
	err := d.observe(ctx, opReadWhere, func(ctx context.Context, span *observability.Span) error {
		term := store.Table(d.schema.TableName)
		if query != nil {
			term = query(term)
		}

		lease, err := d.provider.Acquire(ctx)
		if err != nil {
			return err
		}
		res, err := lease.Run(ctx, term)
		if err != nil {
			lease.Release()
			return err
		}

		switch r := res.(type) {
		case nil:
			lease.Release()
			it = newListIterator[T](d.mapper, nil)
		case store.Document:
			lease.Release()
			span.SetAttribute("result", "single")
			it = newListIterator[T](d.mapper, single(r))
		case []store.Document:
			lease.Release()
			span.SetAttribute("result", "list")
			span.SetAttribute("rows", len(r))
			it = newListIterator[T](d.mapper, r)
		case store.Cursor:
			span.SetAttribute("result", "cursor")
			it = newCursorIterator[T](d.mapper, r, lease)
		default:
			lease.Release()
			return unrecognized(res)
		}
		return nil
	})
	return it, err
}

// Update merges model into the stored record atomically.
func (d *GenericDAO[T, PK]) Update(ctx context.Context, pk PK, model T) error {
	return d.update(ctx, opUpdate, pk, model, store.UpdateOptions{})
}

// UpdateNonAtomic merges model into the stored record without atomicity, for stores
// that require it when the update cannot be evaluated deterministically.
func (d *GenericDAO[T, PK]) UpdateNonAtomic(ctx context.Context, pk PK, model T) error {
	return d.update(ctx, opUpdateNonAtomic, pk, model, store.UpdateOptions{NonAtomic: true})
}

func (d *GenericDAO[T, PK]) update(ctx context.Context, op string, pk PK, model T, opts store.UpdateOptions) error {
	return d.withConn(ctx, op, func(ctx context.Context, conn store.Conn) error {
		doc, err := d.mapper.ToRepresentation(model)
		if err != nil {
			return err
		}
		res, err := conn.Update(ctx, d.schema.TableName, pk, doc, opts)
		if err != nil {
			return err
		}
		return d.checkWrite(res)
	})
}

// Delete removes the record with the given key. Deleting a missing key is not an error.
func (d *GenericDAO[T, PK]) Delete(ctx context.Context, pk PK) error {
	return d.withConn(ctx, opDelete, func(ctx context.Context, conn store.Conn) error {
		res, err := conn.Delete(ctx, d.schema.TableName, pk)
		if err != nil {
			return err
		}
		return d.checkWrite(res)
	})
}

// Changes opens a change feed over the whole table.
func (d *GenericDAO[T, PK]) Changes(ctx context.Context) (*Feed[T], error) {
	return d.ChangesWhere(ctx, nil)
}

// ChangesWhere opens a change feed over the rows selected by query. The feed is
// consumed on its own goroutine and ends when ctx is cancelled or Close is called; the
// connection is held until then.
func (d *GenericDAO[T, PK]) ChangesWhere(ctx context.Context, query Query) (*Feed[T], error) {
	var feed *Feed[T]
	err := d.observe(ctx, opChanges, func(spanCtx context.Context, _ *observability.Span) error {
		term := store.Table(d.schema.TableName)
		if query != nil {
			term = query(term)
		}

		lease, err := d.provider.Acquire(spanCtx)
		if err != nil {
			return err
		}
		// The feed outlives the span, so it is bound to the caller's context.
		feedCtx, cancel := context.WithCancel(logger.ContextWith(ctx, zap.String("operation", opChanges)))
		cur, err := lease.Changes(feedCtx, term)
		if err != nil {
			cancel()
			lease.Release()
			return err
		}
		feed = d.startFeed(feedCtx, cancel, cur, lease)
		return nil
	})
	return feed, err
}

func (d *GenericDAO[T, PK]) checkWrite(res store.WriteResult) error {
	if res.Errors == 0 {
		return nil
	}
	return errors.Wrap(errors.ErrWriteConflict, errors.ErrorTypeConflict, res.FirstError).
		WithDetail("table", d.schema.TableName).
		WithDetail("errors", res.Errors)
}

func unrecognized(res interface{}) error {
	return errors.Wrap(errors.ErrUnrecognizedResult, errors.ErrorTypeInternal, "cannot wrap query result").
		WithDetail("type", typeName(res))
}

func single(doc store.Document) []store.Document {
	if doc == nil {
		return nil
	}
	return []store.Document{doc}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
