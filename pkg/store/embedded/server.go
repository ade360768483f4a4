// Package embedded implements an in-process document store behind the store.Conn
// contract. Data lives in memory or in a bbolt file; documents are msgpack encoded;
// writes are broadcast to change feed subscribers in commit order.
//
// The embedded store keeps index declarations as metadata only. Queries scan the
// table and evaluate filters with pkg/store/filter.
package embedded

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

const (
	metaBucket        = "_geodoc_tables"
	tableBucketPrefix = "t:"
	defaultFeedBuffer = 1024
)

var (
	// ErrServerClosed is returned by every operation after Server.Close.
	ErrServerClosed = errors.New(errors.ErrorTypeConnection, "embedded store closed")
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New(errors.ErrorTypeConnection, "connection closed")
	// ErrFeedOverflow terminates a change feed whose subscriber fell behind.
	ErrFeedOverflow = errors.New(errors.ErrorTypeQuery, "change feed subscriber fell behind")
)

type tableMeta struct {
	Name       string            `msgpack:"name"`
	PrimaryKey string            `msgpack:"primary_key"`
	Indexes    []store.IndexSpec `msgpack:"indexes"`
}

// Option configures a Server.
type Option func(*Server)

// WithFeedBuffer sets how many undelivered change events a subscriber may hold before
// its feed fails with ErrFeedOverflow.
func WithFeedBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.feedBuffer = n
		}
	}
}

// Server owns the storage and the change broadcaster. Connections are cheap handles
// onto it.
type Server struct {
	storage    storage
	logger     *zap.Logger
	feedBuffer int
	feeds      *broadcaster

	// writeMu orders commits and their change publication.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens an embedded store. An empty path keeps everything in memory; otherwise the
// data lives in the bbolt file at path.
func Open(path string, log *zap.Logger, opts ...Option) (*Server, error) {
	var st storage
	if path == "" {
		st = newMemStorage()
	} else {
		bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open embedded store").
				WithDetail("path", path)
		}
		st = newBoltStorage(bdb)
	}

	if err := update(st, func(tx storageTx) error {
		_, err := tx.CreateBucket(metaBucket)
		return err
	}); err != nil {
		_ = st.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to initialise embedded store")
	}

	s := &Server{
		storage:    st,
		feedBuffer: defaultFeedBuffer,
		feeds:      newBroadcaster(),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(log).With(zap.String("component", "embedded_store"))
	if path == "" {
		s.logger.Debug("opened in-memory store")
	} else {
		s.logger.Info("opened embedded store", zap.String("path", path))
	}
	return s, nil
}

// Close ends every change feed and closes the storage.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.feeds.closeAll(store.ErrCursorClosed)

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err = s.storage.Close()
	})
	return err
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Connect returns an open connection to the server.
func (s *Server) Connect() *Conn {
	c := &Conn{server: s, id: uuid.NewString()}
	c.reopen()
	return c
}

// Dialer returns a store.Dialer handing out connections to this server. Options are
// ignored.
func (s *Server) Dialer() store.Dialer {
	return store.DialerFunc(func(ctx context.Context, _ store.Options) (store.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.isClosed() {
			return nil, ErrServerClosed
		}
		return s.Connect(), nil
	})
}

func (s *Server) tableList() ([]string, error) {
	var names []string
	err := view(s.storage, func(tx storageTx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, s.storageError(err, "failed to list tables")
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) tableCreate(name, primaryKey string) error {
	if name == "" || primaryKey == "" {
		return errors.New(errors.ErrorTypeValidation, "table name and primary key are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := update(s.storage, func(tx storageTx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get([]byte(name)) != nil {
			return errors.Newf(errors.ErrorTypeConflict, "table `%s` already exists", name)
		}
		data, err := encodeValue(tableMeta{Name: name, PrimaryKey: primaryKey})
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(name), data); err != nil {
			return err
		}
		_, err = tx.CreateBucket(tableBucketPrefix + name)
		return err
	})
	if err != nil {
		return s.storageError(err, "failed to create table")
	}
	s.logger.Info("created table", zap.String("table", name), zap.String("primary_key", primaryKey))
	return nil
}

func (s *Server) indexList(table string) ([]string, error) {
	var names []string
	err := view(s.storage, func(tx storageTx) error {
		m, err := loadMeta(tx, table)
		if err != nil {
			return err
		}
		for _, idx := range m.Indexes {
			names = append(names, idx.Name)
		}
		return nil
	})
	if err != nil {
		return nil, s.storageError(err, "failed to list indexes")
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) indexCreate(table string, spec store.IndexSpec) error {
	if spec.Name == "" || len(spec.Fields) == 0 {
		return errors.New(errors.ErrorTypeValidation, "index name and fields are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := update(s.storage, func(tx storageTx) error {
		m, err := loadMeta(tx, table)
		if err != nil {
			return err
		}
		for _, idx := range m.Indexes {
			if idx.Name == spec.Name {
				return errors.Newf(errors.ErrorTypeConflict, "index `%s` already exists on table `%s`", spec.Name, table)
			}
		}
		m.Indexes = append(m.Indexes, spec)
		data, err := encodeValue(m)
		if err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put([]byte(table), data)
	})
	if err != nil {
		return s.storageError(err, "failed to create index")
	}
	s.logger.Info("created index",
		zap.String("table", table),
		zap.String("index", spec.Name),
		zap.Bool("geo", spec.Geo))
	return nil
}

// loadMeta reads a table's metadata, failing when the table does not exist.
func loadMeta(tx storageTx, table string) (*tableMeta, error) {
	data := tx.Bucket(metaBucket).Get([]byte(table))
	if data == nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table `%s` does not exist", table)
	}
	var m tableMeta
	if err := decodeValue(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Server) primaryKey(table string) (string, error) {
	var pk string
	err := view(s.storage, func(tx storageTx) error {
		m, err := loadMeta(tx, table)
		if err != nil {
			return err
		}
		pk = m.PrimaryKey
		return nil
	})
	if err != nil {
		return "", s.storageError(err, "failed to read table metadata")
	}
	return pk, nil
}

// storageError maps storage failures to geodoc errors, keeping errors that are already
// classified.
func (s *Server) storageError(err error, msg string) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, errStorageClosed) || s.isClosed() {
		return errors.Wrap(ErrServerClosed, errors.ErrorTypeConnection, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeQuery, msg)
}
