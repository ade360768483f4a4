// Package mongostore implements the store.Conn contract on MongoDB. Tables are
// collections, the declared primary key is stored as _id, geo indexes are 2dsphere
// indexes and change feeds are change streams with pre- and post-images.
package mongostore

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

const (
	// metaCollection records every table geodoc created and its primary key.
	metaCollection = "_geodoc_tables"
	idField        = "_id"

	defaultConnectTimeout = 10 * time.Second

	codeNamespaceExists = 48
)

type tableMeta struct {
	Name       string `bson:"_id"`
	PrimaryKey string `bson:"primary_key"`
}

// Dialer opens MongoDB connections.
type Dialer struct {
	logger *zap.Logger
}

// NewDialer returns a Dialer. A nil logger uses the global logger.
func NewDialer(log *zap.Logger) *Dialer {
	return &Dialer{logger: logger.OrGlobal(log).With(zap.String("component", "mongostore"))}
}

// Dial implements store.Dialer. The connection is pinged before it is returned.
func (d *Dialer) Dial(ctx context.Context, opts store.Options) (store.Conn, error) {
	c := &Conn{opts: opts, logger: d.logger}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// URI builds the connection string for opts. Credentials authenticate against the
// admin database.
func URI(opts store.Options) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Path:   "/",
	}
	if opts.Username != "" {
		u.User = url.UserPassword(opts.Username, opts.Password)
		u.RawQuery = url.Values{"authSource": []string{"admin"}}.Encode()
	}
	return u.String()
}

// Conn is a MongoDB session. Network failures mark it closed so that a pool reconnects it.
type Conn struct {
	opts   store.Options
	logger *zap.Logger

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
	open   atomic.Bool

	keys sync.Map // table name -> primary key
}

var _ store.Conn = (*Conn)(nil)

func (c *Conn) connect(ctx context.Context) error {
	timeout := c.opts.ConnectTimeoutOr(defaultConnectTimeout)
	clientOpts := options.Client().
		ApplyURI(URI(c.opts)).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB").
			WithDetail("host", c.opts.Host).
			WithDetail("port", c.opts.Port)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping MongoDB").
			WithDetail("host", c.opts.Host).
			WithDetail("port", c.opts.Port)
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.db = client.Database(c.opts.Database)
	c.mu.Unlock()
	c.open.Store(true)

	if old != nil {
		_ = old.Disconnect(context.Background())
	}
	c.logger.Debug("connected to MongoDB",
		zap.String("host", c.opts.Host),
		zap.Int("port", c.opts.Port),
		zap.String("database", c.opts.Database))
	return nil
}

// IsOpen implements store.Conn.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// Reconnect implements store.Conn. The old client is replaced only once the new one
// answers a ping.
func (c *Conn) Reconnect(ctx context.Context) error {
	return c.connect(ctx)
}

// Close implements store.Conn.
func (c *Conn) Close(ctx context.Context) error {
	c.open.Store(false)
	c.mu.Lock()
	client := c.client
	c.client, c.db = nil, nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to disconnect from MongoDB")
	}
	return nil
}

func (c *Conn) database() (*mongo.Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "connection closed")
	}
	return c.db, nil
}

// fail classifies a driver error. Network errors mark the connection closed.
func (c *Conn) fail(err error, msg string) error {
	if mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		if c.open.CompareAndSwap(true, false) {
			c.logger.Warn("MongoDB connection lost", zap.Error(err))
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, msg)
	}
	if mongo.IsTimeout(err) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeQuery, msg)
}

// TableList implements store.Conn. Only tables created through geodoc are listed.
func (c *Conn) TableList(ctx context.Context) ([]string, error) {
	db, err := c.database()
	if err != nil {
		return nil, err
	}
	cur, err := db.Collection(metaCollection).Find(ctx, bson.D{})
	if err != nil {
		return nil, c.fail(err, "failed to list tables")
	}
	var metas []tableMeta
	if err := cur.All(ctx, &metas); err != nil {
		return nil, c.fail(err, "failed to list tables")
	}
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names, nil
}

// TableCreate implements store.Conn. The collection keeps pre- and post-images so that
// change feeds can report both sides of an update. The metadata row is written only
// once the collection is in place, so a failed create leaves the table unlisted and
// the next attempt starts over.
func (c *Conn) TableCreate(ctx context.Context, name, primaryKey string) error {
	if name == "" || primaryKey == "" {
		return errors.New(errors.ErrorTypeValidation, "table name and primary key are required")
	}
	db, err := c.database()
	if err != nil {
		return err
	}

	if err := c.createCollection(ctx, db, name); err != nil {
		return err
	}

	if _, err := db.Collection(metaCollection).InsertOne(ctx, tableMeta{Name: name, PrimaryKey: primaryKey}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Newf(errors.ErrorTypeConflict, "table `%s` already exists", name)
		}
		return c.fail(err, "failed to create table")
	}
	c.keys.Store(name, primaryKey)

	c.logger.Info("created table", zap.String("table", name), zap.String("primary_key", primaryKey))
	return nil
}

// createCollection creates name with change stream images enabled. A collection left
// behind by an earlier failed attempt has the images switched on in place.
func (c *Conn) createCollection(ctx context.Context, db *mongo.Database, name string) error {
	collOpts := options.CreateCollection().SetChangeStreamPreAndPostImages(bson.M{"enabled": true})
	err := db.CreateCollection(ctx, name, collOpts)
	if err == nil {
		return nil
	}
	var ce mongo.CommandError
	if !errors.As(err, &ce) || ce.Code != codeNamespaceExists {
		return c.fail(err, "failed to create table")
	}
	collMod := bson.D{
		{Key: "collMod", Value: name},
		{Key: "changeStreamPreAndPostImages", Value: bson.M{"enabled": true}},
	}
	if err := db.RunCommand(ctx, collMod).Err(); err != nil {
		return c.fail(err, "failed to enable change stream images")
	}
	return nil
}

// primaryKey returns the declared primary key of table.
func (c *Conn) primaryKey(ctx context.Context, table string) (string, error) {
	if pk, ok := c.keys.Load(table); ok {
		return pk.(string), nil
	}
	db, err := c.database()
	if err != nil {
		return "", err
	}
	var m tableMeta
	err = db.Collection(metaCollection).FindOne(ctx, bson.D{{Key: idField, Value: table}}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", errors.Newf(errors.ErrorTypeNotFound, "table `%s` does not exist", table)
	}
	if err != nil {
		return "", c.fail(err, "failed to read table metadata")
	}
	c.keys.Store(table, m.PrimaryKey)
	return m.PrimaryKey, nil
}

// IndexList implements store.Conn. The implicit _id index is not listed.
func (c *Conn) IndexList(ctx context.Context, table string) ([]string, error) {
	if _, err := c.primaryKey(ctx, table); err != nil {
		return nil, err
	}
	db, err := c.database()
	if err != nil {
		return nil, err
	}
	specs, err := db.Collection(table).Indexes().ListSpecifications(ctx)
	if err != nil {
		return nil, c.fail(err, "failed to list indexes")
	}
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		if s.Name != "_id_" {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// IndexCreate implements store.Conn.
func (c *Conn) IndexCreate(ctx context.Context, table string, spec store.IndexSpec) error {
	if spec.Name == "" || len(spec.Fields) == 0 {
		return errors.New(errors.ErrorTypeValidation, "index name and fields are required")
	}
	pk, err := c.primaryKey(ctx, table)
	if err != nil {
		return err
	}
	db, err := c.database()
	if err != nil {
		return err
	}

	model := mongo.IndexModel{
		Keys:    indexKeys(spec, pk),
		Options: options.Index().SetName(spec.Name),
	}
	if _, err := db.Collection(table).Indexes().CreateOne(ctx, model); err != nil {
		return c.fail(err, "failed to create index")
	}
	c.logger.Info("created index",
		zap.String("table", table),
		zap.String("index", spec.Name),
		zap.Bool("geo", spec.Geo))
	return nil
}

// indexKeys returns the key document of an index: 2dsphere for geo indexes, ascending
// otherwise.
func indexKeys(spec store.IndexSpec, pk string) bson.D {
	keys := make(bson.D, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		var dir interface{} = 1
		if spec.Geo {
			dir = "2dsphere"
		}
		keys = append(keys, bson.E{Key: storeField(f, pk), Value: dir})
	}
	return keys
}
