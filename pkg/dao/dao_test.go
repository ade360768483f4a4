package dao

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/geodoc/pkg/clients"
	"github.com/ajitpratap0/geodoc/pkg/config"
	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/geo"
	"github.com/ajitpratap0/geodoc/pkg/mapper"
	"github.com/ajitpratap0/geodoc/pkg/metrics"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/store/embedded"
	geotest "github.com/ajitpratap0/geodoc/pkg/testutil"
)

type place struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	City     string       `json:"city,omitempty"`
	Rank     int          `json:"rank"`
	Location geo.Point    `json:"location"`
	Area     *geo.Polygon `json:"area,omitempty"`
}

func placeSchema(table string) Schema {
	return Schema{
		TableName:       table,
		PrimaryKeyField: "id",
		Indices: NewIndexSet(
			IndexDescriptor{Fields: []string{"location"}, Geo: true},
			IndexDescriptor{Fields: []string{"city", "name"}},
		),
	}
}

// countingProvider hands out leases on one connection and counts releases.
type countingProvider struct {
	conn     store.Conn
	acquired atomic.Int32
	released atomic.Int32
}

func (p *countingProvider) Acquire(context.Context) (store.Lease, error) {
	p.acquired.Add(1)
	return &countingLease{Conn: p.conn, p: p}, nil
}

func (p *countingProvider) outstanding() int32 {
	return p.acquired.Load() - p.released.Load()
}

type countingLease struct {
	store.Conn
	p *countingProvider
}

func (l *countingLease) Release() { l.p.released.Add(1) }

func newServer(t *testing.T) *embedded.Server {
	t.Helper()
	s, err := embedded.Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPlaceDAO(t *testing.T, provider store.Provider, opts ...Option) *GenericDAO[place, int64] {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	d, err := New[place, int64](provider, placeSchema(t.Name()), opts...)
	require.NoError(t, err)
	require.NoError(t, d.InitTable(context.Background()))
	return d
}

func nextElem(t *testing.T, f *Feed[place]) ChangeFeedElement[place] {
	t.Helper()
	return geotest.Receive(t, f.C(), 2*time.Second)
}

func waitDone(t *testing.T, f *Feed[place]) {
	t.Helper()
	geotest.AssertClosed(t, f.Done(), 2*time.Second, "feed should end")
}

func TestNew_Validation(t *testing.T) {
	s := newServer(t)
	provider := store.Persistent(s.Connect())

	_, err := New[place, int64](nil, placeSchema("places"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New[place, int64](provider, Schema{TableName: "places"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	schema := placeSchema("places")
	schema.PrimaryKeyType = "string"
	_, err = New[place, int64](provider, schema)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	d, err := New[place, int64](provider, placeSchema("places"))
	require.NoError(t, err)
	assert.Equal(t, "int64", d.Schema().PrimaryKeyType)
}

func TestInitTable_Idempotent(t *testing.T) {
	s := newServer(t)
	conn := s.Connect()
	d := newPlaceDAO(t, store.Persistent(conn))
	ctx := context.Background()

	require.NoError(t, d.InitTable(ctx))
	require.NoError(t, d.InitTable(ctx))

	tables, err := conn.TableList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{t.Name()}, tables)

	indexes, err := conn.IndexList(ctx, t.Name())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"location", "city_name"}, indexes)
}

func TestCRUD(t *testing.T) {
	s := newServer(t)
	d := newPlaceDAO(t, store.Persistent(s.Connect()))
	ctx := context.Background()

	area := geo.MustPolygon(geo.NewPoint(0, 0), geo.NewPoint(0, 1), geo.NewPoint(1, 1))
	in := place{ID: 1, Name: "plaza", City: "lisbon", Rank: 10, Location: geo.NewPoint(-9.14, 38.71), Area: &area}
	require.NoError(t, d.Create(ctx, in))

	got, err := d.Read(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, *got)

	missing, err := d.Read(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	in.Rank = 11
	require.NoError(t, d.Update(ctx, 1, in))
	got, err = d.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 11, got.Rank)

	in.Location = geo.NewPoint(2, 3)
	require.NoError(t, d.UpdateNonAtomic(ctx, 1, in))
	got, err = d.Read(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Location.Equal(geo.NewPoint(2, 3)))
	assert.Equal(t, area, *got.Area)

	require.NoError(t, d.Delete(ctx, 1))
	got, err = d.Read(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, d.Delete(ctx, 1), "deleting a missing key is not an error")
}

func TestCreate_Duplicate(t *testing.T) {
	s := newServer(t)
	d := newPlaceDAO(t, store.Persistent(s.Connect()))
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, place{ID: 2, Name: "a"}))
	err := d.Create(ctx, place{ID: 2, Name: "b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWriteConflict))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Contains(t, err.Error(), "Duplicate primary key")

	got, err := d.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
}

func TestUpdate_PrimaryKeyChange(t *testing.T) {
	s := newServer(t)
	d := newPlaceDAO(t, store.Persistent(s.Connect()))
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, place{ID: 3, Name: "a"}))
	err := d.Update(ctx, 3, place{ID: 4, Name: "a"})
	assert.True(t, errors.Is(err, errors.ErrWriteConflict))
}

func seedPlaces(t *testing.T, d *GenericDAO[place, int64]) {
	t.Helper()
	for _, p := range []place{
		{ID: 1, Name: "a", City: "lisbon", Rank: 30},
		{ID: 2, Name: "b", City: "porto", Rank: 10},
		{ID: 3, Name: "c", City: "lisbon", Rank: 20},
	} {
		require.NoError(t, d.Create(context.Background(), p))
	}
}

func ids(places []place) []int64 {
	out := make([]int64, 0, len(places))
	for _, p := range places {
		out = append(out, p.ID)
	}
	return out
}

func TestReadWhere_Shapes(t *testing.T) {
	s := newServer(t)
	provider := &countingProvider{conn: s.Connect()}
	d := newPlaceDAO(t, provider)
	seedPlaces(t, d)
	ctx := context.Background()

	t.Run("single", func(t *testing.T) {
		it, err := d.ReadWhere(ctx, func(q store.Term) store.Term { return q.Get(int64(3)) })
		require.NoError(t, err)
		got, err := it.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, ids(got))
	})

	t.Run("single missing", func(t *testing.T) {
		it, err := d.ReadWhere(ctx, func(q store.Term) store.Term { return q.Get(int64(42)) })
		require.NoError(t, err)
		got, err := it.All(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("list", func(t *testing.T) {
		it, err := d.ReadWhere(ctx, func(q store.Term) store.Term {
			return q.OrderBy(bson.D{{Key: "rank", Value: -1}})
		})
		require.NoError(t, err)
		assert.Zero(t, provider.outstanding(), "lists do not hold the connection")
		got, err := it.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3, 2}, ids(got))
	})

	t.Run("cursor", func(t *testing.T) {
		it, err := d.ReadWhere(ctx, func(q store.Term) store.Term {
			return q.Filter(bson.M{"city": "lisbon"})
		})
		require.NoError(t, err)
		assert.Equal(t, int32(1), provider.outstanding(), "cursors hold the connection")
		got, err := it.All(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 3}, ids(got))
		assert.Zero(t, provider.outstanding())
	})

	t.Run("all", func(t *testing.T) {
		it, err := d.ReadAll(ctx)
		require.NoError(t, err)
		got, err := it.All(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 2, 3}, ids(got))
	})
}

func TestIterator_EarlyClose(t *testing.T) {
	s := newServer(t)
	provider := &countingProvider{conn: s.Connect()}
	d := newPlaceDAO(t, provider)
	seedPlaces(t, d)
	ctx := context.Background()

	it, err := d.ReadAll(ctx)
	require.NoError(t, err)
	require.True(t, it.Next(ctx))
	assert.NotZero(t, it.Value().ID)

	require.NoError(t, it.Close(ctx))
	require.NoError(t, it.Close(ctx))
	assert.False(t, it.Next(ctx))
	assert.NoError(t, it.Err())
	assert.Zero(t, provider.outstanding())
}

// oddConn answers every query with a value no store produces.
type oddConn struct {
	store.Conn
}

func (oddConn) Run(context.Context, store.Term) (interface{}, error) { return 42, nil }

func TestReadWhere_UnrecognizedResult(t *testing.T) {
	provider := &countingProvider{conn: oddConn{}}
	d, err := New[place, int64](provider, placeSchema("odd"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ctx := context.Background()

	it, err := d.ReadAll(ctx)
	assert.Nil(t, it)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnrecognizedResult))
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))

	_, err = d.Read(ctx, 1)
	assert.True(t, errors.Is(err, errors.ErrUnrecognizedResult))

	assert.Zero(t, provider.outstanding())
}

func TestChanges_Lifecycle(t *testing.T) {
	s := newServer(t)
	d := newPlaceDAO(t, store.Persistent(s.Connect()))
	ctx := geotest.TestContext(t, 10*time.Second)

	feed, err := d.Changes(ctx)
	require.NoError(t, err)
	defer feed.Close()

	require.NoError(t, d.Create(ctx, place{ID: 2, Name: "x", Rank: 20}))
	e := nextElem(t, feed)
	assert.Equal(t, ChangeCreate, e.Kind())
	assert.Nil(t, e.Old)
	assert.Equal(t, 20, e.New.Rank)

	require.NoError(t, d.Update(ctx, 2, place{ID: 2, Name: "x", Rank: 25}))
	e = nextElem(t, feed)
	assert.Equal(t, ChangeUpdate, e.Kind())
	assert.Equal(t, 20, e.Old.Rank)
	assert.Equal(t, 25, e.New.Rank)

	require.NoError(t, d.Delete(ctx, 2))
	e = nextElem(t, feed)
	assert.Equal(t, ChangeDelete, e.Kind())
	assert.Equal(t, int64(2), e.Old.ID)
	assert.Nil(t, e.New)
}

func TestChangesWhere_Filtered(t *testing.T) {
	s := newServer(t)
	d := newPlaceDAO(t, store.Persistent(s.Connect()))
	ctx := geotest.TestContext(t, 10*time.Second)

	feed, err := d.ChangesWhere(ctx, func(q store.Term) store.Term {
		return q.Filter(bson.M{"rank": bson.M{"$gt": 10}})
	})
	require.NoError(t, err)
	defer feed.Close()

	require.NoError(t, d.Create(ctx, place{ID: 5, Rank: 5}))
	require.NoError(t, d.Create(ctx, place{ID: 6, Rank: 15}))

	e := nextElem(t, feed)
	assert.Equal(t, ChangeCreate, e.Kind())
	assert.Equal(t, int64(6), e.New.ID)
}

func TestChanges_GeoValues(t *testing.T) {
	s := newServer(t)
	d := newPlaceDAO(t, store.Persistent(s.Connect()))
	ctx := geotest.TestContext(t, 10*time.Second)

	feed, err := d.Changes(ctx)
	require.NoError(t, err)
	defer feed.Close()

	area := geo.MustPolygon(geo.NewPoint(1, 1), geo.NewPoint(1, 2), geo.NewPoint(2, 2))
	in := place{ID: 7, Name: "park", Location: geo.NewPoint(1.5, 1.5), Area: &area}
	require.NoError(t, d.Create(ctx, in))

	e := nextElem(t, feed)
	require.NotNil(t, e.New)
	assert.Equal(t, in, *e.New)
}

func TestChanges_CancelIsClean(t *testing.T) {
	s := newServer(t)
	provider := &countingProvider{conn: s.Connect()}
	d := newPlaceDAO(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	feed, err := d.Changes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.outstanding())

	cancel()
	waitDone(t, feed)

	_, ok := <-feed.C()
	assert.False(t, ok)
	assert.NoError(t, feed.Err())
	assert.Zero(t, provider.outstanding())
	assert.NoError(t, feed.Close())
}

func TestChanges_Close(t *testing.T) {
	s := newServer(t)
	provider := &countingProvider{conn: s.Connect()}
	d := newPlaceDAO(t, provider)

	feed, err := d.Changes(context.Background())
	require.NoError(t, err)
	require.NoError(t, feed.Close())

	_, ok := feed.Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, feed.Err())
	assert.Zero(t, provider.outstanding())
}

func TestChanges_MissingTable(t *testing.T) {
	s := newServer(t)
	provider := &countingProvider{conn: s.Connect()}
	d, err := New[place, int64](provider, placeSchema("absent"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	feed, err := d.Changes(context.Background())
	assert.Nil(t, feed)
	assert.Error(t, err)
	assert.Zero(t, provider.outstanding())
}

// scriptedCursor replays changes and then fails with err.
type scriptedCursor struct {
	changes []store.Change
	err     error
	closed  atomic.Bool
}

func (c *scriptedCursor) Next(ctx context.Context) (store.Change, error) {
	if len(c.changes) == 0 {
		return store.Change{}, c.err
	}
	ch := c.changes[0]
	c.changes = c.changes[1:]
	return ch, nil
}

func (c *scriptedCursor) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

type feedConn struct {
	store.Conn
	cur *scriptedCursor
}

func (c feedConn) Changes(context.Context, store.Term) (store.ChangeCursor, error) {
	return c.cur, nil
}

func TestChanges_ErrorPropagation(t *testing.T) {
	boom := stderrors.New("stream reset")
	cur := &scriptedCursor{
		changes: []store.Change{
			{},
			{NewVal: store.Document{"id": int64(1), "name": "a", "rank": int64(3)}},
		},
		err: boom,
	}
	provider := &countingProvider{conn: feedConn{cur: cur}}
	table := "scripted_" + t.Name()
	d, err := New[place, int64](provider, placeSchema(table), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	dropped := testutil.ToFloat64(metrics.ChangeFeedDropped.WithLabelValues(table, "empty"))

	feed, err := d.Changes(context.Background())
	require.NoError(t, err)

	e := nextElem(t, feed)
	assert.Equal(t, ChangeCreate, e.Kind())
	assert.Equal(t, int64(1), e.New.ID)

	waitDone(t, feed)
	assert.ErrorIs(t, feed.Err(), boom)
	assert.True(t, cur.closed.Load())
	assert.Zero(t, provider.outstanding())
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.ChangeFeedDropped.WithLabelValues(table, "empty")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChangeFeedEvents.WithLabelValues(table, "create")))
}

func TestPooledProvider(t *testing.T) {
	s := newServer(t)
	log := zaptest.NewLogger(t)
	cfg := config.PoolConfig{
		MaxConnections:      2,
		MinFreeConnections:  1,
		MaxFreeConnections:  2,
		AcquireTimeout:      time.Second,
		MaintenanceInterval: 10 * time.Millisecond,
		DrainInterval:       10 * time.Millisecond,
	}
	pool, err := clients.NewConnectionPool(cfg, store.Options{Host: "embedded", Port: 28015}, s.Dialer(), log,
		clients.WithName(t.Name()))
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		if pool.IsRunning() {
			_ = pool.Shutdown(time.Second)
		}
	})
	geotest.AssertEventually(t, func() bool { return pool.Stats().Free >= 1 }, 2*time.Second,
		"pool should open a connection")

	d := newPlaceDAO(t, pool)
	ctx := context.Background()
	seedPlaces(t, d)

	it, err := d.ReadWhere(ctx, func(q store.Term) store.Term { return q.Filter(bson.M{"city": "porto"}) })
	require.NoError(t, err)
	got, err := it.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(got))

	geotest.AssertEventually(t, func() bool { return pool.Stats().Leased == 0 }, time.Second,
		"all leases should be returned")
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestInstrumentation(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := newServer(t)
	d := newPlaceDAO(t, store.Persistent(s.Connect()), WithTracerProvider(tp))
	ctx := context.Background()
	table := t.Name()

	before := testutil.ToFloat64(metrics.DAOOperations.WithLabelValues(table, opCreate, metrics.StatusSuccess))
	require.NoError(t, d.Create(ctx, place{ID: 1}))
	require.Error(t, d.Create(ctx, place{ID: 1}))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DAOOperations.WithLabelValues(table, opCreate, metrics.StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DAOOperations.WithLabelValues(table, opCreate, metrics.StatusFailure)))

	var names []string
	for _, span := range exp.GetSpans() {
		names = append(names, span.Name)
	}
	assert.Equal(t, []string{"geodoc.init_table", "geodoc.create", "geodoc.create"}, names)
}

func TestDocumentDAO_NativeNumbers(t *testing.T) {
	s := newServer(t)
	d, err := New[store.Document, string](store.Persistent(s.Connect()), Schema{
		TableName:       t.Name(),
		PrimaryKeyField: "code",
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ctx := geotest.TestContext(t, 10*time.Second)
	require.NoError(t, d.InitTable(ctx))

	feed, err := d.Changes(ctx)
	require.NoError(t, err)
	defer feed.Close()

	require.NoError(t, d.Create(ctx, store.Document{
		"code":  "par",
		"rank":  int64(20),
		"score": 0.5,
		"meta":  map[string]interface{}{"floors": int64(3)},
	}))

	got, err := d.Read(ctx, "par")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(20), (*got)["rank"])
	assert.Equal(t, 0.5, (*got)["score"])
	assert.Equal(t, map[string]interface{}{"floors": int64(3)}, (*got)["meta"])

	e := geotest.Receive(t, feed.C(), 2*time.Second)
	require.NotNil(t, e.New)
	assert.Equal(t, int64(20), (*e.New)["rank"])
}

// blockingCursor parks Next until its context is cancelled.
type blockingCursor struct {
	entered chan struct{}
	err     error
	closed  atomic.Bool
}

func (c *blockingCursor) Next(ctx context.Context) bool {
	close(c.entered)
	<-ctx.Done()
	c.err = ctx.Err()
	return false
}

func (c *blockingCursor) Doc() store.Document { return nil }
func (c *blockingCursor) Err() error          { return c.err }

func (c *blockingCursor) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func TestIterator_CloseWhileNextBlocked(t *testing.T) {
	provider := &countingProvider{}
	lease, err := provider.Acquire(context.Background())
	require.NoError(t, err)

	cur := &blockingCursor{entered: make(chan struct{})}
	it := newCursorIterator[place](mapper.New(zaptest.NewLogger(t)), cur, lease)

	result := make(chan bool, 1)
	go func() { result <- it.Next(context.Background()) }()
	<-cur.entered

	closed := make(chan error, 1)
	go func() { closed <- it.Close(context.Background()) }()

	assert.NoError(t, geotest.Receive(t, closed, 2*time.Second))
	assert.False(t, geotest.Receive(t, result, 2*time.Second))
	assert.NoError(t, it.Err())
	assert.True(t, cur.closed.Load())
	assert.Zero(t, provider.outstanding())
	assert.False(t, it.Next(context.Background()))
}
