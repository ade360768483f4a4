package embedded

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/geo"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/testutil"
)

// eachBackend runs fn against an in-memory server and a bbolt-backed server.
func eachBackend(t *testing.T, fn func(t *testing.T, s *Server)) {
	t.Helper()
	backends := map[string]func(t *testing.T) string{
		"memory": func(*testing.T) string { return "" },
		"bolt":   func(t *testing.T) string { return filepath.Join(t.TempDir(), "geodoc.db") },
	}
	for name, path := range backends {
		t.Run(name, func(t *testing.T) {
			s, err := Open(path(t), zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func withTable(t *testing.T, s *Server, name string) *Conn {
	t.Helper()
	c := s.Connect()
	require.NoError(t, c.TableCreate(context.Background(), name, "id"))
	return c
}

func TestTablesAndIndexes(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Server) {
		ctx := context.Background()
		c := s.Connect()

		tables, err := c.TableList(ctx)
		require.NoError(t, err)
		assert.Empty(t, tables)

		require.NoError(t, c.TableCreate(ctx, "places", "id"))
		require.NoError(t, c.TableCreate(ctx, "areas", "code"))

		tables, err = c.TableList(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"areas", "places"}, tables)

		err = c.TableCreate(ctx, "places", "id")
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

		require.NoError(t, c.IndexCreate(ctx, "places", store.IndexSpec{Name: "location", Fields: []string{"location"}, Geo: true}))
		require.NoError(t, c.IndexCreate(ctx, "places", store.IndexSpec{Name: "city_name", Fields: []string{"city", "name"}}))

		indexes, err := c.IndexList(ctx, "places")
		require.NoError(t, err)
		assert.Equal(t, []string{"city_name", "location"}, indexes)

		err = c.IndexCreate(ctx, "places", store.IndexSpec{Name: "location", Fields: []string{"location"}})
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

		_, err = c.IndexList(ctx, "missing")
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

		err = c.IndexCreate(ctx, "places", store.IndexSpec{Name: "empty"})
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestInsertAndGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Server) {
		ctx := context.Background()
		c := withTable(t, s, "places")

		res, err := c.Insert(ctx, "places", store.Document{"id": "a", "name": "Alpha", "rank": 3})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Inserted)
		assert.Empty(t, res.GeneratedKeys)

		out, err := c.Run(ctx, store.Table("places").Get("a"))
		require.NoError(t, err)
		doc, ok := out.(store.Document)
		require.True(t, ok)
		assert.Equal(t, "Alpha", doc["name"])
		assert.EqualValues(t, 3, doc["rank"])

		out, err = c.Run(ctx, store.Table("places").Get("missing"))
		require.NoError(t, err)
		assert.Nil(t, out.(store.Document))

		res, err = c.Insert(ctx, "places", store.Document{"id": "a", "name": "Again"})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 1, res.Errors)
		assert.Contains(t, res.FirstError, "Duplicate primary key `id`")

		_, err = c.Insert(ctx, "missing", store.Document{"id": "a"})
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestInsertGeneratesKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Server) {
		ctx := context.Background()
		c := withTable(t, s, "places")

		res, err := c.Insert(ctx, "places", store.Document{"name": "anonymous"})
		require.NoError(t, err)
		require.Len(t, res.GeneratedKeys, 1)

		out, err := c.Run(ctx, store.Table("places").Get(res.GeneratedKeys[0]))
		require.NoError(t, err)
		doc := out.(store.Document)
		require.NotNil(t, doc)
		assert.Equal(t, res.GeneratedKeys[0], doc["id"])
	})
}

func TestNumericKeysShareRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Server) {
		ctx := context.Background()
		c := withTable(t, s, "places")

		_, err := c.Insert(ctx, "places", store.Document{"id": 2, "name": "two"})
		require.NoError(t, err)

		for _, key := range []interface{}{2, int64(2), int32(2), float64(2)} {
			out, err := c.Run(ctx, store.Table("places").Get(key))
			require.NoError(t, err)
			assert.NotNil(t, out.(store.Document), "key %T", key)
		}

		res, err := c.Insert(ctx, "places", store.Document{"id": 2.0})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Errors)
	})
}

func TestInsertEncodesGeo(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Server) {
		ctx := context.Background()
		c := withTable(t, s, "places")

		_, err := c.Insert(ctx, "places", store.Document{
			"id":       "p",
			"location": geo.NewPoint(13.4, 52.5),
		})
		require.NoError(t, err)

		out, err := c.Run(ctx, store.Table("places").Get("p"))
		require.NoError(t, err)
		loc, ok := out.(store.Document)["location"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "Point", loc["type"])

		v, err := geo.FromMap(loc)
		require.NoError(t, err)
		assert.True(t, geo.NewPoint(13.4, 52.5).Equal(v.(geo.Point)))
	})
}

func TestUpdate(t *testing.T) {
	for _, nonAtomic := range []bool{false, true} {
		opts := store.UpdateOptions{NonAtomic: nonAtomic}
		eachBackend(t, func(t *testing.T, s *Server) {
			ctx := context.Background()
			c := withTable(t, s, "places")
			_, err := c.Insert(ctx, "places", store.Document{"id": "a", "name": "Alpha", "rank": 1})
			require.NoError(t, err)

			res, err := c.Update(ctx, "places", "a", store.Document{"rank": 2}, opts)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Replaced)

			out, err := c.Run(ctx, store.Table("places").Get("a"))
			require.NoError(t, err)
			doc := out.(store.Document)
			assert.Equal(t, "Alpha", doc["name"])
			assert.EqualValues(t, 2, doc["rank"])

			res, err = c.Update(ctx, "places", "a", store.Document{"rank": 2}, opts)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Unchanged)

			res, err = c.Update(ctx, "places", "missing", store.Document{"rank": 2}, opts)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Skipped)

			res, err = c.Update(ctx, "places", "a", store.Document{"id": "b"}, opts)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Errors)
			assert.Contains(t, res.FirstError, "Primary key `id`")
		})
	}
}

func TestDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Server) {
		ctx := context.Background()
		c := withTable(t, s, "places")
		_, err := c.Insert(ctx, "places", store.Document{"id": "a"})
		require.NoError(t, err)

		res, err := c.Delete(ctx, "places", "a")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted)

		res, err = c.Delete(ctx, "places", "a")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)

		out, err := c.Run(ctx, store.Table("places").Get("a"))
		require.NoError(t, err)
		assert.Nil(t, out.(store.Document))
	})
}

func seed(t *testing.T, c *Conn) {
	t.Helper()
	ctx := context.Background()
	for _, doc := range []store.Document{
		{"id": "a", "city": "Berlin", "pop": 10},
		{"id": "b", "city": "Paris", "pop": 30},
		{"id": "c", "city": "Berlin", "pop": 20},
		{"id": "d", "city": "Rome", "pop": 40},
	} {
		_, err := c.Insert(ctx, "places", doc)
		require.NoError(t, err)
	}
}

func drain(t *testing.T, cur store.Cursor) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for cur.Next(ctx) {
		ids = append(ids, cur.Doc()["id"].(string))
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close(ctx))
	return ids
}

func TestRunShapes(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Server) {
		ctx := context.Background()
		c := withTable(t, s, "places")
		seed(t, c)

		out, err := c.Run(ctx, store.Table("places"))
		require.NoError(t, err)
		cur, ok := out.(store.Cursor)
		require.True(t, ok)
		assert.Equal(t, []string{"a", "b", "c", "d"}, drain(t, cur))

		out, err = c.Run(ctx, store.Table("places").Filter(bson.M{"city": "Berlin"}))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, drain(t, out.(store.Cursor)))

		out, err = c.Run(ctx, store.Table("places").
			Filter(bson.M{"pop": bson.M{"$gte": 20}}).
			Filter(bson.M{"city": bson.M{"$ne": "Rome"}}))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"b", "c"}, drain(t, out.(store.Cursor)))

		out, err = c.Run(ctx, store.Table("places").OrderBy(bson.D{{Key: "pop", Value: -1}}).Skip(1).Limit(2))
		require.NoError(t, err)
		list, ok := out.([]store.Document)
		require.True(t, ok)
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[0]["id"])
		assert.Equal(t, "c", list[1]["id"])

		out, err = c.Run(ctx, store.Table("places").Filter(bson.M{"city": "Oslo"}).OrderBy(bson.D{{Key: "pop", Value: 1}}))
		require.NoError(t, err)
		assert.Empty(t, out.([]store.Document))

		out, err = c.Run(ctx, store.Table("places").Get("a").Filter(bson.M{"city": "Paris"}))
		require.NoError(t, err)
		assert.Nil(t, out.(store.Document))

		_, err = c.Run(ctx, store.Table("places").Filter(bson.M{"pop": bson.M{"$near": 1}}))
		assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
	})
}

func TestCursorClose(t *testing.T) {
	s, err := Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	c := withTable(t, s, "places")
	seed(t, c)

	ctx := context.Background()
	out, err := c.Run(ctx, store.Table("places"))
	require.NoError(t, err)
	cur := out.(store.Cursor)

	require.True(t, cur.Next(ctx))
	require.NoError(t, cur.Close(ctx))
	assert.False(t, cur.Next(ctx))
	assert.NoError(t, cur.Err())
}

func TestConnLifecycle(t *testing.T) {
	s, err := Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	c := withTable(t, s, "places")
	ctx := context.Background()

	require.NoError(t, c.Close(ctx))
	assert.False(t, c.IsOpen())
	_, err = c.TableList(ctx)
	assert.True(t, errors.Is(err, ErrConnClosed))

	require.NoError(t, c.Reconnect(ctx))
	assert.True(t, c.IsOpen())
	_, err = c.TableList(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.False(t, c.IsOpen())
	assert.True(t, errors.Is(c.Reconnect(ctx), ErrServerClosed))
	_, err = c.TableList(ctx)
	assert.True(t, errors.Is(err, ErrServerClosed))

	_, err = s.Dialer().Dial(ctx, store.Options{})
	assert.True(t, errors.Is(err, ErrServerClosed))
}

func TestBoltPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geodoc.db")
	ctx := context.Background()

	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	c := withTable(t, s, "places")
	_, err = c.Insert(ctx, "places", store.Document{"id": "a", "tags": []interface{}{"x", "y"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	c = s.Connect()

	tables, err := c.TableList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"places"}, tables)

	out, err := c.Run(ctx, store.Table("places").Get("a"))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x", "y"}, out.(store.Document)["tags"])
}

func nextChange(t *testing.T, cur store.ChangeCursor) store.Change {
	t.Helper()
	ch, err := cur.Next(testutil.TestContext(t, 2*time.Second))
	require.NoError(t, err)
	return ch
}
