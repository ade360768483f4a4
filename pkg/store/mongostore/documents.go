package mongostore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/store/filter"
)

func (c *Conn) collection(ctx context.Context, table string) (*mongo.Collection, string, error) {
	pk, err := c.primaryKey(ctx, table)
	if err != nil {
		return nil, "", err
	}
	db, err := c.database()
	if err != nil {
		return nil, "", err
	}
	return db.Collection(table), pk, nil
}

// Insert implements store.Conn. A document without a primary key value gets a generated
// UUID key.
func (c *Conn) Insert(ctx context.Context, table string, doc store.Document) (store.WriteResult, error) {
	if doc == nil {
		return store.WriteResult{}, errors.New(errors.ErrorTypeValidation, "cannot insert a nil document")
	}
	coll, pk, err := c.collection(ctx, table)
	if err != nil {
		return store.WriteResult{}, err
	}

	var res store.WriteResult
	stored := toStore(doc, pk)
	if v, ok := stored[idField]; !ok || v == nil {
		key := uuid.NewString()
		stored[idField] = key
		res.GeneratedKeys = append(res.GeneratedKeys, key)
	}

	if _, err := coll.InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.WriteResult{
				Errors:     1,
				FirstError: fmt.Sprintf("Duplicate primary key `%s`: %v", pk, stored[idField]),
			}, nil
		}
		return store.WriteResult{}, c.fail(err, "insert failed")
	}
	res.Inserted = 1
	return res, nil
}

// Update implements store.Conn. Atomic updates are a single $set; non-atomic updates
// read the document, merge and replace it.
func (c *Conn) Update(ctx context.Context, table string, key interface{}, doc store.Document, opts store.UpdateOptions) (store.WriteResult, error) {
	coll, pk, err := c.collection(ctx, table)
	if err != nil {
		return store.WriteResult{}, err
	}

	patch := toStore(doc, pk)
	if v, ok := patch[idField]; ok {
		if !filter.Equal(v, key) {
			return store.WriteResult{
				Errors:     1,
				FirstError: fmt.Sprintf("Primary key `%s` cannot be changed", pk),
			}, nil
		}
		delete(patch, idField)
	}
	byKey := bson.D{{Key: idField, Value: key}}

	if opts.NonAtomic {
		return c.replaceMerged(ctx, coll, byKey, patch)
	}

	if len(patch) == 0 {
		n, err := coll.CountDocuments(ctx, byKey)
		if err != nil {
			return store.WriteResult{}, c.fail(err, "update failed")
		}
		if n == 0 {
			return store.WriteResult{Skipped: 1}, nil
		}
		return store.WriteResult{Unchanged: 1}, nil
	}

	ur, err := coll.UpdateOne(ctx, byKey, bson.D{{Key: "$set", Value: patch}})
	if err != nil {
		return store.WriteResult{}, c.fail(err, "update failed")
	}
	return updateResult(ur), nil
}

func (c *Conn) replaceMerged(ctx context.Context, coll *mongo.Collection, byKey bson.D, patch bson.M) (store.WriteResult, error) {
	var current bson.M
	err := coll.FindOne(ctx, byKey).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.WriteResult{Skipped: 1}, nil
	}
	if err != nil {
		return store.WriteResult{}, c.fail(err, "update failed")
	}
	for k, v := range patch {
		current[k] = v
	}
	ur, err := coll.ReplaceOne(ctx, byKey, current)
	if err != nil {
		return store.WriteResult{}, c.fail(err, "update failed")
	}
	return updateResult(ur), nil
}

func updateResult(ur *mongo.UpdateResult) store.WriteResult {
	switch {
	case ur.MatchedCount == 0:
		return store.WriteResult{Skipped: 1}
	case ur.ModifiedCount == 0:
		return store.WriteResult{Unchanged: 1}
	default:
		return store.WriteResult{Replaced: 1}
	}
}

// Delete implements store.Conn.
func (c *Conn) Delete(ctx context.Context, table string, key interface{}) (store.WriteResult, error) {
	coll, _, err := c.collection(ctx, table)
	if err != nil {
		return store.WriteResult{}, err
	}
	dr, err := coll.DeleteOne(ctx, bson.D{{Key: idField, Value: key}})
	if err != nil {
		return store.WriteResult{}, c.fail(err, "delete failed")
	}
	if dr.DeletedCount == 0 {
		return store.WriteResult{Skipped: 1}, nil
	}
	return store.WriteResult{Deleted: 1}, nil
}

// Run implements store.Conn.
func (c *Conn) Run(ctx context.Context, term store.Term) (interface{}, error) {
	coll, pk, err := c.collection(ctx, term.TableName())
	if err != nil {
		return nil, err
	}
	rename := func(path string) string { return storeField(path, pk) }
	selector := rewriteFilter(term.Selector(), rename).(bson.D)

	if key, ok := term.Key(); ok {
		query := bson.D{{Key: idField, Value: key}}
		if len(selector) > 0 {
			query = bson.D{{Key: "$and", Value: bson.A{query, selector}}}
		}
		var doc bson.M
		err := coll.FindOne(ctx, query).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.Document(nil), nil
		}
		if err != nil {
			return nil, c.fail(err, "query failed")
		}
		return fromStore(doc, pk), nil
	}

	findOpts := options.Find()
	if order := term.Order(); len(order) > 0 {
		findOpts.SetSort(sortKeys(order, pk))
	}
	if n := term.SkipN(); n > 0 {
		findOpts.SetSkip(n)
	}
	if n := term.LimitN(); n > 0 {
		findOpts.SetLimit(n)
	}

	cur, err := coll.Find(ctx, selector, findOpts)
	if err != nil {
		return nil, c.fail(err, "query failed")
	}

	if term.Shape() == store.ShapeList {
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, c.fail(err, "query failed")
		}
		out := make([]store.Document, len(docs))
		for i, d := range docs {
			out[i] = fromStore(d, pk)
		}
		return out, nil
	}
	return &cursor{conn: c, cur: cur, pk: pk}, nil
}

// sortKeys renames the sort fields and maps "asc"/"desc" directions to 1/-1.
func sortKeys(order bson.D, pk string) bson.D {
	out := make(bson.D, len(order))
	for i, e := range order {
		dir := e.Value
		switch d := dir.(type) {
		case string:
			dir = 1
			if d == "desc" || d == "descending" {
				dir = -1
			}
		}
		out[i] = bson.E{Key: storeField(e.Key, pk), Value: dir}
	}
	return out
}

// cursor adapts a driver cursor to store.Cursor.
type cursor struct {
	conn *Conn
	pk   string

	mu     sync.Mutex
	cur    *mongo.Cursor
	doc    store.Document
	err    error
	closed bool
}

func (c *cursor) Next(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return false
	}
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			c.err = c.conn.fail(err, "cursor failed")
		}
		c.doc = nil
		return false
	}
	var m bson.M
	if err := c.cur.Decode(&m); err != nil {
		c.err = errors.Wrap(err, errors.ErrorTypeData, "failed to decode document")
		return false
	}
	c.doc = fromStore(m, c.pk)
	return true
}

func (c *cursor) Doc() store.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

func (c *cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.cur.Close(ctx); err != nil {
		return c.conn.fail(err, "failed to close cursor")
	}
	return nil
}
