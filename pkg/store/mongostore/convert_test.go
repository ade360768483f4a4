package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/geodoc/pkg/geo"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

func TestURI(t *testing.T) {
	assert.Equal(t, "mongodb://127.0.0.1:28015/", URI(store.Options{Host: "127.0.0.1", Port: 28015}))
	assert.Equal(t, "mongodb://admin:p%40ss@db:27017/?authSource=admin",
		URI(store.Options{Host: "db", Port: 27017, Username: "admin", Password: "p@ss"}))
	assert.Equal(t, "mongodb://[::1]:27017/", URI(store.Options{Host: "::1", Port: 27017}))
}

func TestStoreField(t *testing.T) {
	assert.Equal(t, "_id", storeField("code", "code"))
	assert.Equal(t, "_id.part", storeField("code.part", "code"))
	assert.Equal(t, "codename", storeField("codename", "code"))
	assert.Equal(t, "name", storeField("name", "code"))
	assert.Equal(t, "_id", storeField("_id", "_id"))
}

func TestToStoreAndBack(t *testing.T) {
	p := geo.NewPoint(2.35, 48.85)
	doc := store.Document{"code": "par", "name": "Paris", "location": p}

	stored := toStore(doc, "code")
	assert.Equal(t, "par", stored["_id"])
	assert.NotContains(t, stored, "code")
	assert.Equal(t, p.GeoJSON(), stored["location"])

	decoded := bson.M{
		"_id":  "par",
		"name": "Paris",
		"location": bson.M{
			"type":        "Point",
			"coordinates": bson.A{2.35, 48.85},
		},
		"tags":  bson.A{"a", bson.D{{Key: "k", Value: int32(1)}}},
		"oid":   primitive.NewObjectIDFromTimestamp(time.Unix(0, 0)),
		"count": int32(3),
	}
	back := fromStore(decoded, "code")
	assert.Equal(t, "par", back["code"])
	assert.NotContains(t, back, "_id")
	assert.Equal(t, map[string]interface{}{
		"type":        "Point",
		"coordinates": []interface{}{2.35, 48.85},
	}, back["location"])
	assert.Equal(t, []interface{}{"a", map[string]interface{}{"k": int64(1)}}, back["tags"])
	assert.IsType(t, "", back["oid"])
	assert.Equal(t, int64(3), back["count"])

	v, err := geo.FromMap(back["location"].(map[string]interface{}))
	assert.NoError(t, err)
	assert.True(t, p.Equal(v.(geo.Point)))

	assert.Nil(t, fromStore(nil, "code"))
}

func TestRewriteFilter(t *testing.T) {
	rename := func(path string) string { return storeField(path, "code") }

	got := rewriteFilter(bson.M{
		"code": "par",
		"$or": bson.A{
			bson.M{"pop": bson.M{"$gt": 10}},
			bson.D{{Key: "code.part", Value: 1}},
		},
	}, rename)

	want := bson.D{
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "pop", Value: bson.M{"$gt": 10}}},
			bson.D{{Key: "_id.part", Value: 1}},
		}},
		{Key: "_id", Value: "par"},
	}
	assert.Equal(t, want, got)

	assert.Equal(t, "plain", rewriteFilter("plain", rename))
}

func TestEitherImage(t *testing.T) {
	got := eitherImage(bson.D{{Key: "code", Value: "par"}, {Key: "pop", Value: bson.M{"$gt": 1}}}, "code")
	want := bson.D{{Key: "$or", Value: bson.A{
		bson.D{
			{Key: "fullDocument._id", Value: "par"},
			{Key: "fullDocument.pop", Value: bson.M{"$gt": 1}},
		},
		bson.D{
			{Key: "fullDocumentBeforeChange._id", Value: "par"},
			{Key: "fullDocumentBeforeChange.pop", Value: bson.M{"$gt": 1}},
		},
	}}}
	assert.Equal(t, want, got)
}

func TestChangePipeline(t *testing.T) {
	assert.Len(t, changePipeline(store.Table("t"), "id"), 1)
	assert.Len(t, changePipeline(store.Table("t").Get("k"), "id"), 2)
	assert.Len(t, changePipeline(store.Table("t").Get("k").Filter(bson.M{"a": 1}), "id"), 3)

	keyStage := changePipeline(store.Table("t").Get("k"), "id")[1]
	assert.Equal(t, bson.D{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: "k"}}}}, keyStage)
}

func TestToChange(t *testing.T) {
	before := bson.M{"_id": "a", "n": int32(1)}
	after := bson.M{"_id": "a", "n": int32(2)}

	c := toChange(changeEvent{OperationType: "insert", FullDocument: after}, "id")
	assert.Nil(t, c.OldVal)
	assert.Equal(t, store.Document{"id": "a", "n": int64(2)}, c.NewVal)

	c = toChange(changeEvent{OperationType: "update", FullDocument: after, FullDocumentBeforeChange: before}, "id")
	assert.Equal(t, store.Document{"id": "a", "n": int64(1)}, c.OldVal)
	assert.Equal(t, store.Document{"id": "a", "n": int64(2)}, c.NewVal)

	c = toChange(changeEvent{OperationType: "delete", DocumentKey: bson.M{"_id": "a"}}, "id")
	assert.Equal(t, store.Document{"id": "a"}, c.OldVal)
	assert.Nil(t, c.NewVal)

	c = toChange(changeEvent{OperationType: "drop"}, "id")
	assert.Nil(t, c.OldVal)
	assert.Nil(t, c.NewVal)
}

func TestIndexKeys(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "location", Value: "2dsphere"}},
		indexKeys(store.IndexSpec{Name: "location", Fields: []string{"location"}, Geo: true}, "id"))
	assert.Equal(t, bson.D{{Key: "city", Value: 1}, {Key: "_id", Value: 1}},
		indexKeys(store.IndexSpec{Name: "city_id", Fields: []string{"city", "id"}}, "id"))
}

func TestSortKeys(t *testing.T) {
	got := sortKeys(bson.D{{Key: "id", Value: "desc"}, {Key: "pop", Value: 1}, {Key: "name", Value: "asc"}}, "id")
	assert.Equal(t, bson.D{{Key: "_id", Value: -1}, {Key: "pop", Value: 1}, {Key: "name", Value: 1}}, got)
}
