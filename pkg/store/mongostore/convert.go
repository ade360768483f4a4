package mongostore

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/geodoc/pkg/store"
)

// storeField maps a field path to its stored name: the primary key lives in _id.
func storeField(path, pk string) string {
	if pk == idField {
		return path
	}
	if path == pk {
		return idField
	}
	if strings.HasPrefix(path, pk+".") {
		return idField + path[len(pk):]
	}
	return path
}

// toStore returns the stored form of doc: geo values as GeoJSON and the primary key
// moved to _id.
func toStore(doc store.Document, pk string) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range store.Encode(doc) {
		out[storeField(k, pk)] = v
	}
	return out
}

// fromStore converts a decoded document back to geodoc field names with plain Go
// containers.
func fromStore(doc bson.M, pk string) store.Document {
	if doc == nil {
		return nil
	}
	out := make(store.Document, len(doc))
	for k, v := range doc {
		if k == idField && pk != idField {
			k = pk
		}
		out[k] = normalize(v)
	}
	return out
}

// normalize replaces driver container types with maps and slices and identifiers with
// their string form.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	default:
		return v
	}
}

// rewriteFilter renames field paths in a filter document to their stored names. Operator
// keys are kept; logical operators are rewritten recursively.
func rewriteFilter(filter interface{}, rename func(string) string) interface{} {
	switch f := filter.(type) {
	case bson.D:
		out := make(bson.D, 0, len(f))
		for _, e := range f {
			out = append(out, rewriteEntry(e.Key, e.Value, rename))
		}
		return out
	case bson.M:
		return rewriteMap(f, rename)
	case map[string]interface{}:
		return rewriteMap(f, rename)
	case bson.A:
		out := make(bson.A, len(f))
		for i, item := range f {
			out[i] = rewriteFilter(item, rename)
		}
		return out
	case []interface{}:
		out := make(bson.A, len(f))
		for i, item := range f {
			out[i] = rewriteFilter(item, rename)
		}
		return out
	default:
		return filter
	}
}

func rewriteMap(m map[string]interface{}, rename func(string) string) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(m))
	for _, k := range keys {
		out = append(out, rewriteEntry(k, m[k], rename))
	}
	return out
}

func rewriteEntry(key string, value interface{}, rename func(string) string) bson.E {
	switch key {
	case "$and", "$or", "$nor":
		return bson.E{Key: key, Value: rewriteFilter(value, rename)}
	}
	if strings.HasPrefix(key, "$") {
		return bson.E{Key: key, Value: value}
	}
	return bson.E{Key: rename(key), Value: value}
}

// eitherImage turns a row filter into a change stream filter matching events whose
// pre-image or post-image satisfies it.
func eitherImage(selector bson.D, pk string) bson.D {
	image := func(prefix string) interface{} {
		return rewriteFilter(selector, func(path string) string {
			return prefix + storeField(path, pk)
		})
	}
	return bson.D{{Key: "$or", Value: bson.A{
		image("fullDocument."),
		image("fullDocumentBeforeChange."),
	}}}
}
