// Package filter evaluates bson filter documents against untyped documents.
//
// It covers the query operators geodoc drivers need to evaluate client side:
// $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists, $not, $and, $or and $nor, with
// dotted field paths and MongoDB's array-contains equality. Anything else is rejected
// with an error rather than silently matching.
package filter

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type entry struct {
	key   string
	value interface{}
}

// Match reports whether doc satisfies filter. A nil filter matches every document.
func Match(filter interface{}, doc map[string]interface{}) (bool, error) {
	if filter == nil {
		return true, nil
	}
	es, ok := entries(filter)
	if !ok {
		return false, fmt.Errorf("filter must be a document, got %T", filter)
	}
	for _, e := range es {
		matched, err := matchEntry(e, doc)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

// MatchAll reports whether doc satisfies every filter.
func MatchAll(filters []interface{}, doc map[string]interface{}) (bool, error) {
	for _, f := range filters {
		matched, err := Match(f, doc)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func matchEntry(e entry, doc map[string]interface{}) (bool, error) {
	switch e.key {
	case "$and", "$or", "$nor":
		clauses, ok := list(e.value)
		if !ok {
			return false, fmt.Errorf("%s needs an array", e.key)
		}
		return matchLogical(e.key, clauses, doc)
	}
	if strings.HasPrefix(e.key, "$") {
		return false, fmt.Errorf("unsupported top-level operator %s", e.key)
	}

	value, found := Lookup(doc, e.key)
	if ops, ok := operatorDoc(e.value); ok {
		return matchOperators(ops, value, found)
	}
	return equalsOrContains(value, found, e.value), nil
}

func matchLogical(op string, clauses []interface{}, doc map[string]interface{}) (bool, error) {
	for _, clause := range clauses {
		matched, err := Match(clause, doc)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !matched:
			return false, nil
		case op == "$or" && matched:
			return true, nil
		case op == "$nor" && matched:
			return false, nil
		}
	}
	return op != "$or", nil
}

func matchOperators(ops []entry, value interface{}, found bool) (bool, error) {
	for _, op := range ops {
		matched, err := matchOperator(op, value, found)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func matchOperator(op entry, value interface{}, found bool) (bool, error) {
	switch op.key {
	case "$eq":
		return equalsOrContains(value, found, op.value), nil
	case "$ne":
		return !equalsOrContains(value, found, op.value), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !found {
			return false, nil
		}
		return anyElement(value, func(v interface{}) bool {
			c, ok := compareSameType(v, op.value)
			if !ok {
				return false
			}
			switch op.key {
			case "$gt":
				return c > 0
			case "$gte":
				return c >= 0
			case "$lt":
				return c < 0
			default:
				return c <= 0
			}
		}), nil
	case "$in", "$nin":
		candidates, ok := list(op.value)
		if !ok {
			return false, fmt.Errorf("%s needs an array", op.key)
		}
		in := false
		for _, c := range candidates {
			if equalsOrContains(value, found, c) {
				in = true
				break
			}
		}
		return in == (op.key == "$in"), nil
	case "$exists":
		want, ok := op.value.(bool)
		if !ok {
			want = op.value != nil && !isZeroNumber(op.value)
		}
		return found == want, nil
	case "$not":
		inner, ok := operatorDoc(op.value)
		if !ok {
			return false, fmt.Errorf("$not needs an operator document")
		}
		matched, err := matchOperators(inner, value, found)
		return !matched, err
	default:
		return false, fmt.Errorf("unsupported operator %s", op.key)
	}
}

// equalsOrContains implements equality with array-contains semantics; a nil condition
// also matches a missing field.
func equalsOrContains(value interface{}, found bool, cond interface{}) bool {
	if cond == nil {
		return !found || value == nil
	}
	if !found {
		return false
	}
	if Equal(value, cond) {
		return true
	}
	if items, ok := list(value); ok {
		for _, item := range items {
			if Equal(item, cond) {
				return true
			}
		}
	}
	return false
}

func anyElement(value interface{}, fn func(interface{}) bool) bool {
	if items, ok := list(value); ok {
		for _, item := range items {
			if fn(item) {
				return true
			}
		}
		return false
	}
	return fn(value)
}

// Lookup resolves a dotted path in doc.
func Lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Equal compares two values, treating all numeric types as numbers.
func Equal(a, b interface{}) bool {
	if c, ok := compareSameType(a, b); ok {
		return c == 0
	}
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	if al, ok := list(a); ok {
		bl, ok := list(b)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !Equal(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two values. Values of different type classes are ordered by class:
// null, numbers, strings, documents, arrays, booleans, times.
func Compare(a, b interface{}) int {
	if c, ok := compareSameType(a, b); ok {
		return c
	}
	ra, rb := rank(a), rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}

func rank(v interface{}) int {
	if v == nil {
		return 0
	}
	if _, ok := toNumber(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case bool:
		return 5
	case time.Time, primitive.DateTime:
		return 6
	}
	if _, ok := asMap(v); ok {
		return 3
	}
	if _, ok := list(v); ok {
		return 4
	}
	return 7
}

func compareSameType(a, b interface{}) (int, bool) {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		return cmp(an < bn, an > bn), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp(!av && bv, av && !bv), true
	}
	at, aok := toTime(a)
	bt, bok := toTime(b)
	if aok && bok {
		return cmp(at.Before(bt), at.After(bt)), true
	}
	return 0, false
}

func cmp(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	default:
		return 0
	}
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

func toNumber(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if n, ok := v.(interface{ Float64() (float64, error) }); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

func isZeroNumber(v interface{}) bool {
	n, ok := toNumber(v)
	return ok && n == 0
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return m, true
	case bson.D:
		out := make(map[string]interface{}, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func list(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case bson.A:
		return l, true
	}
	rv := reflect.ValueOf(v)
	if v == nil || rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	if _, isDoc := v.(bson.D); isDoc {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func entries(v interface{}) ([]entry, bool) {
	switch d := v.(type) {
	case bson.D:
		out := make([]entry, len(d))
		for i, e := range d {
			out[i] = entry{key: e.Key, value: e.Value}
		}
		return out, true
	case bson.E:
		return []entry{{key: d.Key, value: d.Value}}, true
	}
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	out := make([]entry, 0, len(m))
	for k, val := range m {
		out = append(out, entry{key: k, value: val})
	}
	return out, true
}

// operatorDoc returns the entries of v when v is a non-empty document whose keys are
// all operators.
func operatorDoc(v interface{}) ([]entry, bool) {
	es, ok := entries(v)
	if !ok || len(es) == 0 {
		return nil, false
	}
	for _, e := range es {
		if !strings.HasPrefix(e.key, "$") {
			return nil, false
		}
	}
	return es, true
}
