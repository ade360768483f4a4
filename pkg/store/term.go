package store

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Shape is the kind of result a Term produces when run.
type Shape int

const (
	// ShapeStream yields a Cursor.
	ShapeStream Shape = iota
	// ShapeSingle yields a single Document (nil when absent).
	ShapeSingle
	// ShapeList yields a materialised []Document.
	ShapeList
)

// Term is an immutable query over one table. Start from Table and refine with the
// builder methods; every method returns a new Term.
//
// Filters are bson documents (bson.M or bson.D) in the query language of the store. The
// engine never inspects them; drivers interpret them.
type Term struct {
	table   string
	key     interface{}
	hasKey  bool
	filters []interface{}
	order   bson.D
	limit   int64
	skip    int64
}

// Table returns a term selecting every row of the named table.
func Table(name string) Term {
	return Term{table: name}
}

// Get selects the row with the given primary key.
func (t Term) Get(key interface{}) Term {
	t.key = key
	t.hasKey = true
	return t
}

// Filter restricts the selection. Multiple filters are combined with AND.
func (t Term) Filter(filter interface{}) Term {
	t.filters = append(append([]interface{}(nil), t.filters...), filter)
	return t
}

// OrderBy sorts the selection; ordered selections are materialised into a list.
func (t Term) OrderBy(keys bson.D) Term {
	t.order = append(append(bson.D(nil), t.order...), keys...)
	return t
}

// Limit caps the number of rows.
func (t Term) Limit(n int64) Term {
	t.limit = n
	return t
}

// Skip drops the first n rows.
func (t Term) Skip(n int64) Term {
	t.skip = n
	return t
}

// TableName returns the table the term reads.
func (t Term) TableName() string { return t.table }

// Key returns the primary key selected by Get.
func (t Term) Key() (interface{}, bool) { return t.key, t.hasKey }

// Filters returns the filters in application order.
func (t Term) Filters() []interface{} { return t.filters }

// Order returns the sort keys.
func (t Term) Order() bson.D { return t.order }

// LimitN returns the row limit, 0 for none.
func (t Term) LimitN() int64 { return t.limit }

// SkipN returns the number of rows to skip.
func (t Term) SkipN() int64 { return t.skip }

// Shape reports which result shape running the term produces.
func (t Term) Shape() Shape {
	switch {
	case t.hasKey:
		return ShapeSingle
	case len(t.order) > 0:
		return ShapeList
	default:
		return ShapeStream
	}
}

// Selector combines the term's filters into a single bson filter document.
func (t Term) Selector() bson.D {
	switch len(t.filters) {
	case 0:
		return bson.D{}
	case 1:
		if d, ok := t.filters[0].(bson.D); ok {
			return d
		}
		return bson.D{{Key: "$and", Value: bson.A{t.filters[0]}}}
	default:
		and := make(bson.A, len(t.filters))
		copy(and, t.filters)
		return bson.D{{Key: "$and", Value: and}}
	}
}
