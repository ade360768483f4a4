package dao

import (
	"reflect"
	"strings"

	"github.com/ajitpratap0/geodoc/pkg/errors"
)

// IndexNameSeparator joins the fields of an index into its name.
const IndexNameSeparator = "_"

// IndexDescriptor declares a secondary index. Two descriptors are equal when their
// fields (in order) and geo flag are equal.
type IndexDescriptor struct {
	Fields []string `yaml:"fields" json:"fields"`
	Geo    bool     `yaml:"geo" json:"geo"`
}

// Name returns the index name: the fields joined with IndexNameSeparator.
func (d IndexDescriptor) Name() string {
	return strings.Join(d.Fields, IndexNameSeparator)
}

// Equal reports structural equality.
func (d IndexDescriptor) Equal(o IndexDescriptor) bool {
	if d.Geo != o.Geo || len(d.Fields) != len(o.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// IndexSet is an insertion-ordered set of index descriptors.
type IndexSet struct {
	items []IndexDescriptor
}

// NewIndexSet returns a set holding descriptors, dropping duplicates.
func NewIndexSet(descriptors ...IndexDescriptor) IndexSet {
	var s IndexSet
	for _, d := range descriptors {
		s = s.Add(d)
	}
	return s
}

// Add returns a set that also holds d. The receiver is not modified.
func (s IndexSet) Add(d IndexDescriptor) IndexSet {
	if s.Contains(d) {
		return s
	}
	items := make([]IndexDescriptor, len(s.items), len(s.items)+1)
	copy(items, s.items)
	d.Fields = append([]string(nil), d.Fields...)
	return IndexSet{items: append(items, d)}
}

// Contains reports whether an equal descriptor is in the set.
func (s IndexSet) Contains(d IndexDescriptor) bool {
	for _, item := range s.items {
		if item.Equal(d) {
			return true
		}
	}
	return false
}

// Items returns the descriptors in insertion order.
func (s IndexSet) Items() []IndexDescriptor {
	return append([]IndexDescriptor(nil), s.items...)
}

// Len returns the number of descriptors.
func (s IndexSet) Len() int { return len(s.items) }

// Schema describes the table a GenericDAO manages. It is fixed at construction.
type Schema struct {
	TableName       string
	PrimaryKeyField string
	// PrimaryKeyType is the Go type name of the primary key, e.g. "string" or "int64".
	// New fills it in from the key type parameter when empty.
	PrimaryKeyType string
	Indices        IndexSet
}

// Validate checks that the schema names a table and a primary key and that every index
// has named fields. Index names must be unique.
func (s Schema) Validate() error {
	if s.TableName == "" {
		return errors.New(errors.ErrorTypeConfig, "schema table name is required")
	}
	if s.PrimaryKeyField == "" {
		return errors.New(errors.ErrorTypeConfig, "schema primary key field is required").
			WithDetail("table", s.TableName)
	}

	names := make(map[string]bool, s.Indices.Len())
	for _, idx := range s.Indices.items {
		if len(idx.Fields) == 0 {
			return errors.New(errors.ErrorTypeConfig, "index must declare at least one field").
				WithDetail("table", s.TableName)
		}
		for _, f := range idx.Fields {
			if f == "" {
				return errors.New(errors.ErrorTypeConfig, "index field names must not be empty").
					WithDetail("table", s.TableName)
			}
		}
		if names[idx.Name()] {
			return errors.Newf(errors.ErrorTypeConfig, "index name %q is declared twice", idx.Name()).
				WithDetail("table", s.TableName)
		}
		names[idx.Name()] = true
	}
	return nil
}

// keyTypeName returns the type name of PK.
func keyTypeName[PK any]() string {
	return reflect.TypeOf((*PK)(nil)).Elem().String()
}
