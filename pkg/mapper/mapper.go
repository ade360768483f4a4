// Package mapper converts between typed records and the untyped document representation
// stored by drivers. Geo values survive the conversion in both directions: the tagged
// JSON encoding of pkg/geo is recognised and turned back into geo.Value instances.
package mapper

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/geo"
	"github.com/ajitpratap0/geodoc/pkg/json"
	"github.com/ajitpratap0/geodoc/pkg/logger"
)

// Mapper converts records to and from map[string]interface{}. It holds no mutable state
// and is safe for concurrent use.
type Mapper struct {
	logger *zap.Logger
}

// New creates a mapper. A nil logger falls back to the global logger.
func New(log *zap.Logger) *Mapper {
	return &Mapper{logger: logger.OrGlobal(log).With(zap.String("component", "mapper"))}
}

// ToRepresentation converts v into its untyped form. Nested geo values become geo.Value
// instances. JSON numbers become int64 when they fit, uint64 above math.MaxInt64 and
// float64 otherwise.
func (m *Mapper) ToRepresentation(v interface{}) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := json.Convert(v, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to convert record to representation").
			WithDetail("type", typeName(v))
	}
	if raw == nil {
		return nil, nil
	}
	return m.normalizeMap(raw, ""), nil
}

// FromRepresentation decodes doc into out, which must be a pointer. The target type
// drives decoding; geo fields accept both the tagged and the store encodings. Values
// landing in untyped fields (interface{} and maps or slices of it) are narrowed the
// same way ToRepresentation narrows them.
func (m *Mapper) FromRepresentation(doc map[string]interface{}, out interface{}) error {
	if err := json.Convert(doc, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode representation").
			WithDetail("type", typeName(out))
	}
	m.narrow(reflect.ValueOf(out), "")
	return nil
}

// Decode decodes doc into a new T.
func Decode[T any](m *Mapper, doc map[string]interface{}) (T, error) {
	var out T
	err := m.FromRepresentation(doc, &out)
	return out, err
}

func (m *Mapper) normalizeMap(in map[string]interface{}, path string) map[string]interface{} {
	for k, v := range in {
		in[k] = m.normalize(v, joinPath(path, k))
	}
	return in
}

func (m *Mapper) normalize(v interface{}, path string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if geo.IsTagged(t) {
			g, err := geo.FromMap(t)
			if err == nil {
				return g
			}
			m.logger.Error("deserialization error",
				zap.String("field", path),
				zap.Error(err))
		}
		return m.normalizeMap(t, path)
	case []interface{}:
		for i, item := range t {
			t[i] = m.normalize(item, path)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

// narrow walks a decoded value and normalizes everything held in an empty interface.
func (m *Mapper) narrow(v reflect.Value, path string) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			m.narrow(v.Elem(), path)
		}
	case reflect.Interface:
		if v.IsNil() || !v.CanSet() || v.Type().NumMethod() != 0 {
			return
		}
		v.Set(m.normalized(v.Elem().Interface(), path, v.Type()))
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				m.narrow(f, joinPath(path, t.Field(i).Name))
			}
		}
	case reflect.Slice, reflect.Array:
		if scalar(v.Type().Elem()) {
			return
		}
		for i := 0; i < v.Len(); i++ {
			m.narrow(v.Index(i), path)
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		elem := v.Type().Elem()
		if scalar(elem) {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			key, val := iter.Key(), iter.Value()
			field := joinPath(path, fmt.Sprint(key.Interface()))
			switch {
			case elem.Kind() == reflect.Interface && elem.NumMethod() == 0:
				if !val.IsNil() {
					v.SetMapIndex(key, m.normalized(val.Elem().Interface(), field, elem))
				}
			case elem.Kind() == reflect.Struct || elem.Kind() == reflect.Array:
				cp := reflect.New(elem).Elem()
				cp.Set(val)
				m.narrow(cp, field)
				v.SetMapIndex(key, cp)
			default:
				m.narrow(val, field)
			}
		}
	}
}

// scalar reports whether values of t cannot hold an interface.
func scalar(t reflect.Type) bool {
	k := t.Kind()
	return k <= reflect.Complex128 || k == reflect.String
}

// normalized returns normalize(x) as a value assignable to an interface of type t.
func (m *Mapper) normalized(x interface{}, path string, t reflect.Type) reflect.Value {
	n := m.normalize(x, path)
	if n == nil {
		return reflect.Zero(t)
	}
	return reflect.ValueOf(n)
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return strings.Join([]string{parent, key}, ".")
}

func typeName(v interface{}) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}
