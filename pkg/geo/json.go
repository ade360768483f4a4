package geo

import (
	"bytes"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/geodoc/pkg/errors"
)

var nullJSON = []byte("null")

// tagged returns the tagged encoding: the store GeoJSON plus the discriminator.
func tagged(v Value) map[string]interface{} {
	m := v.GeoJSON()
	m[DiscriminatorKey] = string(v.Kind())
	return m
}

// MarshalJSON implements json.Marshaler using the tagged encoding.
func (p Point) MarshalJSON() ([]byte, error) {
	return gojson.Marshal(tagged(p))
}

// UnmarshalJSON implements json.Unmarshaler. It accepts the tagged and GeoJSON encodings.
func (p *Point) UnmarshalJSON(data []byte) error {
	v, err := unmarshalValue(data, KindPoint)
	if err != nil || v == nil {
		return err
	}
	*p = v.(Point)
	return nil
}

// MarshalJSON implements json.Marshaler. The zero Line encodes as null.
func (l Line) MarshalJSON() ([]byte, error) {
	if l.IsZero() {
		return nullJSON, nil
	}
	return gojson.Marshal(tagged(l))
}

// UnmarshalJSON implements json.Unmarshaler. null leaves the zero Line.
func (l *Line) UnmarshalJSON(data []byte) error {
	v, err := unmarshalValue(data, KindLine)
	if err != nil || v == nil {
		return err
	}
	*l = v.(Line)
	return nil
}

// MarshalJSON implements json.Marshaler. The zero Polygon encodes as null.
func (p Polygon) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return nullJSON, nil
	}
	return gojson.Marshal(tagged(p))
}

// UnmarshalJSON implements json.Unmarshaler. null leaves the zero Polygon.
func (p *Polygon) UnmarshalJSON(data []byte) error {
	v, err := unmarshalValue(data, KindPolygon)
	if err != nil || v == nil {
		return err
	}
	*p = v.(Polygon)
	return nil
}

// Geometry holds any geo variant. Use it for fields whose variant is only known at runtime.
type Geometry struct {
	Value Value
}

// MarshalJSON implements json.Marshaler. An empty Geometry encodes as null.
func (g Geometry) MarshalJSON() ([]byte, error) {
	if g.Value == nil {
		return nullJSON, nil
	}
	return gojson.Marshal(tagged(g.Value))
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	v, err := unmarshalValue(data, "")
	if err != nil {
		return err
	}
	g.Value = v
	return nil
}

// unmarshalValue decodes data into a Value. want restricts the accepted variant; the
// empty Kind accepts any. A null document yields a nil Value.
func unmarshalValue(data []byte, want Kind) (Value, error) {
	if bytes.Equal(bytes.TrimSpace(data), nullJSON) {
		return nil, nil
	}
	var m map[string]interface{}
	if err := gojson.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode geo value")
	}
	v, err := FromMap(m)
	if err != nil {
		return nil, err
	}
	if want != "" && v.Kind() != want {
		return nil, errors.Newf(errors.ErrorTypeData, "expected geo %s, got %s", want, v.Kind())
	}
	return v, nil
}
