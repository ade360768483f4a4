package geo

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/ajitpratap0/geodoc/pkg/errors"
)

const (
	typeKey        = "type"
	coordinatesKey = "coordinates"
)

// GeoJSON implements Value.
func (p Point) GeoJSON() map[string]interface{} {
	return map[string]interface{}{
		typeKey:        string(KindPoint),
		coordinatesKey: p.pair(),
	}
}

// GeoJSON implements Value.
func (l Line) GeoJSON() map[string]interface{} {
	return map[string]interface{}{
		typeKey:        string(KindLine),
		coordinatesKey: pairs(l.points),
	}
}

// GeoJSON implements Value.
func (p Polygon) GeoJSON() map[string]interface{} {
	return map[string]interface{}{
		typeKey:        string(KindPolygon),
		coordinatesKey: [][][]float64{pairs(p.points)},
	}
}

func pairs(points []Point) [][]float64 {
	out := make([][]float64, len(points))
	for i, p := range points {
		out[i] = p.pair()
	}
	return out
}

// IsTagged reports whether m carries the geo discriminator.
func IsTagged(m map[string]interface{}) bool {
	_, ok := m[DiscriminatorKey]
	return ok
}

// FromMap reconstructs a Value from either the tagged encoding or the store GeoJSON
// encoding. Coordinates may be any numeric type and any slice type, so maps decoded by
// JSON, BSON or msgpack decoders are all accepted.
func FromMap(m map[string]interface{}) (Value, error) {
	kind, err := kindOf(m)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindPoint:
		return parsePoint(m)
	case KindLine:
		points, err := parseRing(m[coordinatesKey], false)
		if err != nil {
			return nil, err
		}
		return NewLine(points...)
	case KindPolygon:
		points, err := parseRing(m[coordinatesKey], true)
		if err != nil {
			return nil, err
		}
		return NewPolygon(points...)
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "unknown geo variant %q", kind)
	}
}

func kindOf(m map[string]interface{}) (Kind, error) {
	raw, ok := m[DiscriminatorKey]
	if !ok {
		raw, ok = m[typeKey]
	}
	if !ok {
		return "", errors.New(errors.ErrorTypeData, "geo value has no variant")
	}
	s, ok := raw.(string)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeData, "geo variant must be a string, got %T", raw)
	}
	return Kind(s), nil
}

func parsePoint(m map[string]interface{}) (Point, error) {
	// Accept the legacy {longitude, latitude} object shape as well.
	if lon, ok := m["longitude"]; ok {
		x, err := toFloat(lon)
		if err != nil {
			return Point{}, err
		}
		y, err := toFloat(m["latitude"])
		if err != nil {
			return Point{}, err
		}
		return NewPoint(x, y), nil
	}
	return parsePair(m[coordinatesKey])
}

func parsePair(v interface{}) (Point, error) {
	items, err := toSlice(v)
	if err != nil {
		return Point{}, err
	}
	if len(items) != 2 {
		return Point{}, errors.Newf(errors.ErrorTypeData, "coordinate pair has %d values", len(items))
	}
	lon, err := toFloat(items[0])
	if err != nil {
		return Point{}, err
	}
	lat, err := toFloat(items[1])
	if err != nil {
		return Point{}, err
	}
	return NewPoint(lon, lat), nil
}

// parseRing reads [[lon, lat], ...]. Polygons carry one more level of nesting:
// [[[lon, lat], ...]]; only the outer ring is read.
func parseRing(v interface{}, nested bool) ([]Point, error) {
	items, err := toSlice(v)
	if err != nil {
		return nil, err
	}
	if nested {
		if len(items) == 0 {
			return nil, nil
		}
		if items, err = toSlice(items[0]); err != nil {
			return nil, err
		}
	}
	points := make([]Point, 0, len(items))
	for _, item := range items {
		p, err := parsePair(item)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func toSlice(v interface{}) ([]interface{}, error) {
	if s, ok := v.([]interface{}); ok {
		return s, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Newf(errors.ErrorTypeData, "coordinates must be a list, got %T", v)
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

type float64er interface {
	Float64() (float64, error)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float64er:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, errors.New(errors.ErrorTypeData, fmt.Sprintf("coordinate must be numeric, got %T", v))
}
