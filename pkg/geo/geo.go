// Package geo provides immutable geometry values (points, lines and polygons) that can be
// stored in geo-indexed document fields.
//
// Values travel in two encodings:
//
//   - the tagged JSON encoding produced by MarshalJSON, which carries the variant in the
//     reserved DiscriminatorKey field so it survives generic map conversion;
//   - the store encoding returned by GeoJSON, which is plain GeoJSON and is what drivers
//     persist and index.
//
// FromMap accepts either encoding.
package geo

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/geodoc/pkg/errors"
)

// DiscriminatorKey is the reserved field naming the geo variant in the tagged encoding.
const DiscriminatorKey = "__geo"

// Kind names a concrete geo variant. Values match the GeoJSON type names.
type Kind string

const (
	KindPoint   Kind = "Point"
	KindLine    Kind = "LineString"
	KindPolygon Kind = "Polygon"
)

const (
	minLinePoints    = 2
	minPolygonPoints = 3
)

// Value is a geometry. The set of implementations is closed: Point, Line and Polygon.
type Value interface {
	// Kind returns the variant.
	Kind() Kind
	// GeoJSON returns the store encoding of the value.
	GeoJSON() map[string]interface{}

	isGeo()
}

// Point is a longitude/latitude pair.
type Point struct {
	lon float64
	lat float64
}

// NewPoint creates a point.
func NewPoint(longitude, latitude float64) Point {
	return Point{lon: longitude, lat: latitude}
}

// Lon returns the longitude.
func (p Point) Lon() float64 { return p.lon }

// Lat returns the latitude.
func (p Point) Lat() float64 { return p.lat }

// Kind implements Value.
func (p Point) Kind() Kind { return KindPoint }

func (p Point) isGeo() {}

// Equal reports whether both points have the same coordinates.
func (p Point) Equal(o Point) bool {
	return p.lon == o.lon && p.lat == o.lat
}

func (p Point) String() string {
	return fmt.Sprintf("{ longitude: %v, latitude: %v }", p.lon, p.lat)
}

func (p Point) pair() []float64 {
	return []float64{p.lon, p.lat}
}

// Line is an ordered sequence of at least two points.
type Line struct {
	points []Point
}

// NewLine creates a line. It fails with ErrMalformedGeometry for fewer than two points.
func NewLine(points ...Point) (Line, error) {
	if len(points) < minLinePoints {
		return Line{}, malformed(KindLine, minLinePoints, len(points))
	}
	return Line{points: clonePoints(points)}, nil
}

// MustLine is like NewLine but panics on error. Intended for literals and tests.
func MustLine(points ...Point) Line {
	l, err := NewLine(points...)
	if err != nil {
		panic(err)
	}
	return l
}

// Points returns a copy of the line's points.
func (l Line) Points() []Point { return clonePoints(l.points) }

// IsZero reports whether l is the zero Line, which encodes as null.
func (l Line) IsZero() bool { return len(l.points) == 0 }

// Kind implements Value.
func (l Line) Kind() Kind { return KindLine }

func (l Line) isGeo() {}

// Equal reports whether both lines have the same points in the same order.
func (l Line) Equal(o Line) bool { return pointsEqual(l.points, o.points) }

func (l Line) String() string { return joinPoints(l.points) }

// Polygon is a closed ring of at least three points. The ring is stored closed: when the
// last point differs from the first, the first point is appended.
type Polygon struct {
	points []Point
}

// NewPolygon creates a polygon. It fails with ErrMalformedGeometry for fewer than three points.
func NewPolygon(points ...Point) (Polygon, error) {
	if len(points) < minPolygonPoints {
		return Polygon{}, malformed(KindPolygon, minPolygonPoints, len(points))
	}
	ring := clonePoints(points)
	if !ring[0].Equal(ring[len(ring)-1]) {
		ring = append(ring, ring[0])
	}
	return Polygon{points: ring}, nil
}

// MustPolygon is like NewPolygon but panics on error. Intended for literals and tests.
func MustPolygon(points ...Point) Polygon {
	p, err := NewPolygon(points...)
	if err != nil {
		panic(err)
	}
	return p
}

// Points returns a copy of the closed ring.
func (p Polygon) Points() []Point { return clonePoints(p.points) }

// IsZero reports whether p is the zero Polygon, which encodes as null.
func (p Polygon) IsZero() bool { return len(p.points) == 0 }

// Kind implements Value.
func (p Polygon) Kind() Kind { return KindPolygon }

func (p Polygon) isGeo() {}

// Equal reports whether both polygons have the same ring.
func (p Polygon) Equal(o Polygon) bool { return pointsEqual(p.points, o.points) }

func (p Polygon) String() string { return joinPoints(p.points) }

func malformed(kind Kind, want, got int) error {
	return errors.Wrap(errors.ErrMalformedGeometry, errors.ErrorTypeValidation,
		fmt.Sprintf("%s must contain at least %d coordinates", kind, want)).
		WithDetail("points", got)
}

func clonePoints(points []Point) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	copy(out, points)
	return out
}

func pointsEqual(a, b []Point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func joinPoints(points []Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = p.String()
	}
	return "[ " + strings.Join(parts, ", ") + " ]"
}
