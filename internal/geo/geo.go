// Package geo provides the coordinate types and distance math used by the
// proximity index and the compatibility evaluator.
package geo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"github.com/carpool/ridematch/internal/apperr"
)

const (
	// EarthRadiusMeters is the spherical Earth radius used by Distance.
	EarthRadiusMeters = 6371000.0

	// metersPerDegree is the flat-plane scale used for near-identical points.
	metersPerDegree = 111000.0

	// flatThresholdDegrees is the per-axis delta below which Distance switches
	// from haversine to the flat-plane approximation.
	flatThresholdDegrees = 1e-4
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports apperr.ErrInvalidCoordinates unless the point is finite
// and within latitude [-90,90], longitude [-180,180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return apperr.ErrInvalidCoordinates.WithMessage("coordinates must be finite numbers")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return apperr.ErrInvalidCoordinates.WithMessage(fmt.Sprintf("latitude %g out of range [-90,90]", p.Lat))
	}
	if p.Lng < -180 || p.Lng > 180 {
		return apperr.ErrInvalidCoordinates.WithMessage(fmt.Sprintf("longitude %g out of range [-180,180]", p.Lng))
	}
	return nil
}

// Orb converts p to an orb point (lng, lat order).
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", p.Lat, p.Lng)
}

// OptionalPoint is a coordinate pair that may be absent on the wire. A JSON
// null or a missing field leaves Valid false, so consumers have to check
// presence before using the point.
type OptionalPoint struct {
	Point Point
	Valid bool
}

// Some wraps p as a present OptionalPoint.
func Some(p Point) OptionalPoint {
	return OptionalPoint{Point: p, Valid: true}
}

// Get returns the point and whether it is present.
func (o OptionalPoint) Get() (Point, bool) {
	return o.Point, o.Valid
}

// Require returns the point, or ErrInvalidCoordinates naming field if absent.
func (o OptionalPoint) Require(field string) (Point, error) {
	if !o.Valid {
		return Point{}, apperr.ErrInvalidCoordinates.WithMessage(field + " coordinates are required")
	}
	if err := o.Point.Validate(); err != nil {
		return Point{}, err
	}
	return o.Point, nil
}

// UnmarshalJSON accepts null as absent.
func (o *OptionalPoint) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = OptionalPoint{}
		return nil
	}
	var raw struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Lat == nil || raw.Lng == nil {
		*o = OptionalPoint{}
		return nil
	}
	*o = Some(Point{Lat: *raw.Lat, Lng: *raw.Lng})
	return nil
}

// MarshalJSON writes null when absent.
func (o OptionalPoint) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Point)
}

// Distance returns the great-circle distance in meters between a and b.
// Points closer than flatThresholdDegrees on both axes use a flat-plane
// approximation to avoid cancellation in the haversine near zero.
func Distance(a, b Point) float64 {
	dLat := b.Lat - a.Lat
	dLng := b.Lng - a.Lng
	if math.Abs(dLat) < flatThresholdDegrees && math.Abs(dLng) < flatThresholdDegrees {
		meanLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
		dx := dLng * metersPerDegree * math.Cos(meanLat)
		dy := dLat * metersPerDegree
		return math.Sqrt(dx*dx + dy*dy)
	}
	return Haversine(a, b)
}

// Haversine distance in meters on a sphere of EarthRadiusMeters.
func Haversine(a, b Point) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Bound returns a lat/lng box that contains every point within radiusMeters
// of center. orb computes the box with a slightly larger Earth radius than
// Distance, so the radius is padded to keep the box conservative.
func Bound(center Point, radiusMeters float64) orb.Bound {
	return orbgeo.NewBoundAroundPoint(center.Orb(), radiusMeters*1.01+1)
}

// InBound reports whether p lies inside b. A box crossing the antimeridian
// comes back from Bound with Min.Lon() > Max.Lon() and covers both sides.
func InBound(b orb.Bound, p Point) bool {
	if p.Lat < b.Min.Lat() || p.Lat > b.Max.Lat() {
		return false
	}
	if b.Min.Lon() > b.Max.Lon() {
		return p.Lng >= b.Min.Lon() || p.Lng <= b.Max.Lon()
	}
	return b.Contains(p.Orb())
}
