// Package geo layers beacon proximity helpers over github.com/mmcloughlin/geohash:
// radius bounding boxes, covering cell enumeration, and great-circle distance
// between geohash cells.
//
// The bounding-box math is an equirectangular approximation. It is accurate
// enough for radii of a few kilometres and is not meant for use near the
// poles or across the antimeridian.
package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"
)

const (
	// EarthRadius is the mean Earth radius in meters.
	EarthRadius = 6371000.0

	// MaxPrecision is the longest geohash this package produces.
	MaxPrecision = 12
)

// ErrInvalidGeohash is returned when a string is empty or contains a
// character outside the geohash alphabet.
var ErrInvalidGeohash = errors.New("invalid geohash")

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Box is an axis-aligned latitude/longitude rectangle in degrees.
type Box struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Center returns the midpoint of the box.
func (b Box) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lon: (b.MinLon + b.MaxLon) / 2}
}

// Contains reports whether p lies inside the box (edges inclusive).
func (b Box) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Encode returns the geohash of (lat, lon) with the given number of
// characters. Precision is clamped to [1, MaxPrecision].
func Encode(lat, lon float64, precision int) string {
	return geohash.EncodeWithPrecision(lat, lon, uint(clampPrecision(precision)))
}

// validate rejects empty hashes as well as the ones geohash.Validate does.
func validate(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty", ErrInvalidGeohash)
	}
	if err := geohash.Validate(hash); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidGeohash, hash, err)
	}
	return nil
}

// DecodeBox returns the cell rectangle a geohash denotes.
func DecodeBox(hash string) (Box, error) {
	if err := validate(hash); err != nil {
		return Box{}, err
	}
	b := geohash.BoundingBox(hash)
	return Box{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: b.MinLng, MaxLon: b.MaxLng}, nil
}

// Decode returns the center point of a geohash cell.
func Decode(hash string) (Point, error) {
	if err := validate(hash); err != nil {
		return Point{}, err
	}
	lat, lon := geohash.DecodeCenter(hash)
	return Point{Lat: lat, Lon: lon}, nil
}

// CellSize returns the height and width in degrees of a cell at precision.
func CellSize(precision int) (latDeg, lonDeg float64) {
	bits := 5 * clampPrecision(precision)
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	return 180 / math.Exp2(float64(latBits)), 360 / math.Exp2(float64(lonBits))
}

// BoundingBox returns the box covering radiusMeters around (lat, lon).
func BoundingBox(lat, lon, radiusMeters float64) Box {
	dLat := radiusMeters / EarthRadius * 180 / math.Pi

	cosLat := math.Cos(lat * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-12 {
		dLon = math.Min(dLat/cosLat, 180)
	}

	return Box{
		MinLat: math.Max(lat-dLat, -90),
		MaxLat: math.Min(lat+dLat, 90),
		MinLon: math.Max(lon-dLon, -180),
		MaxLon: math.Min(lon+dLon, 180),
	}
}

// CountCells estimates how many cells of the given precision CoveringCells
// would enumerate for the box.
func CountCells(box Box, precision int) int {
	h, w := CellSize(precision)
	rows := int(math.Floor(box.MaxLat/h)-math.Floor(box.MinLat/h)) + 1
	cols := int(math.Floor(box.MaxLon/w)-math.Floor(box.MinLon/w)) + 1
	return rows * cols
}

// FitPrecision returns the longest precision <= want whose covering of box
// has at most maxCells cells. It never returns less than 1.
func FitPrecision(box Box, want, maxCells int) int {
	p := clampPrecision(want)
	if maxCells <= 0 {
		return p
	}
	for p > 1 && CountCells(box, p) > maxCells {
		p--
	}
	return p
}

// CoveringCells enumerates every geohash cell at precision that intersects
// the box. The result is sorted.
func CoveringCells(box Box, precision int) []string {
	precision = clampPrecision(precision)
	if box.MinLat > box.MaxLat || box.MinLon > box.MaxLon {
		return nil
	}

	h, w := CellSize(precision)
	first, err := DecodeBox(Encode(box.MinLat, box.MinLon, precision))
	if err != nil {
		return nil
	}
	start := first.Center()

	seen := make(map[string]struct{})
	for lat := start.Lat; lat-h/2 <= box.MaxLat && lat <= 90; lat += h {
		for lon := start.Lon; lon-w/2 <= box.MaxLon && lon <= 180; lon += w {
			seen[Encode(lat, lon, precision)] = struct{}{}
		}
	}

	cells := make([]string, 0, len(seen))
	for c := range seen {
		cells = append(cells, c)
	}
	sort.Strings(cells)
	return cells
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(s)))
}

// Distance returns the great-circle distance in meters between the centers
// of two geohash cells.
func Distance(a, b string) (float64, error) {
	pa, err := Decode(a)
	if err != nil {
		return 0, err
	}
	pb, err := Decode(b)
	if err != nil {
		return 0, err
	}
	return Haversine(pa, pb), nil
}

func clampPrecision(p int) int {
	if p < 1 {
		return 1
	}
	if p > MaxPrecision {
		return MaxPrecision
	}
	return p
}
