package geostore

import (
	"math"

	"github.com/twpayne/go-geom"
)

// metersPerDegree is the approximate ground length of one degree of
// latitude. Longitude degrees shrink by cos(lat); distances here use a
// local equirectangular frame around the query point, which is accurate to
// well under a percent at the few-kilometre scale the fallback radius
// operates on.
const metersPerDegree = 111320.0

// onBoundaryEps is the degree-space tolerance for treating a point as lying
// on a ring edge (~0.1 mm of ground distance). Points on the boundary count
// as contained.
const onBoundaryEps = 1e-9

func lonScale(lat float64) float64 {
	s := math.Cos(lat * math.Pi / 180)
	if s < 0.01 {
		s = 0.01
	}
	return s
}

// pointInRing reports whether (x, y) is inside the ring by even-odd ray
// casting. Boundary hits are handled separately by pointOnRing.
func pointInRing(x, y float64, ring []geom.Coord) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if ((yi > y) != (yj > y)) && (x < (xj-xi)*(y-yi)/(yj-yi+1e-12)+xi) {
			inside = !inside
		}
	}
	return inside
}

// pointOnRing reports whether (x, y) lies on one of the ring's edges,
// within onBoundaryEps degrees.
func pointOnRing(x, y float64, ring []geom.Coord) bool {
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		d := pointSegDist(x, y, ring[j][0], ring[j][1], ring[i][0], ring[i][1])
		if d <= onBoundaryEps {
			return true
		}
	}
	return false
}

// pointInPolygon implements containment with hole support: inside the
// exterior ring and not inside any interior ring. A point sitting exactly
// on any ring edge counts as contained.
func pointInPolygon(x, y float64, p *geom.Polygon) bool {
	if p.NumLinearRings() == 0 {
		return false
	}
	rings := make([][]geom.Coord, p.NumLinearRings())
	for i := range rings {
		rings[i] = p.LinearRing(i).Coords()
	}
	for _, r := range rings {
		if pointOnRing(x, y, r) {
			return true
		}
	}
	if !pointInRing(x, y, rings[0]) {
		return false
	}
	for i := 1; i < len(rings); i++ {
		if pointInRing(x, y, rings[i]) {
			return false
		}
	}
	return true
}

func pointInMultiPolygon(x, y float64, mp *geom.MultiPolygon) bool {
	for i := 0; i < mp.NumPolygons(); i++ {
		if pointInPolygon(x, y, mp.Polygon(i)) {
			return true
		}
	}
	return false
}

// pointSegDist returns the planar distance from (px, py) to the segment
// (ax, ay)-(bx, by), in the units of its inputs.
func pointSegDist(px, py, ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	if dx == 0 && dy == 0 {
		return math.Hypot(px-ax, py-ay)
	}
	t := ((px-ax)*dx + (py-ay)*dy) / (dx*dx + dy*dy)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(px-(ax+t*dx), py-(ay+t*dy))
}

// ringDistanceMeters returns the distance in metres from (x, y) to the
// nearest edge of the ring, measured in a local equirectangular frame
// centred on the query point.
func ringDistanceMeters(x, y float64, ring []geom.Coord) float64 {
	n := len(ring)
	if n == 0 {
		return math.Inf(1)
	}
	sx := metersPerDegree * lonScale(y)
	sy := metersPerDegree

	min := math.Inf(1)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		d := pointSegDist(
			0, 0,
			(ring[j][0]-x)*sx, (ring[j][1]-y)*sy,
			(ring[i][0]-x)*sx, (ring[i][1]-y)*sy,
		)
		if d < min {
			min = d
		}
	}
	return min
}

// boundaryDistanceMeters returns the distance in metres from (x, y) to the
// nearest ring edge of any polygon in the multipolygon.
func boundaryDistanceMeters(x, y float64, mp *geom.MultiPolygon) float64 {
	min := math.Inf(1)
	for i := 0; i < mp.NumPolygons(); i++ {
		p := mp.Polygon(i)
		for r := 0; r < p.NumLinearRings(); r++ {
			d := ringDistanceMeters(x, y, p.LinearRing(r).Coords())
			if d < min {
				min = d
			}
		}
	}
	return min
}
