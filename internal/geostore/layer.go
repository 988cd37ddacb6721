package geostore

import (
	"fmt"
	"math"
	"sort"

	"github.com/twpayne/go-geom"
)

// DefaultCellSize is the grid cell edge in degrees (~11 km at the equator).
// Administrative boundary polygons span many cells; points hit exactly one.
const DefaultCellSize = 0.1

// Boundary is one administrative unit of a layer: a code plus its polygon
// geometry (possibly multi-part).
type Boundary struct {
	Code string
	Geom *geom.MultiPolygon

	area float64
}

// Area returns the polygon's planar area in squared CRS units, used as the
// deterministic tie-break when overlapping boundaries both contain a point.
func (b *Boundary) Area() float64 {
	return b.area
}

// Layer is an in-memory boundary layer with a uniform grid index over the
// polygons' bounding boxes. Build it once per run with NewLayer; it is
// read-only afterwards and safe to share.
type Layer struct {
	name       string
	cellSize   float64
	boundaries []*Boundary
	grid       map[string][]*Boundary
}

// NewLayer indexes the given boundaries. Boundaries with nil or empty
// geometry are dropped.
func NewLayer(name string, boundaries []Boundary) *Layer {
	l := &Layer{
		name:     name,
		cellSize: DefaultCellSize,
		grid:     make(map[string][]*Boundary),
	}
	for i := range boundaries {
		b := boundaries[i]
		if b.Geom == nil || b.Geom.NumPolygons() == 0 {
			continue
		}
		b.area = b.Geom.Area()
		l.add(&b)
	}
	// Stable iteration order regardless of input order.
	sort.Slice(l.boundaries, func(i, j int) bool {
		return l.boundaries[i].Code < l.boundaries[j].Code
	})
	return l
}

func (l *Layer) add(b *Boundary) {
	l.boundaries = append(l.boundaries, b)

	bounds := b.Geom.Bounds()
	minCellX := int(math.Floor(bounds.Min(0) / l.cellSize))
	minCellY := int(math.Floor(bounds.Min(1) / l.cellSize))
	maxCellX := int(math.Floor(bounds.Max(0) / l.cellSize))
	maxCellY := int(math.Floor(bounds.Max(1) / l.cellSize))

	for x := minCellX; x <= maxCellX; x++ {
		for y := minCellY; y <= maxCellY; y++ {
			key := cellKey(x, y)
			l.grid[key] = append(l.grid[key], b)
		}
	}
}

func cellKey(x, y int) string {
	return fmt.Sprintf("%d,%d", x, y)
}

// Name returns the layer name given at construction.
func (l *Layer) Name() string { return l.name }

// Len returns the number of indexed boundaries.
func (l *Layer) Len() int { return len(l.boundaries) }

// Contains returns every boundary whose geometry contains the point,
// ordered by code. More than one result means the layer has overlapping
// polygons at that location.
func (l *Layer) Contains(x, y float64) []*Boundary {
	key := cellKey(int(math.Floor(x/l.cellSize)), int(math.Floor(y/l.cellSize)))

	var matches []*Boundary
	for _, b := range l.grid[key] {
		bounds := b.Geom.Bounds()
		if x < bounds.Min(0) || x > bounds.Max(0) || y < bounds.Min(1) || y > bounds.Max(1) {
			continue
		}
		if pointInMultiPolygon(x, y, b.Geom) {
			matches = append(matches, b)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Code < matches[j].Code })
	return matches
}

// Nearest returns the boundary whose edge is closest to the point, along
// with the distance in metres, provided that distance is within radiusM.
// Ties on distance resolve to the lower code. The third return is false
// when no boundary edge lies within the radius.
func (l *Layer) Nearest(x, y, radiusM float64) (*Boundary, float64, bool) {
	if len(l.boundaries) == 0 {
		return nil, 0, false
	}

	// Candidate cells covering a radiusM box around the point. The lon
	// span widens with latitude so the box never under-covers.
	latDeg := radiusM / metersPerDegree
	lonDeg := radiusM / (metersPerDegree * lonScale(y))

	minCellX := int(math.Floor((x - lonDeg) / l.cellSize))
	maxCellX := int(math.Floor((x + lonDeg) / l.cellSize))
	minCellY := int(math.Floor((y - latDeg) / l.cellSize))
	maxCellY := int(math.Floor((y + latDeg) / l.cellSize))

	seen := make(map[*Boundary]bool)
	var best *Boundary
	bestDist := math.Inf(1)

	for cx := minCellX; cx <= maxCellX; cx++ {
		for cy := minCellY; cy <= maxCellY; cy++ {
			for _, b := range l.grid[cellKey(cx, cy)] {
				if seen[b] {
					continue
				}
				seen[b] = true
				d := boundaryDistanceMeters(x, y, b.Geom)
				if d < bestDist || (d == bestDist && best != nil && b.Code < best.Code) {
					best = b
					bestDist = d
				}
			}
		}
	}

	if best == nil || bestDist > radiusM {
		return nil, 0, false
	}
	return best, bestDist, true
}
