package assign

import (
	"github.com/OpenTerra/boundary-sync/internal/feature"
	"github.com/OpenTerra/boundary-sync/internal/geostore"
)

// Method records how a layer assignment was derived.
type Method string

const (
	// MethodContained means the point sits inside (or on the edge of) the
	// assigned boundary polygon.
	MethodContained Method = "contained"
	// MethodNearestFallback means the point fell outside every polygon but
	// within the fallback radius of the assigned boundary's edge.
	MethodNearestFallback Method = "nearest_fallback"
	// MethodUnassigned means no polygon contains the point and none is
	// within the fallback radius, so the code is cleared.
	MethodUnassigned Method = "unassigned"
)

// DefaultFallbackRadiusM bounds how far outside all polygons a point may
// sit and still inherit the nearest boundary's code.
const DefaultFallbackRadiusM = 2000.0

// LayerAssignment is the outcome for one point against one boundary layer.
type LayerAssignment struct {
	Code   *string
	Method Method
	// DistanceM is only set for nearest_fallback results.
	DistanceM *float64
	// LowConfidence marks points contained by more than one polygon, where
	// the code was chosen by the deterministic overlap tie-break.
	LowConfidence bool
}

// Assignment is the computed result for one record. Region and district are
// derived independently; a point can be contained in a region yet only
// fallback-matched (or unmatched) in the district layer.
type Assignment struct {
	RecordID int64
	Region   LayerAssignment
	District LayerAssignment
}

// Stats counts the input-quality cases the run summary surfaces. None of
// them fail a run.
type Stats struct {
	MissingGeometry    int
	LowConfidence      int
	RegionUnassigned   int
	DistrictUnassigned int
	RegionFallback     int
	DistrictFallback   int
}

// Assign computes region and district assignments for every record.
// It is a pure function of its inputs: identical records, layers and radius
// always produce identical assignments, in input order. Records without
// geometry are unassigned in both layers and counted in Stats.
func Assign(records []feature.Record, regions, districts *geostore.Layer, fallbackRadiusM float64) ([]Assignment, Stats) {
	var stats Stats
	out := make([]Assignment, 0, len(records))

	for _, rec := range records {
		a := Assignment{RecordID: rec.ID}

		if !rec.HasGeometry {
			stats.MissingGeometry++
			a.Region = LayerAssignment{Method: MethodUnassigned}
			a.District = LayerAssignment{Method: MethodUnassigned}
			out = append(out, a)
			continue
		}

		a.Region = assignLayer(rec.Lon, rec.Lat, regions, fallbackRadiusM)
		a.District = assignLayer(rec.Lon, rec.Lat, districts, fallbackRadiusM)

		if a.Region.LowConfidence || a.District.LowConfidence {
			stats.LowConfidence++
		}
		switch a.Region.Method {
		case MethodUnassigned:
			stats.RegionUnassigned++
		case MethodNearestFallback:
			stats.RegionFallback++
		}
		switch a.District.Method {
		case MethodUnassigned:
			stats.DistrictUnassigned++
		case MethodNearestFallback:
			stats.DistrictFallback++
		}

		out = append(out, a)
	}
	return out, stats
}

// assignLayer resolves one point against one layer: containment first, then
// the distance-bounded nearest fallback.
func assignLayer(x, y float64, layer *geostore.Layer, fallbackRadiusM float64) LayerAssignment {
	if layer == nil || layer.Len() == 0 {
		return LayerAssignment{Method: MethodUnassigned}
	}

	matches := layer.Contains(x, y)
	switch {
	case len(matches) == 1:
		code := matches[0].Code
		return LayerAssignment{Code: &code, Method: MethodContained}
	case len(matches) > 1:
		// Overlapping boundaries are a data-quality defect. Pick the
		// largest polygon; Contains returns matches code-ordered, so equal
		// areas resolve to the lowest code.
		best := matches[0]
		for _, m := range matches[1:] {
			if m.Area() > best.Area() {
				best = m
			}
		}
		code := best.Code
		return LayerAssignment{Code: &code, Method: MethodContained, LowConfidence: true}
	}

	if nearest, dist, ok := layer.Nearest(x, y, fallbackRadiusM); ok {
		code := nearest.Code
		return LayerAssignment{Code: &code, Method: MethodNearestFallback, DistanceM: &dist}
	}
	return LayerAssignment{Method: MethodUnassigned}
}
