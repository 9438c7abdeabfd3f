package satchip

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
)

// Strategy selects how many of the qualifying scenes are kept per cell.
type Strategy string

const (
	// StrategyBest keeps only the top-ranked scene per cell.
	StrategyBest Strategy = "BEST"
	// StrategyAll keeps every qualifying scene per cell.
	StrategyAll Strategy = "ALL"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBest, StrategyAll:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q (must be BEST or ALL)", s)
}

// A SceneFootprint is a candidate satellite acquisition returned by the
// catalog search.
type SceneFootprint struct {
	ID              string
	Geometry        orb.Polygon // in geographic coordinates
	Time            time.Time
	Platform        string
	ProcessingLevel string
	Polarization    string
	CloudPct        int
}

const (
	// CoverageThresholdPct is the minimum (strict) intersection percentage a
	// footprint must have with a cell to qualify: scenes only partially
	// covering a cell are rejected rather than mosaicked.
	CoverageThresholdPct = 95
	// MaxRegionArea bounds (strictly) the area in degrees² of a batch's
	// overall bounds, which in turn bounds the cost of the catalog search
	// and of job submission.
	MaxRegionArea = 3.0
)

type NoMatchError struct {
	Cell string
}

func (err NoMatchError) Error() string {
	return fmt.Sprintf("no scene covers more than %d%% of cell %s", CoverageThresholdPct, err.Cell)
}

type RegionTooLargeError struct {
	Area float64
}

func (err RegionTooLargeError) Error() string {
	return fmt.Sprintf("region covers %.4f degrees², maximum is %g", err.Area, MaxRegionArea)
}

// OverallBounds returns the union of the cells' geographic bounds.
func OverallBounds(cells []Cell) [4]float64 {
	b := cells[0].Bounds
	for _, c := range cells[1:] {
		b[0] = math.Min(b[0], c.Bounds[0])
		b[1] = math.Min(b[1], c.Bounds[1])
		b[2] = math.Max(b[2], c.Bounds[2])
		b[3] = math.Max(b[3], c.Bounds[3])
	}
	return b
}

// CheckBoundsSize enforces the region area precondition before any expensive
// search or submission starts.
func CheckBoundsSize(bounds [4]float64) error {
	area := (bounds[2] - bounds[0]) * (bounds[3] - bounds[1])
	if area >= MaxRegionArea {
		return RegionTooLargeError{Area: area}
	}
	return nil
}

// IntersectionPct returns the percentage of the cell area covered by the
// footprint, rounded to the nearest integer.
func IntersectionPct(cell Cell, fp SceneFootprint) int {
	bound := orb.Bound{
		Min: orb.Point{cell.Bounds[0], cell.Bounds[1]},
		Max: orb.Point{cell.Bounds[2], cell.Bounds[3]},
	}
	clipped := clip.Geometry(bound, fp.Geometry.Clone())
	if clipped == nil {
		return 0
	}
	cellArea := planar.Area(bound)
	if cellArea == 0 {
		return 0
	}
	return int(math.Round(100 * planar.Area(clipped) / cellArea))
}

// Pair resolves the many-to-many relation between cells and footprints to a
// strict per-cell ordering: qualifying footprints (IntersectionPct strictly
// above CoverageThresholdPct) sorted by descending intersection percentage,
// then ascending acquisition time. The ordering depends only on the sort
// keys, never on input iteration order.
func Pair(cells []Cell, footprints []SceneFootprint, strategy Strategy) (map[string][]SceneFootprint, error) {
	paired := make(map[string][]SceneFootprint, len(cells))
	for _, cell := range cells {
		type ranked struct {
			fp  SceneFootprint
			pct int
		}
		var qualifying []ranked
		for _, fp := range footprints {
			pct := IntersectionPct(cell, fp)
			if pct > CoverageThresholdPct {
				qualifying = append(qualifying, ranked{fp, pct})
			}
		}
		if len(qualifying) == 0 {
			return nil, NoMatchError{Cell: cell.Name}
		}
		sort.SliceStable(qualifying, func(i, j int) bool {
			if qualifying[i].pct != qualifying[j].pct {
				return qualifying[i].pct > qualifying[j].pct
			}
			return qualifying[i].fp.Time.Before(qualifying[j].fp.Time)
		})
		if strategy == StrategyBest {
			qualifying = qualifying[:1]
		}
		scenes := make([]SceneFootprint, len(qualifying))
		for i, q := range qualifying {
			scenes[i] = q.fp
		}
		paired[cell.Name] = scenes
	}
	return paired, nil
}
