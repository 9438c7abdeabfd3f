package satchip

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boxPolygon(minLon, minLat, maxLon, maxLat float64) orb.Polygon {
	return orb.Bound{
		Min: orb.Point{minLon, minLat},
		Max: orb.Point{maxLon, maxLat},
	}.ToPolygon()
}

// footprint covering the given fraction of the cell, clipped along longitude.
func partialFootprint(cell Cell, fraction float64) SceneFootprint {
	return SceneFootprint{
		ID: "S1A_TEST",
		Geometry: boxPolygon(
			cell.Bounds[0], cell.Bounds[1],
			cell.Bounds[0]+fraction*(cell.Bounds[2]-cell.Bounds[0]), cell.Bounds[3]),
	}
}

func testCell(t *testing.T) Cell {
	t.Helper()
	cells, err := Grid([2]float64{46.0, 46.02}, [2]float64{-107.0, -106.98})
	require.NoError(t, err)
	require.NotEmpty(t, cells)
	return cells[0]
}

func TestIntersectionPct(t *testing.T) {
	cell := testCell(t)
	cases := []struct {
		fraction float64
		pct      int
	}{
		{1.0, 100},
		{0.96, 96},
		{0.95, 95},
		{0.5, 50},
		{0.0, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.pct, IntersectionPct(cell, partialFootprint(cell, c.fraction)),
			"fraction=%g", c.fraction)
	}

	// disjoint footprint
	far := SceneFootprint{Geometry: boxPolygon(0, 0, 1, 1)}
	assert.Equal(t, 0, IntersectionPct(cell, far))
}

func TestPairThreshold(t *testing.T) {
	cell := testCell(t)
	cells := []Cell{cell}

	// exactly at the threshold does not qualify
	_, err := Pair(cells, []SceneFootprint{partialFootprint(cell, 0.95)}, StrategyAll)
	assert.ErrorAs(t, err, &NoMatchError{})

	// strictly above the threshold does
	paired, err := Pair(cells, []SceneFootprint{partialFootprint(cell, 0.96)}, StrategyAll)
	require.NoError(t, err)
	assert.Len(t, paired[cell.Name], 1)
}

func TestPairOrdering(t *testing.T) {
	cell := testCell(t)
	t1 := time.Date(2020, 7, 7, 6, 0, 0, 0, time.UTC)
	t2 := time.Date(2020, 7, 9, 6, 0, 0, 0, time.UTC)

	mk := func(id string, fraction float64, at time.Time) SceneFootprint {
		fp := partialFootprint(cell, fraction)
		fp.ID = id
		fp.Time = at
		return fp
	}
	// input order deliberately scrambled: ordering must come from the sort
	// keys (percentage desc, then time asc), not from input order.
	footprints := []SceneFootprint{
		mk("full-late", 1.0, t2),
		mk("partial-early", 0.97, t1),
		mk("full-early", 1.0, t1),
	}

	paired, err := Pair([]Cell{cell}, footprints, StrategyAll)
	require.NoError(t, err)
	got := paired[cell.Name]
	require.Len(t, got, 3)
	assert.Equal(t, "full-early", got[0].ID)
	assert.Equal(t, "full-late", got[1].ID)
	assert.Equal(t, "partial-early", got[2].ID)

	// BEST keeps exactly the top-ranked scene
	paired, err = Pair([]Cell{cell}, footprints, StrategyBest)
	require.NoError(t, err)
	require.Len(t, paired[cell.Name], 1)
	assert.Equal(t, "full-early", paired[cell.Name][0].ID)
}

func TestCheckBoundsSize(t *testing.T) {
	cases := []struct {
		name   string
		bounds [4]float64
		ok     bool
	}{
		{"small", [4]float64{0, 0, 1, 1}, true},
		{"just under", [4]float64{0, 0, 2.999, 1}, true},
		{"exactly max", [4]float64{0, 0, 3, 1}, false},
		{"over", [4]float64{10, 40, 13, 42}, false},
		{"typical region", [4]float64{-107.79192, 45.74287, -105.01543, 46.48598}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := CheckBoundsSize(c.bounds)
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorAs(t, err, &RegionTooLargeError{})
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("BEST")
	require.NoError(t, err)
	assert.Equal(t, StrategyBest, s)
	s, err = ParseStrategy("ALL")
	require.NoError(t, err)
	assert.Equal(t, StrategyAll, s)
	_, err = ParseStrategy("best")
	assert.Error(t, err)
}
