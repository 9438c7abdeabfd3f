package satchip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeUnion(t *testing.T) {
	rasters := map[string]*Raster{
		"a": NewRaster([]time.Time{obsT2, obsT1}, []string{"VV"}, 1, 1, DFloat32),
		"b": NewRaster([]time.Time{obsT3, obsT1}, []string{"VV"}, 1, 1, DFloat32),
	}
	assert.Equal(t, []time.Time{obsT1, obsT2, obsT3}, TimeUnion(rasters))
}

func TestFillMissingTimes(t *testing.T) {
	r := NewRaster([]time.Time{obsT2}, []string{"VH", "VV"}, 2, 2, DFloat32)
	fillPlane(r, 0, 0, 5)
	fillPlane(r, 0, 1, 6)

	filled := FillMissingTimes(r, []time.Time{obsT1, obsT2, obsT3})
	assert.Equal(t, []time.Time{obsT1, obsT2, obsT3}, filled.Times)
	assert.Equal(t, r.Bands, filled.Bands)
	assert.Equal(t, r.DType, filled.DType)

	// observed slice kept intact at its sorted position
	assert.Equal(t, float32(5), filled.Plane(1, 0)[0])
	assert.Equal(t, float32(6), filled.Plane(1, 1)[0])
	// synthesized slices are zero across every band
	for _, ti := range []int{0, 2} {
		for bi := range filled.Bands {
			for _, v := range filled.Plane(ti, bi) {
				assert.Zero(t, v)
			}
		}
	}

	// nothing missing returns the raster unchanged
	assert.Same(t, filled, FillMissingTimes(filled, []time.Time{obsT2}))
}

func TestAlignBatch(t *testing.T) {
	a := NewRaster([]time.Time{obsT1, obsT2}, []string{"VV"}, 1, 2, DFloat32)
	fillPlane(a, 0, 0, 1)
	fillPlane(a, 1, 0, 2)
	b := NewRaster([]time.Time{obsT1}, []string{"VV"}, 1, 2, DFloat32)
	fillPlane(b, 0, 0, 3)

	rasters := map[string]*Raster{"a": a, "b": b}
	AlignBatch(rasters)

	for name, r := range rasters {
		require.Equal(t, []time.Time{obsT1, obsT2}, r.Times, name)
	}
	assert.Equal(t, float32(2), rasters["a"].Plane(1, 0)[0])
	assert.Equal(t, float32(3), rasters["b"].Plane(0, 0)[0])
	// the cell with no observation at obsT2 gets a zero-filled slice
	for _, v := range rasters["b"].Plane(1, 0) {
		assert.Zero(t, v)
	}
}
