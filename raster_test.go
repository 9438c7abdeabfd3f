package satchip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	obsT1 = time.Date(2020, 7, 7, 6, 12, 0, 0, time.UTC)
	obsT2 = time.Date(2020, 7, 9, 6, 12, 0, 0, time.UTC)
	obsT3 = time.Date(2020, 7, 19, 6, 12, 0, 0, time.UTC)
)

func fillPlane(r *Raster, t, b int, v float32) {
	plane := r.Plane(t, b)
	for i := range plane {
		plane[i] = v
	}
}

func TestDTypeFromString(t *testing.T) {
	cases := []struct {
		in  string
		out DType
	}{
		{"uint8", DUInt8},
		{"Byte", DUInt8},
		{"int16", DInt16},
		{"u2", DUInt16},
		{"float32", DFloat32},
		{"f8", DFloat64},
		{"complex64", DUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.out, DTypeFromString(c.in), c.in)
		if c.out != DUnknown {
			assert.NotZero(t, c.out.Size())
		}
	}
	assert.Equal(t, "int16", DInt16.String())
}

func TestRasterIndexing(t *testing.T) {
	r := NewRaster([]time.Time{obsT1, obsT2}, []string{"VH", "VV"}, 2, 3, DFloat32)
	require.Len(t, r.Data, 2*2*2*3)

	assert.Equal(t, 0, r.TimeIndex(obsT1))
	assert.Equal(t, 1, r.TimeIndex(obsT2))
	assert.Equal(t, -1, r.TimeIndex(obsT3))
	assert.Equal(t, 1, r.BandIndex("VV"))
	assert.Equal(t, -1, r.BandIndex("HH"))

	fillPlane(r, 1, 0, 7)
	assert.Equal(t, float32(7), r.Plane(1, 0)[0])
	assert.Equal(t, float32(0), r.Plane(0, 0)[0])
	assert.Equal(t, float32(0), r.Plane(1, 1)[0])
}

func TestSortTime(t *testing.T) {
	r := NewRaster([]time.Time{obsT3, obsT1, obsT2}, []string{"VV"}, 1, 2, DFloat32)
	fillPlane(r, 0, 0, 3)
	fillPlane(r, 1, 0, 1)
	fillPlane(r, 2, 0, 2)

	r.SortTime()

	assert.Equal(t, []time.Time{obsT1, obsT2, obsT3}, r.Times)
	assert.Equal(t, float32(1), r.Plane(0, 0)[0])
	assert.Equal(t, float32(2), r.Plane(1, 0)[0])
	assert.Equal(t, float32(3), r.Plane(2, 0)[0])
}

func TestMergeRasters(t *testing.T) {
	vv := NewRaster([]time.Time{obsT2}, []string{"VV"}, 1, 2, DFloat32)
	fillPlane(vv, 0, 0, 10)
	vh := NewRaster([]time.Time{obsT1}, []string{"VH"}, 1, 2, DFloat32)
	fillPlane(vh, 0, 0, 20)

	merged, err := MergeRasters([]*Raster{vv, vh})
	require.NoError(t, err)

	// union of both axes, times ascending, bands sorted
	assert.Equal(t, []time.Time{obsT1, obsT2}, merged.Times)
	assert.Equal(t, []string{"VH", "VV"}, merged.Bands)
	assert.Equal(t, float32(20), merged.Plane(0, merged.BandIndex("VH"))[0])
	assert.Equal(t, float32(10), merged.Plane(1, merged.BandIndex("VV"))[0])
	// planes neither input observed stay zero
	assert.Equal(t, float32(0), merged.Plane(0, merged.BandIndex("VV"))[0])
	assert.Equal(t, float32(0), merged.Plane(1, merged.BandIndex("VH"))[0])
}

func TestMergeRastersOverride(t *testing.T) {
	first := NewRaster([]time.Time{obsT1}, []string{"VV"}, 1, 2, DFloat32)
	fillPlane(first, 0, 0, 1)
	second := NewRaster([]time.Time{obsT1}, []string{"VV"}, 1, 2, DFloat32)
	fillPlane(second, 0, 0, 2)

	merged, err := MergeRasters([]*Raster{first, second})
	require.NoError(t, err)
	// conflicting plane resolved by override: the later input wins
	assert.Equal(t, float32(2), merged.Plane(0, 0)[0])
}

func TestMergeRastersShapeMismatch(t *testing.T) {
	a := NewRaster([]time.Time{obsT1}, []string{"VV"}, 1, 2, DFloat32)
	b := NewRaster([]time.Time{obsT1}, []string{"VV"}, 2, 2, DFloat32)
	_, err := MergeRasters([]*Raster{a, b})
	assert.Error(t, err)
}
