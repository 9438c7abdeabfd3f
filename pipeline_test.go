package satchip

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airbusgeo/satchip/catalog"
)

type stubSearcher struct {
	opts   catalog.SearchOpts
	scenes []catalog.Scene
	err    error
}

func (s *stubSearcher) Search(ctx context.Context, opts catalog.SearchOpts) ([]catalog.Scene, error) {
	s.opts = opts
	return s.scenes, s.err
}

func writeLabel(t *testing.T, dir string, cell Cell) string {
	t.Helper()
	r := NewRaster([]time.Time{obsT1}, []string{"label"}, 4, 4, DInt16)
	path := filepath.Join(dir, cell.Name+ChipExt)
	require.NoError(t, NewDataset(cell, "LABEL", r).Write(path))
	return path
}

func TestResolveChip(t *testing.T) {
	cell := testCell(t)
	path := writeLabel(t, t.TempDir(), cell)

	got, err := ResolveChip(path)
	require.NoError(t, err)
	assert.Equal(t, cell.Name, got.Name)
	assert.Equal(t, cell.Bounds, got.Bounds)
	assert.Equal(t, cell.EPSG, got.EPSG)
}

func TestResolveChipNoMatch(t *testing.T) {
	cell := testCell(t)
	dir := t.TempDir()
	r := NewRaster([]time.Time{obsT1}, []string{"label"}, 4, 4, DInt16)
	ds := NewDataset(cell, "LABEL", r)
	ds.Sample = "99999E-99999N" // not a cell of the label's neighborhood
	path := filepath.Join(dir, "bogus"+ChipExt)
	require.NoError(t, ds.Write(path))

	_, err := ResolveChip(path)
	var cre ChipResolutionError
	require.ErrorAs(t, err, &cre)
	assert.Equal(t, 0, cre.Matches)
}

func TestPipelineOptions(t *testing.T) {
	start := time.Date(2020, 7, 7, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 14)

	p, err := NewPipeline(&stubSearcher{}, nil,
		WithStrategy(StrategyAll),
		WithDateRange(start, end),
		WithMaxCloudPct(30),
		WithOutDir("/tmp/out"),
		WithWorkers(2),
		WithWatchTimeout(time.Minute),
	)
	require.NoError(t, err)
	assert.Equal(t, StrategyAll, p.opts.Strategy)
	assert.Equal(t, start, p.opts.DateStart)
	assert.Equal(t, end, p.opts.DateEnd)
	assert.Equal(t, 30, p.opts.MaxCloudPct)
	// scratch dir defaults under the output dir
	assert.Equal(t, filepath.Join("/tmp/out", "IMAGES"), p.opts.ImageDir)

	cases := []struct {
		name string
		opt  ChipOption
	}{
		{"inverted date range", WithDateRange(end, start)},
		{"empty date range", WithDateRange(start, start)},
		{"cloud pct too high", WithMaxCloudPct(101)},
		{"cloud pct negative", WithMaxCloudPct(-1)},
		{"bad strategy", WithStrategy("SOME")},
		{"no workers", WithWorkers(0)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewPipeline(&stubSearcher{}, nil, c.opt)
			assert.Error(t, err)
		})
	}
}

func TestCreateChipsUnknownPlatform(t *testing.T) {
	p, err := NewPipeline(&stubSearcher{}, nil)
	require.NoError(t, err)
	_, err = p.CreateChips(context.Background(), []string{"x" + ChipExt}, "S2")
	assert.ErrorContains(t, err, "no fetcher registered")

	_, err = p.CreateChips(context.Background(), nil, PlatformS1RTC)
	assert.Error(t, err)
}

// fixedFetcher returns a canned raster per cell, standing in for an optical
// platform implementation.
type fixedFetcher struct {
	rasters map[string]*Raster
}

func (f *fixedFetcher) FetchScenes(ctx context.Context, cell Cell, opts ChipOpts) (*Raster, error) {
	return f.rasters[cell.Name], nil
}

func TestCreateChipsAlignsAndPersists(t *testing.T) {
	cells, err := Grid([2]float64{46.0, 46.04}, [2]float64{-107.0, -106.98})
	require.NoError(t, err)
	require.Len(t, cells, 2)

	labelDir := t.TempDir()
	outDir := t.TempDir()
	labels := []string{
		writeLabel(t, labelDir, cells[0]),
		writeLabel(t, labelDir, cells[1]),
	}

	r0 := NewRaster([]time.Time{obsT1, obsT2}, []string{"B04"}, 2, 2, DFloat32)
	fillPlane(r0, 0, 0, 1)
	fillPlane(r0, 1, 0, 2)
	r1 := NewRaster([]time.Time{obsT1}, []string{"B04"}, 2, 2, DFloat32)
	fillPlane(r1, 0, 0, 3)

	p, err := NewPipeline(&stubSearcher{}, nil, WithOutDir(outDir), WithWorkers(2))
	require.NoError(t, err)
	p.RegisterFetcher("S2", &fixedFetcher{rasters: map[string]*Raster{
		cells[0].Name: r0,
		cells[1].Name: r1,
	}})

	outputs, err := p.CreateChips(context.Background(), labels, "S2")
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	for i, out := range outputs {
		assert.Equal(t,
			filepath.Join(outDir, "S2", cells[i].Name+"_S2"+ChipExt), out)
		ds, err := ReadChip(out)
		require.NoError(t, err)
		assert.Equal(t, cells[i].Name, ds.Sample)
		assert.Equal(t, "S2", ds.Platform)
		// every chip of the batch shares the union time axis
		require.Len(t, ds.Raster.Times, 2)
		assert.True(t, ds.Raster.Times[0].Equal(obsT1))
		assert.True(t, ds.Raster.Times[1].Equal(obsT2))
	}

	// the cell observed only at obsT1 got a zero-filled obsT2 slice
	ds, err := ReadChip(outputs[1])
	require.NoError(t, err)
	for _, v := range ds.Raster.Plane(1, 0) {
		assert.Zero(t, v)
	}
	assert.Equal(t, float32(3), ds.Raster.Plane(0, 0)[0])
}

func TestArtifactTime(t *testing.T) {
	got, err := artifactTime("/scratch/S1A_IW_20240115T131021_DVP_RTC20_G_gpuned_ABCD/S1A_IW_20240115T131021_DVP_RTC20_G_gpuned_ABCD_VV.tif")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 13, 10, 21, 0, time.UTC), got)

	_, err = artifactTime("only.tif")
	assert.Error(t, err)
	_, err = artifactTime("a_b_notadate_c.tif")
	assert.Error(t, err)
}
