package satchip

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airbusgeo/godal"
	"go.airbusds-geo.com/log"
)

// ChipExt is the extension of persisted chip archives.
const ChipExt = ".chip.zip"

// ChipLabels reprojects a geographic label raster onto every grid cell
// covering it (nearest-neighbor: labels are categorical) and persists one
// label chip per cell that contains at least one non-zero pixel. It returns
// the written paths.
func ChipLabels(ctx context.Context, labelPath string, date time.Time, outDir string) ([]string, error) {
	bbox, err := rasterLonLatBounds(labelPath)
	if err != nil {
		return nil, err
	}
	cells, err := Grid([2]float64{bbox[1], bbox[3]}, [2]float64{bbox[0], bbox[2]})
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", labelPath, err)
	}

	labelDir := filepath.Join(outDir, "LABEL")
	if err := os.MkdirAll(labelDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", labelDir, err)
	}
	stem := strings.TrimSuffix(filepath.Base(labelPath), filepath.Ext(labelPath))

	var outputs []string
	for _, cell := range cells {
		pixels, err := WarpToCell(labelPath, cell, "near", nil)
		if err != nil {
			return nil, err
		}
		valuable := false
		for i, v := range pixels {
			if math.IsNaN(float64(v)) {
				pixels[i] = 0
				continue
			}
			pixels[i] = float32(math.Round(float64(v)))
			if pixels[i] != 0 {
				valuable = true
			}
		}
		if !valuable {
			continue
		}
		raster := &Raster{
			Times: []time.Time{date},
			Bands: []string{"label"},
			NY:    cell.NRow,
			NX:    cell.NCol,
			DType: DInt16,
			Data:  pixels,
		}
		ds := NewDataset(cell, "LABEL", raster)
		out := filepath.Join(labelDir, fmt.Sprintf("%s_%s%s", stem, cell.Name, ChipExt))
		if err := ds.Write(out); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	log.Logger(ctx).Sugar().Infof("chipped %s into %d of %d cells", labelPath, len(outputs), len(cells))
	return outputs, nil
}

// rasterLonLatBounds returns the minlon,minlat,maxlon,maxlat of a raster by
// projecting its corners to geographic coordinates.
func rasterLonLatBounds(path string) ([4]float64, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return [4]float64{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()
	gt, err := ds.GeoTransform()
	if err != nil {
		return [4]float64{}, fmt.Errorf("geotransform of %s: %w", path, err)
	}
	st := ds.Structure()
	w, h := float64(st.SizeX), float64(st.SizeY)
	xs := []float64{
		gt[0], gt[0] + w*gt[1], gt[0] + h*gt[2], gt[0] + w*gt[1] + h*gt[2],
	}
	ys := []float64{
		gt[3], gt[3] + w*gt[4], gt[3] + h*gt[5], gt[3] + w*gt[4] + h*gt[5],
	}

	src := ds.SpatialRef()
	lonlat, err := godal.NewSpatialRefFromProj4("+proj=longlat +datum=WGS84 +no_defs")
	if err != nil {
		return [4]float64{}, fmt.Errorf("longlat spatialref: %w", err)
	}
	defer lonlat.Close()
	trn, err := godal.NewTransform(src, lonlat)
	if err != nil {
		return [4]float64{}, fmt.Errorf("transform of %s: %w", path, err)
	}
	defer trn.Close()
	if err := trn.TransformEx(xs, ys, nil, nil); err != nil {
		return [4]float64{}, fmt.Errorf("project corners of %s: %w", path, err)
	}
	bbox := [4]float64{xs[0], ys[0], xs[0], ys[0]}
	for i := 1; i < 4; i++ {
		bbox[0] = math.Min(bbox[0], xs[i])
		bbox[1] = math.Min(bbox[1], ys[i])
		bbox[2] = math.Max(bbox[2], xs[i])
		bbox[3] = math.Max(bbox[3], ys[i])
	}
	return bbox, nil
}
