package satchip

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

const (
	// ChipRows and ChipCols are the fixed pixel dimensions shared by every
	// cell of the grid.
	ChipRows = 264
	ChipCols = 264
	// ChipXRes and ChipYRes are the pixel sizes in projected units (meters).
	// YRes is negative: rasters are stored north-up.
	ChipXRes = 10.0
	ChipYRes = -10.0

	// cellPitch is the lat/lon spacing of the global grid, in degrees. The
	// grid is anchored at (-180,-90) so that identical geographic bounds
	// always regenerate identical cells with identical names.
	cellPitch = 0.025
)

type InvalidRangeError struct {
	msg string
}

func (err InvalidRangeError) Error() string {
	return err.msg
}

// A Cell is one named tile of the canonical global grid: an axis-aligned
// rectangle in geographic coordinates with an attached projected pixel grid
// of ChipRows x ChipCols pixels.
type Cell struct {
	Name   string
	Bounds [4]float64 // minlon, minlat, maxlon, maxlat in degrees
	EPSG   int
	NRow   int
	NCol   int
	XRes   float64
	YRes   float64
	Center [2]float64 // lon, lat
}

// Grid tiles the given latitude and longitude ranges (each a [min,max] pair
// in degrees) into cells on the global pitch. Every cell whose extent
// intersects the ranges is returned, ordered by ascending latitude then
// ascending longitude.
func Grid(latRange, lonRange [2]float64) ([]Cell, error) {
	if latRange[0] >= latRange[1] {
		return nil, InvalidRangeError{fmt.Sprintf("invalid latitude range [%g,%g]", latRange[0], latRange[1])}
	}
	if lonRange[0] >= lonRange[1] {
		return nil, InvalidRangeError{fmt.Sprintf("invalid longitude range [%g,%g]", lonRange[0], lonRange[1])}
	}
	if latRange[0] < -90 || latRange[1] > 90 || lonRange[0] < -180 || lonRange[1] > 180 {
		return nil, InvalidRangeError{fmt.Sprintf("range [%g,%g]x[%g,%g] outside of valid lat/lon",
			latRange[0], latRange[1], lonRange[0], lonRange[1])}
	}

	row0 := int(math.Floor((latRange[0] + 90) / cellPitch))
	col0 := int(math.Floor((lonRange[0] + 180) / cellPitch))

	var cells []Cell
	for row := row0; float64(row)*cellPitch-90 < latRange[1]; row++ {
		for col := col0; float64(col)*cellPitch-180 < lonRange[1]; col++ {
			cells = append(cells, newCell(row, col))
		}
	}
	return cells, nil
}

func newCell(row, col int) Cell {
	minLon := float64(col)*cellPitch - 180
	minLat := float64(row)*cellPitch - 90
	center := [2]float64{minLon + cellPitch/2, minLat + cellPitch/2}
	return Cell{
		Name:   fmt.Sprintf("%05dE-%05dN", col, row),
		Bounds: [4]float64{minLon, minLat, minLon + cellPitch, minLat + cellPitch},
		EPSG:   utmEPSG(center[0], center[1]),
		NRow:   ChipRows,
		NCol:   ChipCols,
		XRes:   ChipXRes,
		YRes:   ChipYRes,
		Center: center,
	}
}

// utmEPSG returns the EPSG code of the UTM zone containing lon/lat, which is
// the projection minimizing local distortion for the cell.
func utmEPSG(lon, lat float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone < 1 {
		zone = 1
	}
	if zone > 60 {
		zone = 60
	}
	if lat >= 0 {
		return 32600 + zone
	}
	return 32700 + zone
}

func (c Cell) proj4() string {
	zone := c.EPSG % 100
	south := ""
	if c.EPSG >= 32700 {
		south = "+south "
	}
	return fmt.Sprintf("+proj=utm +zone=%d %s+datum=WGS84 +units=m +no_defs", zone, south)
}

// Transform returns the gdal geotransform mapping pixel indices to projected
// coordinates in the cell's EPSG. The pixel grid is centered on the cell and
// its origin is snapped to the resolution so that repeated invocations always
// produce the same template.
func (c Cell) Transform() ([6]float64, error) {
	lonlat, err := godal.NewSpatialRefFromProj4("+proj=longlat +datum=WGS84 +no_defs")
	if err != nil {
		return [6]float64{}, fmt.Errorf("longlat spatialref: %w", err)
	}
	defer lonlat.Close()
	utm, err := godal.NewSpatialRefFromProj4(c.proj4())
	if err != nil {
		return [6]float64{}, fmt.Errorf("utm spatialref: %w", err)
	}
	defer utm.Close()
	trn, err := godal.NewTransform(lonlat, utm)
	if err != nil {
		return [6]float64{}, fmt.Errorf("new transform: %w", err)
	}
	defer trn.Close()
	xs := []float64{c.Center[0]}
	ys := []float64{c.Center[1]}
	if err := trn.TransformEx(xs, ys, nil, nil); err != nil {
		return [6]float64{}, fmt.Errorf("project cell center: %w", err)
	}
	originX := xs[0] - float64(c.NCol)/2*c.XRes
	originY := ys[0] - float64(c.NRow)/2*c.YRes
	originX = math.Round(originX/c.XRes) * c.XRes
	originY = math.Round(originY/-c.YRes) * -c.YRes
	return [6]float64{originX, c.XRes, 0, originY, 0, c.YRes}, nil
}

// ProjectedBounds returns minx,miny,maxx,maxy of the cell pixel grid in
// projected coordinates.
func (c Cell) ProjectedBounds() ([4]float64, error) {
	gt, err := c.Transform()
	if err != nil {
		return [4]float64{}, err
	}
	minx := gt[0]
	maxy := gt[3]
	maxx := minx + float64(c.NCol)*c.XRes
	miny := maxy + float64(c.NRow)*c.YRes
	return [4]float64{minx, miny, maxx, maxy}, nil
}
