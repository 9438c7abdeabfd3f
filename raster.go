package satchip

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/airbusgeo/godal"
)

// DType identifies the element type a raster is persisted with. In memory
// all pixels are held as float32 and converted when writing.
type DType int32

const (
	DUnknown DType = iota
	DUInt8
	DUInt16
	DInt16
	DInt32
	DFloat32
	DFloat64
)

func DTypeFromString(dtype string) DType {
	switch strings.ToLower(dtype) {
	default:
		return DUnknown
	case "uint8", "byte", "u1":
		return DUInt8
	case "uint16", "u2":
		return DUInt16
	case "int16", "i2":
		return DInt16
	case "int32", "i4":
		return DInt32
	case "float32", "f4":
		return DFloat32
	case "float64", "f8":
		return DFloat64
	}
}

func (d DType) String() string {
	switch d {
	case DUInt8:
		return "uint8"
	case DUInt16:
		return "uint16"
	case DInt16:
		return "int16"
	case DInt32:
		return "int32"
	case DFloat32:
		return "float32"
	case DFloat64:
		return "float64"
	}
	return "unknown"
}

// Size returns the per-element byte size used when persisting.
func (d DType) Size() int {
	switch d {
	case DUInt8:
		return 1
	case DUInt16, DInt16:
		return 2
	case DInt32, DFloat32:
		return 4
	case DFloat64:
		return 8
	}
	return 0
}

// A Raster is an in-memory multi-band raster for one cell: pixel values
// indexed by (time, band, y, x). The spatial axes are pure pixel indices
// 0..NY-1 / 0..NX-1: after reprojection onto the cell template, downstream
// combination is done strictly by index so that floating-point coordinate
// drift across sources cannot misalign pixels.
type Raster struct {
	Times []time.Time
	Bands []string
	NY    int
	NX    int
	DType DType
	Data  []float32 // (time, band, y, x), row-major
}

// NewRaster returns a zero-filled raster with the given axes.
func NewRaster(times []time.Time, bands []string, ny, nx int, dtype DType) *Raster {
	return &Raster{
		Times: append([]time.Time(nil), times...),
		Bands: append([]string(nil), bands...),
		NY:    ny,
		NX:    nx,
		DType: dtype,
		Data:  make([]float32, len(times)*len(bands)*ny*nx),
	}
}

func (r *Raster) planeSize() int {
	return r.NY * r.NX
}

// Plane returns the pixel slice for one (time, band) index pair. The slice
// aliases the raster's backing array.
func (r *Raster) Plane(t, b int) []float32 {
	off := (t*len(r.Bands) + b) * r.planeSize()
	return r.Data[off : off+r.planeSize()]
}

// TimeIndex returns the index of ts on the time axis, or -1.
func (r *Raster) TimeIndex(ts time.Time) int {
	for i, t := range r.Times {
		if t.Equal(ts) {
			return i
		}
	}
	return -1
}

// BandIndex returns the index of band on the band axis, or -1.
func (r *Raster) BandIndex(band string) int {
	for i, b := range r.Bands {
		if b == band {
			return i
		}
	}
	return -1
}

// SortTime reorders the time axis (and the backing data) ascending.
func (r *Raster) SortTime() {
	order := make([]int, len(r.Times))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return r.Times[order[i]].Before(r.Times[order[j]])
	})
	sorted := true
	for i, o := range order {
		if i != o {
			sorted = false
			break
		}
	}
	if sorted {
		return
	}
	slab := len(r.Bands) * r.planeSize()
	times := make([]time.Time, len(r.Times))
	data := make([]float32, len(r.Data))
	for i, o := range order {
		times[i] = r.Times[o]
		copy(data[i*slab:(i+1)*slab], r.Data[o*slab:(o+1)*slab])
	}
	r.Times = times
	r.Data = data
}

// MergeRasters combines several rasters for one cell into a single raster
// with the union of their time and band axes, both sorted ascending. All
// inputs must share the same spatial shape. When two inputs carry the same
// (time, band) plane the later input wins: the common pixel grid is defined
// by the cell template, so a coordinate conflict is resolved by override
// rather than by failing.
func MergeRasters(rasters []*Raster) (*Raster, error) {
	if len(rasters) == 0 {
		return nil, fmt.Errorf("no rasters to merge")
	}
	ny, nx := rasters[0].NY, rasters[0].NX
	dtype := rasters[0].DType
	var times []time.Time
	var bands []string
	for i, r := range rasters {
		if r.NY != ny || r.NX != nx {
			return nil, fmt.Errorf("raster %d shape %dx%d does not match %dx%d", i, r.NY, r.NX, ny, nx)
		}
		for _, t := range r.Times {
			if !containsTime(times, t) {
				times = append(times, t)
			}
		}
		for _, b := range r.Bands {
			if !containsString(bands, b) {
				bands = append(bands, b)
			}
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	sort.Strings(bands)

	out := NewRaster(times, bands, ny, nx, dtype)
	for _, r := range rasters {
		for ti, t := range r.Times {
			oti := out.TimeIndex(t)
			for bi, b := range r.Bands {
				obi := out.BandIndex(b)
				copy(out.Plane(oti, obi), r.Plane(ti, bi))
			}
		}
	}
	return out, nil
}

func containsTime(times []time.Time, t time.Time) bool {
	for _, ts := range times {
		if ts.Equal(t) {
			return true
		}
	}
	return false
}

func containsString(strs []string, s string) bool {
	for _, v := range strs {
		if v == s {
			return true
		}
	}
	return false
}

// WarpToCell reprojects and clips one source raster band onto the cell's
// fixed pixel template and returns its NRow*NCol pixels. The numeric
// resampling is delegated to gdal; this function only pins the destination
// template. Returned pixels are implicitly indexed 0..N-1: the source
// raster's native geographic pixel coordinates are discarded.
func WarpToCell(path string, cell Cell, resampling string, extraSwitches []string) ([]float32, error) {
	pb, err := cell.ProjectedBounds()
	if err != nil {
		return nil, fmt.Errorf("cell %s template: %w", cell.Name, err)
	}
	src, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	switches := []string{
		"-t_srs", fmt.Sprintf("EPSG:%d", cell.EPSG),
		"-te", fmt.Sprintf("%f", pb[0]), fmt.Sprintf("%f", pb[1]),
		fmt.Sprintf("%f", pb[2]), fmt.Sprintf("%f", pb[3]),
		"-ts", fmt.Sprintf("%d", cell.NCol), fmt.Sprintf("%d", cell.NRow),
		"-r", resampling,
		"-ot", "Float32",
	}
	switches = append(switches, extraSwitches...)
	warped, err := src.Warp("", switches, godal.Memory)
	if err != nil {
		return nil, fmt.Errorf("warp %s onto cell %s: %w", path, cell.Name, err)
	}
	defer warped.Close()

	buf := make([]float32, cell.NRow*cell.NCol)
	bands := warped.Bands()
	if len(bands) == 0 {
		return nil, fmt.Errorf("warp %s onto cell %s: no bands", path, cell.Name)
	}
	if err := bands[0].Read(0, 0, buf, cell.NCol, cell.NRow); err != nil {
		return nil, fmt.Errorf("read warped %s: %w", path, err)
	}
	return buf, nil
}
