package satchip

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// A Dataset is one cell's assembled imagery plus provenance, as persisted.
// It is written once per (cell, platform) pair and never mutated afterwards.
type Dataset struct {
	Sample      string // cell name
	Platform    string
	Bounds      [4]float64
	EPSG        int
	CenterLat   float64
	CenterLon   float64
	DateCreated time.Time
	Version     string
	Raster      *Raster
}

// NewDataset attaches the cell's provenance to an assembled raster.
func NewDataset(cell Cell, platform string, raster *Raster) *Dataset {
	return &Dataset{
		Sample:      cell.Name,
		Platform:    platform,
		Bounds:      cell.Bounds,
		EPSG:        cell.EPSG,
		CenterLat:   cell.Center[1],
		CenterLon:   cell.Center[0],
		DateCreated: time.Now().UTC(),
		Version:     Version,
		Raster:      raster,
	}
}

// CheckSpec validates a dataset against the chip schema. It is called before
// every write: malformed datasets are rejected rather than persisted.
func CheckSpec(ds *Dataset) error {
	if ds.Sample == "" {
		return fmt.Errorf("check spec: missing sample name")
	}
	if ds.Platform == "" {
		return fmt.Errorf("check spec %s: missing platform", ds.Sample)
	}
	if ds.Bounds[0] >= ds.Bounds[2] || ds.Bounds[1] >= ds.Bounds[3] {
		return fmt.Errorf("check spec %s: invalid bounds %v", ds.Sample, ds.Bounds)
	}
	if ds.EPSG <= 0 {
		return fmt.Errorf("check spec %s: invalid epsg %d", ds.Sample, ds.EPSG)
	}
	if math.Abs(ds.CenterLat) > 90 || math.Abs(ds.CenterLon) > 180 {
		return fmt.Errorf("check spec %s: invalid center %g,%g", ds.Sample, ds.CenterLon, ds.CenterLat)
	}
	if ds.Version == "" {
		return fmt.Errorf("check spec %s: missing producer version", ds.Sample)
	}
	r := ds.Raster
	if r == nil {
		return fmt.Errorf("check spec %s: missing raster", ds.Sample)
	}
	if len(r.Times) == 0 || len(r.Bands) == 0 {
		return fmt.Errorf("check spec %s: empty time or band axis", ds.Sample)
	}
	for i := 1; i < len(r.Times); i++ {
		if !r.Times[i-1].Before(r.Times[i]) {
			return fmt.Errorf("check spec %s: time axis not strictly ascending", ds.Sample)
		}
	}
	if r.DType == DUnknown || r.DType.Size() == 0 {
		return fmt.Errorf("check spec %s: unknown dtype", ds.Sample)
	}
	if want := len(r.Times) * len(r.Bands) * r.NY * r.NX; len(r.Data) != want {
		return fmt.Errorf("check spec %s: data has %d values, dims imply %d", ds.Sample, len(r.Data), want)
	}
	return nil
}

type chipMeta struct {
	Sample      string     `json:"sample"`
	Platform    string     `json:"platform"`
	Bounds      [4]float64 `json:"bounds"`
	EPSG        int        `json:"crs"`
	CenterLat   float64    `json:"center_lat"`
	CenterLon   float64    `json:"center_lon"`
	DateCreated string     `json:"date_created"`
	Version     string     `json:"satchip_version"`
	Dims        []string   `json:"dims"`
	Times       []string   `json:"time"`
	Bands       []string   `json:"band"`
	NY          int        `json:"ny"`
	NX          int        `json:"nx"`
	DType       string     `json:"dtype"`
}

const (
	metaEntry  = "metadata.json"
	bandsEntry = "bands.bin"
)

// Encode writes the dataset to w as a chip archive: a zip holding a json
// metadata document and the (time,band,y,x) pixel payload in little-endian
// order, converted to the raster's dtype.
func (ds *Dataset) Encode(w io.Writer) error {
	if err := CheckSpec(ds); err != nil {
		return err
	}
	r := ds.Raster
	meta := chipMeta{
		Sample:      ds.Sample,
		Platform:    ds.Platform,
		Bounds:      ds.Bounds,
		EPSG:        ds.EPSG,
		CenterLat:   ds.CenterLat,
		CenterLon:   ds.CenterLon,
		DateCreated: ds.DateCreated.Format(time.RFC3339),
		Version:     ds.Version,
		Dims:        []string{"time", "band", "y", "x"},
		Bands:       r.Bands,
		NY:          r.NY,
		NX:          r.NX,
		DType:       r.DType.String(),
	}
	for _, t := range r.Times {
		meta.Times = append(meta.Times, t.UTC().Format(time.RFC3339))
	}

	zw := zip.NewWriter(w)
	mw, err := zw.Create(metaEntry)
	if err != nil {
		return fmt.Errorf("create %s: %w", metaEntry, err)
	}
	if err := json.NewEncoder(mw).Encode(meta); err != nil {
		return fmt.Errorf("encode %s: %w", metaEntry, err)
	}
	bw, err := zw.Create(bandsEntry)
	if err != nil {
		return fmt.Errorf("create %s: %w", bandsEntry, err)
	}
	if err := encodePixels(bw, r.Data, r.DType); err != nil {
		return fmt.Errorf("encode %s: %w", bandsEntry, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

// Write persists the dataset to path, writing to a temporary name first and
// renaming so a partially-written archive is never observed.
func (ds *Dataset) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := ds.Encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadChip loads a persisted chip archive.
func ReadChip(path string) (*Dataset, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer zr.Close()

	var meta chipMeta
	var pixels []float32
	for _, f := range zr.File {
		switch f.Name {
		case metaEntry:
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", f.Name, err)
			}
			err = json.NewDecoder(rc).Decode(&meta)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
		case bandsEntry:
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", f.Name, err)
			}
			raw, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", f.Name, err)
			}
			pixels, err = decodePixelsRaw(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
		}
	}
	if meta.Sample == "" {
		return nil, fmt.Errorf("%s: missing %s", path, metaEntry)
	}
	dtype := DTypeFromString(meta.DType)
	if pixels == nil {
		return nil, fmt.Errorf("%s: missing %s", path, bandsEntry)
	}
	created, err := time.Parse(time.RFC3339, meta.DateCreated)
	if err != nil {
		return nil, fmt.Errorf("%s: date_created: %w", path, err)
	}
	raster := &Raster{
		Bands: meta.Bands,
		NY:    meta.NY,
		NX:    meta.NX,
		DType: dtype,
		Data:  pixels,
	}
	for _, ts := range meta.Times {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("%s: time axis: %w", path, err)
		}
		raster.Times = append(raster.Times, t)
	}
	ds := &Dataset{
		Sample:      meta.Sample,
		Platform:    meta.Platform,
		Bounds:      meta.Bounds,
		EPSG:        meta.EPSG,
		CenterLat:   meta.CenterLat,
		CenterLon:   meta.CenterLon,
		DateCreated: created,
		Version:     meta.Version,
		Raster:      raster,
	}
	if err := CheckSpec(ds); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// the pixel payload is self-describing: a dtype tag followed by the values,
// so the reader does not depend on the metadata entry being parsed first.
func encodePixels(w io.Writer, data []float32, dtype DType) error {
	buf := bytes.Buffer{}
	buf.Grow(4 + len(data)*dtype.Size())
	if err := binary.Write(&buf, binary.LittleEndian, int32(dtype)); err != nil {
		return err
	}
	var err error
	switch dtype {
	case DUInt8:
		for _, v := range data {
			buf.WriteByte(uint8(v))
		}
	case DUInt16:
		vals := make([]uint16, len(data))
		for i, v := range data {
			vals[i] = uint16(v)
		}
		err = binary.Write(&buf, binary.LittleEndian, vals)
	case DInt16:
		vals := make([]int16, len(data))
		for i, v := range data {
			vals[i] = int16(v)
		}
		err = binary.Write(&buf, binary.LittleEndian, vals)
	case DInt32:
		vals := make([]int32, len(data))
		for i, v := range data {
			vals[i] = int32(v)
		}
		err = binary.Write(&buf, binary.LittleEndian, vals)
	case DFloat32:
		err = binary.Write(&buf, binary.LittleEndian, data)
	case DFloat64:
		vals := make([]float64, len(data))
		for i, v := range data {
			vals[i] = float64(v)
		}
		err = binary.Write(&buf, binary.LittleEndian, vals)
	default:
		return fmt.Errorf("cannot encode dtype %s", dtype)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func decodePixelsRaw(raw []byte) ([]float32, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("truncated pixel payload")
	}
	dtype := DType(int32(binary.LittleEndian.Uint32(raw[:4])))
	raw = raw[4:]
	sz := dtype.Size()
	if sz == 0 {
		return nil, fmt.Errorf("unknown dtype tag %d", dtype)
	}
	if len(raw)%sz != 0 {
		return nil, fmt.Errorf("payload size %d not a multiple of %d", len(raw), sz)
	}
	n := len(raw) / sz
	out := make([]float32, n)
	r := bytes.NewReader(raw)
	switch dtype {
	case DUInt8:
		for i := range out {
			out[i] = float32(raw[i])
		}
	case DUInt16:
		vals := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, err
		}
		for i, v := range vals {
			out[i] = float32(v)
		}
	case DInt16:
		vals := make([]int16, n)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, err
		}
		for i, v := range vals {
			out[i] = float32(v)
		}
	case DInt32:
		vals := make([]int32, n)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, err
		}
		for i, v := range vals {
			out[i] = float32(v)
		}
	case DFloat32:
		if err := binary.Read(r, binary.LittleEndian, out); err != nil {
			return nil, err
		}
	case DFloat64:
		vals := make([]float64, n)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, err
		}
		for i, v := range vals {
			out[i] = float32(v)
		}
	}
	return out, nil
}
