package satchip

import (
	"sort"
	"time"
)

// TimeUnion returns the sorted union of the observation times of every
// raster in the batch.
func TimeUnion(rasters map[string]*Raster) []time.Time {
	var union []time.Time
	for _, r := range rasters {
		for _, t := range r.Times {
			if !containsTime(union, t) {
				union = append(union, t)
			}
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i].Before(union[j]) })
	return union
}

// FillMissingTimes returns a raster whose time axis is extended to contain
// every timestamp in times. Synthesized slices are zero-filled across every
// band, with the raster's shape and dtype, and the time axis is re-sorted
// ascending.
func FillMissingTimes(r *Raster, times []time.Time) *Raster {
	var missing []time.Time
	for _, t := range times {
		if r.TimeIndex(t) < 0 {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return r
	}
	filled := NewRaster(append(append([]time.Time(nil), r.Times...), missing...),
		r.Bands, r.NY, r.NX, r.DType)
	copy(filled.Data, r.Data) // zero slices stay at the tail until the sort
	filled.SortTime()
	return filled
}

// AlignBatch reconciles the time axes of a batch of per-cell rasters: after
// the call every raster shares the identical, ascending union time axis,
// with zero-filled slices where a cell had no observation. The downstream
// consumer trains on fixed-shape tensors across a batch, so a ragged time
// axis is never returned.
func AlignBatch(rasters map[string]*Raster) {
	union := TimeUnion(rasters)
	for name, r := range rasters {
		rasters[name] = FillMissingTimes(r, union)
	}
}
