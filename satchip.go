// Package satchip builds fixed-grid, multi-temporal training chips from
// satellite imagery. It tiles a geographic region into a deterministic global
// grid of equal-size cells, selects the scenes covering each cell, drives the
// asynchronous RTC processing of radar scenes, and assembles each cell's
// imagery into a single time-aligned multi-band raster.
package satchip

// Version is written into every persisted chip as provenance.
const Version = "0.3.0"
