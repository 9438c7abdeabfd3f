package satchip

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tbonfort/gobs"
	"go.airbusds-geo.com/log"

	"github.com/airbusgeo/satchip/catalog"
	"github.com/airbusgeo/satchip/rtc"
)

// PlatformS1RTC is the radar platform handled natively by the pipeline; its
// scenes are processed by the asynchronous RTC collaborator before chipping.
const PlatformS1RTC = "S1RTC"

type ChipResolutionError struct {
	Label   string
	Matches int
}

func (err ChipResolutionError) Error() string {
	return fmt.Sprintf("label %s resolves to %d grid cells, expected exactly 1", err.Label, err.Matches)
}

// ChipOpts configure a chipping run.
type ChipOpts struct {
	Strategy     Strategy
	DateStart    time.Time
	DateEnd      time.Time
	MaxCloudPct  int
	OutDir       string
	ImageDir     string
	WarpSwitches []string
	Workers      int
	WatchTimeout time.Duration
}

type ChipOption func(o *ChipOpts) error

func WithStrategy(s Strategy) ChipOption {
	return func(o *ChipOpts) error {
		if _, err := ParseStrategy(string(s)); err != nil {
			return err
		}
		o.Strategy = s
		return nil
	}
}

// WithDateRange sets the inclusive acquisition window.
func WithDateRange(start, end time.Time) ChipOption {
	return func(o *ChipOpts) error {
		if !start.Before(end) {
			return InvalidRangeError{fmt.Sprintf("start date %s must be before end date %s",
				start.Format("2006-01-02"), end.Format("2006-01-02"))}
		}
		o.DateStart, o.DateEnd = start, end
		return nil
	}
}

func WithMaxCloudPct(pct int) ChipOption {
	return func(o *ChipOpts) error {
		if pct < 0 || pct > 100 {
			return InvalidRangeError{fmt.Sprintf("max cloud percent %d outside [0,100]", pct)}
		}
		o.MaxCloudPct = pct
		return nil
	}
}

func WithOutDir(dir string) ChipOption {
	return func(o *ChipOpts) error {
		o.OutDir = dir
		return nil
	}
}

// WithImageDir sets the scratch directory for downloaded imagery and
// artifacts. Defaults to OutDir/IMAGES.
func WithImageDir(dir string) ChipOption {
	return func(o *ChipOpts) error {
		o.ImageDir = dir
		return nil
	}
}

// WithWarpSwitches appends extra gdalwarp switches to every imagery warp.
func WithWarpSwitches(switches []string) ChipOption {
	return func(o *ChipOpts) error {
		o.WarpSwitches = switches
		return nil
	}
}

func WithWorkers(n int) ChipOption {
	return func(o *ChipOpts) error {
		if n < 1 {
			return InvalidRangeError{"workers must be >=1"}
		}
		o.Workers = n
		return nil
	}
}

func WithWatchTimeout(d time.Duration) ChipOption {
	return func(o *ChipOpts) error {
		o.WatchTimeout = d
		return nil
	}
}

// A Searcher finds candidate scene footprints (the catalog collaborator).
type Searcher interface {
	Search(ctx context.Context, opts catalog.SearchOpts) ([]catalog.Scene, error)
}

// A SceneFetcher fetches and assembles one cell's imagery for platforms
// whose source access lives outside this module (optical platforms).
type SceneFetcher interface {
	FetchScenes(ctx context.Context, cell Cell, opts ChipOpts) (*Raster, error)
}

// Pipeline sequences grid resolution, scene selection, RTC resolution,
// per-cell assembly, cross-cell alignment and persistence.
type Pipeline struct {
	search   Searcher
	rtc      rtc.API
	fetchers map[string]SceneFetcher
	opts     ChipOpts
}

func NewPipeline(search Searcher, api rtc.API, options ...ChipOption) (*Pipeline, error) {
	p := &Pipeline{
		search: search,
		rtc:    api,
		opts: ChipOpts{
			Strategy:     StrategyBest,
			MaxCloudPct:  100,
			OutDir:       ".",
			Workers:      4,
			WatchTimeout: 6 * time.Hour,
		},
		fetchers: map[string]SceneFetcher{},
	}
	for _, o := range options {
		if err := o(&p.opts); err != nil {
			return nil, err
		}
	}
	if p.opts.ImageDir == "" {
		p.opts.ImageDir = filepath.Join(p.opts.OutDir, "IMAGES")
	}
	return p, nil
}

// RegisterFetcher attaches an optical platform implementation.
func (p *Pipeline) RegisterFetcher(platform string, f SceneFetcher) {
	p.fetchers[platform] = f
}

// ResolveChip maps a label chip back to its owning grid cell: the label's
// buffered bounds are re-tiled and matched by name, which must find exactly
// one cell.
func ResolveChip(labelPath string) (Cell, error) {
	label, err := ReadChip(labelPath)
	if err != nil {
		return Cell{}, fmt.Errorf("load label %s: %w", labelPath, err)
	}
	b := label.Bounds
	cells, err := Grid(
		[2]float64{b[1] - 0.1, b[3] + 0.1},
		[2]float64{b[0] - 0.1, b[2] + 0.1},
	)
	if err != nil {
		return Cell{}, fmt.Errorf("tile label %s: %w", labelPath, err)
	}
	var matches []Cell
	for _, c := range cells {
		if c.Name == label.Sample {
			matches = append(matches, c)
		}
	}
	if len(matches) != 1 {
		return Cell{}, ChipResolutionError{Label: labelPath, Matches: len(matches)}
	}
	return matches[0], nil
}

// CreateChips builds one imagery chip per input label for the given
// platform. Any failure aborts the whole batch: partial datasets would
// silently corrupt downstream training data.
func (p *Pipeline) CreateChips(ctx context.Context, labelPaths []string, platform string) ([]string, error) {
	if len(labelPaths) == 0 {
		return nil, InvalidRangeError{"no label files to chip"}
	}
	if platform != PlatformS1RTC {
		if _, ok := p.fetchers[platform]; !ok {
			return nil, fmt.Errorf("no fetcher registered for platform %s", platform)
		}
	}

	cells := make([]Cell, len(labelPaths))
	cellOrder := make([]string, len(labelPaths))
	for i, lp := range labelPaths {
		cell, err := ResolveChip(lp)
		if err != nil {
			return nil, err
		}
		cells[i] = cell
		cellOrder[i] = cell.Name
	}

	var artifacts map[string][]rtc.ScenePaths
	if platform == PlatformS1RTC {
		var err error
		if artifacts, err = p.resolveRTC(ctx, cells, cellOrder); err != nil {
			return nil, err
		}
	}

	rasters := make(map[string]*Raster, len(cells))
	var mu sync.Mutex
	pool := gobs.NewPool(p.opts.Workers)
	batch := pool.Batch()
	for i := range cells {
		cell := cells[i]
		batch.Submit(func() error {
			var raster *Raster
			var err error
			if platform == PlatformS1RTC {
				raster, err = p.assembleRTCCell(cell, artifacts[cell.Name])
			} else {
				raster, err = p.fetchers[platform].FetchScenes(ctx, cell, p.opts)
			}
			if err != nil {
				return fmt.Errorf("assemble cell %s: %w", cell.Name, err)
			}
			mu.Lock()
			rasters[cell.Name] = raster
			mu.Unlock()
			return nil
		})
	}
	if err := batch.Wait(); err != nil {
		return nil, err
	}

	AlignBatch(rasters)

	platformDir := filepath.Join(p.opts.OutDir, platform)
	outputs := make([]string, len(labelPaths))
	for i, lp := range labelPaths {
		stem := strings.TrimSuffix(filepath.Base(lp), ChipExt)
		out := filepath.Join(platformDir, fmt.Sprintf("%s_%s%s", stem, platform, ChipExt))
		ds := NewDataset(cells[i], platform, rasters[cells[i].Name])
		if err := ds.Write(out); err != nil {
			return nil, fmt.Errorf("persist chip for cell %s: %w", cells[i].Name, err)
		}
		outputs[i] = out
	}
	log.Logger(ctx).Sugar().Infof("wrote %d %s chips to %s", len(outputs), platform, platformDir)
	return outputs, nil
}

// resolveRTC runs scene search, selection and the RTC job orchestration for
// a batch of cells.
func (p *Pipeline) resolveRTC(ctx context.Context, cells []Cell, cellOrder []string) (map[string][]rtc.ScenePaths, error) {
	overall := OverallBounds(cells)
	if err := CheckBoundsSize(overall); err != nil {
		return nil, err
	}
	scenes, err := p.search.Search(ctx, catalog.SearchOpts{
		Bounds:          overall,
		Start:           p.opts.DateStart,
		End:             p.opts.DateEnd,
		Dataset:         "SENTINEL-1",
		ProcessingLevel: "SLC",
		BeamMode:        "IW",
		Polarization:    "VV+VH",
		MaxCloudPct:     -1,
	})
	if err != nil {
		return nil, fmt.Errorf("scene search: %w", err)
	}
	footprints := make([]SceneFootprint, len(scenes))
	for i, s := range scenes {
		footprints[i] = SceneFootprint{
			ID:              s.Name,
			Geometry:        s.Geometry,
			Time:            s.StartTime,
			Platform:        s.Platform,
			ProcessingLevel: s.ProcessingLevel,
			Polarization:    s.Polarization,
			CloudPct:        s.CloudPct,
		}
	}
	paired, err := Pair(cells, footprints, p.opts.Strategy)
	if err != nil {
		return nil, err
	}
	names := make(map[string][]string, len(paired))
	for cell, fps := range paired {
		list := make([]string, len(fps))
		for i, fp := range fps {
			list[i] = fp.ID
		}
		names[cell] = list
	}
	return rtc.Resolve(ctx, p.rtc, cellOrder, names, rtc.ResolveOpts{
		ScratchDir:   p.opts.ImageDir,
		WatchTimeout: p.opts.WatchTimeout,
	})
}

// assembleRTCCell warps every scene's VV and VH artifacts onto the cell
// template and merges them into one time-indexed raster.
func (p *Pipeline) assembleRTCCell(cell Cell, scenes []rtc.ScenePaths) (*Raster, error) {
	var tiles []*Raster
	for _, sp := range scenes {
		for _, bp := range []struct{ band, path string }{{"VV", sp.VV}, {"VH", sp.VH}} {
			acquired, err := artifactTime(bp.path)
			if err != nil {
				return nil, err
			}
			pixels, err := WarpToCell(bp.path, cell, "bilinear", p.opts.WarpSwitches)
			if err != nil {
				return nil, err
			}
			tiles = append(tiles, &Raster{
				Times: []time.Time{acquired},
				Bands: []string{bp.band},
				NY:    cell.NRow,
				NX:    cell.NCol,
				DType: DFloat32,
				Data:  pixels,
			})
		}
	}
	return MergeRasters(tiles)
}

// artifactTime extracts the acquisition timestamp encoded in an RTC product
// filename (third underscore-separated field, e.g. 20240115T131021).
func artifactTime(path string) (time.Time, error) {
	parts := strings.Split(filepath.Base(path), "_")
	if len(parts) < 3 {
		return time.Time{}, fmt.Errorf("artifact %s: cannot locate acquisition time in filename", path)
	}
	t, err := time.Parse("20060102T150405", parts[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("artifact %s: acquisition time: %w", path, err)
	}
	return t.UTC(), nil
}
