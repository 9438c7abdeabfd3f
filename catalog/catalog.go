// Package catalog searches the external scene catalog for acquisitions
// intersecting a geographic region within a date range.
package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// DefaultBaseURL is the production search endpoint.
const DefaultBaseURL = "https://api.daac.asf.alaska.edu/services/search/param"

// A Scene is one candidate acquisition returned by the catalog.
type Scene struct {
	Name            string
	Geometry        orb.Polygon // footprint in geographic coordinates
	StartTime       time.Time
	Platform        string
	ProcessingLevel string
	Polarization    string
	CloudPct        int // -1 when the catalog carries no cloud estimate
}

// SearchOpts parameterize one catalog query.
type SearchOpts struct {
	// Bounds is the geographic region of interest, minlon,minlat,maxlon,maxlat.
	Bounds [4]float64
	// Start and End delimit the acquisition window. End is inclusive: the
	// client shifts the end timestamp sent to the service forward by one day.
	Start time.Time
	End   time.Time

	Dataset         string // e.g. SENTINEL-1
	ProcessingLevel string // e.g. SLC
	BeamMode        string // e.g. IW
	Polarization    string // e.g. VV+VH
	// MaxCloudPct filters optical scenes; negative disables the filter.
	MaxCloudPct int
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{BaseURL: baseURL, HTTPClient: http.DefaultClient}
}

// Search queries the catalog for scenes intersecting the bounding polygon of
// opts.Bounds acquired within [Start, End] (inclusive of the end date).
func (c *Client) Search(ctx context.Context, opts SearchOpts) ([]Scene, error) {
	bound := orb.Bound{
		Min: orb.Point{opts.Bounds[0], opts.Bounds[1]},
		Max: orb.Point{opts.Bounds[2], opts.Bounds[3]},
	}
	params := url.Values{}
	params.Set("output", "geojson")
	params.Set("intersectsWith", wkt.MarshalString(bound.ToPolygon()))
	params.Set("start", opts.Start.UTC().Format("2006-01-02T15:04:05Z"))
	// the service treats end as exclusive of the final day
	params.Set("end", opts.End.AddDate(0, 0, 1).UTC().Format("2006-01-02T15:04:05Z"))
	if opts.Dataset != "" {
		params.Set("dataset", opts.Dataset)
	}
	if opts.ProcessingLevel != "" {
		params.Set("processingLevel", opts.ProcessingLevel)
	}
	if opts.BeamMode != "" {
		params.Set("beamMode", opts.BeamMode)
	}
	if opts.Polarization != "" {
		params.Set("polarization", opts.Polarization)
	}
	if opts.MaxCloudPct >= 0 {
		params.Set("maxCloudCover", fmt.Sprintf("%d", opts.MaxCloudPct))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("catalog search: status %d: %s", resp.StatusCode, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog search: read response: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("catalog search: decode response: %w", err)
	}

	scenes := make([]Scene, 0, len(fc.Features))
	for i, f := range fc.Features {
		scene, err := sceneFromFeature(f)
		if err != nil {
			return nil, fmt.Errorf("catalog search: feature %d: %w", i, err)
		}
		scenes = append(scenes, scene)
	}
	return scenes, nil
}

func sceneFromFeature(f *geojson.Feature) (Scene, error) {
	scene := Scene{
		Name:            propString(f, "sceneName"),
		Platform:        propString(f, "platform"),
		ProcessingLevel: propString(f, "processingLevel"),
		Polarization:    propString(f, "polarization"),
		CloudPct:        propInt(f, "cloudCover", -1),
	}
	if scene.Name == "" {
		return Scene{}, fmt.Errorf("missing sceneName")
	}
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		scene.Geometry = g
	case orb.MultiPolygon:
		if len(g) == 0 {
			return Scene{}, fmt.Errorf("scene %s: empty multipolygon", scene.Name)
		}
		scene.Geometry = g[0]
	default:
		return Scene{}, fmt.Errorf("scene %s: unsupported footprint type %T", scene.Name, f.Geometry)
	}
	start := propString(f, "startTime")
	t, err := parseSceneTime(start)
	if err != nil {
		return Scene{}, fmt.Errorf("scene %s: startTime %q: %w", scene.Name, start, err)
	}
	scene.StartTime = t
	return scene, nil
}

func parseSceneTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp")
}

func propString(f *geojson.Feature, key string) string {
	if v, ok := f.Properties[key].(string); ok {
		return v
	}
	return ""
}

func propInt(f *geojson.Feature, key string, def int) int {
	switch v := f.Properties[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
