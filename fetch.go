package stitcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultProcessURL is the imagery provider's process API endpoint.
const DefaultProcessURL = "https://services.sentinel-hub.com/api/v1/process"

// Client fetches raster tiles from the imagery provider's process API.
// Authentication is a caller-supplied bearer token; obtaining one is outside
// this package.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultProcessURL
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type TimeRange struct {
	From, To time.Time
}

// FetchRequest describes one area-of-interest request. Evalscript is the
// provider's per-pixel band composition DSL, treated as an opaque payload.
type FetchRequest struct {
	BBox            Bounds
	CRS             string
	Time            TimeRange
	Collection      string
	MosaickingOrder string
	Evalscript      string
	Width, Height   int
}

type processRequest struct {
	Input      processInput  `json:"input"`
	Output     processOutput `json:"output"`
	Evalscript string        `json:"evalscript"`
}

type processInput struct {
	Bounds processBounds `json:"bounds"`
	Data   []processData `json:"data"`
}

type processBounds struct {
	BBox       [4]float64    `json:"bbox"`
	Properties crsProperties `json:"properties"`
}

type crsProperties struct {
	CRS string `json:"crs"`
}

type processData struct {
	Type       string     `json:"type"`
	DataFilter dataFilter `json:"dataFilter"`
}

type dataFilter struct {
	TimeRange       jsonTimeRange `json:"timeRange"`
	MosaickingOrder string        `json:"mosaickingOrder,omitempty"`
}

type jsonTimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type processOutput struct {
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Responses []responseSpec `json:"responses"`
}

type responseSpec struct {
	Identifier string     `json:"identifier"`
	Format     formatSpec `json:"format"`
}

type formatSpec struct {
	Type string `json:"type"`
}

// Fetch posts the request and stores the returned raster under a
// request-scoped subdirectory of destDir, returning the tile path.
func (c *Client) Fetch(ctx context.Context, req FetchRequest, destDir string) (string, error) {
	body := processRequest{
		Input: processInput{
			Bounds: processBounds{
				BBox:       [4]float64{req.BBox.West, req.BBox.South, req.BBox.East, req.BBox.North},
				Properties: crsProperties{CRS: CRSURL(req.CRS)},
			},
			Data: []processData{{
				Type: req.Collection,
				DataFilter: dataFilter{
					TimeRange: jsonTimeRange{
						From: req.Time.From.UTC().Format(time.RFC3339),
						To:   req.Time.To.UTC().Format(time.RFC3339),
					},
					MosaickingOrder: req.MosaickingOrder,
				},
			}},
		},
		Output: processOutput{
			Width:  req.Width,
			Height: req.Height,
			Responses: []responseSpec{
				{Identifier: "default", Format: formatSpec{Type: "image/tiff"}},
			},
		},
		Evalscript: req.Evalscript,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "image/tiff")
	if c.Token != "" {
		hr.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(hr)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("post %s: status %d: %s", c.BaseURL, resp.StatusCode, snippet)
	}

	dir := filepath.Join(destDir, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	out := filepath.Join(dir, "response.tiff")
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(out) //nolint:errcheck
		return "", fmt.Errorf("save %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	return out, nil
}

// CRSURL converts an "EPSG:nnnn" identifier to the OGC URL form the process
// API expects. Anything else is passed through untouched.
func CRSURL(crs string) string {
	if up := strings.ToUpper(crs); strings.HasPrefix(up, "EPSG:") {
		return "http://www.opengis.net/def/crs/EPSG/0/" + strings.TrimPrefix(up, "EPSG:")
	}
	return crs
}

// BBoxDimensions computes the pixel grid covering bbox at the given
// resolution in meters per pixel. Geographic bounds are converted using the
// meridian scale at the bbox's center latitude; projected bounds are assumed
// to be in meters.
func BBoxDimensions(b Bounds, crs string, metersPerPixel float64) (int, int) {
	const metersPerDegree = 111320.0
	dx := b.East - b.West
	dy := b.North - b.South
	if strings.EqualFold(crs, "EPSG:4326") {
		midLat := (b.South + b.North) / 2
		dx *= metersPerDegree * math.Cos(midLat*math.Pi/180)
		dy *= metersPerDegree
	}
	w := int(math.Round(dx / metersPerPixel))
	h := int(math.Round(dy / metersPerPixel))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
