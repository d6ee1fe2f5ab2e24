package stitcher

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
)

// MosaicFilename is the fixed name of a merged raster, written to the
// directory containing the first input tile unless overridden.
const MosaicFilename = "stitched.tif"

type MergeOptions struct {
	// OutputPath overrides the default <dir of first tile>/stitched.tif.
	OutputPath string
	// PixelSize forces the output resolution; 0 selects the finest
	// resolution among the inputs.
	PixelSize float64
	// NoData overrides the output nodata sentinel. When unset the first
	// tile's sentinel is propagated, or 0 if it has none.
	NoData    float64
	HasNoData bool
	// CreationOptions are handed to the GTiff driver, e.g. "TILED=YES".
	CreationOptions []string
}

// Merge stitches same-CRS tiles into a single mosaic covering the union of
// their bounds. Overlapping pixels resolve first-wins: a later tile never
// overwrites an earlier tile's valid pixel. Pixels covered by no tile stay
// nodata.
//
// The caller must have normalized all tiles to one CRS beforehand; mixed-CRS
// input is not detected here and produces a geometrically incorrect result.
func Merge(tilePaths []string, opts *MergeOptions) (string, error) {
	if len(tilePaths) == 0 {
		return "", ErrEmptyInput
	}
	if opts == nil {
		opts = &MergeOptions{}
	}

	tiles := make([]*Tile, 0, len(tilePaths))
	defer func() {
		for _, t := range tiles {
			t.Close() //nolint:errcheck
		}
	}()
	for _, p := range tilePaths {
		t, err := OpenTile(p)
		if err != nil {
			return "", err
		}
		tiles = append(tiles, t)
	}

	first := tiles[0]
	ext := first.Bounds
	resX, resY := first.ResX(), first.ResY()
	for _, t := range tiles[1:] {
		if t.Bands < first.Bands {
			return "", fmt.Errorf("%s has %d bands, expected at least %d", t.Path, t.Bands, first.Bands)
		}
		ext = ext.Union(t.Bounds)
		if t.ResX() < resX {
			resX = t.ResX()
		}
		if t.ResY() < resY {
			resY = t.ResY()
		}
	}
	if opts.PixelSize > 0 {
		resX, resY = opts.PixelSize, opts.PixelSize
	}
	width := int(math.Ceil((ext.East - ext.West) / resX))
	height := int(math.Ceil((ext.North - ext.South) / resY))

	nodata := 0.0
	if first.HasNoData {
		nodata = first.NoData
	}
	if opts.HasNoData {
		nodata = opts.NoData
	}

	out := opts.OutputPath
	if out == "" {
		out = filepath.Join(filepath.Dir(tilePaths[0]), MosaicFilename)
	}

	ds, err := godal.Create(godal.GTiff, out, first.Bands, first.DataType, width, height,
		godal.CreationOption(opts.CreationOptions...))
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	ok := false
	defer func() {
		if !ok {
			ds.Close()     //nolint:errcheck
			os.Remove(out) //nolint:errcheck
		}
	}()

	if err := ds.SetGeoTransform([6]float64{ext.West, resX, 0, ext.North, 0, -resY}); err != nil {
		return "", fmt.Errorf("set geotransform: %w", err)
	}
	if sr := first.Dataset().SpatialRef(); sr != nil {
		if err := ds.SetSpatialRef(sr); err != nil {
			return "", fmt.Errorf("set srs: %w", err)
		}
	}
	for _, band := range ds.Bands() {
		if err := band.SetNoData(nodata); err != nil {
			return "", fmt.Errorf("set nodata: %w", err)
		}
		if err := band.Fill(nodata, 0); err != nil {
			return "", fmt.Errorf("init nodata: %w", err)
		}
	}

	// claimed records which mosaic pixels already hold a tile's valid value.
	// Comparing against the nodata sentinel is not enough: a tile may
	// legitimately carry the sentinel as a data value, and a later tile must
	// not overwrite it.
	claimed := make([][]bool, first.Bands)
	for i := range claimed {
		claimed[i] = make([]bool, width*height)
	}
	for _, t := range tiles {
		if err := pasteTile(ds, t, ext, resX, resY, claimed); err != nil {
			return "", fmt.Errorf("merge %s: %w", t.Path, err)
		}
	}

	if err := ds.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	ok = true
	return out, nil
}

// pasteTile resamples t onto the mosaic grid and fills only unclaimed output
// pixels, which is what makes earlier tiles win.
func pasteTile(dst *godal.Dataset, t *Tile, ext Bounds, resX, resY float64, claimed [][]bool) error {
	st := dst.Structure()
	nbands := len(claimed)
	dx0 := int(math.Round((t.Bounds.West - ext.West) / resX))
	dy0 := int(math.Round((ext.North - t.Bounds.North) / resY))
	dw := int(math.Round((t.Bounds.East - t.Bounds.West) / resX))
	dh := int(math.Round((t.Bounds.North - t.Bounds.South) / resY))
	if dx0 < 0 {
		dx0 = 0
	}
	if dy0 < 0 {
		dy0 = 0
	}
	if dx0+dw > st.SizeX {
		dw = st.SizeX - dx0
	}
	if dy0+dh > st.SizeY {
		dh = st.SizeY - dy0
	}
	if dw <= 0 || dh <= 0 {
		return nil
	}

	sbuf := make([]float64, dw*dh)
	dbuf := make([]float64, dw*dh)
	srcBands := t.Dataset().Bands()
	dstBands := dst.Bands()
	for bi := 0; bi < nbands; bi++ {
		err := srcBands[bi].Read(0, 0, sbuf, dw, dh,
			godal.Window(t.Width, t.Height), godal.Resampling(godal.Nearest))
		if err != nil {
			return fmt.Errorf("read band %d: %w", bi+1, err)
		}
		if err := dstBands[bi].Read(dx0, dy0, dbuf, dw, dh); err != nil {
			return fmt.Errorf("read mosaic band %d: %w", bi+1, err)
		}
		srcNoData, srcHasNoData := srcBands[bi].NoData()
		cl := claimed[bi]
		for i := range dbuf {
			gi := (dy0+i/dw)*st.SizeX + dx0 + i%dw
			if cl[gi] {
				continue // an earlier tile already claimed this pixel
			}
			if srcHasNoData && sampleIs(sbuf[i], srcNoData) {
				continue
			}
			dbuf[i] = sbuf[i]
			cl[gi] = true
		}
		if err := dstBands[bi].Write(dx0, dy0, dbuf, dw, dh); err != nil {
			return fmt.Errorf("write mosaic band %d: %w", bi+1, err)
		}
	}
	return nil
}

func sampleIs(v, sentinel float64) bool {
	if math.IsNaN(sentinel) {
		return math.IsNaN(v)
	}
	return v == sentinel
}
