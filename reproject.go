package stitcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/sourcegraph/conc/pool"
)

// A Reprojector warps tiles into a fixed target CRS. Tiles already in the
// target CRS are warped like any other: the near-identity warp is lossless
// with nearest-neighbor resampling and keeps a single code path.
type Reprojector struct {
	// TargetCRS is anything gdalwarp's -t_srs accepts, e.g. "EPSG:3857".
	TargetCRS string
	// Workers bounds the goroutine pool used by ReprojectAll.
	Workers int
	// Switches are extra gdalwarp switches appended to the computed ones.
	Switches []string
}

func NewReprojector(targetCRS string) *Reprojector {
	return &Reprojector{
		TargetCRS: targetCRS,
		Workers:   defaultWorkers(),
	}
}

// defaultWorkers leaves one core free, with a floor of 1.
func defaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// sanitizeCRS reduces a CRS identifier to its alphanumeric characters, the
// form used to name reprojection output directories.
func sanitizeCRS(crs string) string {
	var sb strings.Builder
	for _, r := range crs {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ReprojectedPath derives the destination for a tile warped into crs: a
// sanitized CRS directory segment is inserted before the filename, so the
// same source and CRS always map to the same output.
func ReprojectedPath(path, crs string) string {
	return filepath.Join(filepath.Dir(path), sanitizeCRS(crs), filepath.Base(path))
}

// Reproject warps a single tile into the target CRS, writing it to
// ReprojectedPath(path, TargetCRS). The destination grid is GDAL's default
// transform estimation for the target CRS; resampling is nearest-neighbor and
// pixels outside the source footprint stay nodata. An existing destination is
// overwritten; on failure no destination file is left behind.
func (r *Reprojector) Reproject(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := OpenTile(path)
	if err != nil {
		return "", &ReprojectionError{Path: path, TargetCRS: r.TargetCRS, Err: err}
	}
	defer src.Close() //nolint:errcheck

	dest := ReprojectedPath(path, r.TargetCRS)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &ReprojectionError{Path: path, TargetCRS: r.TargetCRS, Err: err}
	}

	switches := []string{"-t_srs", r.TargetCRS, "-r", "near", "-overwrite"}
	if src.HasNoData {
		switches = append(switches, "-dstnodata", fmt.Sprintf("%g", src.NoData))
	}
	switches = append(switches, r.Switches...)

	wds, err := src.Dataset().Warp(dest, switches, godal.GTiff)
	if err != nil {
		os.Remove(dest) //nolint:errcheck
		return "", &ReprojectionError{Path: path, TargetCRS: r.TargetCRS, Err: err}
	}
	if err := wds.Close(); err != nil {
		os.Remove(dest) //nolint:errcheck
		return "", &ReprojectionError{Path: path, TargetCRS: r.TargetCRS, Err: err}
	}
	return dest, nil
}

// ReprojectAll warps every tile of the collection with a bounded worker pool.
// Workers share no mutable state: each owns its input tile and writes to a
// tile-exclusive destination. The returned paths follow the collection order.
func (r *Reprojector) ReprojectAll(ctx context.Context, coll *TileCollection) ([]string, error) {
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	outs := make([]string, len(coll.Paths))
	p := pool.New().WithMaxGoroutines(workers).WithErrors().WithFirstError()
	for i, path := range coll.Paths {
		i, path := i, path
		p.Go(func() error {
			out, err := r.Reproject(ctx, path)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return outs, nil
}
