package stitcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

// A TileCollection is the immutable result of scanning a directory for raster
// tiles. Paths are sorted, and each one has been validated as a parseable
// TIFF at scan time. Re-scanning requires a new Scan call.
type TileCollection struct {
	Dir   string
	Paths []string

	crsOnce sync.Once
	crs     []string
	crsErr  error
}

// Scan lists the raster tiles of dir, optionally descending into
// subdirectories. The pipeline's own output artifacts (the mosaic and the
// clipped mosaic) are never admitted, so a re-run over the same directory
// cannot ingest a stale result. Subdirectories named in skipDirs are not
// descended into; the orchestrator uses this to keep reprojection output
// directories of earlier runs out of the catalog. Fails with ErrNotFound if
// dir does not exist and with ErrEmptyCollection if no .tif/.tiff files are
// present.
func Scan(dir string, recursive bool, skipDirs ...string) (*TileCollection, error) {
	fi, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("scan %s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("scan %s: not a directory: %w", dir, ErrNotFound)
	}

	skip := map[string]bool{}
	for _, d := range skipDirs {
		skip[d] = true
	}

	var paths []string
	if recursive {
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir && skip[d.Name()] {
					return fs.SkipDir
				}
				return nil
			}
			if isRasterFile(path) {
				paths = append(paths, path)
			}
			return nil
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(dir)
		for _, e := range entries {
			if !e.IsDir() && isRasterFile(e.Name()) {
				paths = append(paths, filepath.Join(dir, e.Name()))
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("scan %s: %w", dir, ErrEmptyCollection)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := checkTIFFHeader(p); err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	return &TileCollection{Dir: dir, Paths: paths}, nil
}

func (c *TileCollection) Len() int { return len(c.Paths) }

// DistinctCRS opens each tile far enough to read its CRS header (no pixel
// I/O) and returns the deduplicated, sorted set. The result is computed once
// and cached.
func (c *TileCollection) DistinctCRS() ([]string, error) {
	c.crsOnce.Do(func() {
		seen := map[string]bool{}
		for _, p := range c.Paths {
			ds, err := godal.Open(p, godal.RasterOnly())
			if err != nil {
				c.crsErr = fmt.Errorf("open %s: %w", p, err)
				return
			}
			name := crsName(ds.SpatialRef())
			if err := ds.Close(); err != nil {
				c.crsErr = fmt.Errorf("close %s: %w", p, err)
				return
			}
			if !seen[name] {
				seen[name] = true
				c.crs = append(c.crs, name)
			}
		}
		sort.Strings(c.crs)
	})
	return c.crs, c.crsErr
}

func isRasterFile(path string) bool {
	base := filepath.Base(path)
	// the merge and clip outputs carry fixed names; they are results, never
	// inputs
	if base == MosaicFilename || base == ClippedFilename {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}

func checkTIFFHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck
	if _, err := tiff.Parse(f, nil, nil); err != nil {
		return fmt.Errorf("parse tiff %s: %w", path, err)
	}
	return nil
}
