package stitcher

import (
	"fmt"
	"os"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ClipToBoundary crops a mosaic to the bounding box of a GeoJSON boundary.
// The boundary must be expressed in the mosaic's CRS. Accepts a
// FeatureCollection, a single Feature or a bare geometry.
func ClipToBoundary(srcPath string, boundary []byte, outPath string) (string, error) {
	geom, err := decodeBoundary(boundary)
	if err != nil {
		return "", fmt.Errorf("decode boundary: %w", err)
	}
	b := geom.Bound()
	return ClipToBounds(srcPath, Bounds{West: b.Min[0], South: b.Min[1], East: b.Max[0], North: b.Max[1]}, outPath)
}

// ClipToBounds crops srcPath to the given extent, preserving CRS, bands and
// nodata. A boundary disjoint from the raster is an error and no output file
// is written.
func ClipToBounds(srcPath string, b Bounds, outPath string) (string, error) {
	src, err := OpenTile(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close() //nolint:errcheck

	if b.West >= b.East || b.South >= b.North {
		return "", fmt.Errorf("clip %s: degenerate bounds %s", srcPath, b)
	}
	if !src.Bounds.Intersects(b) {
		return "", fmt.Errorf("clip %s: bounds %s do not intersect raster %s", srcPath, b, src.Bounds)
	}

	switches := []string{
		"-projwin",
		fmt.Sprintf("%g", b.West), fmt.Sprintf("%g", b.North),
		fmt.Sprintf("%g", b.East), fmt.Sprintf("%g", b.South),
	}
	ds, err := src.Dataset().Translate(outPath, switches, godal.GTiff)
	if err != nil {
		os.Remove(outPath) //nolint:errcheck
		return "", fmt.Errorf("clip %s: %w", srcPath, err)
	}
	if err := ds.Close(); err != nil {
		os.Remove(outPath) //nolint:errcheck
		return "", fmt.Errorf("close %s: %w", outPath, err)
	}
	return outPath, nil
}

func decodeBoundary(raw []byte) (orb.Geometry, error) {
	if fc, err := geojson.UnmarshalFeatureCollection(raw); err == nil && len(fc.Features) > 0 {
		return fc.Features[0].Geometry, nil
	}
	if f, err := geojson.UnmarshalFeature(raw); err == nil {
		return f.Geometry, nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}

// WriteCOG rewrites a raster with a cloud-optimized internal layout (tiled,
// compressed, with overviews). Used on the clipped mosaic before upload when
// downstream consumers read ranges straight from the bucket.
func WriteCOG(srcPath, outPath string) (string, error) {
	src, err := godal.Open(srcPath, godal.RasterOnly())
	if err != nil {
		return "", fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close() //nolint:errcheck

	ds, err := src.Translate(outPath, nil, godal.GTiff, godal.CreationOption(
		"TILED=YES", "BLOCKXSIZE=256", "BLOCKYSIZE=256", "COMPRESS=DEFLATE"))
	if err != nil {
		os.Remove(outPath) //nolint:errcheck
		return "", fmt.Errorf("translate %s: %w", outPath, err)
	}
	if err := ds.BuildOverviews(godal.Levels(2, 4, 8)); err != nil {
		ds.Close()         //nolint:errcheck
		os.Remove(outPath) //nolint:errcheck
		return "", fmt.Errorf("build overviews %s: %w", outPath, err)
	}
	if err := ds.Close(); err != nil {
		os.Remove(outPath) //nolint:errcheck
		return "", fmt.Errorf("close %s: %w", outPath, err)
	}
	return outPath, nil
}
