package stitcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.airbusds-geo.com/log"
)

// A Pipeline normalizes a directory of raster tiles to one CRS and merges
// them into a single mosaic.
type Pipeline struct {
	Reprojector *Reprojector
	Merge       MergeOptions
	// Recursive makes the scan descend into subdirectories.
	Recursive bool
}

func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		Reprojector: NewReprojector(cfg.TargetCRS),
	}
}

// Run scans sourceDir, reprojects every tile into the target CRS and merges
// the results. The scan is strictly sequential and complete before the
// reprojection fan-out starts, since the distinct CRS set must be known up
// front. Returns the mosaic path.
func (p *Pipeline) Run(ctx context.Context, sourceDir string) (string, error) {
	lg := log.Logger(ctx).Sugar()

	// reprojection output directories of earlier runs are results, not inputs
	coll, err := Scan(sourceDir, p.Recursive, sanitizeCRS(p.Reprojector.TargetCRS))
	if err != nil {
		return "", err
	}
	crss, err := coll.DistinctCRS()
	if err != nil {
		return "", fmt.Errorf("catalog %s: %w", sourceDir, err)
	}
	lg.Infof("found %d tiles in %s (crs: %s)", coll.Len(), sourceDir, strings.Join(crss, ", "))

	start := time.Now()
	reprojected, err := p.Reprojector.ReprojectAll(ctx, coll)
	if err != nil {
		return "", err
	}
	lg.Infof("reprojected %d tiles to %s in %.1fs",
		len(reprojected), p.Reprojector.TargetCRS, time.Since(start).Seconds())

	opts := p.Merge
	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(sourceDir, MosaicFilename)
	}
	start = time.Now()
	mosaic, err := Merge(reprojected, &opts)
	if err != nil {
		return "", err
	}
	lg.Infof("merged %d tiles into %s in %.1fs",
		len(reprojected), mosaic, time.Since(start).Seconds())
	return mosaic, nil
}
