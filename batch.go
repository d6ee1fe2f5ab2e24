package stitcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tbonfort/gobs"
	"go.airbusds-geo.com/log"
)

// Artifact names produced for every processed unit.
const (
	ClippedFilename   = "stitched_clipped.tif"
	StatsCSVFilename  = "subtiles.csv"
	StatsDataFilename = "subtiles.dat"
	// BoundaryFilename is the optional per-project clip boundary stored at
	// <project>/boundary.geojson in the source bucket.
	BoundaryFilename = "boundary.geojson"
)

// A Unit is one independent batch work item: all tiles of one project
// acquired on one date.
type Unit struct {
	Project string
	Date    string
}

func (u Unit) String() string { return u.Project + "/" + u.Date }

func (u Unit) prefix() string { return u.Project + "/" + u.Date + "/" }

type UnitStatus int

const (
	StatusSuccess UnitStatus = iota
	// StatusPartial means the raster work completed and some, but not all,
	// artifact uploads succeeded. A unit with no uploaded artifact at all is
	// failed, not partial.
	StatusPartial
	StatusFailed
)

func (s UnitStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	default:
		return "failed"
	}
}

// UnitResult is the structured per-unit report of a batch run.
type UnitResult struct {
	Unit     Unit
	Status   UnitStatus
	Uploaded []string
	Err      error
}

// A Batch runs the end-to-end workflow over many units: fetch tiles from the
// source bucket, normalize and merge, clip to the project boundary, compute
// sub-tile statistics, upload the artifacts and reclaim the local scratch
// space.
type Batch struct {
	Config   Config
	Source   ObjectStore
	Dest     ObjectStore
	Pipeline *Pipeline
}

func NewBatch(cfg Config, src, dst ObjectStore) *Batch {
	return &Batch{
		Config:   cfg,
		Source:   src,
		Dest:     dst,
		Pipeline: NewPipeline(cfg),
	}
}

// Run distributes the units over a fixed-size worker pool. A failing unit is
// recorded in its result and never aborts its siblings.
func (b *Batch) Run(ctx context.Context, units []Unit) []UnitResult {
	workers := b.Config.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	results := make([]UnitResult, len(units))
	p := gobs.NewPool(workers)
	batch := p.Batch()
	for i, u := range units {
		i, u := i, u
		batch.Submit(func() error {
			results[i] = b.runUnit(ctx, u)
			return nil
		})
	}
	batch.Wait() //nolint:errcheck
	return results
}

func (b *Batch) runUnit(ctx context.Context, u Unit) UnitResult {
	lg := log.Logger(ctx).Sugar()
	res := UnitResult{Unit: u}
	fail := func(err error) UnitResult {
		lg.Errorf("unit %s: %v", u, err)
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	workdir := filepath.Join(b.Config.DataDir, u.Project, u.Date)
	// Scratch reclamation is unconditional: it is not a correctness gate and
	// runs even when some uploads failed.
	defer os.RemoveAll(workdir) //nolint:errcheck

	if _, err := os.Stat(workdir); os.IsNotExist(err) {
		lg.Infof("downloading %s to %s", u, workdir)
		if err := b.downloadUnit(ctx, u, workdir); err != nil {
			return fail(err)
		}
	}

	mosaic, err := b.Pipeline.Run(ctx, workdir)
	if err != nil {
		return fail(fmt.Errorf("pipeline %s: %w", u, err))
	}

	clipped := filepath.Join(workdir, ClippedFilename)
	boundary, err := b.loadBoundary(ctx, u, workdir)
	if err != nil {
		return fail(fmt.Errorf("boundary %s: %w", u, err))
	}
	if boundary != nil {
		if _, err := ClipToBoundary(mosaic, boundary, clipped); err != nil {
			return fail(fmt.Errorf("clip %s: %w", u, err))
		}
	} else {
		// No boundary on record: ship the full mosaic extent.
		m, err := OpenTile(mosaic)
		if err != nil {
			return fail(err)
		}
		bounds := m.Bounds
		m.Close() //nolint:errcheck
		if _, err := ClipToBounds(mosaic, bounds, clipped); err != nil {
			return fail(fmt.Errorf("clip %s: %w", u, err))
		}
	}

	stats, err := SubtileStats(clipped, DefaultSubtileSize)
	if err != nil {
		return fail(fmt.Errorf("stats %s: %w", u, err))
	}
	csvPath := filepath.Join(workdir, StatsCSVFilename)
	if err := WriteStatsCSV(stats, csvPath); err != nil {
		return fail(err)
	}
	dataPath := filepath.Join(workdir, StatsDataFilename)
	if err := WriteStatsData(stats, dataPath); err != nil {
		return fail(err)
	}

	failures := 0
	for _, local := range []string{clipped, csvPath, dataPath} {
		outcome := UploadWithRetry(ctx, b.Dest, local, u.prefix()+filepath.Base(local))
		if outcome.Success() {
			res.Uploaded = append(res.Uploaded, outcome.Key)
		} else {
			failures++
			if res.Err == nil {
				res.Err = outcome.Err
			}
		}
	}
	switch {
	case failures == 0:
		res.Status = StatusSuccess
	case len(res.Uploaded) == 0:
		res.Status = StatusFailed
		lg.Errorf("unit %s: all uploads failed", u)
	default:
		res.Status = StatusPartial
		lg.Warnf("unit %s: %d of 3 uploads failed", u, failures)
	}
	return res
}

func (b *Batch) downloadUnit(ctx context.Context, u Unit, workdir string) error {
	keys, err := b.Source.List(ctx, u.prefix())
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("unit %s: %w", u, ErrEmptyCollection)
	}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, u.prefix())
		if rel == "" {
			continue
		}
		if err := b.Source.Download(ctx, key, filepath.Join(workdir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// loadBoundary fetches the project clip boundary, or nil when the project has
// none.
func (b *Batch) loadBoundary(ctx context.Context, u Unit, workdir string) ([]byte, error) {
	key := u.Project + "/" + BoundaryFilename
	keys, err := b.Source.List(ctx, key)
	if err != nil {
		return nil, err
	}
	found := false
	for _, k := range keys {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}
	local := filepath.Join(workdir, BoundaryFilename)
	if err := b.Source.Download(ctx, key, local); err != nil {
		return nil, err
	}
	return os.ReadFile(local)
}

// PendingUnits lists the units present in the source bucket that have no
// clipped mosaic in the destination bucket yet.
func PendingUnits(ctx context.Context, src, dst ObjectStore) ([]Unit, error) {
	downloaded, err := unitsWithArtifact(ctx, src, "result-")
	if err != nil {
		return nil, fmt.Errorf("list source units: %w", err)
	}
	processed, err := unitsWithArtifact(ctx, dst, "stitched_clipped")
	if err != nil {
		return nil, fmt.Errorf("list processed units: %w", err)
	}
	var pending []Unit
	for u := range downloaded {
		if !processed[u] {
			pending = append(pending, u)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Project != pending[j].Project {
			return pending[i].Project < pending[j].Project
		}
		return pending[i].Date < pending[j].Date
	})
	return pending, nil
}

// unitsWithArtifact scans a bucket's <project>/<date>/<file> hierarchy and
// returns the units owning at least one file matching filePrefix.
func unitsWithArtifact(ctx context.Context, store ObjectStore, filePrefix string) (map[Unit]bool, error) {
	keys, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	units := map[Unit]bool{}
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) < 3 {
			continue
		}
		if strings.HasPrefix(parts[len(parts)-1], filePrefix) {
			units[Unit{Project: parts[0], Date: parts[1]}] = true
		}
	}
	return units, nil
}
