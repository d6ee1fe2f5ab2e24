package stitcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// webMercatorMetersPerDegree is the EPSG:3857 easting of one degree of
// longitude at the equator.
const webMercatorMetersPerDegree = 111319.49079327358

func TestPipelineMixedCRSDirectory(t *testing.T) {
	dir := t.TempDir()
	// three tiles in EPSG:4326, side by side along the equator
	for i, name := range []string{"a1.tiff", "a2.tiff", "a3.tiff"} {
		makeTile(t, filepath.Join(dir, name), 4326, float64(i)*0.04, 0.04, 0.01, 4, 4, 1, float64(i+1), float64Ptr(0))
	}
	// two tiles in EPSG:3857 continuing east of them
	for i, name := range []string{"b1.tiff", "b2.tiff"} {
		west := (0.12 + float64(i)*0.04) * webMercatorMetersPerDegree
		res := 0.01 * webMercatorMetersPerDegree
		makeTile(t, filepath.Join(dir, name), 3857, west, 4*res, res, 4, 4, 1, float64(i+4), float64Ptr(0))
	}

	coll, err := Scan(dir, false)
	require.NoError(t, err)
	crss, err := coll.DistinctCRS()
	require.NoError(t, err)
	assert.Equal(t, []string{"EPSG:3857", "EPSG:4326"}, crss)

	r := NewReprojector("EPSG:4326")
	outs, err := r.ReprojectAll(context.Background(), coll)
	require.NoError(t, err)
	require.Len(t, outs, 5)
	for _, out := range outs {
		tile, err := OpenTile(out)
		require.NoError(t, err)
		assert.Equalf(t, "EPSG:4326", tile.CRS, "%s must not stay in its source CRS", out)
		require.NoError(t, tile.Close())
	}
}

func TestPipelineRunProducesMosaic(t *testing.T) {
	dir := t.TempDir()
	makeTile(t, filepath.Join(dir, "a.tiff"), 4326, 0, 0.04, 0.01, 4, 4, 1, 1, float64Ptr(0))
	makeTile(t, filepath.Join(dir, "b.tiff"), 4326, 0.04, 0.04, 0.01, 4, 4, 1, 2, float64Ptr(0))

	p := NewPipeline(Config{TargetCRS: "EPSG:4326", WorkerPoolSize: 2, DataDir: dir})
	mosaic, err := p.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, MosaicFilename), mosaic)

	m, err := OpenTile(mosaic)
	require.NoError(t, err)
	defer m.Close() //nolint:errcheck
	assert.Equal(t, 8, m.Width)
	assert.Equal(t, 4, m.Height)
	assert.InDelta(t, 0.0, m.Bounds.West, 1e-9)
	assert.InDelta(t, 0.08, m.Bounds.East, 1e-9)
}

func TestPipelineRerunIgnoresPreviousOutputs(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tiff")
	b := filepath.Join(dir, "b.tiff")
	makeTile(t, a, 4326, 0, 0.04, 0.01, 4, 4, 1, 1, float64Ptr(0))
	makeTile(t, b, 4326, 0.04, 0.04, 0.01, 4, 4, 1, 2, float64Ptr(0))

	p := NewPipeline(Config{TargetCRS: "EPSG:4326", WorkerPoolSize: 2, DataDir: dir})
	mosaic, err := p.Run(context.Background(), dir)
	require.NoError(t, err)
	m, err := OpenTile(mosaic)
	require.NoError(t, err)
	assert.Equal(t, 8, m.Width)
	require.NoError(t, m.Close())

	// a source tile disappears between runs; the stale mosaic in the source
	// directory must not stand in for it
	require.NoError(t, os.Remove(b))
	mosaic, err = p.Run(context.Background(), dir)
	require.NoError(t, err)
	m, err = OpenTile(mosaic)
	require.NoError(t, err)
	defer m.Close() //nolint:errcheck
	assert.Equal(t, 4, m.Width)
	assert.InDelta(t, 0.04, m.Bounds.East, 1e-9)
}

func TestPipelineRecursiveRerunSkipsWarpedCopies(t *testing.T) {
	dir := t.TempDir()
	makeTile(t, filepath.Join(dir, "a.tiff"), 4326, 0, 0.04, 0.01, 4, 4, 1, 1, float64Ptr(0))
	makeTile(t, filepath.Join(dir, "b.tiff"), 4326, 0.04, 0.04, 0.01, 4, 4, 1, 2, float64Ptr(0))

	p := NewPipeline(Config{TargetCRS: "EPSG:4326", WorkerPoolSize: 2, DataDir: dir})
	p.Recursive = true
	for run := 0; run < 2; run++ {
		mosaic, err := p.Run(context.Background(), dir)
		require.NoError(t, err)
		m, err := OpenTile(mosaic)
		require.NoError(t, err)
		assert.Equal(t, 8, m.Width)
		require.NoError(t, m.Close())
	}
	// warped copies of the first run were not re-ingested as inputs
	_, err := os.Stat(filepath.Join(dir, "EPSG4326", "EPSG4326"))
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineRunMissingDirectory(t *testing.T) {
	p := NewPipeline(DefaultConfig())
	_, err := p.Run(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipelineRunEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.bin"), []byte("x"), 0o644))
	p := NewPipeline(DefaultConfig())
	_, err := p.Run(context.Background(), dir)
	assert.ErrorIs(t, err, ErrEmptyCollection)
}
