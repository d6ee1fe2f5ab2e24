package stitcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tileBytes renders a small valid GeoTIFF and returns its raw contents, for
// seeding fake bucket objects.
func tileBytes(t *testing.T, west, north float64, fill float64) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.tiff")
	makeTile(t, path, 4326, west, north, 0.01, 4, 4, 1, fill, float64Ptr(0))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

func testBatch(t *testing.T, src, dst *fakeStore) *Batch {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.TargetCRS = "EPSG:4326"
	cfg.WorkerPoolSize = 2
	return NewBatch(cfg, src, dst)
}

func seedUnit(t *testing.T, store *fakeStore, u Unit) {
	t.Helper()
	store.objects[u.prefix()+"result-a.tiff"] = tileBytes(t, 0, 0.04, 1)
	store.objects[u.prefix()+"result-b.tiff"] = tileBytes(t, 0.04, 0.04, 2)
}

func TestBatchUnitSuccess(t *testing.T) {
	fastRetries(t)
	src, dst := newFakeStore(), newFakeStore()
	u := Unit{Project: "p1", Date: "2020-06-01"}
	seedUnit(t, src, u)

	b := testBatch(t, src, dst)
	results := b.Run(context.Background(), []Unit{u})
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NoError(t, res.Err)
	assert.ElementsMatch(t, []string{
		"p1/2020-06-01/" + ClippedFilename,
		"p1/2020-06-01/" + StatsCSVFilename,
		"p1/2020-06-01/" + StatsDataFilename,
	}, res.Uploaded)
	assert.NotEmpty(t, dst.uploaded["p1/2020-06-01/"+ClippedFilename])

	// scratch space is reclaimed
	_, err := os.Stat(filepath.Join(b.Config.DataDir, "p1", "2020-06-01"))
	assert.True(t, os.IsNotExist(err))
}

func TestBatchUploadFailureDoesNotBlockSiblings(t *testing.T) {
	fastRetries(t)
	src, dst := newFakeStore(), newFakeStore()
	bad := Unit{Project: "p1", Date: "2020-06-01"}
	good := Unit{Project: "p2", Date: "2020-07-01"}
	seedUnit(t, src, bad)
	seedUnit(t, src, good)
	// every upload of the bad unit fails more often than the retry budget
	for _, name := range []string{ClippedFilename, StatsCSVFilename, StatsDataFilename} {
		dst.failUploads[bad.prefix()+name] = 5
	}

	b := testBatch(t, src, dst)
	results := b.Run(context.Background(), []Unit{bad, good})
	require.Len(t, results, 2)

	// no artifact made it out, so the unit is failed outright
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrRetryExhausted)
	assert.Empty(t, results[0].Uploaded)

	assert.Equal(t, StatusSuccess, results[1].Status)
	assert.Len(t, results[1].Uploaded, 3)

	// local scratch is reclaimed regardless of upload failures
	_, err := os.Stat(filepath.Join(b.Config.DataDir, "p1"))
	assert.True(t, os.IsNotExist(err) || err == nil)
	_, err = os.Stat(filepath.Join(b.Config.DataDir, "p1", "2020-06-01"))
	assert.True(t, os.IsNotExist(err))
}

func TestBatchPartialUpload(t *testing.T) {
	fastRetries(t)
	src, dst := newFakeStore(), newFakeStore()
	u := Unit{Project: "p1", Date: "2020-06-01"}
	seedUnit(t, src, u)
	// only the stats table upload keeps failing
	dst.failUploads[u.prefix()+StatsCSVFilename] = 5

	b := testBatch(t, src, dst)
	results := b.Run(context.Background(), []Unit{u})
	require.Len(t, results, 1)
	assert.Equal(t, StatusPartial, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrRetryExhausted)
	assert.ElementsMatch(t, []string{
		u.prefix() + ClippedFilename,
		u.prefix() + StatsDataFilename,
	}, results[0].Uploaded)
}

func TestBatchUnitWithNoTiles(t *testing.T) {
	fastRetries(t)
	src, dst := newFakeStore(), newFakeStore()
	u := Unit{Project: "p1", Date: "2020-06-01"}
	b := testBatch(t, src, dst)
	results := b.Run(context.Background(), []Unit{u})
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrEmptyCollection)
}

func TestBatchClipsToBoundary(t *testing.T) {
	fastRetries(t)
	src, dst := newFakeStore(), newFakeStore()
	u := Unit{Project: "p1", Date: "2020-06-01"}
	seedUnit(t, src, u)
	src.objects["p1/"+BoundaryFilename] = []byte(`{
		"type": "Feature",
		"geometry": {
			"type": "Polygon",
			"coordinates": [[[0.01,0.01],[0.05,0.01],[0.05,0.03],[0.01,0.03],[0.01,0.01]]]
		}
	}`)

	b := testBatch(t, src, dst)
	results := b.Run(context.Background(), []Unit{u})
	require.Len(t, results, 1)
	require.Equal(t, StatusSuccess, results[0].Status)

	raw := dst.uploaded[u.prefix()+ClippedFilename]
	require.NotEmpty(t, raw)
	clipped := filepath.Join(t.TempDir(), "clipped.tif")
	require.NoError(t, os.WriteFile(clipped, raw, 0o644))
	tile, err := OpenTile(clipped)
	require.NoError(t, err)
	defer tile.Close() //nolint:errcheck
	assert.InDelta(t, 0.01, tile.Bounds.West, 1e-9)
	assert.InDelta(t, 0.05, tile.Bounds.East, 1e-9)
	assert.InDelta(t, 0.03, tile.Bounds.North, 1e-9)
}

func TestPendingUnits(t *testing.T) {
	src, dst := newFakeStore(), newFakeStore()
	src.objects["p1/d1/result-a.tiff"] = []byte("x")
	src.objects["p1/d2/result-a.tiff"] = []byte("x")
	src.objects["p2/d1/result-a.tiff"] = []byte("x")
	src.objects["p2/d1/other.txt"] = []byte("x")
	src.objects["p3/d1/noresult.tiff"] = []byte("x")
	src.objects["toplevel.txt"] = []byte("x")
	dst.objects["p1/d1/stitched_clipped.tif"] = []byte("x")

	pending, err := PendingUnits(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, []Unit{
		{Project: "p1", Date: "d2"},
		{Project: "p2", Date: "d1"},
	}, pending)
}
