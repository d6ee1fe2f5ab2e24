package stitcher

import (
	"fmt"

	"github.com/airbusgeo/godal"
)

// Bounds is a west/south/east/north spatial extent in the units of the
// raster's CRS.
type Bounds struct {
	West, South, East, North float64
}

func (b Bounds) Union(o Bounds) Bounds {
	if o.West < b.West {
		b.West = o.West
	}
	if o.South < b.South {
		b.South = o.South
	}
	if o.East > b.East {
		b.East = o.East
	}
	if o.North > b.North {
		b.North = o.North
	}
	return b
}

func (b Bounds) Intersects(o Bounds) bool {
	return b.West < o.East && o.West < b.East && b.South < o.North && o.South < b.North
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%g %g %g %g]", b.West, b.South, b.East, b.North)
}

// A Tile is a single read-only raster file. The underlying dataset stays open
// until Close is called; pixel data is only read by consumers that ask for it.
type Tile struct {
	Path         string
	CRS          string
	GeoTransform [6]float64
	Width        int
	Height       int
	Bands        int
	DataType     godal.DataType
	NoData       float64
	HasNoData    bool
	Bounds       Bounds

	ds *godal.Dataset
}

// OpenTile opens path and reads its georeferencing headers. Degenerate
// rasters (empty grid, inverted or rotated geotransform) are rejected.
func OpenTile(path string) (*Tile, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	t, err := newTile(path, ds)
	if err != nil {
		ds.Close() //nolint:errcheck
		return nil, err
	}
	return t, nil
}

func newTile(path string, ds *godal.Dataset) (*Tile, error) {
	st := ds.Structure()
	if st.SizeX <= 0 || st.SizeY <= 0 || st.NBands == 0 {
		return nil, fmt.Errorf("%s: empty raster (%dx%d, %d bands)", path, st.SizeX, st.SizeY, st.NBands)
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("%s: read geotransform: %w", path, err)
	}
	if gt[2] != 0 || gt[4] != 0 {
		return nil, fmt.Errorf("%s: rotated geotransform not supported", path)
	}
	b := Bounds{
		West:  gt[0],
		North: gt[3],
		East:  gt[0] + float64(st.SizeX)*gt[1],
		South: gt[3] + float64(st.SizeY)*gt[5],
	}
	if b.West >= b.East || b.South >= b.North {
		return nil, fmt.Errorf("%s: degenerate bounds %s", path, b)
	}
	t := &Tile{
		Path:         path,
		CRS:          crsName(ds.SpatialRef()),
		GeoTransform: gt,
		Width:        st.SizeX,
		Height:       st.SizeY,
		Bands:        st.NBands,
		DataType:     st.DataType,
		Bounds:       b,
		ds:           ds,
	}
	t.NoData, t.HasNoData = ds.Bands()[0].NoData()
	return t, nil
}

// ResX returns the pixel width in CRS units.
func (t *Tile) ResX() float64 { return t.GeoTransform[1] }

// ResY returns the pixel height in CRS units, as a positive value.
func (t *Tile) ResY() float64 { return -t.GeoTransform[5] }

// Dataset exposes the underlying godal dataset for pixel access. It is only
// valid until Close.
func (t *Tile) Dataset() *godal.Dataset { return t.ds }

func (t *Tile) Close() error {
	if t.ds == nil {
		return nil
	}
	err := t.ds.Close()
	t.ds = nil
	return err
}

// crsName normalizes a spatial reference to an authority identifier such as
// "EPSG:3857", falling back to the full WKT when no authority is registered.
func crsName(sr *godal.SpatialRef) string {
	if sr == nil {
		return ""
	}
	an, ac := sr.AuthorityName(""), sr.AuthorityCode("")
	if an != "" && ac != "" {
		return an + ":" + ac
	}
	wkt, err := sr.WKT()
	if err != nil {
		return ""
	}
	return wkt
}
