package stitcher

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/golang/snappy"
)

// DefaultSubtileSize is the edge length of the statistics grid cells.
const DefaultSubtileSize = 64

// A SubtileStat summarizes one band of one fixed-size cell of a raster.
type SubtileStat struct {
	Band          int
	Row, Col      int
	OffsetX       int
	OffsetY       int
	Width, Height int
	Min, Max      float64
	Mean          float64
	// ValidFraction is the share of cell pixels carrying a non-nodata value.
	ValidFraction float64
}

// SubtileStats partitions the raster into tileSize x tileSize cells (edge
// cells may be smaller) and computes per-band statistics for each.
func SubtileStats(path string, tileSize int) ([]SubtileStat, error) {
	if tileSize <= 0 {
		tileSize = DefaultSubtileSize
	}
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close() //nolint:errcheck

	st := ds.Structure()
	var stats []SubtileStat
	buf := make([]float64, tileSize*tileSize)
	for bi, band := range ds.Bands() {
		nodata, hasNoData := band.NoData()
		for y, row := 0, 0; y < st.SizeY; y, row = y+tileSize, row+1 {
			h := tileSize
			if y+h > st.SizeY {
				h = st.SizeY - y
			}
			for x, col := 0, 0; x < st.SizeX; x, col = x+tileSize, col+1 {
				w := tileSize
				if x+w > st.SizeX {
					w = st.SizeX - x
				}
				cell := buf[:w*h]
				if err := band.Read(x, y, cell, w, h); err != nil {
					return nil, fmt.Errorf("read %s band %d at %d,%d: %w", path, bi+1, x, y, err)
				}
				s := SubtileStat{
					Band: bi + 1, Row: row, Col: col,
					OffsetX: x, OffsetY: y, Width: w, Height: h,
					Min: math.Inf(1), Max: math.Inf(-1),
				}
				valid := 0
				sum := 0.0
				for _, v := range cell {
					if hasNoData && sampleIs(v, nodata) {
						continue
					}
					valid++
					sum += v
					if v < s.Min {
						s.Min = v
					}
					if v > s.Max {
						s.Max = v
					}
				}
				if valid > 0 {
					s.Mean = sum / float64(valid)
				} else {
					s.Min, s.Max = 0, 0
				}
				s.ValidFraction = float64(valid) / float64(w*h)
				stats = append(stats, s)
			}
		}
	}
	return stats, nil
}

// WriteStatsCSV writes the statistics table.
func WriteStatsCSV(stats []SubtileStat, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	record := []string{"band", "row", "col", "offset_x", "offset_y", "width", "height",
		"min", "max", "mean", "valid_fraction"}
	if err := w.Write(record); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, s := range stats {
		record = record[:0]
		record = append(record,
			strconv.Itoa(s.Band), strconv.Itoa(s.Row), strconv.Itoa(s.Col),
			strconv.Itoa(s.OffsetX), strconv.Itoa(s.OffsetY),
			strconv.Itoa(s.Width), strconv.Itoa(s.Height),
			formatFloat(s.Min), formatFloat(s.Max), formatFloat(s.Mean),
			formatFloat(s.ValidFraction))
		if err := w.Write(record); err != nil {
			f.Close() //nolint:errcheck
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteStatsData writes the per-cell mean values as a snappy-compressed
// little-endian float64 blob, in table order.
func WriteStatsData(stats []SubtileStat, path string) error {
	raw := make([]byte, 8*len(stats))
	for i, s := range stats {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(s.Mean))
	}
	if err := os.WriteFile(path, snappy.Encode(nil, raw), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
