package raster

import (
	"fmt"
	"math"
)

// SampleStatus classifies a depth lookup.
type SampleStatus int

const (
	// SampleWet means the point hit a cell holding a positive depth.
	SampleWet SampleStatus = iota
	// SampleDry means the cell is nodata, NaN or non-positive.
	SampleDry
	// SampleOutside means the point falls outside the grid.
	SampleOutside
)

// Hazard samples a grid at WGS84 coordinates.
type Hazard struct {
	grid    *Grid
	inverse GeoTransform
	toGrid  Transformer
}

// NewHazard prepares a grid for point sampling. fromWGS84 reprojects
// lon/lat into the grid's reference system; pass nil when the grid is
// already geographic.
func NewHazard(g *Grid, fromWGS84 Transformer) (*Hazard, error) {
	inv, err := g.Transform.Invert()
	if err != nil {
		return nil, fmt.Errorf("prepare hazard %s: %w", g.Name, err)
	}
	if fromWGS84 == nil || g.EPSG == WGS84 {
		fromWGS84 = Identity{}
	}
	return &Hazard{grid: g, inverse: inv, toGrid: fromWGS84}, nil
}

// Sample looks up the cell under (lon, lat).
func (h *Hazard) Sample(lon, lat float64) (float64, SampleStatus) {
	xs, ys := []float64{lon}, []float64{lat}
	if err := h.toGrid.Transform(xs, ys); err != nil {
		return 0, SampleOutside
	}

	px, py := h.inverse.Apply(xs[0], ys[0])
	if math.IsNaN(px) || math.IsNaN(py) {
		return 0, SampleOutside
	}
	col, row := int(math.Floor(px)), int(math.Floor(py))
	if col < 0 || row < 0 || col >= h.grid.Width || row >= h.grid.Height {
		return 0, SampleOutside
	}

	v := h.grid.At(col, row)
	if !h.grid.Valid(v) {
		return v, SampleDry
	}
	return v, SampleWet
}
