package raster

import (
	"fmt"
	"math"
)

// Footprint returns the WGS84 bounding box of the grid's valid cells.
func Footprint(g *Grid, toWGS84 Transformer) (Bounds, error) {
	if !g.HasCRS {
		return Bounds{}, fmt.Errorf("footprint %s: %w", g.Name, ErrNoCRS)
	}

	minCol, minRow := g.Width, g.Height
	maxCol, maxRow := -1, -1
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			if !g.Valid(g.At(col, row)) {
				continue
			}
			if col < minCol {
				minCol = col
			}
			if col > maxCol {
				maxCol = col
			}
			if row < minRow {
				minRow = row
			}
			if row > maxRow {
				maxRow = row
			}
		}
	}
	if maxCol < 0 {
		return Bounds{}, &NoValidDataError{Name: g.Name}
	}

	return pixelBoundsToWGS84(g.Transform, float64(minCol), float64(minRow),
		float64(maxCol+1), float64(maxRow+1), toWGS84)
}

// Extent returns the WGS84 bounding box of the whole grid.
func Extent(g *Grid, toWGS84 Transformer) (Bounds, error) {
	if !g.HasCRS {
		return Bounds{}, fmt.Errorf("extent %s: %w", g.Name, ErrNoCRS)
	}
	return pixelBoundsToWGS84(g.Transform, 0, 0, float64(g.Width), float64(g.Height), toWGS84)
}

func pixelBoundsToWGS84(gt GeoTransform, c0, r0, c1, r1 float64, toWGS84 Transformer) (Bounds, error) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range [][2]float64{{c0, r0}, {c1, r0}, {c0, r1}, {c1, r1}} {
		x, y := gt.Apply(p[0], p[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return TransformBounds(minX, minY, maxX, maxY, toWGS84, DensifyPoints)
}

// TransformBounds reprojects a box by densifying each edge with densify
// intermediate points and taking the envelope of the transformed points.
func TransformBounds(minX, minY, maxX, maxY float64, t Transformer, densify int) (Bounds, error) {
	xs, ys := densifyEdges(minX, minY, maxX, maxY, densify)
	if err := t.Transform(xs, ys); err != nil {
		return Bounds{}, fmt.Errorf("transform bounds: %w", err)
	}

	b := Bounds{
		MinLon: math.Inf(1), MinLat: math.Inf(1),
		MaxLon: math.Inf(-1), MaxLat: math.Inf(-1),
	}
	for i := range xs {
		if math.IsInf(xs[i], 0) || math.IsNaN(xs[i]) || math.IsInf(ys[i], 0) || math.IsNaN(ys[i]) {
			continue
		}
		b.MinLon = math.Min(b.MinLon, xs[i])
		b.MaxLon = math.Max(b.MaxLon, xs[i])
		b.MinLat = math.Min(b.MinLat, ys[i])
		b.MaxLat = math.Max(b.MaxLat, ys[i])
	}
	if b.Empty() {
		return Bounds{}, fmt.Errorf("transform bounds: no finite points")
	}
	return b, nil
}

// densifyEdges walks the rectangle boundary counter-clockwise, emitting the
// corners plus densify evenly spaced points on every edge.
func densifyEdges(minX, minY, maxX, maxY float64, densify int) ([]float64, []float64) {
	if densify < 0 {
		densify = 0
	}
	steps := densify + 1
	corners := [][2]float64{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}}

	xs := make([]float64, 0, 4*steps)
	ys := make([]float64, 0, 4*steps)
	for i := 0; i < 4; i++ {
		a, b := corners[i], corners[(i+1)%4]
		for s := 0; s < steps; s++ {
			f := float64(s) / float64(steps)
			xs = append(xs, a[0]+(b[0]-a[0])*f)
			ys = append(ys, a[1]+(b[1]-a[1])*f)
		}
	}
	return xs, ys
}
