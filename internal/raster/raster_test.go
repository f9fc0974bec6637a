package raster

import (
	"errors"
	"math"
	"testing"
)

func nodata(v float64) *float64 { return &v }

// testGrid is a 4x3 north-up grid with 1-degree pixels whose origin is
// (-100, 40). Two cells in the middle row carry depth.
func testGrid() *Grid {
	nd := -9999.0
	return &Grid{
		Name:   "storm_2024_adv12_ResultMaskRaster.tif",
		Width:  4,
		Height: 3,
		Data: []float64{
			nd, nd, nd, nd,
			0, 2.0, 3.0, nd,
			nd, nd, nd, -1,
		},
		Transform: GeoTransform{-100, 1, 0, 40, 0, -1},
		NoData:    nodata(nd),
		EPSG:      WGS84,
		HasCRS:    true,
	}
}

func TestFootprintTightBox(t *testing.T) {
	fp, err := Footprint(testGrid(), Identity{})
	if err != nil {
		t.Fatalf("Footprint failed: %v", err)
	}
	want := Bounds{MinLon: -99, MinLat: 38, MaxLon: -97, MaxLat: 39}
	if fp != want {
		t.Errorf("footprint = %+v, want %+v", fp, want)
	}
	if fp.Empty() {
		t.Error("footprint should not be empty")
	}
}

func TestFootprintNoValidData(t *testing.T) {
	g := testGrid()
	for i := range g.Data {
		g.Data[i] = *g.NoData
	}
	_, err := Footprint(g, Identity{})
	var nv *NoValidDataError
	if !errors.As(err, &nv) {
		t.Fatalf("expected NoValidDataError, got %v", err)
	}
}

func TestFootprintNoCRS(t *testing.T) {
	g := testGrid()
	g.HasCRS = false
	if _, err := Footprint(g, Identity{}); !errors.Is(err, ErrNoCRS) {
		t.Fatalf("expected ErrNoCRS, got %v", err)
	}
	if _, err := Extent(g, Identity{}); !errors.Is(err, ErrNoCRS) {
		t.Fatalf("expected ErrNoCRS from Extent, got %v", err)
	}
}

func TestFootprintWithoutNoData(t *testing.T) {
	g := testGrid()
	g.NoData = nil
	// -9999 and 0 are still invalid because they are not positive.
	fp, err := Footprint(g, Identity{})
	if err != nil {
		t.Fatalf("Footprint failed: %v", err)
	}
	if fp.MinLon != -99 || fp.MaxLon != -97 {
		t.Errorf("unexpected footprint %+v", fp)
	}
}

func TestExtent(t *testing.T) {
	ext, err := Extent(testGrid(), Identity{})
	if err != nil {
		t.Fatalf("Extent failed: %v", err)
	}
	want := Bounds{MinLon: -100, MinLat: 37, MaxLon: -96, MaxLat: 40}
	if ext != want {
		t.Errorf("extent = %+v, want %+v", ext, want)
	}
}

func TestGeoTransformInvert(t *testing.T) {
	gt := GeoTransform{500000, 30, 0.5, 4100000, 0.25, -30}
	inv, err := gt.Invert()
	if err != nil {
		t.Fatalf("Invert failed: %v", err)
	}
	x, y := gt.Apply(17.25, 42.5)
	col, row := inv.Apply(x, y)
	if math.Abs(col-17.25) > 1e-9 || math.Abs(row-42.5) > 1e-9 {
		t.Errorf("round trip = (%v, %v), want (17.25, 42.5)", col, row)
	}

	if _, err := (GeoTransform{0, 0, 0, 0, 0, 0}).Invert(); err == nil {
		t.Error("expected error for singular transform")
	}
}

type countingTransformer struct {
	points int
	fn     func(x, y float64) (float64, float64)
}

func (c *countingTransformer) Transform(xs, ys []float64) error {
	c.points += len(xs)
	if c.fn == nil {
		return nil
	}
	for i := range xs {
		xs[i], ys[i] = c.fn(xs[i], ys[i])
	}
	return nil
}

func TestTransformBoundsDensifies(t *testing.T) {
	// Curves the top edge upward at x=0: only a densified edge sees the peak.
	ct := &countingTransformer{fn: func(x, y float64) (float64, float64) {
		return x, y - x*x
	}}
	b, err := TransformBounds(-1, 0, 1, 1, ct, DensifyPoints)
	if err != nil {
		t.Fatalf("TransformBounds failed: %v", err)
	}
	if ct.points != 4*(DensifyPoints+1) {
		t.Errorf("transformed %d points, want %d", ct.points, 4*(DensifyPoints+1))
	}
	if math.Abs(b.MaxLat-1) > 1e-12 {
		t.Errorf("MaxLat = %v, want 1", b.MaxLat)
	}
	if math.Abs(b.MinLat-(-1)) > 1e-12 {
		t.Errorf("MinLat = %v, want -1", b.MinLat)
	}
}

func TestHazardSample(t *testing.T) {
	h, err := NewHazard(testGrid(), nil)
	if err != nil {
		t.Fatalf("NewHazard failed: %v", err)
	}

	tests := []struct {
		name     string
		lon, lat float64
		want     SampleStatus
		depth    float64
	}{
		{"wet cell", -98.5, 38.5, SampleWet, 2.0},
		{"second wet cell", -97.1, 38.9, SampleWet, 3.0},
		{"nodata cell", -99.5, 39.5, SampleDry, -9999},
		{"zero cell", -99.5, 38.5, SampleDry, 0},
		{"negative cell", -96.5, 37.5, SampleDry, -1},
		{"west of grid", -100.5, 38.5, SampleOutside, 0},
		{"south of grid", -98.5, 36.9, SampleOutside, 0},
		{"north edge is outside", -98.5, 40.5, SampleOutside, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			depth, status := h.Sample(tt.lon, tt.lat)
			if status != tt.want {
				t.Fatalf("status = %v, want %v", status, tt.want)
			}
			if status != SampleOutside && depth != tt.depth {
				t.Errorf("depth = %v, want %v", depth, tt.depth)
			}
		})
	}
}

func TestHazardUsesTransformerForProjectedGrid(t *testing.T) {
	g := testGrid()
	g.EPSG = 5070
	// Shift lon/lat into the grid space by a fixed offset.
	ct := &countingTransformer{fn: func(x, y float64) (float64, float64) {
		return x - 1000, y
	}}
	h, err := NewHazard(g, ct)
	if err != nil {
		t.Fatalf("NewHazard failed: %v", err)
	}
	if _, status := h.Sample(901.5, 38.5); status != SampleWet {
		t.Errorf("status = %v, want wet", status)
	}
	if ct.points != 1 {
		t.Errorf("transformer called for %d points, want 1", ct.points)
	}
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{MinLon: -1, MinLat: -1, MaxLon: 1, MaxLat: 1}
	if !b.Contains(1, -1) {
		t.Error("edges should be inside")
	}
	if b.Contains(1.0001, 0) {
		t.Error("point east of box should be outside")
	}
}

func TestMarkUnprojected(t *testing.T) {
	xs := []float64{1, 2, 3}
	ys := []float64{4, 5, 6}
	if n := MarkUnprojected(xs, ys, []bool{true, false, true}); n != 2 {
		t.Fatalf("projected = %d, want 2", n)
	}
	if xs[0] != 1 || ys[2] != 6 {
		t.Errorf("projected points changed: %v %v", xs, ys)
	}
	if !math.IsNaN(xs[1]) || !math.IsNaN(ys[1]) {
		t.Errorf("failed point = (%v, %v), want NaN", xs[1], ys[1])
	}

	// Bounds over a partially failed projection cover only the good points.
	partial := transformFunc(func(xs, ys []float64) error {
		ok := make([]bool, len(xs))
		for i := range xs {
			ok[i] = xs[i] < 5
		}
		MarkUnprojected(xs, ys, ok)
		return nil
	})
	b, err := TransformBounds(0, 0, 10, 10, partial, 0)
	if err != nil {
		t.Fatalf("TransformBounds: %v", err)
	}
	if b.MaxLon >= 5 {
		t.Errorf("bounds include unprojected points: %+v", b)
	}
}

type transformFunc func(xs, ys []float64) error

func (f transformFunc) Transform(xs, ys []float64) error { return f(xs, ys) }
