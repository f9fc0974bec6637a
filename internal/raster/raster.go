// Package raster computes hazard raster footprints and samples flood depth
// at geographic coordinates. Grids are plain in-memory arrays; format I/O and
// coordinate reference transforms are supplied by the gdalraster subpackage.
package raster

import (
	"errors"
	"fmt"
	"math"
)

// WGS84 is the EPSG code of the geographic reference system used for
// footprints and inventory coordinates.
const WGS84 = 4326

// DensifyPoints is the number of intermediate points inserted along each
// bounding-box edge before reprojection.
const DensifyPoints = 21

// ErrNoCRS is returned when a raster carries no coordinate reference system.
var ErrNoCRS = errors.New("raster has no coordinate reference system")

// NoValidDataError is returned when no raster cell holds a valid hazard value.
type NoValidDataError struct {
	Name string
}

func (e *NoValidDataError) Error() string {
	return fmt.Sprintf("raster %s has no valid (>0) flood depth cells", e.Name)
}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Contains reports whether the point lies inside the box, edges included.
func (b Bounds) Contains(lon, lat float64) bool {
	return b.MinLon <= lon && lon <= b.MaxLon && b.MinLat <= lat && lat <= b.MaxLat
}

// Empty reports whether the box has no area and no extent.
func (b Bounds) Empty() bool {
	return b.MaxLon < b.MinLon || b.MaxLat < b.MinLat
}

// GeoTransform is a GDAL-ordered affine transform:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// Apply maps pixel coordinates to georeferenced coordinates.
func (gt GeoTransform) Apply(col, row float64) (float64, float64) {
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// Invert returns the inverse transform.
func (gt GeoTransform) Invert() (GeoTransform, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) {
		return GeoTransform{}, errors.New("geotransform is not invertible")
	}
	inv := 1 / det
	return GeoTransform{
		(gt[2]*gt[3] - gt[0]*gt[5]) * inv,
		gt[5] * inv,
		-gt[2] * inv,
		(-gt[1]*gt[3] + gt[0]*gt[4]) * inv,
		-gt[4] * inv,
		gt[1] * inv,
	}, nil
}

// Grid is a single-band raster held in memory, row-major.
type Grid struct {
	Name      string
	Width     int
	Height    int
	Data      []float64
	Transform GeoTransform
	NoData    *float64
	// EPSG is WGS84 for geographic grids that need no reprojection; any
	// other value routes sampling through a Transformer. HasCRS is false for
	// unreferenced grids.
	EPSG   int
	HasCRS bool
}

// At returns the cell value at (col, row).
func (g *Grid) At(col, row int) float64 {
	return g.Data[row*g.Width+col]
}

// Valid reports whether a cell value carries hazard data.
func (g *Grid) Valid(v float64) bool {
	if math.IsNaN(v) || v <= 0 {
		return false
	}
	if g.NoData != nil && v == *g.NoData {
		return false
	}
	return true
}

// Transformer reprojects coordinate arrays in place.
type Transformer interface {
	Transform(xs, ys []float64) error
}

// MarkUnprojected sets points whose ok flag is false to NaN and returns how
// many points projected.
func MarkUnprojected(xs, ys []float64, ok []bool) int {
	n := 0
	for i := range ok {
		if ok[i] {
			n++
			continue
		}
		xs[i], ys[i] = math.NaN(), math.NaN()
	}
	return n
}

// Identity is a Transformer that leaves coordinates unchanged.
type Identity struct{}

// Transform implements Transformer.
func (Identity) Transform(xs, ys []float64) error { return nil }

// Dataset is a loaded hazard raster together with the transforms between
// its reference system and WGS84.
type Dataset struct {
	Grid      *Grid
	ToWGS84   Transformer
	FromWGS84 Transformer
	Release   func()
}

// Close releases transform resources held by the dataset.
func (d *Dataset) Close() {
	if d.Release != nil {
		d.Release()
		d.Release = nil
	}
}

// Loader opens raster files.
type Loader interface {
	Load(path string) (*Dataset, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (*Dataset, error)

// Load implements Loader.
func (f LoaderFunc) Load(path string) (*Dataset, error) { return f(path) }
