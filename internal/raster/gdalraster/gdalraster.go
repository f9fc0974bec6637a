// Package gdalraster loads GeoTIFF hazard rasters through GDAL and exposes
// OSR coordinate transforms to the raster package.
package gdalraster

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/withObsrvr/flood-impact-runner/internal/raster"
)

func init() {
	godal.RegisterAll()
}

// Load reads the first band of a raster into memory and prepares
// transforms to and from WGS84.
func Load(path string) (*raster.Dataset, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", path, err)
	}
	defer ds.Close()

	st := ds.Structure()
	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, fmt.Errorf("raster %s has no bands", path)
	}

	data := make([]float64, st.SizeX*st.SizeY)
	if err := bands[0].Read(0, 0, data, st.SizeX, st.SizeY); err != nil {
		return nil, fmt.Errorf("read raster band %s: %w", path, err)
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("read geotransform %s: %w", path, err)
	}

	grid := &raster.Grid{
		Name:      filepath.Base(path),
		Width:     st.SizeX,
		Height:    st.SizeY,
		Data:      data,
		Transform: raster.GeoTransform(gt),
	}
	if nd, ok := bands[0].NoData(); ok {
		grid.NoData = &nd
	}

	wkt := ds.Projection()
	if wkt == "" {
		// Callers surface raster.ErrNoCRS from Footprint/Extent.
		return &raster.Dataset{Grid: grid, ToWGS84: raster.Identity{}, FromWGS84: raster.Identity{}}, nil
	}
	grid.HasCRS = true

	src, err := godal.NewSpatialRefFromWKT(wkt)
	if err != nil {
		return nil, fmt.Errorf("parse raster CRS %s: %w", path, err)
	}
	wgs84, err := godal.NewSpatialRefFromEPSG(raster.WGS84)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("create WGS84 reference: %w", err)
	}

	if src.IsSame(wgs84) {
		grid.EPSG = raster.WGS84
		src.Close()
		wgs84.Close()
		return &raster.Dataset{Grid: grid, ToWGS84: raster.Identity{}, FromWGS84: raster.Identity{}}, nil
	}

	to, err := godal.NewTransform(src, wgs84)
	if err != nil {
		src.Close()
		wgs84.Close()
		return nil, fmt.Errorf("create transform to WGS84: %w", err)
	}
	from, err := godal.NewTransform(wgs84, src)
	if err != nil {
		to.Close()
		src.Close()
		wgs84.Close()
		return nil, fmt.Errorf("create transform from WGS84: %w", err)
	}

	return &raster.Dataset{
		Grid:      grid,
		ToWGS84:   &transformer{t: to},
		FromWGS84: &transformer{t: from},
		Release: func() {
			to.Close()
			from.Close()
			src.Close()
			wgs84.Close()
		},
	}, nil
}

// Loader is the GDAL-backed raster.Loader.
var Loader raster.Loader = raster.LoaderFunc(Load)

// transformer adapts a godal.Transform. Points that fail to project are
// set to NaN. OGR transforms are not safe for concurrent use.
type transformer struct {
	mu sync.Mutex
	t  *godal.Transform
}

func (tr *transformer) Transform(xs, ys []float64) error {
	if len(xs) != len(ys) {
		return errors.New("coordinate slices differ in length")
	}
	ok := make([]bool, len(xs))
	tr.mu.Lock()
	defer tr.mu.Unlock()
	err := tr.t.TransformEx(xs, ys, nil, ok)
	if raster.MarkUnprojected(xs, ys, ok) == 0 && err != nil {
		return fmt.Errorf("transform coordinates: %w", err)
	}
	return nil
}
