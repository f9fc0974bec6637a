package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/flood-impact-runner/internal/checkpoint"
	"github.com/withObsrvr/flood-impact-runner/internal/pipeline"
	"github.com/withObsrvr/flood-impact-runner/internal/raster"
	"github.com/withObsrvr/flood-impact-runner/internal/raster/gdalraster"
)

var footprintCmd = &cobra.Command{
	Use:   "footprint <raster.tif>",
	Short: "Print the WGS84 bbox and valid-data footprint of a raster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bbox, err := footprint(gdalraster.Loader, args[0])
		if err != nil {
			return pipeline.Fail(pipeline.KindRaster, "compute footprint", err)
		}
		writeJSON(os.Stdout, bbox)
		return nil
	},
}

func footprint(loader raster.Loader, path string) (*checkpoint.RasterBBox, error) {
	ds, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	extent, err := raster.Extent(ds.Grid, ds.ToWGS84)
	if err != nil {
		return nil, err
	}
	fp, err := raster.Footprint(ds.Grid, ds.ToWGS84)
	if err != nil {
		return nil, err
	}
	return &checkpoint.RasterBBox{RasterObject: path, BBoxWGS84: extent, Footprint: fp}, nil
}
