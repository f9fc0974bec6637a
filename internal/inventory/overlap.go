package inventory

import (
	"fmt"

	"github.com/withObsrvr/flood-impact-runner/internal/logging"
	"github.com/withObsrvr/flood-impact-runner/internal/raster"
	"github.com/withObsrvr/flood-impact-runner/internal/source"
)

// PartitionOverlaps reports whether any row group of any file has
// lat/lon statistics intersecting the footprint.
func PartitionOverlaps(paths []string, fp raster.Bounds) (bool, error) {
	for _, path := range paths {
		groups, err := ReadColumnBounds(path)
		if err != nil {
			return false, err
		}
		for _, g := range groups {
			if g.Intersects(fp) {
				return true, nil
			}
		}
	}
	return false, nil
}

// FilterResult holds the outcome of the overlap filter.
type FilterResult struct {
	Retained []source.Partition
	Skipped  []string
}

// FilterPartitions drops partitions whose files cannot overlap the footprint.
// localPath maps an object key to its downloaded file.
func FilterPartitions(parts []source.Partition, localPath func(key string) string, fp raster.Bounds) (*FilterResult, error) {
	log := logging.Component("overlap")
	res := &FilterResult{}

	for _, p := range parts {
		paths := make([]string, len(p.Objects))
		for i, obj := range p.Objects {
			paths[i] = localPath(obj.Key)
		}

		ok, err := PartitionOverlaps(paths, fp)
		if err != nil {
			return nil, fmt.Errorf("check overlap for state=%s: %w", p.State, err)
		}
		if ok {
			res.Retained = append(res.Retained, p)
			continue
		}
		log.Info("skipping partition with no footprint overlap", "state", p.State)
		res.Skipped = append(res.Skipped, p.State)
	}

	log.Info("partition overlap filter",
		"before", len(parts),
		"after", len(res.Retained),
	)

	if len(res.Retained) == 0 {
		return nil, ErrNoOverlappingPartitions
	}
	return res, nil
}
