// Package inventory reads building-inventory parquet partitions: footer
// statistics for spatial pre-filtering and typed row streaming for cleaning.
package inventory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/withObsrvr/flood-impact-runner/internal/raster"
)

const (
	LatitudeColumn  = "latitude"
	LongitudeColumn = "longitude"
)

// ErrNoOverlappingPartitions is returned when the overlap filter drops every partition.
var ErrNoOverlappingPartitions = errors.New("no partitions overlap the raster footprint")

// RowGroupBounds is the lat/lon rectangle covered by one row group according
// to its column statistics. A bound is nil when the statistic is absent.
type RowGroupBounds struct {
	Index  int
	MinLat *float64
	MaxLat *float64
	MinLon *float64
	MaxLon *float64
}

// Complete reports whether all four bounds are known.
func (b RowGroupBounds) Complete() bool {
	return b.MinLat != nil && b.MaxLat != nil && b.MinLon != nil && b.MaxLon != nil
}

// Intersects reports whether the row group rectangle touches the footprint.
// Row groups with incomplete statistics never intersect.
func (b RowGroupBounds) Intersects(fp raster.Bounds) bool {
	if !b.Complete() {
		return false
	}
	return *b.MaxLat >= fp.MinLat && *b.MinLat <= fp.MaxLat &&
		*b.MaxLon >= fp.MinLon && *b.MinLon <= fp.MaxLon
}

// ReadColumnBounds reads only the file footer and returns per-row-group
// latitude/longitude bounds.
func ReadColumnBounds(path string) ([]RowGroupBounds, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, info.Size(),
		parquet.SkipPageIndex(true),
		parquet.SkipBloomFilters(true),
	)
	if err != nil {
		return nil, fmt.Errorf("read parquet footer %s: %w", path, err)
	}

	return boundsFromMetadata(pf.Metadata()), nil
}

func boundsFromMetadata(md *format.FileMetaData) []RowGroupBounds {
	out := make([]RowGroupBounds, 0, len(md.RowGroups))
	for i, rg := range md.RowGroups {
		b := RowGroupBounds{Index: i}
		for _, chunk := range rg.Columns {
			meta := chunk.MetaData
			name := strings.Join(meta.PathInSchema, ".")
			if name != LatitudeColumn && name != LongitudeColumn {
				continue
			}
			lo, hi, ok := decodeMinMax(meta.Type, meta.Statistics)
			if !ok {
				continue
			}
			if name == LatitudeColumn {
				b.MinLat = minPtr(b.MinLat, lo)
				b.MaxLat = maxPtr(b.MaxLat, hi)
			} else {
				b.MinLon = minPtr(b.MinLon, lo)
				b.MaxLon = maxPtr(b.MaxLon, hi)
			}
		}
		out = append(out, b)
	}
	return out
}

// decodeMinMax decodes plain-encoded statistics, preferring the
// MinValue/MaxValue pair over the deprecated Min/Max fields.
func decodeMinMax(typ format.Type, st format.Statistics) (float64, float64, bool) {
	minRaw, maxRaw := st.MinValue, st.MaxValue
	if len(minRaw) == 0 || len(maxRaw) == 0 {
		minRaw, maxRaw = st.Min, st.Max
	}
	lo, ok := decodePlain(typ, minRaw)
	if !ok {
		return 0, 0, false
	}
	hi, ok := decodePlain(typ, maxRaw)
	if !ok {
		return 0, 0, false
	}
	return lo, hi, true
}

func decodePlain(typ format.Type, b []byte) (float64, bool) {
	var v float64
	switch typ {
	case format.Double:
		if len(b) != 8 {
			return 0, false
		}
		v = math.Float64frombits(binary.LittleEndian.Uint64(b))
	case format.Float:
		if len(b) != 4 {
			return 0, false
		}
		v = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case format.Int32:
		if len(b) != 4 {
			return 0, false
		}
		v = float64(int32(binary.LittleEndian.Uint32(b)))
	case format.Int64:
		if len(b) != 8 {
			return 0, false
		}
		v = float64(int64(binary.LittleEndian.Uint64(b)))
	default:
		return 0, false
	}
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func minPtr(cur *float64, v float64) *float64 {
	if cur == nil || v < *cur {
		return &v
	}
	return cur
}

func maxPtr(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}
