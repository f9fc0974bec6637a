package cleaner

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/withObsrvr/flood-impact-runner/internal/raster"
)

// ErrMissingOccupancyColumn is returned when the occupancy lookup has no
// Occupancy column.
var ErrMissingOccupancyColumn = errors.New("occupancy lookup missing Occupancy column")

// FoundationTypes is the engine's closed foundation-type enumeration.
var FoundationTypes = map[int]string{
	1: "pile",
	2: "pier",
	3: "solid wall",
	4: "basement",
	5: "crawlspace",
	6: "fill",
	7: "slab",
}

// CodeSet matches hazard zone codes exactly or, for entries ending in '*',
// by prefix.
type CodeSet struct {
	exact    map[string]bool
	prefixes []string
}

// NewCodeSet builds a CodeSet from upper-cased codes.
func NewCodeSet(codes []string) CodeSet {
	cs := CodeSet{exact: make(map[string]bool)}
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if p, ok := strings.CutSuffix(c, "*"); ok {
			cs.prefixes = append(cs.prefixes, p)
			continue
		}
		cs.exact[c] = true
	}
	return cs
}

// Match reports whether zone belongs to the set.
func (cs CodeSet) Match(zone string) bool {
	if zone == "" {
		return false
	}
	if cs.exact[zone] {
		return true
	}
	for _, p := range cs.prefixes {
		if strings.HasPrefix(zone, p) {
			return true
		}
	}
	return false
}

// Lookups is the immutable reference data every cleaning stage shares.
type Lookups struct {
	foundation  map[string]int
	coastalV    CodeSet
	coastalA    CodeSet
	occupancies map[string]bool
}

// NewLookups validates and freezes the cleaning reference data.
func NewLookups(foundation map[string]int, coastalV, coastalA, occupancies []string) (*Lookups, error) {
	if len(occupancies) == 0 {
		return nil, errors.New("occupancy allow-list is empty")
	}
	l := &Lookups{
		foundation:  make(map[string]int, len(foundation)),
		coastalV:    NewCodeSet(coastalV),
		coastalA:    NewCodeSet(coastalA),
		occupancies: make(map[string]bool, len(occupancies)),
	}
	for k, v := range foundation {
		if _, ok := FoundationTypes[v]; !ok {
			return nil, fmt.Errorf("found_type_map[%q] = %d is not a foundation type", k, v)
		}
		l.foundation[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	for _, o := range occupancies {
		if o = strings.ToUpper(strings.TrimSpace(o)); o != "" {
			l.occupancies[o] = true
		}
	}
	return l, nil
}

// Foundation maps normalized foundation text to its code.
func (l *Lookups) Foundation(text string) (int, bool) {
	code, ok := l.foundation[strings.ToUpper(text)]
	return code, ok
}

// ValidFoundation reports whether code is in the foundation enumeration.
func (l *Lookups) ValidFoundation(code int) bool {
	_, ok := FoundationTypes[code]
	return ok
}

// Occupancy normalizes an occupancy code against the allow-list.
func (l *Lookups) Occupancy(raw string) (string, bool) {
	return NormalizeOccupancy(raw, l.occupancies)
}

// OccupancyCount returns the size of the allow-list.
func (l *Lookups) OccupancyCount() int {
	return len(l.occupancies)
}

// ZoneCategory classifies a normalized zone code. Coastal-wave codes take
// precedence over coastal still water.
func (l *Lookups) ZoneCategory(zone string) (Category, bool) {
	if zone == "" {
		return "", false
	}
	if l.coastalV.Match(zone) {
		return CoastalV, true
	}
	if l.coastalA.Match(zone) {
		return CoastalA, true
	}
	return "", false
}

// LoadOccupancies reads the Occupancy column of a lookup CSV, upper-cased
// and de-duplicated.
func LoadOccupancies(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open occupancy lookup: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read occupancy lookup header %s: %w", path, err)
	}
	col := -1
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == "Occupancy" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingOccupancyColumn, path)
	}

	seen := make(map[string]bool)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read occupancy lookup %s: %w", path, err)
		}
		if col >= len(rec) {
			continue
		}
		if v := strings.ToUpper(strings.TrimSpace(rec[col])); v != "" {
			seen[v] = true
		}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// Classifier assigns loss categories to cleaned records.
type Classifier struct {
	lookups *Lookups
	mode    Mode
	bounds  *raster.Bounds
}

// NewClassifier creates a classifier. bounds is the selection bounding box
// used for zone-less records in impact-only mode; nil drops them.
func NewClassifier(l *Lookups, mode Mode, bounds *raster.Bounds) *Classifier {
	return &Classifier{lookups: l, mode: mode, bounds: bounds}
}

// Classify returns the category for a record, or ReasonUnknownZone when an
// impact-only record has no zone and lies outside the selection box.
func (c *Classifier) Classify(zone string, lon, lat float64) (Category, Reason) {
	if cat, ok := c.lookups.ZoneCategory(zone); ok {
		return cat, ""
	}
	if c.mode == FullDomain {
		return Riverine, ""
	}
	if c.bounds != nil && c.bounds.Contains(lon, lat) {
		return CoastalA, ""
	}
	return "", ReasonUnknownZone
}
