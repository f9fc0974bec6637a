package cleaner

import (
	"fmt"
	"strconv"

	"github.com/withObsrvr/flood-impact-runner/internal/inventory"
)

// CSVHeader is the engine inventory schema, in column order.
var CSVHeader = []string{
	"FltyId",
	"Occ",
	"Cost",
	"Area",
	"NumStories",
	"FoundationType",
	"FirstFloorHt",
	"ContentCost",
	"Latitude",
	"Longitude",
}

// RawRecord is an inventory row after blank normalization and numeric
// parsing. Every field is optional.
type RawRecord struct {
	BID          Opt[string]
	OccType      Opt[string]
	Cost         Opt[float64]
	Area         Opt[float64]
	NumStories   Opt[float64]
	FoundType    Opt[string]
	FirstFloorHt Opt[float64]
	Latitude     Opt[float64]
	Longitude    Opt[float64]
	ContentCost  Opt[float64]
	FirmZone     Opt[string]
}

// FromRow normalizes an inventory row.
func FromRow(row inventory.Row) RawRecord {
	return RawRecord{
		BID:          NormalizeBlank(row.BID),
		OccType:      NormalizeBlank(row.OccType),
		Cost:         ParseFloat(row.ValStruct),
		Area:         ParseFloat(row.Sqft),
		NumStories:   ParseFloat(row.NumStory),
		FoundType:    NormalizeBlank(row.FoundType),
		FirstFloorHt: ParseFloat(row.FoundHt),
		Latitude:     ParseFloat(row.Latitude),
		Longitude:    ParseFloat(row.Longitude),
		ContentCost:  ParseFloat(row.ValCont),
		FirmZone:     NormalizeBlank(row.FirmZone),
	}
}

// Record is a cleaned, classified inventory record.
type Record struct {
	FltyID         string
	Occ            string
	Cost           float64
	Area           float64
	NumStories     float64
	FoundationType int
	FirstFloorHt   float64
	ContentCost    float64
	Latitude       float64
	Longitude      float64
}

// CSVRow renders the record in CSVHeader order.
func (r Record) CSVRow() []string {
	return []string{
		r.FltyID,
		r.Occ,
		FormatNumber(r.Cost),
		FormatNumber(r.Area),
		FormatNumber(r.NumStories),
		strconv.Itoa(r.FoundationType),
		FormatNumber(r.FirstFloorHt),
		FormatNumber(r.ContentCost),
		FormatNumber(r.Latitude),
		FormatNumber(r.Longitude),
	}
}

// Summary is the persisted outcome of cleaning one partition.
type Summary struct {
	State             string              `json:"state"`
	Objects           []string            `json:"objects"`
	InputRows         int64               `json:"input_rows"`
	WrittenRows       int64               `json:"written_rows"`
	WrittenByFLC      map[Category]int64  `json:"written_by_flc"`
	Dropped           map[Reason]int64    `json:"dropped"`
	FirmzoneCounts    map[string]int64    `json:"firmzone_counts"`
	AssignedFLCCounts map[Category]int64  `json:"assigned_flc_counts"`
	FoundTypeCounts   map[string]int64    `json:"found_type_counts"`
	CSVPaths          map[Category]string `json:"csv_paths"`
}

func newSummary(state string, objects []string) *Summary {
	return &Summary{
		State:             state,
		Objects:           objects,
		WrittenByFLC:      make(map[Category]int64),
		Dropped:           make(map[Reason]int64),
		FirmzoneCounts:    make(map[string]int64),
		AssignedFLCCounts: make(map[Category]int64),
		FoundTypeCounts:   make(map[string]int64),
		CSVPaths:          make(map[Category]string),
	}
}

// DroppedTotal sums all drop reasons.
func (s *Summary) DroppedTotal() int64 {
	var n int64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

// Check verifies that every input row was either written or dropped.
func (s *Summary) Check() error {
	if s.WrittenRows+s.DroppedTotal() != s.InputRows {
		return fmt.Errorf("state=%s: written %d + dropped %d != input %d",
			s.State, s.WrittenRows, s.DroppedTotal(), s.InputRows)
	}
	var byFLC int64
	for _, v := range s.WrittenByFLC {
		byFLC += v
	}
	if byFLC != s.WrittenRows {
		return fmt.Errorf("state=%s: written by category %d != written %d", s.State, byFLC, s.WrittenRows)
	}
	return nil
}

// Categories returns the categories with a cleaned CSV, in output order.
func (s *Summary) Categories() []Category {
	var out []Category
	for _, c := range Categories {
		if _, ok := s.CSVPaths[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
