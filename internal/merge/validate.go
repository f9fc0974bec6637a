package merge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Issue levels.
const (
	LevelFail = "FAIL"
	LevelWarn = "WARN"
	LevelInfo = "INFO"
)

// RequiredColumns must be present in a predictions file.
var RequiredColumns = []string{"FltyId", "Latitude", "Longitude", "state", "flc"}

// LossColumns are the candidate loss columns, in order of preference.
var LossColumns = []string{"BldgLoss", "BldgDmgPct", "TotalLoss", "bldg_loss"}

// ZeroLossWarnPct is the zero-loss share above which a warning is raised.
const ZeroLossWarnPct = 90.0

// Issue is one validation finding.
type Issue struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (i Issue) String() string { return i.Level + ": " + i.Message }

// OccupancyCount is a row count for one occupancy code.
type OccupancyCount struct {
	Occupancy string `json:"occupancy"`
	Rows      int64  `json:"rows"`
}

// Summary aggregates a predictions file.
type Summary struct {
	TotalRows      int64              `json:"total_rows"`
	LossColumn     string             `json:"loss_column,omitempty"`
	ZeroLossRows   int64              `json:"zero_loss_rows"`
	ZeroLossPct    float64            `json:"zero_loss_pct"`
	RowsByState    map[string]int64   `json:"rows_by_state"`
	RowsByFLC      map[string]int64   `json:"rows_by_flc"`
	RowsByOccTop10 []OccupancyCount   `json:"rows_by_occ_top10"`
	DamageByState  map[string]float64 `json:"damage_by_state"`
	MissingColumns []string           `json:"missing_columns,omitempty"`
}

// Report is the persisted validation report.
type Report struct {
	File    string  `json:"file"`
	Summary Summary `json:"summary"`
	Issues  []Issue `json:"issues"`
	Passed  bool    `json:"passed"`
}

// Validate reads a predictions file and checks its schema and contents.
// Only I/O problems are returned as errors; content problems become FAIL
// issues.
func Validate(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open predictions: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	report := &Report{File: path, Issues: []Issue{}}
	sum := &report.Summary
	sum.RowsByState = map[string]int64{}
	sum.RowsByFLC = map[string]int64{}
	sum.DamageByState = map[string]float64{}
	sum.RowsByOccTop10 = []OccupancyCount{}

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		report.Issues = append(report.Issues, Issue{LevelFail, "predictions CSV is empty"})
		report.Passed = false
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read predictions header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := col[name]; !dup {
			col[name] = i
		}
	}
	for _, name := range RequiredColumns {
		if _, ok := col[name]; !ok {
			sum.MissingColumns = append(sum.MissingColumns, name)
		}
	}
	if len(sum.MissingColumns) > 0 {
		report.Issues = append(report.Issues, Issue{LevelFail,
			"missing columns: " + strings.Join(sum.MissingColumns, ", ")})
	}

	lossIdx := -1
	for _, name := range LossColumns {
		if i, ok := col[name]; ok {
			lossIdx, sum.LossColumn = i, name
			break
		}
	}
	if lossIdx < 0 {
		report.Issues = append(report.Issues, Issue{LevelInfo, "no loss column found; all rows count as zero loss"})
	}
	occIdx, ok := col["Occ"]
	if !ok {
		if occIdx, ok = col["occ"]; !ok {
			occIdx = -1
		}
	}

	get := func(rec []string, i int, def string) string {
		if i < 0 || i >= len(rec) {
			return def
		}
		return rec[i]
	}
	stateIdx, flcIdx := index(col, "state"), index(col, "flc")
	byOcc := map[string]int64{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read predictions: %w", err)
		}
		sum.TotalRows++
		state := get(rec, stateIdx, "?")
		sum.RowsByState[state]++
		sum.RowsByFLC[get(rec, flcIdx, "?")]++
		byOcc[get(rec, occIdx, "?")]++

		loss := 0.0
		if v := strings.TrimSpace(get(rec, lossIdx, "")); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) {
				loss = f
			}
		}
		if loss <= 0 {
			sum.ZeroLossRows++
		}
		sum.DamageByState[state] += loss
	}

	for k, v := range sum.DamageByState {
		sum.DamageByState[k] = round2(v)
	}
	sum.RowsByOccTop10 = topOccupancies(byOcc, 10)
	if sum.TotalRows > 0 {
		sum.ZeroLossPct = round2(100 * float64(sum.ZeroLossRows) / float64(sum.TotalRows))
	}

	report.Issues = append(report.Issues, checks(sum)...)
	report.Passed = true
	for _, is := range report.Issues {
		if is.Level == LevelFail {
			report.Passed = false
		}
	}
	return report, nil
}

func checks(sum *Summary) []Issue {
	if sum.TotalRows == 0 {
		return []Issue{{LevelFail, "no prediction rows"}}
	}
	var issues []Issue
	if sum.ZeroLossPct > ZeroLossWarnPct {
		issues = append(issues, Issue{LevelWarn, fmt.Sprintf(
			"%.2f%% zero-loss rows, likely spatial mismatch (buildings outside raster)", sum.ZeroLossPct)})
	}
	if len(sum.RowsByState) == 0 {
		issues = append(issues, Issue{LevelFail, "no states in output"})
	}
	if len(sum.RowsByFLC) == 0 {
		issues = append(issues, Issue{LevelFail, "no FLC categories in output"})
	}
	return issues
}

func index(col map[string]int, name string) int {
	if i, ok := col[name]; ok {
		return i
	}
	return -1
}

// topOccupancies returns the n most frequent occupancies, ties broken by
// name.
func topOccupancies(counts map[string]int64, n int) []OccupancyCount {
	out := make([]OccupancyCount, 0, len(counts))
	for occ, rows := range counts {
		out = append(out, OccupancyCount{Occupancy: occ, Rows: rows})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rows != out[j].Rows {
			return out[i].Rows > out[j].Rows
		}
		return out[i].Occupancy < out[j].Occupancy
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
