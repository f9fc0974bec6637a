package checkpoint

import (
	"sort"
	"time"

	"github.com/withObsrvr/flood-impact-runner/internal/cleaner"
	"github.com/withObsrvr/flood-impact-runner/internal/raster"
	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

// Parameters records the inputs a run was started with.
type Parameters struct {
	StorageBackend string `json:"storage_backend"`
	Bucket         string `json:"bucket,omitempty"`
	StateScope     string `json:"state_scope"`
	Event          string `json:"event,omitempty"`
	RasterName     string `json:"raster_name"`
	Mode           string `json:"mode"`
	MaxWorkers     int    `json:"max_workers"`
	UploadResults  bool   `json:"upload_results"`
	Resume         bool   `json:"resume"`
	EnginePython   string `json:"engine_python"`
	Config         string `json:"config,omitempty"`
}

// RunManifest describes a run. The finish fields are filled in once the run
// completes.
type RunManifest struct {
	RunID                string     `json:"run_id"`
	StartedAt            time.Time  `json:"started_at_utc"`
	Parameters           Parameters `json:"parameters"`
	SelectedRasterObject string     `json:"selected_raster_object"`
	States               []string   `json:"states"`
	SkippedStates        []string   `json:"skipped_states,omitempty"`
	// PreviousRunID is the catalog's last successful run over the same raster.
	PreviousRunID string `json:"previous_run_id,omitempty"`

	FinishedAt              *time.Time    `json:"finished_at_utc,omitempty"`
	RunDir                  string        `json:"run_dir,omitempty"`
	SelectedRasterLocalPath string        `json:"selected_raster_local_path,omitempty"`
	StateCount              int           `json:"state_count,omitempty"`
	TaskCount               int           `json:"fast_task_count,omitempty"`
	SuccessCount            int           `json:"fast_success_count,omitempty"`
	FailureCount            int           `json:"fast_failure_count,omitempty"`
	PredictionsCSV          string        `json:"predictions_csv,omitempty"`
	MergedRows              int64         `json:"merged_rows,omitempty"`
	UploadReport            *UploadReport `json:"upload_report,omitempty"`
}

// Finish stamps the completion time.
func (m *RunManifest) Finish(now time.Time) {
	t := now.UTC()
	m.FinishedAt = &t
}

// DownloadManifest lists every staged input object.
type DownloadManifest struct {
	Downloads []storage.DownloadResult `json:"downloads"`
}

// RasterBBox records the selection box and valid-data footprint of the
// hazard raster.
type RasterBBox struct {
	RasterObject string        `json:"raster_object"`
	BBoxWGS84    raster.Bounds `json:"bbox_wgs84"`
	Footprint    raster.Bounds `json:"footprint"`
}

// DataQualityReport aggregates cleaning counters by state.
type DataQualityReport struct {
	RunID                string                      `json:"run_id"`
	StateCount           int                         `json:"state_count"`
	StateWrittenRows     map[string]int64            `json:"state_written_rows"`
	StateInputRows       map[string]int64            `json:"state_input_rows"`
	StateDropped         map[string]map[string]int64 `json:"state_dropped"`
	StateFoundTypeCounts map[string]map[string]int64 `json:"state_found_type_counts"`
}

// FLCAssignmentReport aggregates loss-category assignment by state.
type FLCAssignmentReport struct {
	RunID                  string                      `json:"run_id"`
	StateAssignedFLCCounts map[string]map[string]int64 `json:"state_assigned_flc_counts"`
	StateFirmzoneCounts    map[string]map[string]int64 `json:"state_firmzone_counts"`
	StateWrittenByFLC      map[string]map[string]int64 `json:"state_written_by_flc"`
}

// UploadFailure names a file that could not be published.
type UploadFailure struct {
	File   string `json:"file"`
	Object string `json:"object"`
	Error  string `json:"error"`
}

// UploadReport summarizes publishing run artifacts.
type UploadReport struct {
	UploadedCount int             `json:"uploaded_count"`
	FailedCount   int             `json:"failed_count"`
	Failed        []UploadFailure `json:"failed"`
	ObjectPrefix  string          `json:"object_prefix"`
}

// NewDataQualityReport builds the data-quality report from cleaning
// summaries keyed by state.
func NewDataQualityReport(runID string, sums map[string]*cleaner.Summary) *DataQualityReport {
	r := &DataQualityReport{
		RunID:                runID,
		StateCount:           len(sums),
		StateWrittenRows:     make(map[string]int64, len(sums)),
		StateInputRows:       make(map[string]int64, len(sums)),
		StateDropped:         make(map[string]map[string]int64, len(sums)),
		StateFoundTypeCounts: make(map[string]map[string]int64, len(sums)),
	}
	for state, s := range sums {
		r.StateWrittenRows[state] = s.WrittenRows
		r.StateInputRows[state] = s.InputRows
		r.StateDropped[state] = stringKeys(s.Dropped)
		r.StateFoundTypeCounts[state] = stringKeys(s.FoundTypeCounts)
	}
	return r
}

// NewFLCAssignmentReport builds the category-assignment report from
// cleaning summaries keyed by state.
func NewFLCAssignmentReport(runID string, sums map[string]*cleaner.Summary) *FLCAssignmentReport {
	r := &FLCAssignmentReport{
		RunID:                  runID,
		StateAssignedFLCCounts: make(map[string]map[string]int64, len(sums)),
		StateFirmzoneCounts:    make(map[string]map[string]int64, len(sums)),
		StateWrittenByFLC:      make(map[string]map[string]int64, len(sums)),
	}
	for state, s := range sums {
		r.StateAssignedFLCCounts[state] = stringKeys(s.AssignedFLCCounts)
		r.StateFirmzoneCounts[state] = stringKeys(s.FirmzoneCounts)
		r.StateWrittenByFLC[state] = stringKeys(s.WrittenByFLC)
	}
	return r
}

// SortedStates returns the keys of a summary map in order.
func SortedStates(sums map[string]*cleaner.Summary) []string {
	out := make([]string, 0, len(sums))
	for s := range sums {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func stringKeys[K ~string](m map[K]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
