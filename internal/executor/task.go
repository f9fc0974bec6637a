// Package executor runs the damage engine once per (partition, loss
// category) task on a bounded worker pool, validates the output pair each
// run produces, and retries failed tasks once after the first pass.
package executor

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/withObsrvr/flood-impact-runner/internal/cleaner"
)

var (
	// ErrNoTasks is returned when cleaning produced no non-empty inputs.
	ErrNoTasks = errors.New("no engine tasks generated")
	// ErrNoSuccessfulTasks is returned when every task failed both passes.
	ErrNoSuccessfulTasks = errors.New("all engine tasks failed")
)

// Task is one engine invocation.
type Task struct {
	State         string           `json:"state"`
	Category      cleaner.Category `json:"flc"`
	InputCSV      string           `json:"input_csv"`
	RasterPath    string           `json:"raster_path"`
	OutputDir     string           `json:"output_dir"`
	SourceObjects []string         `json:"source_objects,omitempty"`
}

// Key identifies the task within a run.
func (t Task) Key() string {
	return "state=" + t.State + "/flc=" + string(t.Category)
}

// OutputDir returns the engine output directory for a task.
func OutputDir(runDir, state string, cat cleaner.Category) string {
	return filepath.Join(runDir, "fast_output", "state="+state, "flc="+string(cat))
}

// BuildTasks creates one task per partition and category whose cleaned CSV
// exists and is non-empty, ordered by state then category.
func BuildTasks(sums map[string]*cleaner.Summary, rasterPath, runDir string) []Task {
	states := make([]string, 0, len(sums))
	for s := range sums {
		states = append(states, s)
	}
	sort.Strings(states)

	var tasks []Task
	for _, state := range states {
		sum := sums[state]
		for _, cat := range cleaner.Categories {
			path, ok := sum.CSVPaths[cat]
			if !ok {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || info.Size() == 0 {
				continue
			}
			tasks = append(tasks, Task{
				State:         state,
				Category:      cat,
				InputCSV:      path,
				RasterPath:    rasterPath,
				OutputDir:     OutputDir(runDir, state, cat),
				SourceObjects: sum.Objects,
			})
		}
	}
	return tasks
}

// Result is the outcome of a task's final attempt.
type Result struct {
	State      string           `json:"state"`
	Category   cleaner.Category `json:"flc"`
	InputCSV   string           `json:"input_csv"`
	OutputDir  string           `json:"output_dir"`
	AttemptID  string           `json:"attempt_id"`
	Attempt    int              `json:"attempt"`
	Success    bool             `json:"success"`
	ReturnCode int              `json:"returncode"`
	Skipped    bool             `json:"skipped"`

	PrimaryCSV  string `json:"primary_csv,omitempty"`
	SortedCSV   string `json:"sorted_csv,omitempty"`
	PrimaryRows int64  `json:"primary_rows"`
	SortedRows  int64  `json:"sorted_rows"`

	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	EngineMessage   string   `json:"engine_message,omitempty"`
	ValidationError string   `json:"validation_error,omitempty"`
	Error           string   `json:"error,omitempty"`
	Command         []string `json:"command,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`

	PreviousAttemptID string `json:"previous_attempt_id,omitempty"`

	task Task
}

// Task returns the task this result belongs to.
func (r *Result) Task() Task { return r.task }

// Report is the persisted execution report.
type Report struct {
	Runs      []*Result `json:"runs"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Retried   int       `json:"retried"`
}

// Successful returns the successful results in report order.
func (r *Report) Successful() []*Result {
	var out []*Result
	for _, res := range r.Runs {
		if res.Success {
			out = append(out, res)
		}
	}
	return out
}

func sortResults(rs []*Result) {
	rank := make(map[cleaner.Category]int, len(cleaner.Categories))
	for i, c := range cleaner.Categories {
		rank[c] = i
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].State != rs[j].State {
			return rs[i].State < rs[j].State
		}
		return rank[rs[i].Category] < rank[rs[j].Category]
	})
}
