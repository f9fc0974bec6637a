// Package metadata records run and task lineage in a catalog. Without a
// configured database the catalog is a no-op.
package metadata

import (
	"time"
)

// RunRecord is the catalog row for one pipeline run.
type RunRecord struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Success        bool
	ErrorKind      string
	RasterObject   string
	Mode           string
	StateScope     string
	States         []string
	TaskCount      int
	SuccessCount   int
	MergedRows     int64
	PredictionsCSV string
	ObjectPrefix   string
}

// TaskRecord is the catalog row for the final attempt of one engine task.
type TaskRecord struct {
	State           string
	Category        string
	AttemptID       string
	Attempt         int
	Success         bool
	Skipped         bool
	ReturnCode      int
	PrimaryRows     int64
	DurationSeconds float64
	Error           string
}
