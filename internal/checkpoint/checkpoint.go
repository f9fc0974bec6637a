// Package checkpoint persists run reports and per-stage summaries as JSON
// under a run's reports directory. Stages read their own summaries back to
// decide whether work can be skipped on resume.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Report file names under the reports directory.
const (
	ManifestFile         = "run_manifest.json"
	DownloadManifestFile = "download_manifest.json"
	RasterBBoxFile       = "raster_bbox.json"
	DataQualityFile      = "data_quality_report.json"
	FLCAssignmentFile    = "flc_assignment_report.json"
	ExecutionReportFile  = "fast_execution_report.json"
	UploadReportFile     = "upload_report.json"
	ValidationReportFile = "validation_report.json"
)

// Store reads and writes JSON documents below a directory. Writes are
// atomic. It is safe for concurrent use on distinct names.
type Store struct {
	dir string
}

// NewStore creates a store rooted at <runDir>/reports.
func NewStore(runDir string) (*Store, error) {
	dir := filepath.Join(runDir, "reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create reports directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the file path for a document name. Names may contain '/'.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

// WriteJSON marshals v and replaces name atomically.
func (s *Store) WriteJSON(name string, v any) error {
	if err := checkName(name); err != nil {
		return err
	}
	return WriteFile(s.Path(name), v)
}

// WriteFile marshals v as indented JSON and replaces path atomically,
// creating parent directories as needed.
func WriteFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write %s temp file: %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadJSON loads name into v. It returns ErrNoCheckpoint when the document
// does not exist.
func (s *Store) ReadJSON(name string, v any) error {
	if err := checkName(name); err != nil {
		return err
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCheckpoint
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name has been written.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

func checkName(name string) error {
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if name == "" || filepath.IsAbs(name) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}
