// Package merge concatenates the primary outputs of successful engine tasks
// into one predictions file and summarizes it.
package merge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/withObsrvr/flood-impact-runner/internal/executor"
	"github.com/withObsrvr/flood-impact-runner/internal/logging"
)

// ProvenanceColumns are appended to every merged row.
var ProvenanceColumns = []string{"state", "flc", "raster_name", "run_id", "source_object"}

// SchemaMismatchError reports a primary output whose header differs from
// the first merged file.
type SchemaMismatchError struct {
	Expected []string
	Actual   []string
	File     string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("engine output columns mismatch while merging: expected %v, got %v, file %s",
		e.Expected, e.Actual, e.File)
}

// Options describes the merged file.
type Options struct {
	RunDir     string
	RunID      string
	RasterName string // basename of the selected raster
}

// OutputPath returns final/predictions_<raster stem>_<run id>.csv.
func OutputPath(runDir, rasterName, runID string) string {
	stem := strings.TrimSuffix(rasterName, filepath.Ext(rasterName))
	return filepath.Join(runDir, "final", fmt.Sprintf("predictions_%s_%s.csv", stem, runID))
}

// Merge streams the primary CSV of each result, in the given order, into
// the predictions file and returns its path and data row count. The file is
// written to a temporary name and renamed on success.
func Merge(ctx context.Context, results []*executor.Result, opts Options) (string, int64, error) {
	log := logging.Component("merge")
	out := OutputPath(opts.RunDir, opts.RasterName, opts.RunID)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", 0, fmt.Errorf("create final dir: %w", err)
	}

	tmp := out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("create predictions file: %w", err)
	}
	w := csv.NewWriter(f)

	rows, err := mergeInto(ctx, w, results, opts)
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close predictions file: %w", cerr)
	}
	if err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("rename predictions file: %w", err)
	}

	log.Info("merged engine outputs", "files", len(results), "rows", rows, "path", out)
	return out, rows, nil
}

func mergeInto(ctx context.Context, w *csv.Writer, results []*executor.Result, opts Options) (int64, error) {
	var expected []string
	var rows int64
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		provenance := []string{
			res.State,
			string(res.Category),
			opts.RasterName,
			opts.RunID,
			strings.Join(res.Task().SourceObjects, "|"),
		}
		n, header, err := copyRows(w, res.PrimaryCSV, expected, provenance)
		if err != nil {
			return rows, err
		}
		if expected == nil {
			expected = header
		}
		rows += n
	}
	return rows, nil
}

// copyRows appends the data rows of path to w. When expected is nil the
// file's header, extended with the provenance columns, is written first.
func copyRows(w *csv.Writer, path string, expected, provenance []string) (int64, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open engine output: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		header = []string{}
	} else if err != nil {
		return 0, nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	header = slices.Clone(header)

	if expected == nil {
		if err := w.Write(append(slices.Clone(header), ProvenanceColumns...)); err != nil {
			return 0, nil, fmt.Errorf("write header: %w", err)
		}
	} else if !slices.Equal(header, expected) {
		return 0, nil, &SchemaMismatchError{Expected: expected, Actual: header, File: path}
	}

	var n int64
	out := make([]string, 0, len(header)+len(provenance))
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, nil, fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out[:0], rec...)
		for len(out) < len(header) {
			out = append(out, "")
		}
		out = append(out[:len(header)], provenance...)
		if err := w.Write(out); err != nil {
			return n, nil, fmt.Errorf("write merged row: %w", err)
		}
		n++
	}
	return n, header, nil
}
