package executor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const sortedSuffix = "_sorted.csv"

// FindOutputs locates the engine output pair in dir. The primary is the
// newest CSV not ending in _sorted.csv; its companion is <stem>_sorted.csv
// when present, else the newest _sorted.csv. Missing files are returned as
// empty strings.
func FindOutputs(dir string) (primary, sorted string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("list outputs in %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var newestPrimary, newestSorted time.Time
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		mt := info.ModTime()
		if strings.HasSuffix(name, sortedSuffix) {
			if sorted == "" || mt.After(newestSorted) {
				sorted, newestSorted = name, mt
			}
			continue
		}
		if primary == "" || mt.After(newestPrimary) {
			primary, newestPrimary = name, mt
		}
	}
	if primary == "" {
		return "", "", nil
	}

	match := strings.TrimSuffix(primary, ".csv") + sortedSuffix
	if _, err := os.Stat(filepath.Join(dir, match)); err == nil {
		sorted = match
	}
	primary = filepath.Join(dir, primary)
	if sorted != "" {
		sorted = filepath.Join(dir, sorted)
	}
	return primary, sorted, nil
}

// CountRows returns the number of data rows in a CSV file, excluding the
// header.
func CountRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	var n int64
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("count rows in %s: %w", path, err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

// ValidatePair reports whether both outputs exist, are non-empty and have
// the same number of data rows.
func ValidatePair(primary, sorted string) (ok bool, primaryRows, sortedRows int64) {
	if primary == "" || sorted == "" {
		return false, 0, 0
	}
	var err error
	if primaryRows, err = CountRows(primary); err != nil {
		return false, 0, 0
	}
	if sortedRows, err = CountRows(sorted); err != nil {
		return false, primaryRows, 0
	}
	return primaryRows > 0 && sortedRows > 0 && primaryRows == sortedRows, primaryRows, sortedRows
}

func removeStaleOutputs(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale output %s: %w", m, err)
		}
	}
	return nil
}
