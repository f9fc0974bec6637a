package merge

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/withObsrvr/flood-impact-runner/internal/cleaner"
	"github.com/withObsrvr/flood-impact-runner/internal/executor"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

// successfulResults runs a fake engine through the scheduler so the results
// carry their tasks.
func successfulResults(t *testing.T, runDir string, outputs map[string]string) []*executor.Result {
	t.Helper()
	var tasks []executor.Task
	for _, key := range []string{"LA/CoastalA", "LA/Riverine", "TX/CoastalV"} {
		if _, ok := outputs[key]; !ok {
			continue
		}
		state, cat, _ := strings.Cut(key, "/")
		tasks = append(tasks, executor.Task{
			State:         state,
			Category:      cleaner.Category(cat),
			OutputDir:     executor.OutputDir(runDir, state, cleaner.Category(cat)),
			SourceObjects: []string{"nsi/state=" + state + "/a.parquet", "nsi/state=" + state + "/b.parquet"},
		})
	}
	eng := engineFunc(func(task executor.Task) {
		body := outputs[task.State+"/"+string(task.Category)]
		writeFile(t, filepath.Join(task.OutputDir, "out.csv"), body)
		writeFile(t, filepath.Join(task.OutputDir, "out_sorted.csv"), body)
	})
	report, err := executor.NewScheduler(eng, executor.Options{MaxWorkers: 2}).Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return report.Successful()
}

type engineFunc func(executor.Task)

func (f engineFunc) Run(_ context.Context, t executor.Task) (*executor.Invocation, error) {
	f(t)
	return &executor.Invocation{}, nil
}

func TestMergeAppendsProvenance(t *testing.T) {
	runDir := t.TempDir()
	results := successfulResults(t, runDir, map[string]string{
		"TX/CoastalV": "FltyId,Occ,BldgLoss\nt1,RES1,10\n",
		"LA/Riverine": "FltyId,Occ,BldgLoss\nl2,COM1,0\nl3,RES1,5\n",
		"LA/CoastalA": "FltyId,Occ,BldgLoss\nl1,RES1,7.5\n",
	})

	path, rows, err := Merge(context.Background(), results, Options{
		RunDir:     runDir,
		RunID:      "20250928_120000",
		RasterName: "AL092025_2025_adv12_ResultMaskRaster.tif",
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if rows != 4 {
		t.Errorf("rows = %d, want 4", rows)
	}
	wantPath := filepath.Join(runDir, "final", "predictions_AL092025_2025_adv12_ResultMaskRaster_20250928_120000.csv")
	if path != wantPath {
		t.Errorf("path = %s, want %s", path, wantPath)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	raster := "AL092025_2025_adv12_ResultMaskRaster.tif"
	laObjects := "nsi/state=LA/a.parquet|nsi/state=LA/b.parquet"
	want := [][]string{
		{"FltyId", "Occ", "BldgLoss", "state", "flc", "raster_name", "run_id", "source_object"},
		{"l1", "RES1", "7.5", "LA", "CoastalA", raster, "20250928_120000", laObjects},
		{"l2", "COM1", "0", "LA", "Riverine", raster, "20250928_120000", laObjects},
		{"l3", "RES1", "5", "LA", "Riverine", raster, "20250928_120000", laObjects},
		{"t1", "RES1", "10", "TX", "CoastalV", raster, "20250928_120000", "nsi/state=TX/a.parquet|nsi/state=TX/b.parquet"},
	}
	if diff := cmp.Diff(want, readAll(t, path)); diff != "" {
		t.Errorf("merged rows mismatch (-want +got):\n%s", diff)
	}

	var primaryRows int64
	for _, r := range results {
		primaryRows += r.PrimaryRows
	}
	if primaryRows != rows {
		t.Errorf("merged rows %d != sum of primary rows %d", rows, primaryRows)
	}
}

func TestMergeSchemaMismatch(t *testing.T) {
	runDir := t.TempDir()
	results := successfulResults(t, runDir, map[string]string{
		"LA/CoastalA": "FltyId,BldgLoss\nl1,1\n",
		"LA/Riverine": "FltyId,TotalLoss\nl2,2\n",
	})

	_, _, err := Merge(context.Background(), results, Options{RunDir: runDir, RunID: "r", RasterName: "x.tif"})
	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SchemaMismatchError, got %v", err)
	}
	if diff := cmp.Diff([]string{"FltyId", "BldgLoss"}, mismatch.Expected); diff != "" {
		t.Errorf("expected header (-want +got):\n%s", diff)
	}
	if !strings.Contains(mismatch.File, "flc=Riverine") {
		t.Errorf("file = %s", mismatch.File)
	}
	if _, err := os.Stat(OutputPath(runDir, "x.tif", "r")); !os.IsNotExist(err) {
		t.Error("no predictions file should be published on mismatch")
	}
}

func TestValidateSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.csv")
	writeFile(t, path, strings.Join([]string{
		"FltyId,Latitude,Longitude,Occ,BldgLoss,state,flc",
		"a,29,-90,RES1,100.004,LA,CoastalA",
		"b,29,-90,RES1,0,LA,CoastalA",
		"c,29,-90,COM1,,LA,Riverine",
		"d,30,-95,RES3A,50,TX,CoastalV",
		"",
	}, "\n"))

	report, err := Validate(path)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := Summary{
		TotalRows:      4,
		LossColumn:     "BldgLoss",
		ZeroLossRows:   2,
		ZeroLossPct:    50,
		RowsByState:    map[string]int64{"LA": 3, "TX": 1},
		RowsByFLC:      map[string]int64{"CoastalA": 2, "Riverine": 1, "CoastalV": 1},
		RowsByOccTop10: []OccupancyCount{{"RES1", 2}, {"COM1", 1}, {"RES3A", 1}},
		DamageByState:  map[string]float64{"LA": 100, "TX": 50},
	}
	if diff := cmp.Diff(want, report.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if !report.Passed || len(report.Issues) != 0 {
		t.Errorf("expected clean pass, got %+v", report.Issues)
	}
}

func TestValidateIssues(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name       string
		content    string
		passed     bool
		wantIssues []Issue
	}{
		{
			name:       "empty file",
			content:    "",
			passed:     false,
			wantIssues: []Issue{{LevelFail, "predictions CSV is empty"}},
		},
		{
			name:       "header only",
			content:    "FltyId,Latitude,Longitude,BldgLoss,state,flc\n",
			passed:     false,
			wantIssues: []Issue{{LevelFail, "no prediction rows"}},
		},
		{
			name:    "missing columns",
			content: "FltyId,BldgLoss,state\na,1,LA\n",
			passed:  false,
			wantIssues: []Issue{
				{LevelFail, "missing columns: Latitude, Longitude, flc"},
			},
		},
		{
			name: "mostly zero loss",
			content: "FltyId,Latitude,Longitude,TotalLoss,state,flc\n" +
				strings.Repeat("a,1,1,0,LA,Riverine\n", 19) + "b,1,1,3,LA,Riverine\n",
			passed: true,
			wantIssues: []Issue{
				{LevelWarn, "95.00% zero-loss rows, likely spatial mismatch (buildings outside raster)"},
			},
		},
		{
			name:    "no loss column",
			content: "FltyId,Latitude,Longitude,state,flc\na,1,1,LA,Riverine\n",
			passed:  true,
			wantIssues: []Issue{
				{LevelInfo, "no loss column found; all rows count as zero loss"},
				{LevelWarn, "100.00% zero-loss rows, likely spatial mismatch (buildings outside raster)"},
			},
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.Repeat("x", i+1)+".csv")
			writeFile(t, path, tt.content)
			report, err := Validate(path)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if report.Passed != tt.passed {
				t.Errorf("passed = %v, want %v", report.Passed, tt.passed)
			}
			if diff := cmp.Diff(tt.wantIssues, report.Issues); diff != "" {
				t.Errorf("issues mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateMissingFile(t *testing.T) {
	if _, err := Validate(filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTopOccupanciesLimit(t *testing.T) {
	counts := map[string]int64{}
	for i := 0; i < 12; i++ {
		counts[string(rune('A'+i))] = int64(i)
	}
	got := topOccupancies(counts, 10)
	if len(got) != 10 || got[0].Occupancy != "L" || got[9].Occupancy != "C" {
		t.Errorf("unexpected top list %+v", got)
	}
}
