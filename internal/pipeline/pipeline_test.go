package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/flood-impact-runner/internal/attest"
	"github.com/withObsrvr/flood-impact-runner/internal/checkpoint"
	"github.com/withObsrvr/flood-impact-runner/internal/config"
	"github.com/withObsrvr/flood-impact-runner/internal/executor"
	"github.com/withObsrvr/flood-impact-runner/internal/inventory"
	"github.com/withObsrvr/flood-impact-runner/internal/merge"
	"github.com/withObsrvr/flood-impact-runner/internal/metadata"
	"github.com/withObsrvr/flood-impact-runner/internal/raster"
	"github.com/withObsrvr/flood-impact-runner/internal/scope"
	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

const (
	testRunID  = "20250928_120000"
	rasterKey  = "rasters/AL092025_2025_adv12_ResultMaskRaster.tif"
	olderTiff  = "rasters/AL092025_2025_adv3_ResultMaskRaster.tif"
	laPartKey  = "nsi/state=LA/part-0.parquet"
	txPartKey  = "nsi/state=TX/part-0.parquet"
	occupancy  = "Occupancy,Description\nRES1,Single Family\nCOM1,Retail\n"
	eventMapYA = "events:\n  ida:\n    states: [LA]\n  empty:\n    states: []\n"
)

type nsiRow struct {
	BID       string   `parquet:"bid"`
	OccType   string   `parquet:"occtype"`
	ValStruct float64  `parquet:"val_struct"`
	Sqft      float64  `parquet:"sqft"`
	NumStory  int32    `parquet:"num_story"`
	FoundType string   `parquet:"found_type"`
	FoundHt   float64  `parquet:"found_ht"`
	Latitude  float64  `parquet:"latitude"`
	Longitude float64  `parquet:"longitude"`
	ValCont   *float64 `parquet:"val_cont,optional"`
	FirmZone  *string  `parquet:"firmzone,optional"`
}

func building(bid string, lat, lon float64, zone *string) nsiRow {
	cont := 50000.0
	return nsiRow{
		BID: bid, OccType: "RES1", ValStruct: 100000, Sqft: 1500, NumStory: 1,
		FoundType: "S", FoundHt: 1, Latitude: lat, Longitude: lon,
		ValCont: &cont, FirmZone: zone,
	}
}

func zone(z string) *string { return &z }

// copyEngine echoes the input inventory with a loss column appended.
type copyEngine struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (e *copyEngine) Run(_ context.Context, t executor.Task) (*executor.Invocation, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fail {
		return &executor.Invocation{ExitCode: 1, Stderr: "engine crashed"}, nil
	}

	data, err := os.ReadFile(t.InputCSV)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines[0] += ",BldgLoss"
	for i := 1; i < len(lines); i++ {
		lines[i] += ",1250.5"
	}
	body := strings.Join(lines, "\n") + "\n"
	for _, name := range []string{"inventory_out.csv", "inventory_out_sorted.csv"} {
		if err := os.WriteFile(filepath.Join(t.OutputDir, name), []byte(body), 0644); err != nil {
			return nil, err
		}
	}
	return &executor.Invocation{Stdout: `{"success": true, "message": "ok"}`}, nil
}

func (e *copyEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeLoader serves a 2x2 geographic grid over lon [-91,-89], lat [29,31]
// with every cell flooded.
func fakeLoader(loads *int) raster.Loader {
	return raster.LoaderFunc(func(path string) (*raster.Dataset, error) {
		*loads++
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return &raster.Dataset{
			Grid: &raster.Grid{
				Name:      filepath.Base(path),
				Width:     2,
				Height:    2,
				Data:      []float64{1, 2, 1.5, 0.5},
				Transform: raster.GeoTransform{-91, 1, 0, 31, 0, -1},
				EPSG:      raster.WGS84,
				HasCRS:    true,
			},
			ToWGS84:   raster.Identity{},
			FromWGS84: raster.Identity{},
		}, nil
	})
}

type fixture struct {
	cfg    *config.Config
	store  *storage.BlobStore
	engine *copyEngine
	loads  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	lookup := filepath.Join(dir, "OccupancyTypes.csv")
	if err := os.WriteFile(lookup, []byte(occupancy), 0644); err != nil {
		t.Fatal(err)
	}
	events := filepath.Join(dir, "event_state_map.yaml")
	if err := os.WriteFile(events, []byte(eventMapYA), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Storage.Backend = "mem"
	cfg.OutputRoot = filepath.Join(dir, "exports")
	cfg.OccupancyLookup = lookup
	cfg.EventMap = events
	cfg.BackoffStep = 0
	cfg.DownloadRetries = 1
	cfg.UploadRetries = 1
	cfg.Upload.Enabled = true

	store := storage.OpenMem("")
	t.Cleanup(func() { store.Close() })

	la := filepath.Join(dir, "la.parquet")
	writeParquet(t, la, []nsiRow{
		building("a", 29.5, -90.5, zone("AE")),
		building("b", 30.5, -89.5, zone("VE")),
		building("c", 30.0, -90.0, nil),
		building("a", 29.5, -90.5, zone("AE")),
	})
	tx := filepath.Join(dir, "tx.parquet")
	writeParquet(t, tx, []nsiRow{building("t", 40.0, -100.0, zone("AE"))})
	tif := filepath.Join(dir, "raster.tif")
	if err := os.WriteFile(tif, []byte("not really a tiff"), 0644); err != nil {
		t.Fatal(err)
	}

	for local, key := range map[string]string{la: laPartKey, tx: txPartKey, tif: rasterKey} {
		if _, err := store.Upload(ctx, local, key, storage.UploadOptions{}); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	if _, err := store.Upload(ctx, tif, olderTiff, storage.UploadOptions{}); err != nil {
		t.Fatal(err)
	}

	return &fixture{cfg: cfg, store: store, engine: &copyEngine{}}
}

func (f *fixture) pipeline(opts Options) *Pipeline {
	return New(f.cfg, f.store, fakeLoader(&f.loads), f.engine, nil, opts)
}

// memCatalog keeps run records in memory.
type memCatalog struct {
	mu   sync.Mutex
	runs []metadata.RunRecord
}

func (c *memCatalog) RecordRun(_ context.Context, run metadata.RunRecord, _ []metadata.TaskRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

func (c *memCatalog) LastSuccessfulRun(_ context.Context, rasterObject string) (*metadata.RunRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.runs) - 1; i >= 0; i-- {
		if r := c.runs[i]; r.Success && r.RasterObject == rasterObject {
			return &r, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) Close() {}

func writeParquet(t *testing.T, path string, rows []nsiRow) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	w := parquet.NewGenericWriter[nsiRow](file)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("write rows: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
}

func readReport(t *testing.T, runDir, name string, v any) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(runDir, "reports", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload, err := f.pipeline(Options{RunID: testRunID}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if payload.SelectedRaster != rasterKey {
		t.Errorf("selected raster = %s", payload.SelectedRaster)
	}
	if payload.StatesProcessed != 1 || payload.Tasks != 2 || payload.Successes != 2 || payload.Failures != 0 {
		t.Errorf("unexpected payload counts: %+v", payload)
	}
	if payload.MergedRows != 3 {
		t.Errorf("merged rows = %d, want 3", payload.MergedRows)
	}
	if !payload.ValidationPassed {
		t.Errorf("validation should pass")
	}
	wantCSV := filepath.Join(f.cfg.OutputRoot, "fast_e2e_"+testRunID, "final",
		"predictions_AL092025_2025_adv12_ResultMaskRaster_"+testRunID+".csv")
	if payload.PredictionsCSV != wantCSV {
		t.Errorf("predictions = %s, want %s", payload.PredictionsCSV, wantCSV)
	}

	var manifest checkpoint.RunManifest
	readReport(t, payload.RunDir, checkpoint.ManifestFile, &manifest)
	if manifest.FinishedAt == nil || manifest.MergedRows != 3 || manifest.TaskCount != 2 {
		t.Errorf("manifest not finished: %+v", manifest)
	}
	if len(manifest.SkippedStates) != 1 || manifest.SkippedStates[0] != "TX" {
		t.Errorf("skipped states = %v", manifest.SkippedStates)
	}

	var bbox checkpoint.RasterBBox
	readReport(t, payload.RunDir, checkpoint.RasterBBoxFile, &bbox)
	if bbox.Footprint != (raster.Bounds{MinLon: -91, MinLat: 29, MaxLon: -89, MaxLat: 31}) {
		t.Errorf("footprint = %+v", bbox.Footprint)
	}

	var dq checkpoint.DataQualityReport
	readReport(t, payload.RunDir, checkpoint.DataQualityFile, &dq)
	if dq.StateInputRows["LA"] != 4 || dq.StateWrittenRows["LA"] != 3 || dq.StateDropped["LA"]["duplicate-key"] != 1 {
		t.Errorf("data quality = %+v", dq)
	}

	var validation merge.Report
	readReport(t, payload.RunDir, checkpoint.ValidationReportFile, &validation)
	if validation.Summary.RowsByFLC["CoastalA"] != 2 || validation.Summary.RowsByFLC["CoastalV"] != 1 {
		t.Errorf("rows by flc = %v", validation.Summary.RowsByFLC)
	}

	if payload.UploadReport == nil || payload.UploadReport.FailedCount != 0 || payload.UploadReport.UploadedCount == 0 {
		t.Fatalf("upload report = %+v", payload.UploadReport)
	}
	prefix := ResultsPrefix(testRunID)
	objs, err := f.store.List(ctx, prefix+"final/")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(objs) != 1 || !strings.HasSuffix(objs[0].Key, "_"+testRunID+".csv") {
		t.Errorf("published finals = %+v", objs)
	}
	fastCSV, err := f.store.List(ctx, prefix+"input/fast_csv/")
	if err != nil || len(fastCSV) != 2 {
		t.Errorf("published cleaned inputs = %d, %v", len(fastCSV), err)
	}
}

func TestRunResumeSkipsCompletedWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline(Options{RunID: testRunID}).Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	calls := f.engine.count()

	second, err := f.pipeline(Options{RunID: testRunID}).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.engine.count() != calls {
		t.Errorf("engine ran %d more times on resume", f.engine.count()-calls)
	}
	if second.MergedRows != first.MergedRows {
		t.Errorf("merged rows changed on resume: %d vs %d", first.MergedRows, second.MergedRows)
	}

	var exec executor.Report
	readReport(t, second.RunDir, checkpoint.ExecutionReportFile, &exec)
	for _, r := range exec.Runs {
		if !r.Skipped {
			t.Errorf("%s/%s should be skipped on resume", r.State, r.Category)
		}
	}

	var downloads checkpoint.DownloadManifest
	readReport(t, second.RunDir, checkpoint.DownloadManifestFile, &downloads)
	for _, d := range downloads.Downloads {
		if d.Status != "skipped" {
			t.Errorf("%s status = %s, want skipped", d.Key, d.Status)
		}
	}
}

func TestRunRecordsPreviousRun(t *testing.T) {
	f := newFixture(t)
	f.cfg.Upload.Enabled = false
	catalog := &memCatalog{}
	ctx := context.Background()

	ids := []string{testRunID, "20250928_130000"}
	for _, id := range ids {
		if _, err := New(f.cfg, f.store, fakeLoader(&f.loads), f.engine, catalog, Options{RunID: id}).Run(ctx); err != nil {
			t.Fatalf("Run %s: %v", id, err)
		}
	}

	var first, second checkpoint.RunManifest
	readReport(t, filepath.Join(f.cfg.OutputRoot, "fast_e2e_"+ids[0]), checkpoint.ManifestFile, &first)
	readReport(t, filepath.Join(f.cfg.OutputRoot, "fast_e2e_"+ids[1]), checkpoint.ManifestFile, &second)
	if first.PreviousRunID != "" {
		t.Errorf("first run previous = %q, want none", first.PreviousRunID)
	}
	if second.PreviousRunID != ids[0] {
		t.Errorf("second run previous = %q, want %s", second.PreviousRunID, ids[0])
	}
	if len(catalog.runs) != 2 || !catalog.runs[1].Success {
		t.Errorf("catalog runs = %+v", catalog.runs)
	}
}

func TestRunWithEventScope(t *testing.T) {
	f := newFixture(t)
	f.cfg.Upload.Enabled = false

	payload, err := f.pipeline(Options{RunID: testRunID, Event: "ida"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if payload.StatesProcessed != 1 || payload.UploadReport != nil {
		t.Errorf("unexpected payload %+v", payload)
	}
	var manifest checkpoint.RunManifest
	readReport(t, payload.RunDir, checkpoint.ManifestFile, &manifest)
	if manifest.Parameters.Event != "ida" || len(manifest.States) != 1 || manifest.States[0] != "LA" {
		t.Errorf("manifest scope = %+v / %v", manifest.Parameters, manifest.States)
	}
}

func TestRunAttestsArtifacts(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	f.cfg.Attest = attest.Config{Enabled: true, Dir: dir}
	ctx := context.Background()

	var events []attest.Event
	for _, id := range []string{testRunID, "20250928_130000"} {
		payload, err := f.pipeline(Options{RunID: id}).Run(ctx)
		if err != nil {
			t.Fatalf("Run %s: %v", id, err)
		}
		var evt attest.Event
		path := attest.NewFileBackup(dir).Path(&attest.Event{Run: attest.RunInfo{
			RunID: id, Mode: f.cfg.Mode, RasterObject: rasterKey,
		}})
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read attestation: %v", err)
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("parse attestation: %v", err)
		}

		pred, ok := evt.Artifacts["predictions"]
		if !ok || pred.RowCount != payload.MergedRows {
			t.Errorf("predictions artifact = %+v", pred)
		}
		sum, _, err := attest.FileChecksum(payload.PredictionsCSV)
		if err != nil || sum != pred.Checksum {
			t.Errorf("checksum = %s, want %s (%v)", pred.Checksum, sum, err)
		}
		if !strings.HasPrefix(pred.StoragePath, ResultsPrefix(id)+"final/") {
			t.Errorf("storage path = %s", pred.StoragePath)
		}
		events = append(events, evt)
	}

	if events[0].Chain.PrevEventHash != "" {
		t.Errorf("first run should start the chain")
	}
	if events[1].Chain.PrevEventHash != events[0].Chain.EventHash {
		t.Errorf("second run prev = %s, want %s", events[1].Chain.PrevEventHash, events[0].Chain.EventHash)
	}
}

func TestRunAttestsStoredArtifacts(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			f := newFixture(t)
			dir := t.TempDir()
			f.cfg.Attest = attest.Config{Enabled: true, Dir: dir}
			f.cfg.Upload.Compression = compression
			ctx := context.Background()

			payload, err := f.pipeline(Options{RunID: testRunID}).Run(ctx)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			data, err := os.ReadFile(attest.NewFileBackup(dir).Path(&attest.Event{Run: attest.RunInfo{
				RunID: testRunID, Mode: f.cfg.Mode, RasterObject: rasterKey,
			}}))
			if err != nil {
				t.Fatalf("read attestation: %v", err)
			}
			var evt attest.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				t.Fatalf("parse attestation: %v", err)
			}

			fetched := t.TempDir()
			for _, name := range []string{"predictions", "validation_report", "run_manifest"} {
				art, ok := evt.Artifacts[name]
				if !ok {
					t.Fatalf("missing %s artifact", name)
				}
				obj, err := f.store.Head(ctx, art.StoragePath)
				if err != nil {
					t.Fatalf("%s not stored at %s: %v", name, art.StoragePath, err)
				}
				local := filepath.Join(fetched, name)
				if _, err := f.store.Download(ctx, *obj, local, storage.DownloadOptions{}); err != nil {
					t.Fatalf("download %s: %v", name, err)
				}
				sum, size, err := attest.FileChecksum(local)
				if err != nil {
					t.Fatal(err)
				}
				if sum != art.Checksum || size != art.ByteSize {
					t.Errorf("%s: stored %s (%d bytes), attested %s (%d bytes)", name, sum, size, art.Checksum, art.ByteSize)
				}
			}

			raw, err := os.ReadFile(filepath.Join(fetched, "run_manifest"))
			if err != nil {
				t.Fatal(err)
			}
			if compression == "zstd" {
				dec, err := zstd.NewReader(nil)
				if err != nil {
					t.Fatal(err)
				}
				raw, err = dec.DecodeAll(raw, nil)
				dec.Close()
				if err != nil {
					t.Fatalf("decompress manifest: %v", err)
				}
			}
			var m checkpoint.RunManifest
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("parse stored manifest: %v", err)
			}
			if m.MergedRows != payload.MergedRows || m.MergedRows == 0 || m.FinishedAt == nil {
				t.Errorf("stored manifest is not final: merged_rows=%d finished=%v", m.MergedRows, m.FinishedAt != nil)
			}

			var report checkpoint.UploadReport
			readReport(t, payload.RunDir, checkpoint.UploadReportFile, &report)
			if report.UploadedCount != payload.UploadReport.UploadedCount+1 {
				t.Errorf("upload report on disk counts %d, want manifest counted on top of %d",
					report.UploadedCount, payload.UploadReport.UploadedCount)
			}
		})
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture) Options
		kind  string
	}{
		{
			name: "no overlapping partitions",
			setup: func(f *fixture) Options {
				f.cfg.StateScope = "TX"
				return Options{}
			},
			kind: KindNoPartitions,
		},
		{
			name: "unknown state",
			setup: func(f *fixture) Options {
				f.cfg.StateScope = "LA,ZZ"
				return Options{}
			},
			kind: KindConfig,
		},
		{
			name:  "unknown event",
			setup: func(f *fixture) Options { return Options{Event: "katrina"} },
			kind:  KindConfig,
		},
		{
			name: "missing raster",
			setup: func(f *fixture) Options {
				f.cfg.Raster.Name = "nope.tif"
				return Options{}
			},
			kind: KindConfig,
		},
		{
			name: "missing occupancy lookup",
			setup: func(f *fixture) Options {
				f.cfg.OccupancyLookup = filepath.Join(f.cfg.OutputRoot, "missing.csv")
				return Options{}
			},
			kind: KindConfig,
		},
		{
			name: "engine always fails",
			setup: func(f *fixture) Options {
				f.engine.fail = true
				return Options{}
			},
			kind: KindNoSuccessfulTasks,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			opts := tt.setup(f)
			opts.RunID = testRunID

			payload, err := f.pipeline(opts).Run(context.Background())
			if err == nil {
				t.Fatalf("expected error, got payload %+v", payload)
			}
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %T: %v", err, err)
			}
			if pe.Kind != tt.kind {
				t.Errorf("kind = %s, want %s (%v)", pe.Kind, tt.kind, err)
			}
		})
	}
}

func TestRunFailureKeepsExecutionReport(t *testing.T) {
	f := newFixture(t)
	f.engine.fail = true

	_, err := f.pipeline(Options{RunID: testRunID}).Run(context.Background())
	if !errors.Is(err, executor.ErrNoSuccessfulTasks) {
		t.Fatalf("expected ErrNoSuccessfulTasks, got %v", err)
	}
	var exec executor.Report
	readReport(t, filepath.Join(f.cfg.OutputRoot, "fast_e2e_"+testRunID), checkpoint.ExecutionReportFile, &exec)
	if exec.Failed != 2 || exec.Retried != 2 {
		t.Errorf("execution report = %+v", exec)
	}
	if f.engine.count() != 4 {
		t.Errorf("engine calls = %d, want 4 (two tasks, one retry each)", f.engine.count())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{fmt.Errorf("wrap: %w", &raster.NoValidDataError{Name: "x"}), KindRaster},
		{fmt.Errorf("footprint: %w", raster.ErrNoCRS), KindRaster},
		{&scope.UnknownStatesError{Missing: []string{"ZZ"}}, KindConfig},
		{inventory.ErrNoOverlappingPartitions, KindNoPartitions},
		{fmt.Errorf("%w: download x: boom", storage.ErrTransferFailed), KindTransfer},
		{executor.ErrNoSuccessfulTasks, KindNoSuccessfulTasks},
		{executor.ErrNoTasks, KindNoTasks},
		{&merge.SchemaMismatchError{File: "f"}, KindSchemaMismatch},
		{fmt.Errorf("clean state=LA: %w", inventory.ErrMissingColumns), KindSchemaMismatch},
		{context.Canceled, KindCanceled},
		{errors.New("disk on fire"), KindInternal},
		{Fail(KindConfig, "bad", errors.New("x")), KindConfig},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got.Kind != tt.kind {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got.Kind, tt.kind)
		}
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	wrapped := Fail(KindTransfer, "upload", Fail(KindConfig, "inner", nil))
	if Classify(wrapped).Kind != KindConfig {
		t.Error("Fail should keep an existing classification")
	}
}
