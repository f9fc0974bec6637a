// Package pipeline runs a flood impact job end to end: discover inputs,
// stage them locally, filter and clean partitions against the hazard raster,
// drive the damage engine, then merge, validate and publish the results.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/flood-impact-runner/internal/attest"
	"github.com/withObsrvr/flood-impact-runner/internal/checkpoint"
	"github.com/withObsrvr/flood-impact-runner/internal/cleaner"
	"github.com/withObsrvr/flood-impact-runner/internal/config"
	"github.com/withObsrvr/flood-impact-runner/internal/executor"
	"github.com/withObsrvr/flood-impact-runner/internal/inventory"
	"github.com/withObsrvr/flood-impact-runner/internal/logging"
	"github.com/withObsrvr/flood-impact-runner/internal/merge"
	"github.com/withObsrvr/flood-impact-runner/internal/metadata"
	"github.com/withObsrvr/flood-impact-runner/internal/metrics"
	"github.com/withObsrvr/flood-impact-runner/internal/raster"
	"github.com/withObsrvr/flood-impact-runner/internal/scope"
	"github.com/withObsrvr/flood-impact-runner/internal/source"
	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

// RunIDFormat is the UTC timestamp layout of generated run ids.
const RunIDFormat = "20060102_150405"

// ObjectStore is the storage the pipeline reads inputs from and publishes
// results to.
type ObjectStore interface {
	storage.Store
	SetRetryPolicy(p storage.RetryPolicy)
}

// Options are per-invocation settings that are not part of the config file.
type Options struct {
	// RunID reuses an existing run directory; empty generates a new id.
	RunID string
	// Event resolves the state scope through the event map.
	Event      string
	ConfigPath string
	// Producer names the build recorded in run attestations.
	Producer attest.ProducerInfo
}

// Payload is the machine-readable run summary printed on success.
type Payload struct {
	Success          bool                     `json:"success"`
	RunID            string                   `json:"run_id"`
	RunDir           string                   `json:"run_dir"`
	SelectedRaster   string                   `json:"selected_raster"`
	StatesProcessed  int                      `json:"states_processed"`
	Tasks            int                      `json:"tasks"`
	Successes        int                      `json:"successes"`
	Failures         int                      `json:"failures"`
	PredictionsCSV   string                   `json:"predictions_csv"`
	MergedRows       int64                    `json:"merged_rows"`
	ValidationPassed bool                     `json:"validation_passed"`
	UploadReport     *checkpoint.UploadReport `json:"upload_report,omitempty"`
}

// Pipeline wires the stages together for one run.
type Pipeline struct {
	cfg     *config.Config
	store   ObjectStore
	loader  raster.Loader
	engine  executor.Engine
	catalog metadata.Writer
	emitter attest.Emitter
	opts    Options
	now     func() time.Time
	log     *slog.Logger
}

// New creates a pipeline. catalog may be nil.
func New(cfg *config.Config, store ObjectStore, loader raster.Loader, engine executor.Engine, catalog metadata.Writer, opts Options) *Pipeline {
	if catalog == nil {
		catalog, _ = metadata.NewWriter(context.Background(), metadata.CatalogConfig{})
	}
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		loader:  loader,
		engine:  engine,
		catalog: catalog,
		emitter: attest.NewEmitter(cfg.Attest),
		opts:    opts,
		now:     time.Now,
		log:     logging.Component("pipeline"),
	}
}

// run holds the state accumulated while a run progresses.
type run struct {
	id       string
	dir      string
	reports  *checkpoint.Store
	manifest *checkpoint.RunManifest

	rasterObj   storage.ObjectInfo
	rasterLocal string
	summaries   map[string]*cleaner.Summary
	execReport  *executor.Report
	// uploaded holds published artifacts keyed by run-relative path.
	uploaded map[string]*storage.UploadResult
}

func (r *run) localPath(key string) string {
	return filepath.Join(r.dir, "input", "oracle_objects", filepath.FromSlash(key))
}

// Run executes the pipeline. Failures are returned as *Error.
func (p *Pipeline) Run(ctx context.Context) (*Payload, error) {
	defer p.emitter.Close()

	r := &run{id: p.opts.RunID}
	if r.id == "" {
		r.id = p.now().UTC().Format(RunIDFormat)
	}
	r.dir = filepath.Join(p.cfg.OutputRoot, "fast_e2e_"+r.id)
	ctx = logging.WithRunID(ctx, r.id)
	p.log = logging.FromContext(ctx).With("component", "pipeline")

	payload, err := p.run(ctx, r)
	if err != nil {
		perr := Classify(err)
		p.log.Error("run failed", "kind", perr.Kind, "error", perr.Error())
		p.record(ctx, r, perr.Kind, nil)
		return nil, perr
	}
	p.record(ctx, r, "", payload)
	return payload, nil
}

func (p *Pipeline) run(ctx context.Context, r *run) (*Payload, error) {
	mode, err := cleaner.ParseMode(p.cfg.Mode)
	if err != nil {
		return nil, Fail(KindConfig, "invalid mode", err)
	}
	lookups, err := p.cfg.Lookups()
	if err != nil {
		return nil, Fail(KindConfig, "load lookups", err)
	}

	r.reports, err = checkpoint.NewStore(r.dir)
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	p.log.Info("starting run", "run_dir", r.dir, "resume", p.cfg.Resume && r.reports.Exists(checkpoint.ManifestFile))

	parts, err := p.discover(ctx, r)
	if err != nil {
		return nil, err
	}

	if err := p.download(ctx, r, parts); err != nil {
		return nil, err
	}

	start := time.Now()
	ds, err := p.loader.Load(r.rasterLocal)
	p.observeStage("load_raster", start)
	if err != nil {
		return nil, Fail(KindRaster, "load raster "+r.rasterObj.Key, err)
	}
	defer ds.Close()

	extent, footprint, err := p.bounds(r, ds)
	if err != nil {
		return nil, err
	}

	filtered, err := inventory.FilterPartitions(parts, r.localPath, footprint)
	if err != nil {
		return nil, err
	}
	r.manifest.SkippedStates = filtered.Skipped

	hazard, err := raster.NewHazard(ds.Grid, ds.FromWGS84)
	if err != nil {
		return nil, Fail(KindRaster, "prepare raster sampling", err)
	}
	c := cleaner.New(lookups, r.reports, cleaner.Options{
		RunDir:    r.dir,
		Mode:      mode,
		Bounds:    &extent,
		Hazard:    hazard,
		BatchSize: p.cfg.BatchSize,
		Resume:    p.cfg.Resume,
	})
	if err := p.clean(ctx, r, c, filtered.Retained); err != nil {
		return nil, err
	}

	tasks := executor.BuildTasks(r.summaries, r.rasterLocal, r.dir)
	sched := executor.NewScheduler(p.engine, executor.Options{
		MaxWorkers: p.cfg.Workers.MaxWorkers,
		Resume:     p.cfg.Resume,
	})
	start = time.Now()
	r.execReport, err = sched.Run(ctx, tasks)
	p.observeStage("engine", start)
	if r.execReport != nil {
		if werr := r.reports.WriteJSON(checkpoint.ExecutionReportFile, r.execReport); werr != nil {
			return nil, fmt.Errorf("write execution report: %w", werr)
		}
	}
	if err != nil {
		return nil, err
	}

	predictions, rows, err := merge.Merge(ctx, r.execReport.Successful(), merge.Options{
		RunDir:     r.dir,
		RunID:      r.id,
		RasterName: path.Base(r.rasterObj.Key),
	})
	if err != nil {
		return nil, err
	}

	validation, err := merge.Validate(predictions)
	if err != nil {
		return nil, err
	}
	if err := r.reports.WriteJSON(checkpoint.ValidationReportFile, validation); err != nil {
		return nil, fmt.Errorf("write validation report: %w", err)
	}
	for _, issue := range validation.Issues {
		p.log.Warn("validation issue", "level", issue.Level, "message", issue.Message)
	}

	var upload *checkpoint.UploadReport
	if p.cfg.Upload.Enabled {
		upload, err = p.publish(ctx, r)
		if err != nil {
			return nil, err
		}
	}

	m := r.manifest
	m.Finish(p.now())
	m.RunDir = r.dir
	m.SelectedRasterLocalPath = r.rasterLocal
	m.StateCount = len(r.summaries)
	m.TaskCount = r.execReport.Total
	m.SuccessCount = r.execReport.Succeeded
	m.FailureCount = r.execReport.Failed
	m.PredictionsCSV = predictions
	m.MergedRows = rows
	m.UploadReport = upload
	if err := r.reports.WriteJSON(checkpoint.ManifestFile, m); err != nil {
		return nil, fmt.Errorf("write run manifest: %w", err)
	}
	if upload != nil {
		if err := p.publishManifest(ctx, r, upload); err != nil {
			return nil, err
		}
	}

	p.attest(ctx, r)

	p.log.Info("run finished",
		"tasks", r.execReport.Total,
		"success", r.execReport.Succeeded,
		"merged_rows", rows,
		"validation_passed", validation.Passed,
	)
	return &Payload{
		Success:          true,
		RunID:            r.id,
		RunDir:           r.dir,
		SelectedRaster:   r.rasterObj.Key,
		StatesProcessed:  len(r.summaries),
		Tasks:            r.execReport.Total,
		Successes:        r.execReport.Succeeded,
		Failures:         r.execReport.Failed,
		PredictionsCSV:   predictions,
		MergedRows:       rows,
		ValidationPassed: validation.Passed,
		UploadReport:     upload,
	}, nil
}

// discover lists inputs, resolves the state scope, selects the raster and
// writes the initial manifest.
func (p *Pipeline) discover(ctx context.Context, r *run) ([]source.Partition, error) {
	invPrefix := p.cfg.Inventory.Prefix + "/"
	invObjs, err := p.store.List(ctx, invPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", invPrefix, err)
	}
	if len(invObjs) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoInventory, invPrefix)
	}
	rasterPrefix := p.cfg.Raster.Prefix + "/"
	rasterObjs, err := p.store.List(ctx, rasterPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rasterPrefix, err)
	}

	idx := source.NewPartitionIndex(p.cfg.Inventory.Prefix)
	idx.AddAll(invObjs)
	p.log.Info("indexed inventory", "objects", len(invObjs), "states", idx.Len())

	stateScope := p.cfg.StateScope
	if p.opts.Event != "" {
		events, err := scope.LoadEventMap(p.cfg.EventMap)
		if err != nil {
			return nil, Fail(KindConfig, "load event map", err)
		}
		if stateScope, err = events.Scope(p.opts.Event); err != nil {
			return nil, err
		}
		p.log.Info("resolved event scope", "event", p.opts.Event, "states", stateScope)
	}
	states, err := scope.Resolve(stateScope, idx.States())
	if err != nil {
		return nil, err
	}
	parts, err := idx.Partitions(states)
	if err != nil {
		return nil, err
	}

	r.rasterObj, err = source.SelectRaster(rasterObjs, p.cfg.Raster.Name)
	if err != nil {
		return nil, err
	}
	p.log.Info("selected inputs", "raster", p.store.URI(r.rasterObj.Key), "states", states)

	r.manifest = &checkpoint.RunManifest{
		RunID:     r.id,
		StartedAt: p.now().UTC(),
		Parameters: checkpoint.Parameters{
			StorageBackend: p.cfg.Storage.Backend,
			Bucket:         bucketName(p.cfg.Storage),
			StateScope:     p.cfg.StateScope,
			Event:          p.opts.Event,
			RasterName:     p.cfg.Raster.Name,
			Mode:           p.cfg.Mode,
			MaxWorkers:     p.cfg.Workers.MaxWorkers,
			UploadResults:  p.cfg.Upload.Enabled,
			Resume:         p.cfg.Resume,
			EnginePython:   p.cfg.Engine.Python,
			Config:         p.opts.ConfigPath,
		},
		SelectedRasterObject: r.rasterObj.Key,
		States:               states,
		PreviousRunID:        p.previousRun(ctx, r.rasterObj.Key),
	}
	if err := r.reports.WriteJSON(checkpoint.ManifestFile, r.manifest); err != nil {
		return nil, fmt.Errorf("write run manifest: %w", err)
	}
	return parts, nil
}

// download stages every partition object and the raster under
// input/oracle_objects, download_workers at a time.
func (p *Pipeline) download(ctx context.Context, r *run, parts []source.Partition) error {
	var objs []storage.ObjectInfo
	for _, part := range parts {
		objs = append(objs, part.Objects...)
	}
	objs = append(objs, r.rasterObj)
	r.rasterLocal = r.localPath(r.rasterObj.Key)

	p.store.SetRetryPolicy(p.cfg.RetryPolicy(p.cfg.DownloadRetries))
	p.log.Info("downloading objects", "count", len(objs), "workers", p.cfg.Workers.DownloadWorkers)

	start := time.Now()
	results := make([]storage.DownloadResult, len(objs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Workers.DownloadWorkers, 1))
	for i, obj := range objs {
		g.Go(func() error {
			res, err := p.store.Download(gctx, obj, r.localPath(obj.Key), storage.DownloadOptions{Resume: p.cfg.Resume})
			if err != nil {
				return err
			}
			results[i] = *res
			return nil
		})
	}
	err := g.Wait()
	p.observeStage("download", start)
	if err != nil {
		return Fail(KindTransfer, "download inputs", err)
	}
	if err := r.reports.WriteJSON(checkpoint.DownloadManifestFile, checkpoint.DownloadManifest{Downloads: results}); err != nil {
		return fmt.Errorf("write download manifest: %w", err)
	}
	return nil
}

// bounds computes the raster's selection box and valid-data footprint and
// records both.
func (p *Pipeline) bounds(r *run, ds *raster.Dataset) (extent, footprint raster.Bounds, err error) {
	start := time.Now()
	defer p.observeStage("footprint", start)

	extent, err = raster.Extent(ds.Grid, ds.ToWGS84)
	if err != nil {
		return extent, footprint, err
	}
	footprint, err = raster.Footprint(ds.Grid, ds.ToWGS84)
	if err != nil {
		return extent, footprint, err
	}
	p.log.Info("raster footprint", "bbox", extent, "footprint", footprint)

	err = r.reports.WriteJSON(checkpoint.RasterBBoxFile, checkpoint.RasterBBox{
		RasterObject: r.rasterObj.Key,
		BBoxWGS84:    extent,
		Footprint:    footprint,
	})
	if err != nil {
		return extent, footprint, fmt.Errorf("write raster bbox: %w", err)
	}
	return extent, footprint, nil
}

// clean runs the cleaner over the retained partitions, clean_workers at a
// time, and writes the aggregate reports.
func (p *Pipeline) clean(ctx context.Context, r *run, c *cleaner.Cleaner, parts []source.Partition) error {
	start := time.Now()
	var mu sync.Mutex
	r.summaries = make(map[string]*cleaner.Summary, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Workers.CleanWorkers, 1))
	for _, part := range parts {
		g.Go(func() error {
			in := cleaner.Input{State: part.State, Objects: part.Keys()}
			for _, key := range in.Objects {
				in.Paths = append(in.Paths, r.localPath(key))
			}
			sum, err := c.Clean(gctx, in)
			if err != nil {
				return fmt.Errorf("clean state=%s: %w", part.State, err)
			}
			mu.Lock()
			r.summaries[part.State] = sum
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	p.observeStage("clean", start)
	if err != nil {
		return err
	}

	if err := r.reports.WriteJSON(checkpoint.DataQualityFile, checkpoint.NewDataQualityReport(r.id, r.summaries)); err != nil {
		return fmt.Errorf("write data quality report: %w", err)
	}
	if err := r.reports.WriteJSON(checkpoint.FLCAssignmentFile, checkpoint.NewFLCAssignmentReport(r.id, r.summaries)); err != nil {
		return fmt.Errorf("write flc assignment report: %w", err)
	}
	return nil
}

// previousRun returns the id of the catalog's last successful run over the
// raster, or "" when there is none or the catalog cannot answer.
func (p *Pipeline) previousRun(ctx context.Context, rasterObject string) string {
	prev, err := p.catalog.LastSuccessfulRun(ctx, rasterObject)
	if err != nil {
		p.log.Warn("failed to query run catalog", "error", err)
		return ""
	}
	if prev == nil {
		return ""
	}
	p.log.Info("raster was processed before", "previous_run_id", prev.RunID, "merged_rows", prev.MergedRows)
	return prev.RunID
}

// record writes the run to the catalog. Catalog failures are logged only.
func (p *Pipeline) record(ctx context.Context, r *run, errKind string, payload *Payload) {
	rec := metadata.RunRecord{
		RunID:      r.id,
		StartedAt:  p.now().UTC(),
		FinishedAt: p.now().UTC(),
		Success:    errKind == "",
		ErrorKind:  errKind,
		Mode:       p.cfg.Mode,
		StateScope: p.cfg.StateScope,
	}
	if r.manifest != nil {
		rec.StartedAt = r.manifest.StartedAt
		rec.RasterObject = r.manifest.SelectedRasterObject
		rec.States = r.manifest.States
	}
	if payload != nil {
		rec.TaskCount = payload.Tasks
		rec.SuccessCount = payload.Successes
		rec.MergedRows = payload.MergedRows
		rec.PredictionsCSV = payload.PredictionsCSV
		if payload.UploadReport != nil {
			rec.ObjectPrefix = payload.UploadReport.ObjectPrefix
		}
	}

	var tasks []metadata.TaskRecord
	if r.execReport != nil {
		for _, res := range r.execReport.Runs {
			tasks = append(tasks, metadata.TaskRecord{
				State:           res.State,
				Category:        string(res.Category),
				AttemptID:       res.AttemptID,
				Attempt:         res.Attempt,
				Success:         res.Success,
				Skipped:         res.Skipped,
				ReturnCode:      res.ReturnCode,
				PrimaryRows:     res.PrimaryRows,
				DurationSeconds: res.DurationSeconds,
				Error:           firstNonEmpty(res.Error, res.ValidationError),
			})
		}
	}

	// The run context may already be cancelled; the catalog write gets its own.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.catalog.RecordRun(cctx, rec, tasks); err != nil {
		p.log.Warn("failed to record run in catalog", "error", err)
	}
}

// attest emits a chained attestation of the run's final artifacts. Published
// artifacts are attested by their stored object and its bytes; anything not
// published is attested by its local path. Attestation failures are logged
// only.
func (p *Pipeline) attest(ctx context.Context, r *run) {
	m := r.manifest
	evt := &attest.Event{
		Run: attest.RunInfo{
			RunID:        r.id,
			RasterObject: m.SelectedRasterObject,
			Mode:         p.cfg.Mode,
			States:       checkpoint.SortedStates(r.summaries),
			Tasks:        m.TaskCount,
			Successes:    m.SuccessCount,
		},
		Artifacts: make(map[string]attest.Artifact),
		Producer:  p.opts.Producer,
	}
	files := map[string]struct {
		path string
		rows int64
	}{
		"predictions":       {m.PredictionsCSV, m.MergedRows},
		"validation_report": {r.reports.Path(checkpoint.ValidationReportFile), 0},
		"run_manifest":      {r.reports.Path(checkpoint.ManifestFile), 0},
	}
	for name, f := range files {
		if rel, err := filepath.Rel(r.dir, f.path); err == nil {
			if res, ok := r.uploaded[filepath.ToSlash(rel)]; ok {
				evt.Artifacts[name] = attest.Artifact{Checksum: res.Checksum, RowCount: f.rows, StoragePath: res.Key, ByteSize: res.Size}
				continue
			}
		}
		sum, size, err := attest.FileChecksum(f.path)
		if err != nil {
			p.log.Warn("skipping attestation", "error", err)
			return
		}
		evt.Artifacts[name] = attest.Artifact{Checksum: sum, RowCount: f.rows, StoragePath: f.path, ByteSize: size}
	}

	if err := p.emitter.Emit(ctx, evt); err != nil {
		p.log.Warn("failed to attest run", "error", err)
	}
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	d := time.Since(start)
	p.log.Debug("stage finished", "stage", stage, "duration", d)
	if m := metrics.Get(); m != nil {
		m.ObserveStageDuration(metrics.Labels{Stage: stage}, d.Seconds())
	}
}

func bucketName(cfg storage.StorageConfig) string {
	switch cfg.Backend {
	case "gcs":
		return cfg.GCSBucket
	case "s3":
		return cfg.S3Bucket
	case "local":
		return cfg.LocalDir
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
