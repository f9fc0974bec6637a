package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/flood-impact-runner/internal/attest"
	"github.com/withObsrvr/flood-impact-runner/internal/executor"
	"github.com/withObsrvr/flood-impact-runner/internal/metadata"
	"github.com/withObsrvr/flood-impact-runner/internal/metrics"
	"github.com/withObsrvr/flood-impact-runner/internal/pipeline"
	"github.com/withObsrvr/flood-impact-runner/internal/raster/gdalraster"
	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

var runFlags struct {
	stateScope    string
	event         string
	rasterName    string
	mode          string
	maxWorkers    int
	outputRoot    string
	runID         string
	resume        bool
	noResume      bool
	uploadResults bool
	enginePython  string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline end to end",
	Long: `Run lists the inventory and raster prefixes, stages the selected inputs,
filters partitions against the raster footprint, cleans them into engine
inputs, runs the damage engine for every partition and loss category,
then merges, validates and optionally publishes the results.

A JSON payload describing the run is printed on stdout. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.stateScope, "state-scope", "", `Comma-separated states or "all"`)
	f.StringVar(&runFlags.event, "event", "", "Resolve the state scope from the event map")
	f.StringVar(&runFlags.rasterName, "raster-name", "", `Raster object name or "auto"`)
	f.StringVar(&runFlags.mode, "mode", "", "Classification mode: impact-only or full-domain")
	f.IntVar(&runFlags.maxWorkers, "max-workers", 0, "Concurrent engine tasks")
	f.StringVar(&runFlags.outputRoot, "output-root", "", "Directory run folders are created under")
	f.StringVar(&runFlags.runID, "run-id", "", "Reuse an existing run id instead of generating one")
	f.BoolVar(&runFlags.resume, "resume", true, "Reuse valid downloads, summaries and engine outputs")
	f.BoolVar(&runFlags.noResume, "no-resume", false, "Disable resume")
	f.BoolVar(&runFlags.uploadResults, "upload-results", false, "Publish artifacts to results/<run_id>/")
	f.StringVar(&runFlags.enginePython, "engine-python", "", "Python interpreter for the damage engine")
	runCmd.MarkFlagsMutuallyExclusive("resume", "no-resume")
	runCmd.MarkFlagsMutuallyExclusive("state-scope", "event")
}

func applyRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("state-scope") {
		cfg.StateScope = runFlags.stateScope
	}
	if f.Changed("raster-name") {
		cfg.Raster.Name = runFlags.rasterName
	}
	if f.Changed("mode") {
		cfg.Mode = runFlags.mode
	}
	if f.Changed("max-workers") {
		cfg.Workers.MaxWorkers = runFlags.maxWorkers
	}
	if f.Changed("output-root") {
		cfg.OutputRoot = runFlags.outputRoot
	}
	if f.Changed("resume") {
		cfg.Resume = runFlags.resume
	}
	if runFlags.noResume {
		cfg.Resume = false
	}
	if f.Changed("upload-results") {
		cfg.Upload.Enabled = runFlags.uploadResults
	}
	if f.Changed("engine-python") {
		cfg.Engine.Python = runFlags.enginePython
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	applyRunFlags(cmd)
	log := slog.With("component", "main")
	log.Info("flood runner starting", "version", Version, "git_sha", GitSHA)

	if err := cfg.Validate(); err != nil {
		return pipeline.Fail(pipeline.KindConfig, "invalid config", err)
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	store, err := storage.NewStore(ctx, cfg.Storage)
	if err != nil {
		return pipeline.Fail(pipeline.KindConfig, "open object store", err)
	}
	defer store.Close()
	log.Info("object store opened", "backend", store.Backend(), "root", store.URI(""))

	catalog, err := metadata.NewWriter(ctx, metadata.CatalogConfig{PostgresDSN: cfg.Catalog.PostgresDSN})
	if err != nil {
		log.Warn("run catalog unavailable, continuing without it", "error", err)
		catalog = nil
	}
	if catalog != nil {
		defer catalog.Close()
	}

	engine := &executor.SubprocessEngine{
		Python:      cfg.Engine.Python,
		Script:      cfg.Engine.Script,
		ProjectRoot: cfg.Engine.ProjectRoot,
		LogPath:     cfg.Engine.LogPath,
		QCWarning:   cfg.Engine.QCWarning,
	}
	p := pipeline.New(cfg, store, gdalraster.Loader, engine, catalog, pipeline.Options{
		RunID:      runFlags.runID,
		Event:      runFlags.event,
		ConfigPath: configPath,
		Producer:   attest.ProducerInfo{Name: "flood-runner", Version: Version, GitSHA: GitSHA},
	})

	payload, err := p.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("shutdown complete")
		}
		return err
	}
	writeJSON(os.Stdout, payload)
	return nil
}
