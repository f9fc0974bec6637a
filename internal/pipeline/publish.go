package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/withObsrvr/flood-impact-runner/internal/checkpoint"
	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

// PublishDirs are the run subdirectories uploaded after a successful run.
var PublishDirs = []string{"final", "reports", "fast_output", "input/fast_csv"}

// ResultsPrefix returns the object prefix results are published under.
func ResultsPrefix(runID string) string {
	return "results/" + runID + "/"
}

// manifestObject is the run manifest's path relative to the run directory.
// It is published by publishManifest once the manifest is final.
const manifestObject = "reports/" + checkpoint.ManifestFile

// publish uploads run artifacts one file at a time. Files that exhaust
// their retries are listed in the report; they do not fail the run.
func (p *Pipeline) publish(ctx context.Context, r *run) (*checkpoint.UploadReport, error) {
	start := time.Now()
	defer p.observeStage("upload", start)

	files, err := publishFiles(r.dir)
	if err != nil {
		return nil, err
	}
	prefix := ResultsPrefix(r.id)
	report := &checkpoint.UploadReport{Failed: []checkpoint.UploadFailure{}, ObjectPrefix: prefix}

	p.store.SetRetryPolicy(p.cfg.RetryPolicy(p.cfg.UploadRetries))
	p.log.Info("uploading result artifacts", "files", len(files), "prefix", prefix)
	r.uploaded = make(map[string]*storage.UploadResult, len(files))
	for _, rel := range files {
		if rel == manifestObject {
			continue
		}
		if err := p.publishFile(ctx, r, report, rel); err != nil {
			return nil, err
		}
	}

	if err := r.reports.WriteJSON(checkpoint.UploadReportFile, report); err != nil {
		return nil, fmt.Errorf("write upload report: %w", err)
	}
	p.log.Info("upload finished", "uploaded", report.UploadedCount, "failed", report.FailedCount)
	return report, nil
}

// publishManifest uploads the finished run manifest and refreshes the
// upload report on disk. The report embedded in the manifest predates this
// upload and does not count it.
func (p *Pipeline) publishManifest(ctx context.Context, r *run, report *checkpoint.UploadReport) error {
	if err := p.publishFile(ctx, r, report, manifestObject); err != nil {
		return err
	}
	if err := r.reports.WriteJSON(checkpoint.UploadReportFile, report); err != nil {
		return fmt.Errorf("write upload report: %w", err)
	}
	return nil
}

// publishFile uploads one run-relative file under the run's prefix and
// records the outcome. Only context cancellation is returned as an error.
func (p *Pipeline) publishFile(ctx context.Context, r *run, report *checkpoint.UploadReport, rel string) error {
	local := filepath.Join(r.dir, filepath.FromSlash(rel))
	key := report.ObjectPrefix + rel
	res, err := p.store.Upload(ctx, local, key, storage.UploadOptions{Compress: p.cfg.Compress()})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("artifact not uploaded", "file", rel, "error", err)
		report.Failed = append(report.Failed, checkpoint.UploadFailure{File: local, Object: key, Error: err.Error()})
		report.FailedCount = len(report.Failed)
		return nil
	}
	report.UploadedCount++
	r.uploaded[rel] = res
	p.log.Debug("uploaded artifact", "key", res.Key, "size", res.Size)
	return nil
}

// publishFiles lists the regular files under PublishDirs as slash-separated
// paths relative to runDir, in walk order.
func publishFiles(runDir string) ([]string, error) {
	var files []string
	for _, sub := range PublishDirs {
		root := filepath.Join(runDir, filepath.FromSlash(sub))
		if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
			continue
		}
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(runDir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", sub, err)
		}
	}
	return files, nil
}
