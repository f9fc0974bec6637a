package metadata

import (
	"context"
)

type CatalogConfig struct {
	PostgresDSN string
}

// Writer persists run lineage.
type Writer interface {
	RecordRun(ctx context.Context, run RunRecord, tasks []TaskRecord) error
	// LastSuccessfulRun returns the latest successful run over a raster
	// object, or nil when there is none.
	LastSuccessfulRun(ctx context.Context, rasterObject string) (*RunRecord, error)
	Close()
}

// NewWriter returns a PostgreSQL writer when a DSN is configured, otherwise
// a writer that discards records.
func NewWriter(ctx context.Context, cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordRun(context.Context, RunRecord, []TaskRecord) error { return nil }

func (noopWriter) LastSuccessfulRun(context.Context, string) (*RunRecord, error) { return nil, nil }

func (noopWriter) Close() {}
