package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/flood-impact-runner/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter connects to the catalog and creates its tables.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, log: logging.Component("metadata")}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// RecordRun upserts the run row and replaces its task rows in one
// transaction.
func (w *PostgresWriter) RecordRun(ctx context.Context, run RunRecord, tasks []TaskRecord) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO _meta_runs (
			run_id, started_at, finished_at, success, error_kind, raster_object,
			mode, state_scope, states, task_count, success_count, merged_rows,
			predictions_csv, object_prefix
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id)
		DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			success = EXCLUDED.success,
			error_kind = EXCLUDED.error_kind,
			raster_object = EXCLUDED.raster_object,
			states = EXCLUDED.states,
			task_count = EXCLUDED.task_count,
			success_count = EXCLUDED.success_count,
			merged_rows = EXCLUDED.merged_rows,
			predictions_csv = EXCLUDED.predictions_csv,
			object_prefix = EXCLUDED.object_prefix,
			updated_at = NOW()
	`,
		run.RunID,
		run.StartedAt,
		nullTime(run.FinishedAt),
		run.Success,
		nullString(run.ErrorKind),
		nullString(run.RasterObject),
		run.Mode,
		run.StateScope,
		run.States,
		run.TaskCount,
		run.SuccessCount,
		run.MergedRows,
		nullString(run.PredictionsCSV),
		nullString(run.ObjectPrefix),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM _meta_tasks WHERE run_id = $1`, run.RunID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(`
			INSERT INTO _meta_tasks (
				run_id, state, flc, attempt_id, attempt, success, skipped,
				returncode, primary_rows, duration_seconds, error
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			run.RunID, t.State, t.Category, t.AttemptID, t.Attempt, t.Success,
			t.Skipped, t.ReturnCode, t.PrimaryRows, t.DurationSeconds, nullString(t.Error),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert tasks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.log.Info("recorded run lineage", "run_id", run.RunID, "tasks", len(tasks))
	return nil
}

// LastSuccessfulRun returns the most recent successful run for a raster
// object, or nil when there is none.
func (w *PostgresWriter) LastSuccessfulRun(ctx context.Context, rasterObject string) (*RunRecord, error) {
	var rec RunRecord
	var finished *time.Time
	var predictions, prefix *string
	err := w.pool.QueryRow(ctx, `
		SELECT run_id, started_at, finished_at, task_count, success_count,
		       merged_rows, predictions_csv, object_prefix
		FROM _meta_runs
		WHERE raster_object = $1 AND success
		ORDER BY started_at DESC
		LIMIT 1
	`, rasterObject).Scan(
		&rec.RunID, &rec.StartedAt, &finished, &rec.TaskCount, &rec.SuccessCount,
		&rec.MergedRows, &predictions, &prefix,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last run: %w", err)
	}
	rec.Success = true
	rec.RasterObject = rasterObject
	if finished != nil {
		rec.FinishedAt = *finished
	}
	if predictions != nil {
		rec.PredictionsCSV = *predictions
	}
	if prefix != nil {
		rec.ObjectPrefix = *prefix
	}
	return &rec, nil
}

// Close releases the pool.
func (w *PostgresWriter) Close() {
	w.pool.Close()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
