package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/flood-impact-runner/internal/logging"
	"github.com/withObsrvr/flood-impact-runner/internal/metrics"
)

// Options configures a Scheduler.
type Options struct {
	MaxWorkers int
	// Resume lets the first pass skip tasks whose output pair is already
	// valid. The retry pass never skips.
	Resume bool
}

// Scheduler executes tasks on a bounded worker pool.
type Scheduler struct {
	engine   Engine
	opts     Options
	log      *slog.Logger
	inFlight atomic.Int64
}

// NewScheduler creates a scheduler driving engine.
func NewScheduler(engine Engine, opts Options) *Scheduler {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	return &Scheduler{
		engine: engine,
		opts:   opts,
		log:    logging.Component("executor"),
	}
}

// Cancel is a no-op: once started, a run always completes both passes.
func (s *Scheduler) Cancel() {}

// Run executes every task, then retries the failures once with resume
// disabled. The report holds one result per task, sorted by state and
// category. It returns ErrNoSuccessfulTasks, with the report, when nothing
// succeeded.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) (*Report, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	s.log.Info("running engine tasks",
		"tasks", len(tasks),
		"workers", min(s.opts.MaxWorkers, len(tasks)),
		"resume", s.opts.Resume,
	)
	first := s.pass(ctx, tasks, s.opts.Resume, 1)

	final := make(map[string]*Result, len(first))
	var failed []Task
	for _, r := range first {
		final[r.task.Key()] = r
		if !r.Success {
			failed = append(failed, r.task)
		}
	}

	if len(failed) > 0 {
		s.log.Warn("retrying failed tasks", "count", len(failed))
		for _, r := range s.pass(ctx, failed, false, 2) {
			r.PreviousAttemptID = final[r.task.Key()].AttemptID
			final[r.task.Key()] = r
			s.log.Info("retry finished",
				"state", r.State,
				"flc", r.Category,
				"success", r.Success,
			)
		}
	}

	report := &Report{Total: len(tasks), Retried: len(failed)}
	for _, r := range final {
		report.Runs = append(report.Runs, r)
		if r.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	sortResults(report.Runs)

	s.log.Info("engine tasks finished",
		"total", report.Total,
		"success", report.Succeeded,
		"failed", report.Failed,
	)
	if report.Succeeded == 0 {
		return report, ErrNoSuccessfulTasks
	}
	return report, nil
}

// pass runs tasks on min(MaxWorkers, len(tasks)) workers and returns the
// results in completion order.
func (s *Scheduler) pass(ctx context.Context, tasks []Task, resume bool, attempt int) []*Result {
	workers := min(s.opts.MaxWorkers, len(tasks))
	if workers < 1 {
		workers = 1
	}

	taskCh := make(chan Task, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)

	resultCh := make(chan *Result, len(tasks))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wlog := logging.WorkerLogger(ctx, id)
			for t := range taskCh {
				resultCh <- s.runTask(ctx, wlog, t, resume, attempt)
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]*Result, 0, len(tasks))
	for r := range resultCh {
		results = append(results, r)
		status := "FAIL"
		if r.Success {
			status = "OK"
		}
		s.log.Info("task finished",
			"progress", fmt.Sprintf("%d/%d", len(results), len(tasks)),
			"state", r.State,
			"flc", r.Category,
			"status", status,
			"skipped", r.Skipped,
			"attempt", attempt,
		)
	}
	return results
}

func (s *Scheduler) runTask(ctx context.Context, wlog *slog.Logger, t Task, resume bool, attempt int) *Result {
	res := &Result{
		State:     t.State,
		Category:  t.Category,
		InputCSV:  t.InputCSV,
		OutputDir: t.OutputDir,
		AttemptID: logging.NewCorrelationID(),
		Attempt:   attempt,
		task:      t,
	}
	log := logging.TaskLogger(wlog, t.State, string(t.Category), res.AttemptID)

	if err := os.MkdirAll(t.OutputDir, 0755); err != nil {
		res.Error = fmt.Sprintf("create output dir: %v", err)
		res.ReturnCode = -1
		s.observe(res)
		return res
	}

	if resume {
		primary, sorted, err := FindOutputs(t.OutputDir)
		if err == nil {
			if ok, pr, sr := ValidatePair(primary, sorted); ok {
				res.Success, res.Skipped = true, true
				res.PrimaryCSV, res.SortedCSV = primary, sorted
				res.PrimaryRows, res.SortedRows = pr, sr
				log.Info("reusing valid engine outputs", "primary_rows", pr)
				s.observe(res)
				return res
			}
		}
	}

	if err := removeStaleOutputs(t.OutputDir); err != nil {
		res.Error = err.Error()
		res.ReturnCode = -1
		s.observe(res)
		return res
	}

	s.setInFlight(1)
	start := time.Now()
	inv, err := s.engine.Run(ctx, t)
	res.DurationSeconds = time.Since(start).Seconds()
	s.setInFlight(-1)

	if inv != nil {
		res.Command = inv.Command
		res.ReturnCode = inv.ExitCode
		res.Stdout = inv.Stdout
		res.Stderr = inv.Stderr
		if inv.Document != nil {
			res.EngineMessage = inv.Document.Message
			if res.EngineMessage == "" {
				res.EngineMessage = inv.Document.Error
			}
		}
	}
	if err != nil {
		res.Error = err.Error()
		res.ReturnCode = -1
	}

	primary, sorted, ferr := FindOutputs(t.OutputDir)
	if ferr != nil {
		res.ValidationError = ferr.Error()
	}
	valid, pr, sr := ValidatePair(primary, sorted)
	res.PrimaryCSV, res.SortedCSV = primary, sorted
	res.PrimaryRows, res.SortedRows = pr, sr
	if !valid && res.ValidationError == "" {
		res.ValidationError = fmt.Sprintf("invalid output pair: primary_rows=%d, sorted_rows=%d", pr, sr)
	}
	res.Success = err == nil && res.ReturnCode == 0 && valid

	if res.Success {
		log.Info("engine task succeeded", "primary_rows", pr, "duration_s", res.DurationSeconds)
	} else {
		log.Warn("engine task failed",
			"returncode", res.ReturnCode,
			"validation_error", res.ValidationError,
			"error", res.Error,
		)
	}
	s.observe(res)
	return res
}

func (s *Scheduler) setInFlight(delta int64) {
	n := s.inFlight.Add(delta)
	if m := metrics.Get(); m != nil {
		m.SetTasksInFlight(float64(n))
	}
}

func (s *Scheduler) observe(res *Result) {
	m := metrics.Get()
	if m == nil {
		return
	}
	outcome := "failure"
	switch {
	case res.Skipped:
		outcome = "skipped"
	case res.Success:
		outcome = "success"
	}
	m.IncTasks(metrics.Labels{Category: string(res.Category), Outcome: outcome})
	if !res.Skipped && res.DurationSeconds > 0 {
		m.ObserveEngineDuration(metrics.Labels{Category: string(res.Category)}, res.DurationSeconds)
	}
}
