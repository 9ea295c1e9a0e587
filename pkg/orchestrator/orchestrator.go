// Package orchestrator drives each job through its state machine:
// coverage check, sequential dataset fetches, then the compute
// hand-off. One background goroutine per job.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"etmapd/pkg/etjob"
	"etmapd/pkg/fetch"
	"etmapd/pkg/geometry"
	"etmapd/pkg/model"
)

// CoverageChecker evaluates cache coverage; *coverage.Checker satisfies it.
type CoverageChecker interface {
	Check(geom orb.Geometry, from, to time.Time) *model.CoverageReport
}

// Dispatcher runs one dataset fetch; *fetch.Manager satisfies it.
type Dispatcher interface {
	Fetch(ctx context.Context, dataset string, req *fetch.Request) error
}

// Runner executes the compute step; *Compute satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Recorder receives terminal-state telemetry; *metrics.Provider
// satisfies it.
type Recorder interface {
	JobFinished(status string)
}

type nopRecorder struct{}

func (nopRecorder) JobFinished(string) {}

// Orchestrator owns the per-job lifecycle goroutines.
type Orchestrator struct {
	jobs     *etjob.Manager
	checker  CoverageChecker
	fetchers Dispatcher
	compute  Runner
	recorder Recorder
	autoCalc bool

	wg  sync.WaitGroup
	log *slog.Logger
}

// New creates an Orchestrator. compute may be nil when auto-calc is
// disabled, recorder may be nil.
func New(jobs *etjob.Manager, checker CoverageChecker, fetchers Dispatcher, compute Runner, autoCalc bool, recorder Recorder) *Orchestrator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Orchestrator{
		jobs:     jobs,
		checker:  checker,
		fetchers: fetchers,
		compute:  compute,
		recorder: recorder,
		autoCalc: autoCalc,
		log:      slog.Default().With("component", "orchestrator"),
	}
}

// Start runs the job's lifecycle on a background goroutine and returns
// immediately.
func (o *Orchestrator) Start(ctx context.Context, job *model.Job) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(ctx, job)
	}()
}

// TriggerCalc re-runs only the compute step, for duplicate requests
// against an already-fetched job.
func (o *Orchestrator) TriggerCalc(ctx context.Context, job *model.Job) {
	if !o.autoCalc || o.compute == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runCalc(ctx, job.ID)
	}()
}

// Resume restarts orchestration for every non-terminal job in the
// store. Fetchers are idempotent, so a job interrupted mid-fetch simply
// re-walks its remaining stages.
func (o *Orchestrator) Resume(ctx context.Context) error {
	jobs, err := o.jobs.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("listing unfinished jobs: %w", err)
	}
	for _, job := range jobs {
		o.log.Info("resuming job", "job", job.ID, "status", job.Status)
		o.Start(ctx, job)
	}
	return nil
}

// Wait blocks until all running job goroutines have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run drives one job from its current state to a terminal one. It
// never returns an error: failures are recorded on the job itself.
func (o *Orchestrator) Run(ctx context.Context, job *model.Job) {
	status := job.Status

	if status.IsTerminal() {
		return
	}
	if status.IsError() {
		// A dataset error persisted right before a crash; finish the
		// failure transition it never got to make.
		msg := job.ErrorMessage
		if msg == "" {
			msg = "resumed from " + string(status)
		}
		o.fail(ctx, job.ID, msg)
		return
	}

	if status == model.StatusQueued {
		if !o.transition(ctx, job.ID, model.StatusCheckingCoverage, "") {
			return
		}
		status = model.StatusCheckingCoverage
	}

	// A job that already reached success only owes the compute step.
	if status == model.StatusSuccess || status == model.StatusCalcStarted {
		o.runCalcFrom(ctx, job.ID, status)
		return
	}

	geom, err := geometry.FromCanonical(job.Geometry)
	if err != nil {
		o.fail(ctx, job.ID, fmt.Sprintf("stored geometry undecodable: %v", err))
		return
	}

	report := o.checker.Check(geom, job.DateFrom, job.DateTo)
	o.log.Info("coverage", "job", job.ID,
		"covered", report.DatasetsCovered, "total", report.TotalDatasets,
		"needs", report.NeedsFetching)

	req := &fetch.Request{
		JobID:    job.ID,
		Geometry: geom,
		DateFrom: job.DateFrom,
		DateTo:   job.DateTo,
	}

	for i, dataset := range model.DatasetOrder {
		started, done, errored, skipped := model.DatasetStates(dataset)

		switch stagePosition(status, i) {
		case stageDone:
			continue
		case stagePending:
			if report.Covered(dataset) {
				if !o.transition(ctx, job.ID, skipped, "") {
					return
				}
				status = skipped
				continue
			}
			if !o.transition(ctx, job.ID, started, "") {
				return
			}
			status = started
		case stageRunning:
			// Resumed mid-fetch; the row already says started.
			status = started
		}

		if err := o.fetchers.Fetch(ctx, dataset, req); err != nil {
			msg := trim(err.Error(), 500)
			o.transition(ctx, job.ID, errored, msg)
			o.fail(ctx, job.ID, fmt.Sprintf("%s: %s", dataset, msg))
			return
		}
		if !o.transition(ctx, job.ID, done, "") {
			return
		}
		status = done
	}

	if !o.transition(ctx, job.ID, model.StatusSuccess, "") {
		return
	}

	if o.autoCalc && o.compute != nil {
		o.runCalc(ctx, job.ID)
	}
}

type stage int

const (
	stagePending stage = iota // not reached yet, coverage decides
	stageRunning              // was started when the process stopped
	stageDone                 // done or skipped, move on
)

// stagePosition maps the job's persisted status onto dataset index i of
// the fixed fetch order.
func stagePosition(status model.Status, i int) stage {
	for j, dataset := range model.DatasetOrder {
		started, done, _, skipped := model.DatasetStates(dataset)
		switch status {
		case started:
			if j == i {
				return stageRunning
			}
			if j > i {
				return stageDone
			}
			return stagePending
		case done, skipped:
			if j >= i {
				return stageDone
			}
			return stagePending
		}
	}
	return stagePending
}

// runCalcFrom resumes the compute step from success or a dangling
// calculation_started left by a crash.
func (o *Orchestrator) runCalcFrom(ctx context.Context, jobID string, status model.Status) {
	if o.compute == nil {
		return
	}
	if status == model.StatusCalcStarted {
		// The original sub-process is gone; run a fresh one and record
		// its outcome against the existing calculation_started row.
		o.monitorCalc(ctx, jobID)
		return
	}
	if o.autoCalc {
		o.runCalc(ctx, jobID)
	}
}

// runCalc records calculation_started and monitors the sub-process.
func (o *Orchestrator) runCalc(ctx context.Context, jobID string) {
	if !o.transition(ctx, jobID, model.StatusCalcStarted, "") {
		return
	}
	o.monitorCalc(ctx, jobID)
}

func (o *Orchestrator) monitorCalc(ctx context.Context, jobID string) {
	if err := o.compute.Run(ctx, jobID); err != nil {
		msg := trim(err.Error(), 500)
		o.transition(ctx, jobID, model.StatusCalcFailed, msg)
		o.recorder.JobFinished(string(model.StatusCalcFailed))
		return
	}
	o.transition(ctx, jobID, model.StatusCalcComplete, "")
	o.recorder.JobFinished(string(model.StatusCalcComplete))
}

// fail records the terminal failed state with a dataset-prefixed
// summary.
func (o *Orchestrator) fail(ctx context.Context, jobID string, msg string) {
	o.transition(ctx, jobID, model.StatusFailed, msg)
	o.recorder.JobFinished(string(model.StatusFailed))
}

// transition applies one status update and reports success. A failed
// write is logged; the job stays diagnosable through its last persisted
// state.
func (o *Orchestrator) transition(ctx context.Context, jobID string, next model.Status, errorMessage string) bool {
	if err := o.jobs.UpdateStatus(ctx, jobID, next, errorMessage); err != nil {
		o.log.Error("status update failed", "job", jobID, "to", next, "error", err)
		return false
	}
	return true
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
