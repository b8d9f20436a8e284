package trigger

import (
	"context"
	"log/slog"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/runs"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// Result describes what a trigger did.
type Result struct {
	Run *model.Run
	// Skipped is set when no run was created; Reason says why.
	Skipped bool
	Reason  string
	// Superseded lists pending runs canceled in favor of Run.
	Superseded []*model.Run
}

// Scheduler turns trigger requests into scheduled runs.
type Scheduler struct {
	jobs    store.JobStore
	runs    store.RunStore
	factory *Factory
	machine *runs.Machine
	queue   runs.Enqueuer
	logger  *slog.Logger
}

// NewScheduler builds a Scheduler.
func NewScheduler(jobs store.JobStore, rs store.RunStore, factory *Factory, machine *runs.Machine, queue runs.Enqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, runs: rs, factory: factory, machine: machine, queue: queue, logger: logger}
}

// Trigger creates and schedules one run. A scheduled request is skipped when
// throttled or when the job already has an active run for the action. Admin
// and customer requests supersede pending runs but never a started one.
func (s *Scheduler) Trigger(ctx context.Context, req Request) (Result, error) {
	job, err := s.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return Result{}, err
	}
	if !Runnable(job, req.Action) {
		return Result{}, errors.Wrapf(ErrNotRunnable, "job %s action %s", job.ID, req.Action)
	}

	run, err := s.factory.Build(ctx, job, req)
	if errors.Is(err, ErrSkipped) {
		s.logger.DebugContext(ctx, "trigger skipped", "job_id", job.ID, "action", req.Action, "reason", err.Error())
		return Result{Skipped: true, Reason: err.Error()}, nil
	}
	if err != nil {
		return Result{}, err
	}

	supersede := req.CreatedVia != model.CreatedViaScheduled
	superseded, err := s.runs.CreateRun(ctx, run, supersede)
	if errors.Is(err, store.ErrActiveRun) && !supersede {
		return Result{Skipped: true, Reason: "active run exists"}, nil
	}
	if err != nil {
		return Result{}, errors.Wrapf(err, "create run for job %s", job.ID)
	}
	for _, old := range superseded {
		s.logger.InfoContext(ctx, "superseded pending run", "run_id", old.ID, "replaced_by", run.ID, "job_id", job.ID)
	}

	// Manual runs wait in Scheduled for an operator to pick them up.
	var q runs.Enqueuer = s.queue
	if run.IsManual {
		q = nil
	}
	scheduled, err := s.machine.Schedule(ctx, run.ID, q)
	if err != nil && scheduled == nil {
		return Result{}, err
	}
	if err != nil {
		s.logger.WarnContext(ctx, "run scheduled but not enqueued", "run_id", run.ID, "error", err)
	}
	s.logger.InfoContext(ctx, "run created", "run_id", run.ID, "job_id", job.ID, "action", run.Action, "created_via", run.CreatedVia)
	return Result{Run: scheduled, Superseded: superseded}, nil
}

// TriggerDue triggers op for every eligible job. Per-job errors are logged
// and counted, never returned.
func (s *Scheduler) TriggerDue(ctx context.Context, op Operation, via model.CreatedVia, ids []string) (created, skipped, failed int, err error) {
	jobs, err := Eligible(ctx, s.jobs, op, ids)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return created, skipped, failed, ctx.Err()
		}
		req := Request{JobID: job.ID, Action: op.Action, CreatedVia: via}
		if op.Action.Downloads() && op.Manual {
			manual := true
			req.IsManual = &manual
		}
		res, err := s.Trigger(ctx, req)
		switch {
		case err != nil:
			failed++
			s.logger.ErrorContext(ctx, "trigger failed", "job_id", job.ID, "operation", op.String(), "error", err)
		case res.Skipped:
			skipped++
		default:
			created++
		}
	}
	s.logger.InfoContext(ctx, "triggered jobs", "operation", op.String(), "created", created, "skipped", skipped, "failed", failed)
	return created, skipped, failed, nil
}
