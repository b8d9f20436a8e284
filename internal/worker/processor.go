// Package worker plugs the run engine and the maintenance jobs into the
// asynq worker loop.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/Integrator/internal/checkrun"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/maintenance"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/queue"
	"github.com/dharsanguruparan/Integrator/internal/trigger"
)

// Executor runs one scheduled run to a terminal state.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// Maintainer runs one maintenance pass.
type Maintainer interface {
	Pass(ctx context.Context) (maintenance.Report, error)
}

// CheckRunEvaluator applies the check-run disable policy.
type CheckRunEvaluator interface {
	EvaluateDisablePolicy(ctx context.Context) (checkrun.Report, error)
}

// Triggerer creates runs for every eligible job of an operation.
type Triggerer interface {
	TriggerDue(ctx context.Context, op trigger.Operation, via model.CreatedVia, ids []string) (created, skipped, failed int, err error)
}

// Processor is plugged into the asynq worker loop. Collaborators other than
// the executor are optional; tasks without a handler fail permanently.
type Processor struct {
	exec      Executor
	maintain  Maintainer
	checkRuns CheckRunEvaluator
	triggers  Triggerer
	logger    *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(exec Executor, maintain Maintainer, checkRuns CheckRunEvaluator, triggers Triggerer, logger *slog.Logger) *Processor {
	return &Processor{exec: exec, maintain: maintain, checkRuns: checkRuns, triggers: triggers, logger: logger}
}

// Handler registers every task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ExecuteRunTask, p.handleExecute)
	mux.HandleFunc(queue.MaintenanceTask, p.handleMaintenance)
	mux.HandleFunc(queue.CheckRunPolicyTask, p.handleCheckRuns)
	mux.HandleFunc(queue.TriggerDueTask, p.handleTriggerDue)
	return mux
}

func (p *Processor) handleExecute(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeExecute(task)
	if err != nil {
		return errors.Wrapf(asynq.SkipRetry, "%s: %v", queue.ExecuteRunTask, err)
	}
	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", payload.RunID),
		slog.String("job_id", payload.JobID),
		slog.String("action", string(payload.Action)))
	start := time.Now()
	if err := p.exec.Execute(ctx, payload.RunID); err != nil {
		p.logger.ErrorContext(ctx, "run outcome not recorded", "error", err)
		return err
	}
	p.logger.InfoContext(ctx, "run task done", "took", time.Since(start))
	return nil
}

func (p *Processor) handleMaintenance(ctx context.Context, _ *asynq.Task) error {
	if p.maintain == nil {
		return errors.Wrap(asynq.SkipRetry, "maintenance is not configured on this worker")
	}
	report, err := p.maintain.Pass(ctx)
	if err != nil {
		return err
	}
	if len(report.FailedSteps) > 0 {
		p.logger.WarnContext(ctx, "maintenance pass had failed steps", "steps", report.FailedSteps)
	}
	return nil
}

func (p *Processor) handleCheckRuns(ctx context.Context, _ *asynq.Task) error {
	if p.checkRuns == nil {
		return errors.Wrap(asynq.SkipRetry, "check-run policy is not configured on this worker")
	}
	_, err := p.checkRuns.EvaluateDisablePolicy(ctx)
	return err
}

func (p *Processor) handleTriggerDue(ctx context.Context, task *asynq.Task) error {
	if p.triggers == nil {
		return errors.Wrap(asynq.SkipRetry, "triggers are not configured on this worker")
	}
	payload, err := queue.DecodeTrigger(task)
	if err != nil {
		return errors.Wrapf(asynq.SkipRetry, "%s: %v", queue.TriggerDueTask, err)
	}
	ops, err := trigger.ParseOperations(payload.Operations)
	if err != nil {
		return errors.Wrapf(asynq.SkipRetry, "%s: %v", queue.TriggerDueTask, err)
	}
	var firstErr error
	for _, op := range ops {
		if _, _, _, err := p.triggers.TriggerDue(ctx, op, payload.CreatedVia, nil); err != nil {
			p.logger.ErrorContext(ctx, "trigger operation failed", "operation", op.String(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
