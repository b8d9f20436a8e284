package queue

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/Integrator/internal/config"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

// Registrar is the subset of *asynq.Scheduler used to register periodic
// tasks.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterPeriodic registers the maintenance pass, the daily check-run
// policy and the trigger timer. Empty cron specs are skipped.
func RegisterPeriodic(r Registrar, cfg *config.Config, logger *slog.Logger) error {
	if cfg.MaintenanceCron != "" {
		task, opts := NewMaintenanceTask(cfg.MaintenanceInterval)
		id, err := r.Register(cfg.MaintenanceCron, task, opts...)
		if err != nil {
			return errors.Wrapf(err, "register %s", MaintenanceTask)
		}
		logger.Info("registered periodic task", "task", MaintenanceTask, "cron", cfg.MaintenanceCron, "entry_id", id)
	}
	if cfg.CheckRunCron != "" {
		task, opts := NewCheckRunPolicyTask()
		id, err := r.Register(cfg.CheckRunCron, task, opts...)
		if err != nil {
			return errors.Wrapf(err, "register %s", CheckRunPolicyTask)
		}
		logger.Info("registered periodic task", "task", CheckRunPolicyTask, "cron", cfg.CheckRunCron, "entry_id", id)
	}
	if cfg.TriggerCron != "" {
		task, opts, err := NewTriggerDueTask(TriggerPayload{Operations: cfg.TriggerOperations, CreatedVia: model.CreatedViaScheduled})
		if err != nil {
			return err
		}
		id, err := r.Register(cfg.TriggerCron, task, opts...)
		if err != nil {
			return errors.Wrapf(err, "register %s", TriggerDueTask)
		}
		logger.Info("registered periodic task", "task", TriggerDueTask, "cron", cfg.TriggerCron, "entry_id", id)
	}
	return nil
}

// Inspector is the subset of *asynq.Inspector used to stop in-flight runs.
type Inspector interface {
	CancelProcessing(id string) error
}

// Canceler signals the worker executing a run to stop. It is installed as a
// cancel hook on the run state machine.
type Canceler struct {
	inspector Inspector
	logger    *slog.Logger
}

// NewCanceler builds a Canceler.
func NewCanceler(inspector Inspector, logger *slog.Logger) *Canceler {
	return &Canceler{inspector: inspector, logger: logger}
}

// OnCancel forwards the cancellation of a started run to its worker.
func (c *Canceler) OnCancel(ctx context.Context, run *model.Run) {
	if run.ExecutionStartTS == nil {
		return
	}
	if err := c.inspector.CancelProcessing(run.ID); err != nil {
		c.logger.WarnContext(ctx, "cancel signal not delivered", "run_id", run.ID, "error", err)
	}
}

func (c *Canceler) OnSuccess(context.Context, *model.Run) {}

func (c *Canceler) OnFailure(context.Context, *model.Run) {}
