package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

const (
	// ExecuteRunTask carries one scheduled run to a worker.
	ExecuteRunTask = "run:execute"
	// MaintenanceTask runs one maintenance pass.
	MaintenanceTask = "maintenance:pass"
	// CheckRunPolicyTask evaluates the check-run disable policy.
	CheckRunPolicyTask = "maintenance:checkruns"
	// TriggerDueTask triggers every runnable job for a set of operations.
	TriggerDueTask = "jobs:trigger_due"
)

// Queue names.
const (
	RunsQueue        = "runs"
	MaintenanceQueue = "maintenance"
)

// ExecutePayload is serialized into the task payload so the worker knows
// which run to start.
type ExecutePayload struct {
	RunID  string       `json:"run_id"`
	JobID  string       `json:"job_id"`
	Action model.Action `json:"action"`
}

// TriggerPayload selects the operations of a TriggerDueTask.
type TriggerPayload struct {
	Operations string           `json:"operations"`
	CreatedVia model.CreatedVia `json:"created_via"`
}

// Enqueuer is the subset of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher enqueues scheduled runs on asynq. The task id is the run id so
// enqueueing the same run twice is a no-op.
type Dispatcher struct {
	client         Enqueuer
	jobs           store.JobStore
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher builds a Dispatcher. defaultTimeout bounds runs whose job
// sets no celery_task_time_limit.
func NewDispatcher(client Enqueuer, jobs store.JobStore, defaultTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{client: client, jobs: jobs, defaultTimeout: defaultTimeout, logger: logger}
}

// Enqueue implements runs.Enqueuer.
func (d *Dispatcher) Enqueue(ctx context.Context, run *model.Run) error {
	timeout := d.defaultTimeout
	job, err := d.jobs.GetJob(ctx, run.JobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", run.JobID)
	}
	if limit, ok := job.TaskTimeLimit(); ok {
		timeout = limit.Hard
	}

	data, err := json.Marshal(ExecutePayload{RunID: run.ID, JobID: run.JobID, Action: run.Action})
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	task := asynq.NewTask(ExecuteRunTask, data)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(run.ID),
		asynq.Queue(RunsQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		d.logger.DebugContext(ctx, "run already enqueued", "run_id", run.ID)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "enqueue run %s", run.ID)
	}
	return nil
}

// DecodeExecute parses the payload of an ExecuteRunTask.
func DecodeExecute(task *asynq.Task) (ExecutePayload, error) {
	var p ExecutePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, errors.Wrap(err, "decode payload")
	}
	if p.RunID == "" {
		return p, errors.New("payload without run_id")
	}
	return p, nil
}

// NewMaintenanceTask builds a maintenance pass task. Unique keeps a slow
// pass from piling up behind itself.
func NewMaintenanceTask(interval time.Duration) (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(MaintenanceTask, nil), []asynq.Option{
		asynq.Queue(MaintenanceQueue),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	}
}

// NewCheckRunPolicyTask builds the daily check-run policy task.
func NewCheckRunPolicyTask() (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(CheckRunPolicyTask, nil), []asynq.Option{
		asynq.Queue(MaintenanceQueue),
		asynq.MaxRetry(1),
		asynq.Unique(time.Hour),
	}
}

// NewTriggerDueTask builds a task triggering the given operations.
func NewTriggerDueTask(p TriggerPayload) (*asynq.Task, []asynq.Option, error) {
	if p.CreatedVia == "" {
		p.CreatedVia = model.CreatedViaScheduled
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal payload")
	}
	return asynq.NewTask(TriggerDueTask, data), []asynq.Option{
		asynq.Queue(MaintenanceQueue),
		asynq.MaxRetry(0),
		asynq.Unique(30 * time.Minute),
	}, nil
}

// DecodeTrigger parses the payload of a TriggerDueTask.
func DecodeTrigger(task *asynq.Task) (TriggerPayload, error) {
	var p TriggerPayload
	if len(task.Payload()) == 0 {
		return TriggerPayload{CreatedVia: model.CreatedViaScheduled}, nil
	}
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, errors.Wrap(err, "decode payload")
	}
	if p.CreatedVia == "" {
		p.CreatedVia = model.CreatedViaScheduled
	}
	return p, nil
}

// Queues weighs run execution above maintenance.
func Queues() map[string]int {
	return map[string]int{RunsQueue: 6, MaintenanceQueue: 1}
}
