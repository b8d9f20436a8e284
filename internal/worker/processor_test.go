package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/Integrator/internal/checkrun"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/maintenance"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/queue"
	"github.com/dharsanguruparan/Integrator/internal/trigger"
)

type fakeExec struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeExec) Execute(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, runID)
	return f.err
}

type fakeMaintainer struct{ passes int }

func (f *fakeMaintainer) Pass(context.Context) (maintenance.Report, error) {
	f.passes++
	return maintenance.Report{FailedSteps: []string{"collect_temp_files"}}, nil
}

type fakeCheckRuns struct{ calls int }

func (f *fakeCheckRuns) EvaluateDisablePolicy(context.Context) (checkrun.Report, error) {
	f.calls++
	return checkrun.Report{}, nil
}

type fakeTriggers struct {
	ops []trigger.Operation
	via []model.CreatedVia
}

func (f *fakeTriggers) TriggerDue(_ context.Context, op trigger.Operation, via model.CreatedVia, _ []string) (int, int, int, error) {
	f.ops = append(f.ops, op)
	f.via = append(f.via, via)
	return 1, 0, 0, nil
}

func executeTask(t *testing.T, runID string) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(queue.ExecutePayload{RunID: runID, JobID: "job-1", Action: model.ActionInvoiceDownload})
	require.NoError(t, err)
	return asynq.NewTask(queue.ExecuteRunTask, data)
}

func TestHandleExecute(t *testing.T) {
	exec := &fakeExec{}
	mux := NewProcessor(exec, nil, nil, nil, log.Discard()).Handler()

	require.NoError(t, mux.ProcessTask(context.Background(), executeTask(t, "run-1")))
	assert.Equal(t, []string{"run-1"}, exec.ids)

	exec.err = errors.New("store down")
	assert.Error(t, mux.ProcessTask(context.Background(), executeTask(t, "run-2")))
}

func TestHandleExecuteRejectsBadPayload(t *testing.T) {
	exec := &fakeExec{}
	mux := NewProcessor(exec, nil, nil, nil, log.Discard()).Handler()

	err := mux.ProcessTask(context.Background(), asynq.NewTask(queue.ExecuteRunTask, []byte(`{}`)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, exec.ids)
}

func TestHandleMaintenanceTasks(t *testing.T) {
	m := &fakeMaintainer{}
	c := &fakeCheckRuns{}
	mux := NewProcessor(&fakeExec{}, m, c, nil, log.Discard()).Handler()
	ctx := context.Background()

	task, _ := queue.NewMaintenanceTask(0)
	require.NoError(t, mux.ProcessTask(ctx, task))
	assert.Equal(t, 1, m.passes)

	task, _ = queue.NewCheckRunPolicyTask()
	require.NoError(t, mux.ProcessTask(ctx, task))
	assert.Equal(t, 1, c.calls)
}

func TestHandleTriggerDue(t *testing.T) {
	tr := &fakeTriggers{}
	mux := NewProcessor(&fakeExec{}, nil, nil, tr, log.Discard()).Handler()

	task, _, err := queue.NewTriggerDueTask(queue.TriggerPayload{Operations: "payment.export,invoice.download:manual"})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))

	assert.Equal(t, []trigger.Operation{
		{Action: model.ActionPaymentExport},
		{Action: model.ActionInvoiceDownload, Manual: true},
	}, tr.ops)
	assert.Equal(t, []model.CreatedVia{model.CreatedViaScheduled, model.CreatedViaScheduled}, tr.via)
}

func TestUnconfiguredHandlersSkipRetry(t *testing.T) {
	mux := NewProcessor(&fakeExec{}, nil, nil, nil, log.Discard()).Handler()
	task, _ := queue.NewMaintenanceTask(0)
	err := mux.ProcessTask(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
