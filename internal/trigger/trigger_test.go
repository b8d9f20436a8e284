package trigger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/runs"
	"github.com/dharsanguruparan/Integrator/internal/storage"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// Monday.
var t0 = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(_ context.Context, r *model.Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, r.ID)
	return nil
}

func connectors() []*model.Connector {
	return []*model.Connector{
		{ID: "sysco", AdapterCode: "sysco", Kind: model.KindVendor, Channel: model.ChannelWeb, Enabled: true,
			Capabilities: []model.Action{model.ActionWebLogin, model.ActionInvoiceDownload}, FrequencyDays: 1},
		{ID: "manual", AdapterCode: model.AdapterCodeManual, Kind: model.KindVendor, Enabled: true, IsManual: true,
			Capabilities: []model.Action{model.ActionInvoiceDownload}, FrequencyDays: 2},
		{ID: "backlog", AdapterCode: model.AdapterCodeBacklog, Kind: model.KindVendor, Enabled: true,
			Capabilities: []model.Action{model.ActionInvoiceDownload}},
		{ID: "r365", AdapterCode: "r365", Kind: model.KindAccounting, Enabled: true,
			Capabilities: []model.Action{model.ActionGLImportList, model.ActionVendorImportList, model.ActionPaymentExport, model.ActionPaymentImport}},
		{ID: "off", AdapterCode: "off", Kind: model.KindVendor, Enabled: false,
			Capabilities: []model.Action{model.ActionInvoiceDownload}},
		{ID: "past", AdapterCode: "past", Kind: model.KindVendor, Enabled: true,
			Capabilities:     []model.Action{model.ActionInvoiceDownload},
			CustomProperties: model.CustomProperties{model.PropDownloadFutureInvoices: false}},
	}
}

type fixture struct {
	store   *storage.MemoryStore
	clock   *clock.Mock
	queue   *fakeQueue
	machine *runs.Machine
	factory *Factory
	sched   *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	for _, c := range connectors() {
		require.NoError(t, s.UpsertConnector(ctx, c))
	}
	jobs := []*model.Job{
		{ID: "job-sysco", ConnectorID: "sysco", Enabled: true},
		{ID: "job-sysco-manual", ConnectorID: "sysco", Enabled: true, EnabledForManual: true},
		{ID: "job-manual", ConnectorID: "manual", Enabled: true},
		{ID: "job-backlog", ConnectorID: "backlog", Enabled: true},
		{ID: "job-r365", ConnectorID: "r365", Enabled: true},
		{ID: "job-off", ConnectorID: "off", Enabled: true},
		{ID: "job-disabled", ConnectorID: "sysco", Enabled: false},
		{ID: "job-past", ConnectorID: "past", Enabled: true},
	}
	for _, j := range jobs {
		require.NoError(t, s.UpsertJob(ctx, j))
	}
	clk := clock.NewMock(t0)
	q := &fakeQueue{}
	m := runs.NewMachine(s, clk, log.Discard())
	f := NewFactory(s, clk, time.UTC)
	return &fixture{store: s, clock: clk, queue: q, machine: m, factory: f,
		sched: NewScheduler(s, s, f, m, q, log.Discard())}
}

func (fx *fixture) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestParseOperations(t *testing.T) {
	ops, err := ParseOperations("payment.export, invoice.download:manual,")
	require.NoError(t, err)
	assert.Equal(t, []Operation{
		{Action: model.ActionPaymentExport},
		{Action: model.ActionInvoiceDownload, Manual: true},
	}, ops)
	assert.Equal(t, "invoice.download:manual", ops[1].String())

	ops, err = ParseOperations("")
	require.NoError(t, err)
	assert.Equal(t, DefaultOperations, ops)

	_, err = ParseOperations("invoice.upload")
	assert.Error(t, err)
}

func TestRunnable(t *testing.T) {
	fx := newFixture(t)
	tests := []struct {
		job    string
		op     Operation
		expect bool
	}{
		{"job-sysco", Operation{Action: model.ActionInvoiceDownload}, true},
		{"job-sysco", Operation{Action: model.ActionInvoiceDownload, Manual: true}, false},
		{"job-sysco-manual", Operation{Action: model.ActionInvoiceDownload, Manual: true}, true},
		{"job-manual", Operation{Action: model.ActionInvoiceDownload, Manual: true}, true},
		{"job-manual", Operation{Action: model.ActionInvoiceDownload}, false},
		{"job-backlog", Operation{Action: model.ActionInvoiceDownload}, false},
		{"job-off", Operation{Action: model.ActionInvoiceDownload}, false},
		{"job-disabled", Operation{Action: model.ActionInvoiceDownload}, false},
		{"job-sysco", Operation{Action: model.ActionPaymentExport}, false},
		{"job-r365", Operation{Action: model.ActionImportMultipleEntities}, true},
		{"job-r365", Operation{Action: model.ActionBankImportList}, false},
	}
	for _, tt := range tests {
		t.Run(tt.job+"/"+tt.op.String(), func(t *testing.T) {
			assert.Equal(t, tt.expect, RunnableFor(fx.job(t, tt.job), tt.op))
		})
	}
}

func TestEligible(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	jobs, err := Eligible(ctx, fx.store, Operation{Action: model.ActionInvoiceDownload}, nil)
	require.NoError(t, err)
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"job-past", "job-sysco", "job-sysco-manual"}, ids)

	jobs, err = Eligible(ctx, fx.store, Operation{Action: model.ActionInvoiceDownload}, []string{"job-manual", "job-off"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-manual", jobs[0].ID)
}

func TestFactoryDownloadDefaults(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	run, err := fx.factory.Build(ctx, fx.job(t, "job-sysco"), Request{
		Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunCreated, run.Status)
	assert.Equal(t, "2023-10-10", run.RequestParameters[model.ParamStartDate])
	assert.Equal(t, "2024-03-08", run.RequestParameters[model.ParamEndDate])
	assert.Equal(t, 1, run.RequestParameters[model.ParamVersion])
	assert.Equal(t, false, run.RequestParameters[model.ParamSuppressInvoices])
	assert.False(t, run.IsManual)

	run, err = fx.factory.Build(ctx, fx.job(t, "job-past"), Request{
		Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest,
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-08", run.RequestParameters[model.ParamEndDate])

	run, err = fx.factory.Build(ctx, fx.job(t, "job-manual"), Request{
		Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest,
	})
	require.NoError(t, err)
	assert.True(t, run.IsManual, "manual connectors default to manual runs")
}

func TestFactoryDownloadExplicitWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.job(t, "job-sysco")

	run, err := fx.factory.Build(ctx, job, Request{
		Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaCustomerRequest,
		Params: model.Params{
			model.ParamStartDate:        "2024-01-01",
			model.ParamEndDate:          "2024-01-07",
			model.ParamSuppressInvoices: true,
			model.ParamCustomerNumbers:  []any{"C-1", "C-2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", run.RequestParameters[model.ParamStartDate])
	assert.Equal(t, "2024-01-07", run.RequestParameters[model.ParamEndDate])
	assert.Equal(t, true, run.RequestParameters[model.ParamSuppressInvoices])
	assert.Equal(t, []string{"C-1", "C-2"}, run.RequestParameters[model.ParamCustomerNumbers])

	_, err = fx.factory.Build(ctx, job, Request{
		Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest,
		Params: model.Params{model.ParamStartDate: "2024-02-01", model.ParamEndDate: "2024-01-01"},
	})
	assert.Error(t, err)

	_, err = fx.factory.Build(ctx, job, Request{
		Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest,
		Params: model.Params{model.ParamStartDate: "01/02/2024"},
	})
	assert.Error(t, err)
}

func TestFactoryPerAction(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	admin := model.CreatedViaAdminRequest

	run, err := fx.factory.Build(ctx, fx.job(t, "job-sysco"), Request{
		Action: model.ActionWebLogin, CreatedVia: admin, Params: model.Params{"probe": "x"},
	})
	require.NoError(t, err)
	assert.True(t, run.DryRun)
	assert.Equal(t, "x", run.RequestParameters["probe"])

	run, err = fx.factory.Build(ctx, fx.job(t, "job-r365"), Request{
		Action: model.ActionImportMultipleEntities, CreatedVia: admin,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gl_account", "vendor"}, run.RequestParameters[model.ParamImportEntities])

	run, err = fx.factory.Build(ctx, fx.job(t, "job-r365"), Request{
		Action: model.ActionPaymentImport, CreatedVia: admin,
	})
	require.NoError(t, err)
	assert.Equal(t, true, run.RequestParameters[model.ParamImportPayments])
	assert.Equal(t, []string{"payment"}, run.RequestParameters[model.ParamImportEntities])

	run, err = fx.factory.Build(ctx, fx.job(t, "job-r365"), Request{
		Action: model.ActionPaymentExport, CreatedVia: admin,
		Params: model.Params{model.ParamAccounting: map[string]any{"CR-1": map[string]any{"payment_date": "01/05/2024"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, run.RequestParameters[model.ParamVersion])
	assert.Contains(t, run.RequestParameters.Accounting(), "CR-1")

	_, err = fx.factory.Build(ctx, fx.job(t, "job-sysco"), Request{Action: model.ActionGLImportList, CreatedVia: admin})
	assert.True(t, errors.Is(err, ErrNotRunnable))

	_, err = fx.factory.Build(ctx, fx.job(t, "job-off"), Request{Action: model.ActionInvoiceDownload, CreatedVia: admin})
	assert.True(t, errors.Is(err, ErrNotRunnable))
}

func past(status model.RunStatus, ago time.Duration, manual bool) *model.Run {
	return &model.Run{Status: status, CreatedAt: t0.Add(-ago), IsManual: manual}
}

func hist(rs ...*model.Run) history {
	return history{now: t0, runs: rs}
}

func TestShouldDownloadAutomated(t *testing.T) {
	plain := &model.Job{ID: "j"}
	daily := &model.Job{ID: "j", Schedule: &model.Schedule{Frequency: model.FrequencyDaily}}
	tests := []struct {
		name   string
		job    *model.Job
		h      history
		expect bool
	}{
		{"no history", plain, hist(), true},
		{"latest older than a day", plain, hist(past(model.RunSucceeded, 25*time.Hour, false)), true},
		{"latest succeeded", plain, hist(past(model.RunSucceeded, 5*time.Hour, false)), false},
		{"pending run", plain, hist(past(model.RunScheduled, 5*time.Hour, false)), false},
		{"failed long enough ago", plain, hist(past(model.RunFailed, 4*time.Hour, false)), true},
		{"failed too recently", plain, hist(past(model.RunFailed, time.Hour, false)), false},
		{"three failures", plain, hist(
			past(model.RunFailed, 4*time.Hour, false),
			past(model.RunFailed, 5*time.Hour, false),
			past(model.RunFailed, 6*time.Hour, false)), false},
		{"three partials", plain, hist(
			past(model.RunPartiallySucceeded, 4*time.Hour, false),
			past(model.RunPartiallySucceeded, 5*time.Hour, false),
			past(model.RunPartiallySucceeded, 6*time.Hour, false)), false},
		{"scheduled day without success", daily, hist(past(model.RunFailed, 30*time.Minute, false)), true},
		{"scheduled day already succeeded", daily, hist(past(model.RunSucceeded, time.Hour, false)), false},
		{"scheduled day too many manual", daily, hist(
			past(model.RunFailed, time.Hour, true),
			past(model.RunFailed, 2*time.Hour, true),
			past(model.RunFailed, 3*time.Hour, true)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := shouldDownloadAutomated(tt.job, tt.h)
			assert.Equal(t, tt.expect, ok)
		})
	}
}

func TestShouldDownloadManual(t *testing.T) {
	job := &model.Job{ID: "j"}
	day := 24 * time.Hour
	tests := []struct {
		name   string
		h      history
		expect bool
	}{
		{"no history", hist(), true},
		{"manual run too recent", hist(past(model.RunFailed, time.Hour, true)), false},
		{"automated run recently is fine", hist(past(model.RunFailed, time.Hour, false)), true},
		{"three manual runs", hist(
			past(model.RunFailed, 4*time.Hour, true),
			past(model.RunFailed, 5*time.Hour, true),
			past(model.RunFailed, 6*time.Hour, true)), false},
		{"success within frequency", hist(past(model.RunSucceeded, 10*time.Hour, false)), false},
		{"success outside frequency", hist(past(model.RunSucceeded, 30*time.Hour, false)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := shouldDownloadManual(job, day, tt.h)
			assert.Equal(t, tt.expect, ok)
		})
	}
}

func TestShouldExportAndImport(t *testing.T) {
	ok, _ := shouldExportPayments(hist(past(model.RunSucceeded, 20*time.Hour, false)))
	assert.False(t, ok)
	ok, _ = shouldExportPayments(hist(past(model.RunFailed, 4*time.Hour, false)))
	assert.True(t, ok)
	ok, _ = shouldExportPayments(hist(past(model.RunFailed, 2*time.Hour, false)))
	assert.False(t, ok)

	ok, _ = shouldImport(hist(past(model.RunSucceeded, 5*24*time.Hour, false)))
	assert.False(t, ok)
	ok, _ = shouldImport(hist(past(model.RunFailed, 2*24*time.Hour, false)))
	assert.True(t, ok)
	ok, _ = shouldImport(hist(past(model.RunFailed, 20*time.Hour, false)))
	assert.False(t, ok)
}

func TestSchedulerTrigger(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.sched.Trigger(ctx, Request{JobID: "job-sysco", Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaScheduled})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, model.RunScheduled, res.Run.Status)
	assert.Equal(t, []string{res.Run.ID}, fx.queue.ids)
	first := res.Run.ID

	res, err = fx.sched.Trigger(ctx, Request{JobID: "job-sysco", Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaScheduled})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.Reason)

	res, err = fx.sched.Trigger(ctx, Request{JobID: "job-sysco", Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest})
	require.NoError(t, err)
	require.Len(t, res.Superseded, 1)
	assert.Equal(t, first, res.Superseded[0].ID)
	assert.Len(t, fx.queue.ids, 2)

	old, err := fx.store.GetRun(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.RunCanceled, old.Status)
	assert.Equal(t, model.CancelScheduledMultiple, old.CancellationReason)

	_, err = fx.machine.RecordExecutionStart(ctx, res.Run.ID)
	require.NoError(t, err)
	_, err = fx.sched.Trigger(ctx, Request{JobID: "job-sysco", Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest})
	assert.True(t, errors.Is(err, store.ErrActiveRun), "a started run is never superseded")

	active, err := fx.store.ListRuns(ctx, store.RunFilter{JobID: "job-sysco", Statuses: model.ActiveStatuses})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSchedulerRejectsUnrunnable(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.sched.Trigger(context.Background(), Request{JobID: "job-backlog", Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaAdminRequest})
	assert.True(t, errors.Is(err, ErrNotRunnable))
	assert.Empty(t, fx.queue.ids)
}

func TestSchedulerTriggerDue(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	created, skipped, failed, err := fx.sched.TriggerDue(ctx, Operation{Action: model.ActionInvoiceDownload}, model.CreatedViaScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, 0, failed)

	created, skipped, _, err = fx.sched.TriggerDue(ctx, Operation{Action: model.ActionInvoiceDownload}, model.CreatedViaScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 3, skipped)

	created, _, _, err = fx.sched.TriggerDue(ctx, Operation{Action: model.ActionInvoiceDownload, Manual: true}, model.CreatedViaScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, created, "only job-manual has no active invoice run")

	manualRuns, err := fx.store.ListRuns(ctx, store.RunFilter{JobID: "job-manual"})
	require.NoError(t, err)
	require.Len(t, manualRuns, 1)
	assert.True(t, manualRuns[0].IsManual)
	assert.Equal(t, model.RunScheduled, manualRuns[0].Status)
	assert.Len(t, fx.queue.ids, 3, "manual runs wait for an operator")
}

func TestAccountingEntries(t *testing.T) {
	doc := `{"grouped_exports": [
		{"data": {}},
		{"data": {"CR-9": [
			{"chequerun_id": "CR-9", "bank_account": " 1001 ", "vendor_id": "V1 ", "vendor_name": "Sysco",
			 "location_id": "L1", "payment_date": "01/05/2024", "payment_number": "P-77", "payment_total": 120.5,
			 "invoice_number": " INV-1 ", "invoice_date": "12/01/2023", "invoice_amount": 100},
			{"chequerun_id": "CR-9", "invoice_number": null, "invoice_amount": 20.5}
		]}}
	]}`
	export, err := DecodeBillPayExport(strings.NewReader(doc))
	require.NoError(t, err)

	entries := AccountingEntries(map[string]any{"CR-1": map[string]any{}}, export)
	require.Len(t, entries, 2)
	cr := entries["CR-9"].(map[string]any)
	assert.Equal(t, "1001", cr["bank_account"])
	assert.Equal(t, "V1", cr["vendor_id"])
	assert.Equal(t, "01/05/2024", cr["payment_date"])
	invoices := cr["invoices"].([]any)
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV-1", invoices[0].(map[string]any)["invoice_number"])
}
