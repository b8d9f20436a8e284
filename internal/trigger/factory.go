package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// ErrSkipped is returned when a scheduled trigger is throttled.
var ErrSkipped = errors.New("run skipped")

// Default download window.
const (
	DefaultLookback  = 90 * 24 * time.Hour
	FutureInvoiceLag = 60 * 24 * time.Hour
)

// Request asks for one run of a job.
type Request struct {
	JobID      string
	Action     model.Action
	CreatedVia model.CreatedVia
	Params     model.Params
	DryRun     bool
	// IsManual overrides the connector default for download actions.
	IsManual *bool
}

// Factory builds runs. It is the only place request parameters are
// defaulted.
type Factory struct {
	runs     store.RunStore
	clock    clock.TimeProvider
	location *time.Location
}

// NewFactory builds a Factory. Calendar days are evaluated in loc, UTC when
// nil.
func NewFactory(runs store.RunStore, clk clock.TimeProvider, loc *time.Location) *Factory {
	if loc == nil {
		loc = time.UTC
	}
	return &Factory{runs: runs, clock: clk, location: loc}
}

// Build returns a new Created run for job, not yet persisted. Scheduled
// requests may come back with ErrSkipped.
func (f *Factory) Build(ctx context.Context, job *model.Job, req Request) (*model.Run, error) {
	c := job.Connector
	if c == nil || !c.Enabled {
		return nil, errors.Wrapf(ErrNotRunnable, "connector of job %s is not enabled", job.ID)
	}
	if !c.Has(req.Action) && !(req.Action == model.ActionImportMultipleEntities && Runnable(job, req.Action)) {
		return nil, errors.Wrapf(ErrNotRunnable, "connector %s does not support %s", c.ID, req.Action)
	}

	now := f.clock.Now().In(f.location)
	run := &model.Run{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Action:     req.Action,
		Status:     model.RunCreated,
		CreatedVia: req.CreatedVia,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
		DryRun:     req.DryRun,
	}
	scheduled := req.CreatedVia == model.CreatedViaScheduled

	switch {
	case req.Action == model.ActionWebLogin:
		run.RequestParameters = req.Params.Clone()
		run.DryRun = true

	case req.Action.Downloads():
		run.IsManual = c.IsManual
		if req.IsManual != nil {
			run.IsManual = *req.IsManual
		}
		if scheduled {
			if err := f.throttleDownload(ctx, job, run.IsManual, now); err != nil {
				return nil, err
			}
		}
		params, err := f.downloadParams(job, req.Params, now)
		if err != nil {
			return nil, err
		}
		run.RequestParameters = params

	case req.Action == model.ActionPaymentExport:
		if scheduled {
			h, err := f.history(ctx, job.ID, req.Action, now, dayWindow)
			if err != nil {
				return nil, err
			}
			if ok, why := shouldExportPayments(h); !ok {
				return nil, errors.Wrap(ErrSkipped, why)
			}
		}
		accounting := map[string]any{}
		if raw, ok := req.Params[model.ParamAccounting].(map[string]any); ok {
			accounting = model.Params(raw).Clone()
		}
		run.RequestParameters = model.Params{model.ParamVersion: 2, model.ParamAccounting: accounting}

	case req.Action == model.ActionPaymentImport:
		entities := importEntities(c, []model.Action{req.Action})
		if c.Kind != model.KindAccounting || len(entities) == 0 {
			return nil, errors.Wrapf(ErrSkipped, "connector %s has nothing to import", c.ID)
		}
		run.RequestParameters = model.Params{
			model.ParamVersion:        1,
			model.ParamImportPayments: true,
			model.ParamImportEntities: entities,
		}

	case req.Action.Imports():
		if scheduled {
			h, err := f.history(ctx, job.ID, req.Action, now, importWindow)
			if err != nil {
				return nil, err
			}
			if ok, why := shouldImport(h); !ok {
				return nil, errors.Wrap(ErrSkipped, why)
			}
		}
		actions := []model.Action{req.Action}
		if req.Action == model.ActionImportMultipleEntities {
			actions = importActions[1:]
		}
		entities := importEntities(c, actions)
		if c.Kind != model.KindAccounting || len(entities) == 0 {
			return nil, errors.Wrapf(ErrSkipped, "connector %s has nothing to import", c.ID)
		}
		run.RequestParameters = model.Params{model.ParamVersion: 1, model.ParamImportEntities: entities}

	default:
		run.RequestParameters = req.Params.Clone()
	}

	if run.RequestParameters == nil {
		run.RequestParameters = model.Params{}
	}
	return run, nil
}

func (f *Factory) throttleDownload(ctx context.Context, job *model.Job, isManual bool, now time.Time) error {
	frequency := time.Duration(max(job.Connector.FrequencyDays, 1)) * 24 * time.Hour
	h, err := f.history(ctx, job.ID, model.ActionInvoiceDownload, now, max(frequency, dayWindow))
	if err != nil {
		return err
	}
	var ok bool
	var why string
	if isManual {
		ok, why = shouldDownloadManual(job, frequency, h)
	} else {
		ok, why = shouldDownloadAutomated(job, h)
	}
	if !ok {
		return errors.Wrap(ErrSkipped, why)
	}
	return nil
}

// history loads the runs of job and action created within window of now.
func (f *Factory) history(ctx context.Context, jobID string, action model.Action, now time.Time, window time.Duration) (history, error) {
	runs, err := f.runs.ListRuns(ctx, store.RunFilter{
		JobID:        jobID,
		Action:       action,
		CreatedAfter: now.Add(-window).Add(-time.Nanosecond),
	})
	if err != nil {
		return history{}, errors.Wrapf(err, "load run history of job %s", jobID)
	}
	return history{now: now, runs: runs}, nil
}

// downloadParams fills the download window. Missing dates default to
// today-90d and today, or today+60d when the job downloads future invoices.
func (f *Factory) downloadParams(job *model.Job, in model.Params, now time.Time) (model.Params, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := today
	if job.DownloadFutureInvoices() {
		end = today.Add(FutureInvoiceLag)
	}
	out := model.Params{
		model.ParamVersion:          1,
		model.ParamStartDate:        today.Add(-DefaultLookback).Format(model.DateLayout),
		model.ParamEndDate:          end.Format(model.DateLayout),
		model.ParamSuppressInvoices: in.SuppressInvoices(),
	}
	for _, key := range []string{model.ParamStartDate, model.ParamEndDate} {
		raw, ok := in[key]
		if !ok || raw == nil || raw == "" {
			continue
		}
		s, isString := raw.(string)
		if !isString {
			return nil, errors.Newf("%s must be a %s date", key, model.DateLayout)
		}
		if _, err := time.Parse(model.DateLayout, s); err != nil {
			return nil, errors.WithHintf(errors.Wrapf(err, "parse %s", key), "use the %s layout", model.DateLayout)
		}
		out[key] = s
	}
	start, _ := out.StartDate()
	stop, _ := out.EndDate()
	if stop.Before(start) {
		return nil, errors.Newf("end_date %s is before start_date %s", out[model.ParamEndDate], out[model.ParamStartDate])
	}
	if numbers := in.CustomerNumbers(); len(numbers) > 0 {
		out[model.ParamCustomerNumbers] = numbers
	}
	return out, nil
}

// importEntities lists the entities behind the advertised subset of actions.
func importEntities(c *model.Connector, actions []model.Action) []string {
	var out []string
	for _, a := range actions {
		if !c.Has(a) {
			continue
		}
		if e, ok := a.Entity(); ok {
			out = append(out, string(e))
		}
	}
	return out
}
