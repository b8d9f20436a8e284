// Package trigger decides which jobs may run, builds their runs and hands
// them to the state machine.
package trigger

import (
	"context"
	"strings"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// ErrNotRunnable is returned when a job cannot run the requested action.
var ErrNotRunnable = errors.New("job is not runnable for action")

// importActions are matched by accounting.import_multiple_entities.
var importActions = []model.Action{
	model.ActionImportMultipleEntities,
	model.ActionBankImportList,
	model.ActionGLImportList,
	model.ActionVendorImportList,
}

// Operation is an action plus the manual flavor used by invoice downloads.
type Operation struct {
	Action model.Action
	Manual bool
}

func (o Operation) String() string {
	if o.Manual {
		return string(o.Action) + ":manual"
	}
	return string(o.Action)
}

// DefaultOperations are triggered by the timer when none are configured.
var DefaultOperations = []Operation{
	{Action: model.ActionPaymentExport},
	{Action: model.ActionInvoiceDownload},
	{Action: model.ActionInvoiceDownload, Manual: true},
}

// ParseOperations parses a comma separated list such as
// "payment.export,invoice.download:manual".
func ParseOperations(s string) ([]Operation, error) {
	if strings.TrimSpace(s) == "" {
		return append([]Operation(nil), DefaultOperations...), nil
	}
	var out []Operation
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		op := Operation{Action: model.Action(fields[0])}
		if !op.Action.Valid() {
			return nil, errors.Newf("unknown action %q", fields[0])
		}
		for _, f := range fields[1:] {
			if f == "manual" {
				op.Manual = true
			}
		}
		out = append(out, op)
	}
	return out, nil
}

// Runnable reports whether job may run action: the job and its connector are
// enabled, the connector is not a backlog placeholder and it advertises the
// action. accounting.import_multiple_entities also matches connectors that
// only advertise one of the single-entity imports.
func Runnable(job *model.Job, action model.Action) bool {
	if !job.Active() || job.Connector.AdapterCode == model.AdapterCodeBacklog {
		return false
	}
	if action == model.ActionImportMultipleEntities {
		for _, a := range importActions {
			if job.Connector.Has(a) {
				return true
			}
		}
		return false
	}
	return job.Connector.Has(action)
}

// RunnableFor applies the manual split on top of Runnable. Manual invoice
// downloads need a job enabled for manual work or the manual adapter;
// automated ones exclude the manual adapter.
func RunnableFor(job *model.Job, op Operation) bool {
	if !Runnable(job, op.Action) {
		return false
	}
	if op.Action != model.ActionInvoiceDownload {
		return true
	}
	manualAdapter := job.Connector.AdapterCode == model.AdapterCodeManual
	if op.Manual {
		return job.EnabledForManual || manualAdapter
	}
	return !manualAdapter
}

// Eligible lists the jobs runnable for op. When ids is non-empty only those
// jobs are considered and the manual split is not applied.
func Eligible(ctx context.Context, jobs store.JobStore, op Operation, ids []string) ([]*model.Job, error) {
	all, err := jobs.ListJobs(ctx, store.JobFilter{EnabledOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var out []*model.Job
	for _, j := range all {
		switch {
		case len(want) > 0:
			if want[j.ID] && Runnable(j, op.Action) {
				out = append(out, j)
			}
		case RunnableFor(j, op):
			out = append(out, j)
		}
	}
	return out, nil
}
