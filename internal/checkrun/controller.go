// Package checkrun tracks accounting payment export attempts and decides
// when an external check run has failed often enough to stop trying.
package checkrun

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// Controller creates check-run rows and records their outcomes.
type Controller struct {
	checkRuns store.CheckRunStore
	runs      store.RunStore
	clock     clock.TimeProvider
	logger    *slog.Logger
	policy    Policy
}

// NewController builds a Controller with the default disable policy.
func NewController(checkRuns store.CheckRunStore, runs store.RunStore, clk clock.TimeProvider, logger *slog.Logger) *Controller {
	return &Controller{checkRuns: checkRuns, runs: runs, clock: clk, logger: logger, policy: DefaultPolicy()}
}

// CreateUnique records a new attempt for checkRunID. It refuses when an
// earlier attempt succeeded or when any attempt is disabled.
func (c *Controller) CreateUnique(ctx context.Context, run *model.Run, checkRunID string, paymentDate *time.Time) (*model.CheckRun, error) {
	attempts, err := c.checkRuns.ListCheckRuns(ctx, store.CheckRunFilter{CheckRunID: checkRunID})
	if err != nil {
		return nil, errors.Wrapf(err, "list attempts for check run %s", checkRunID)
	}
	params := map[string]any{"payment_number": checkRunID}
	for _, a := range attempts {
		if a.IsCheckRunSuccess {
			return nil, errors.NewCoded(errors.PECheckRunAlreadyExists, params)
		}
	}
	for _, a := range attempts {
		if a.Disabled() {
			return nil, errors.NewCoded(errors.PECheckRunDisabled, params)
		}
	}

	now := c.clock.Now()
	cr := &model.CheckRun{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		CheckRunID:  checkRunID,
		PaymentDate: paymentDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.checkRuns.CreateCheckRun(ctx, cr); err != nil {
		return nil, errors.Wrapf(err, "create check run %s", checkRunID)
	}
	return cr, nil
}

// RecordOutcome stores the result of an export attempt. A nil exportErr is
// a success.
func (c *Controller) RecordOutcome(ctx context.Context, cr *model.CheckRun, exportErr error) error {
	var issue *model.Issue
	if exportErr != nil {
		i := model.IssueFromError(exportErr)
		issue = &i
	}
	cr.RecordOutcome(exportErr == nil, issue, c.clock.Now())
	if err := c.checkRuns.UpdateCheckRun(ctx, cr); err != nil {
		return errors.Wrapf(err, "record outcome of check run %s", cr.ID)
	}
	return nil
}

// Reenable clears the disabled flag on every attempt of checkRunID and
// returns how many rows changed.
func (c *Controller) Reenable(ctx context.Context, checkRunID string) (int, error) {
	attempts, err := c.checkRuns.ListCheckRuns(ctx, store.CheckRunFilter{CheckRunID: checkRunID})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range attempts {
		if !a.Disabled() {
			continue
		}
		a.Reenable(c.clock.Now())
		if err := c.checkRuns.UpdateCheckRun(ctx, a); err != nil {
			return n, errors.Wrapf(err, "reenable check run %s", a.ID)
		}
		n++
	}
	c.logger.InfoContext(ctx, "check run reenabled", "check_run_id", checkRunID, "rows", n)
	return n, nil
}

// PaymentDate resolves the payment date of cr, falling back to the accounting
// entry on its run.
func (c *Controller) PaymentDate(ctx context.Context, cr *model.CheckRun) (time.Time, error) {
	if cr.PaymentDate != nil {
		return *cr.PaymentDate, nil
	}
	run, err := c.runs.GetRun(ctx, cr.RunID)
	if err != nil {
		return time.Time{}, err
	}
	entry, ok := run.RequestParameters.Accounting()[cr.CheckRunID]
	if !ok {
		return time.Time{}, errors.Newf("run %s has no accounting entry for %s", run.ID, cr.CheckRunID)
	}
	raw, _ := entry[model.ParamPaymentDate].(string)
	t, ok := model.ParsePaymentDate(raw)
	if !ok {
		return time.Time{}, errors.Newf("unparseable payment date %q for %s", raw, cr.CheckRunID)
	}
	return t, nil
}
