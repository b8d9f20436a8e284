package checkrun

import (
	"context"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

const day = 24 * time.Hour

// Policy holds the thresholds of the auto-disable rule. A row is disabled
// when every Disable threshold is met and flagged suspect when it is only
// past a Suspect threshold.
type Policy struct {
	// Lookback bounds the attempt history considered per check run.
	Lookback time.Duration
	// Settle skips attempts younger than this; they may still be running.
	Settle time.Duration

	DisableFirstAttemptAge time.Duration
	SuspectFirstAttemptAge time.Duration
	DisableAttempts        int
	SuspectAttempts        int
	DisablePaymentAge      time.Duration
	SuspectPaymentAge      time.Duration
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Lookback:               60 * day,
		Settle:                 time.Hour,
		DisableFirstAttemptAge: 45 * day,
		SuspectFirstAttemptAge: 30 * day,
		DisableAttempts:        45,
		SuspectAttempts:        30,
		DisablePaymentAge:      100 * day,
		SuspectPaymentAge:      60 * day,
	}
}

// Verdict is the outcome of evaluating one attempt.
type Verdict int

const (
	VerdictNotDisabled Verdict = iota
	VerdictSuspect
	VerdictDisable
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuspect:
		return "suspect"
	case VerdictDisable:
		return "disable"
	default:
		return "not_disabled"
	}
}

// Report counts the verdicts of one evaluation pass.
type Report struct {
	Disabled    int
	Suspect     int
	NotDisabled int
	Failed      int
}

// Decide applies p to the attempt history of one check run, oldest first.
func (p Policy) Decide(now time.Time, history []*model.CheckRun, paymentDate func() (time.Time, error)) (Verdict, string, error) {
	for _, h := range history {
		if h.Disabled() {
			return VerdictNotDisabled, "disabled before", nil
		}
	}
	for _, h := range history {
		if h.IsCheckRunSuccess {
			return VerdictNotDisabled, "succeeded before", nil
		}
	}
	if len(history) == 0 {
		return VerdictNotDisabled, "no history", nil
	}

	first := history[0].CreatedAt
	if first.After(now.Add(-p.DisableFirstAttemptAge)) {
		if first.Before(now.Add(-p.SuspectFirstAttemptAge)) {
			return VerdictSuspect, "first attempt is getting old", nil
		}
		return VerdictNotDisabled, "first attempt is recent", nil
	}

	if n := len(history); n < p.DisableAttempts {
		if n > p.SuspectAttempts {
			return VerdictSuspect, "many attempts", nil
		}
		return VerdictNotDisabled, "few attempts", nil
	}

	paid, err := paymentDate()
	if err != nil {
		return VerdictNotDisabled, "", err
	}
	if paid.After(now.Add(-p.DisablePaymentAge)) {
		if paid.Before(now.Add(-p.SuspectPaymentAge)) {
			return VerdictSuspect, "payment is getting old", nil
		}
		return VerdictNotDisabled, "payment is recent", nil
	}
	return VerdictDisable, "failing for too long", nil
}

// EvaluateDisablePolicy looks at unsuccessful, unevaluated attempts from the
// last day and records a verdict on each. Suspect rows stay unevaluated so the
// next pass sees them again. Errors on one row are counted, not returned.
func (c *Controller) EvaluateDisablePolicy(ctx context.Context) (Report, error) {
	now := c.clock.Now()
	p := c.policy
	prospects, err := c.checkRuns.ListCheckRuns(ctx, store.CheckRunFilter{
		CreatedAfter:  now.Add(-day),
		CreatedBefore: now.Add(-p.Settle),
		Unevaluated:   true,
		Unsuccessful:  true,
	})
	if err != nil {
		return Report{}, errors.Wrap(err, "list check run prospects")
	}
	c.logger.InfoContext(ctx, "evaluating check runs", "prospects", len(prospects))

	var report Report
	for _, cr := range prospects {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		history, err := c.checkRuns.ListCheckRuns(ctx, store.CheckRunFilter{
			CheckRunID:   cr.CheckRunID,
			CreatedAfter: now.Add(-p.Lookback),
		})
		if err != nil {
			report.Failed++
			c.logger.WarnContext(ctx, "check run history unavailable", "id", cr.ID, "error", err)
			continue
		}
		verdict, why, err := p.Decide(now, history, func() (time.Time, error) { return c.PaymentDate(ctx, cr) })
		if err != nil {
			report.Failed++
			c.logger.WarnContext(ctx, "check run not evaluated", "id", cr.ID, "check_run_id", cr.CheckRunID, "error", err)
			continue
		}

		switch verdict {
		case VerdictSuspect:
			report.Suspect++
			c.logger.InfoContext(ctx, "check run is suspect", "id", cr.ID, "check_run_id", cr.CheckRunID, "reason", why)
			continue
		case VerdictDisable:
			cr.SetDisabled(true, now)
			report.Disabled++
		default:
			cr.SetDisabled(false, now)
			report.NotDisabled++
		}
		if err := c.checkRuns.UpdateCheckRun(ctx, cr); err != nil {
			report.Failed++
			c.logger.WarnContext(ctx, "check run verdict not saved", "id", cr.ID, "error", err)
			continue
		}
		c.logger.DebugContext(ctx, "check run evaluated", "id", cr.ID, "verdict", verdict.String(), "reason", why)
	}
	c.logger.InfoContext(ctx, "check run evaluation finished",
		"disabled", report.Disabled, "suspect", report.Suspect, "not_disabled", report.NotDisabled, "failed", report.Failed)
	return report, nil
}
