package trigger

import (
	"time"

	"github.com/dharsanguruparan/Integrator/internal/model"
)

// Limits applied to scheduled triggers. Admin and customer triggers bypass
// them.
const (
	maxRunsPerWindow = 3
	retryWindow      = 3 * time.Hour
	pendingWindow    = 12 * time.Hour
	dayWindow        = 24 * time.Hour
	importWindow     = 7 * 24 * time.Hour
)

// history is the recent runs of one job and action, newest first.
type history struct {
	now  time.Time
	runs []*model.Run
}

func (h history) latest() *model.Run {
	if len(h.runs) == 0 {
		return nil
	}
	return h.runs[0]
}

// since returns the runs created within d of now.
func (h history) since(d time.Duration) history {
	cut := h.now.Add(-d)
	out := history{now: h.now}
	for _, r := range h.runs {
		if !r.CreatedAt.Before(cut) {
			out.runs = append(out.runs, r)
		}
	}
	return out
}

// day returns the runs created on the calendar day of now.
func (h history) day() history {
	y, m, d := h.now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, h.now.Location())
	end := start.AddDate(0, 0, 1)
	out := history{now: h.now}
	for _, r := range h.runs {
		if !r.CreatedAt.Before(start) && r.CreatedAt.Before(end) {
			out.runs = append(out.runs, r)
		}
	}
	return out
}

func (h history) count(pred func(*model.Run) bool) int {
	n := 0
	for _, r := range h.runs {
		if pred(r) {
			n++
		}
	}
	return n
}

func (h history) any(pred func(*model.Run) bool) bool {
	return h.count(pred) > 0
}

func withStatus(statuses ...model.RunStatus) func(*model.Run) bool {
	return func(r *model.Run) bool {
		for _, s := range statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
}

func manual(r *model.Run) bool { return r.IsManual }

func anyRun(*model.Run) bool { return true }

// scheduledDay decides a download on a day the job schedule names: create
// unless the day already has a success or enough manual attempts.
func scheduledDay(h history) bool {
	today := h.day()
	if today.any(withStatus(model.RunSucceeded)) {
		return false
	}
	return today.count(manual) < maxRunsPerWindow
}

// shouldDownloadAutomated throttles scheduled automated invoice downloads.
func shouldDownloadAutomated(job *model.Job, h history) (bool, string) {
	latest := h.latest()
	if latest == nil || latest.OlderThan(dayWindow, h.now) {
		return true, ""
	}
	if job.Schedule != nil && job.Schedule.Match(h.now) {
		if scheduledDay(h) {
			return true, ""
		}
		return false, "scheduled day already handled"
	}
	if latest.Status == model.RunSucceeded {
		return false, "latest run succeeded"
	}
	recent := h.since(pendingWindow)
	if recent.any(withStatus(model.RunCreated, model.RunScheduled)) {
		return false, "pending run exists"
	}
	if recent.count(withStatus(model.RunFailed)) >= maxRunsPerWindow {
		return false, "too many failures"
	}
	if recent.count(withStatus(model.RunPartiallySucceeded)) >= maxRunsPerWindow {
		return false, "too many partial successes"
	}
	if !latest.OlderThan(retryWindow, h.now) {
		return false, "latest run too recent"
	}
	return true, ""
}

// shouldDownloadManual throttles scheduled manual invoice downloads.
// frequency is the connector's retry frequency.
func shouldDownloadManual(job *model.Job, frequency time.Duration, h history) (bool, string) {
	if job.Schedule != nil && job.Schedule.Match(h.now) {
		if scheduledDay(h) {
			return true, ""
		}
		return false, "scheduled day already handled"
	}
	if h.since(retryWindow).any(manual) {
		return false, "manual run too recent"
	}
	freq := h.since(frequency)
	if freq.count(manual) >= maxRunsPerWindow {
		return false, "too many manual runs"
	}
	if freq.any(withStatus(model.RunSucceeded)) {
		return false, "succeeded within frequency"
	}
	pending := h.since(pendingWindow).count(func(r *model.Run) bool {
		return r.IsManual && (r.Status == model.RunCreated || r.Status == model.RunScheduled)
	})
	if pending > 0 {
		return false, "pending manual run exists"
	}
	return true, ""
}

// shouldExportPayments throttles scheduled payment exports.
func shouldExportPayments(h history) (bool, string) {
	if h.since(dayWindow).any(withStatus(model.RunSucceeded)) {
		return false, "succeeded within a day"
	}
	if h.since(retryWindow).any(anyRun) {
		return false, "latest run too recent"
	}
	return true, ""
}

// shouldImport throttles scheduled entity imports.
func shouldImport(h history) (bool, string) {
	if h.since(importWindow).any(withStatus(model.RunSucceeded)) {
		return false, "succeeded within a week"
	}
	if h.since(dayWindow).any(anyRun) {
		return false, "latest run too recent"
	}
	return true, ""
}
