package model

import (
	"fmt"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/errors"
)

// RunStatus is the lifecycle state of a Run. Values are persisted.
type RunStatus int

const (
	RunCreated            RunStatus = 0
	RunScheduled          RunStatus = 1
	RunStarted            RunStatus = 2
	RunSucceeded          RunStatus = 3
	RunFailed             RunStatus = 4
	RunCanceled           RunStatus = 5
	RunPartiallySucceeded RunStatus = 6
)

// ActiveStatuses are the non-terminal states.
var ActiveStatuses = []RunStatus{RunCreated, RunScheduled, RunStarted}

func (s RunStatus) String() string {
	switch s {
	case RunCreated:
		return "CREATED"
	case RunScheduled:
		return "SCHEDULED"
	case RunStarted:
		return "STARTED"
	case RunSucceeded:
		return "SUCCEEDED"
	case RunFailed:
		return "FAILED"
	case RunCanceled:
		return "CANCELED"
	case RunPartiallySucceeded:
		return "PARTIALLY_SUCCEEDED"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// Terminal reports whether no further transition may change the status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunPartiallySucceeded:
		return true
	}
	return false
}

// CreatedVia records what asked for a Run.
type CreatedVia string

const (
	CreatedViaScheduled       CreatedVia = "scheduled"
	CreatedViaAdminRequest    CreatedVia = "admin_request"
	CreatedViaCustomerRequest CreatedVia = "customer_request"
	CreatedViaSystemRetry     CreatedVia = "system_retry"
)

// CancellationReason explains why a Run was canceled.
type CancellationReason string

const (
	CancelScheduledMultiple CancellationReason = "SCHEDULED_MULTIPLE"
	CancelScheduledTimedOut CancellationReason = "SCHEDULED_TIMED_OUT"
	CancelStartedTimedOut   CancellationReason = "STARTED_TIMED_OUT"
	CancelUserRequested     CancellationReason = "USER_REQUESTED"
	CancelAdminRequested    CancellationReason = "ADMIN_REQUESTED"
)

// Issue is the failure recorded on a Failed run.
type Issue struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Params  map[string]any `json:"params,omitempty"`
}

// IssueFromError converts err into an Issue, keeping the code and params of
// a coded error and falling back to the unknown code otherwise.
func IssueFromError(err error) Issue {
	var coded *errors.Coded
	if errors.As(err, &coded) {
		return Issue{Code: string(coded.Code), Message: coded.Message, Params: coded.Params}
	}
	return Issue{
		Code:    string(errors.CommonUnknown),
		Message: errors.Render(errors.CommonUnknown, map[string]any{"error": err.Error()}),
	}
}

// Run is one execution of a Job for one action.
type Run struct {
	ID                 string             `json:"id"`
	JobID              string             `json:"job_id"`
	Action             Action             `json:"action"`
	Status             RunStatus          `json:"status"`
	CreatedVia         CreatedVia         `json:"created_via"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	ExecutionStartTS   *time.Time         `json:"execution_start_ts,omitempty"`
	ExecutionEndTS     *time.Time         `json:"execution_end_ts,omitempty"`
	RequestParameters  Params             `json:"request_parameters"`
	FailureIssue       *Issue             `json:"failure_issue,omitempty"`
	CancellationReason CancellationReason `json:"cancellation_reason,omitempty"`
	CanceledBy         string             `json:"canceled_by,omitempty"`
	DryRun             bool               `json:"dry_run"`
	IsManual           bool               `json:"is_manual"`

	// Partial is the marker set by MarkPartial; it picks the terminal status
	// when the run succeeds.
	Partial bool `json:"partial"`
}

func invalid(r *Run, op string) error {
	return errors.Wrapf(errors.ErrInvalidTransition, "%s: run %s is %s", op, r.ID, r.Status)
}

// Schedule moves a Created run to Scheduled.
func (r *Run) Schedule(now time.Time) error {
	if r.Status != RunCreated {
		return invalid(r, "schedule")
	}
	r.Status = RunScheduled
	r.UpdatedAt = now
	return nil
}

// Start moves a Scheduled run to Started and stamps the start time.
func (r *Run) Start(now time.Time) error {
	if r.Status != RunScheduled {
		return invalid(r, "start")
	}
	r.Status = RunStarted
	r.ExecutionStartTS = &now
	r.UpdatedAt = now
	return nil
}

// MarkPartial records that some artifacts or entries were dropped. The run
// stays Started.
func (r *Run) MarkPartial(now time.Time) error {
	if r.Status != RunStarted {
		return invalid(r, "record partial success")
	}
	r.Partial = true
	r.UpdatedAt = now
	return nil
}

// Succeed terminates a Started run as Succeeded, or PartiallySucceeded when
// the partial marker is set.
func (r *Run) Succeed(now time.Time) error {
	if r.Status != RunStarted {
		return invalid(r, "record success")
	}
	r.Status = RunSucceeded
	if r.Partial {
		r.Status = RunPartiallySucceeded
	}
	r.ExecutionEndTS = &now
	r.UpdatedAt = now
	return nil
}

// Fail terminates a Started run as Failed with issue.
func (r *Run) Fail(issue Issue, now time.Time) error {
	if r.Status != RunStarted {
		return invalid(r, "record failure")
	}
	r.Status = RunFailed
	r.FailureIssue = &issue
	r.ExecutionEndTS = &now
	r.UpdatedAt = now
	return nil
}

// Cancel terminates a non-terminal run. The end time is stamped on every
// cancel so that terminal runs always carry one.
func (r *Run) Cancel(reason CancellationReason, by string, now time.Time) error {
	if r.Status.Terminal() {
		return invalid(r, "cancel")
	}
	r.Status = RunCanceled
	r.CancellationReason = reason
	r.CanceledBy = by
	r.ExecutionEndTS = &now
	r.UpdatedAt = now
	return nil
}

// Annotate replaces the cancellation reason on a terminal run. It is the only
// mutation allowed once a run is terminal.
func (r *Run) Annotate(reason CancellationReason, now time.Time) error {
	if !r.Status.Terminal() {
		return invalid(r, "annotate")
	}
	r.CancellationReason = reason
	r.UpdatedAt = now
	return nil
}

// Duplicate returns a new Created run for the same job and action with a
// copy of the request parameters. The receiver is not modified.
func (r *Run) Duplicate(id string, via CreatedVia, now time.Time) (*Run, error) {
	if !r.Status.Terminal() {
		return nil, invalid(r, "duplicate")
	}
	return &Run{
		ID:                id,
		JobID:             r.JobID,
		Action:            r.Action,
		Status:            RunCreated,
		CreatedVia:        via,
		CreatedAt:         now,
		UpdatedAt:         now,
		RequestParameters: r.RequestParameters.Clone(),
		DryRun:            r.DryRun,
		IsManual:          r.IsManual,
	}, nil
}

// Validate checks the timestamp invariants.
func (r *Run) Validate() error {
	reachedStart := r.Status == RunStarted || r.Status == RunSucceeded ||
		r.Status == RunPartiallySucceeded || r.Status == RunFailed
	switch {
	case reachedStart && r.ExecutionStartTS == nil:
		return fmt.Errorf("run %s is %s without execution_start_ts", r.ID, r.Status)
	case (r.Status == RunCreated || r.Status == RunScheduled) && r.ExecutionStartTS != nil:
		return fmt.Errorf("run %s is %s with execution_start_ts", r.ID, r.Status)
	case r.Status.Terminal() && r.ExecutionEndTS == nil:
		return fmt.Errorf("run %s is %s without execution_end_ts", r.ID, r.Status)
	case !r.Status.Terminal() && r.ExecutionEndTS != nil:
		return fmt.Errorf("run %s is %s with execution_end_ts", r.ID, r.Status)
	case r.ExecutionStartTS != nil && r.ExecutionEndTS != nil && r.ExecutionEndTS.Before(*r.ExecutionStartTS):
		return fmt.Errorf("run %s ends before it starts", r.ID)
	case r.Status == RunFailed && r.FailureIssue == nil:
		return fmt.Errorf("run %s failed without an issue", r.ID)
	}
	return nil
}

// OlderThan reports whether the run was created more than d before now.
func (r *Run) OlderThan(d time.Duration, now time.Time) bool {
	return r.CreatedAt.Before(now.Add(-d))
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	c := *r
	c.RequestParameters = r.RequestParameters.Clone()
	if r.ExecutionStartTS != nil {
		t := *r.ExecutionStartTS
		c.ExecutionStartTS = &t
	}
	if r.ExecutionEndTS != nil {
		t := *r.ExecutionEndTS
		c.ExecutionEndTS = &t
	}
	if r.FailureIssue != nil {
		issue := *r.FailureIssue
		issue.Params = cloneMap(r.FailureIssue.Params)
		c.FailureIssue = &issue
	}
	return &c
}
