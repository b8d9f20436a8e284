package runs

import (
	"context"
	"log/slog"

	"github.com/dharsanguruparan/Integrator/internal/model"
)

// LogHook logs every terminal transition.
type LogHook struct {
	Logger *slog.Logger
}

func attrs(r *model.Run) []any {
	out := []any{"run_id", r.ID, "job_id", r.JobID, "action", r.Action, "status", r.Status.String()}
	if r.ExecutionStartTS != nil && r.ExecutionEndTS != nil {
		out = append(out, "duration", r.ExecutionEndTS.Sub(*r.ExecutionStartTS))
	}
	return out
}

func (h LogHook) OnSuccess(ctx context.Context, r *model.Run) {
	h.Logger.InfoContext(ctx, "run finished", attrs(r)...)
}

func (h LogHook) OnFailure(ctx context.Context, r *model.Run) {
	a := attrs(r)
	if r.FailureIssue != nil {
		a = append(a, "code", r.FailureIssue.Code, "message", r.FailureIssue.Message)
	}
	h.Logger.WarnContext(ctx, "run failed", a...)
}

func (h LogHook) OnCancel(ctx context.Context, r *model.Run) {
	h.Logger.InfoContext(ctx, "run canceled", append(attrs(r), "reason", r.CancellationReason, "by", r.CanceledBy)...)
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	Success func(ctx context.Context, r *model.Run)
	Failure func(ctx context.Context, r *model.Run)
	Cancel  func(ctx context.Context, r *model.Run)
}

func (h HookFuncs) OnSuccess(ctx context.Context, r *model.Run) {
	if h.Success != nil {
		h.Success(ctx, r)
	}
}

func (h HookFuncs) OnFailure(ctx context.Context, r *model.Run) {
	if h.Failure != nil {
		h.Failure(ctx, r)
	}
}

func (h HookFuncs) OnCancel(ctx context.Context, r *model.Run) {
	if h.Cancel != nil {
		h.Cancel(ctx, r)
	}
}
