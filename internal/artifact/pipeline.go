package artifact

import (
	"context"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// Outcome names what happened to one artifact.
type Outcome int

const (
	Saved Outcome = iota
	DuplicateInRun
	DuplicateContent
	ZeroFileSize
	OutOfRange
	Invalid
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Saved:
		return "saved"
	case DuplicateInRun:
		return "duplicate_in_run"
	case DuplicateContent:
		return "duplicate_content"
	case ZeroFileSize:
		return "zero_file_size"
	case OutOfRange:
		return "out_of_range"
	case Invalid:
		return "invalid"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Partial reports whether the outcome downgrades the run to
// PartiallySucceeded.
func (o Outcome) Partial() bool {
	switch o {
	case ZeroFileSize, Invalid, Failed:
		return true
	}
	return false
}

// Result is the outcome of processing one artifact.
type Result struct {
	Outcome  Outcome
	File     *model.DiscoveredFile
	Existing *model.DiscoveredFile
	Severity Severity
	Err      error
}

// Process runs one artifact through validation, the date filter,
// BuildUnique, SaveContent, the duplicate lookup and persistence. It never
// returns an error: every failure is a named outcome.
func (s *Store) Process(ctx context.Context, run *model.Run, job *model.Job, a Artifact) Result {
	if err := validate(a); err != nil {
		return Result{Outcome: Invalid, Err: err}
	}
	if !InWindow(run.RequestParameters, a.DocumentProperties) {
		return Result{Outcome: OutOfRange}
	}

	df, err := s.BuildUnique(ctx, run, a.ReferenceCode, a)
	if err != nil {
		if code, ok := errors.CodeOf(err); ok && code == errors.DuplicateInRun {
			return Result{Outcome: DuplicateInRun, Err: err}
		}
		return Result{Outcome: Failed, Err: err}
	}

	if err := s.SaveContent(ctx, df, a.LocalPath, job.ComputeTextHash()); err != nil {
		if code, ok := errors.CodeOf(err); ok && code == errors.ZeroFileSize {
			return Result{Outcome: ZeroFileSize, File: df, Err: err}
		}
		return Result{Outcome: Failed, File: df, Err: err}
	}

	existing, err := s.FindDuplicate(ctx, df)
	if err != nil {
		return Result{Outcome: Failed, File: df, Err: err}
	}
	if existing != nil {
		sev := s.ReportDuplicate(ctx, run, job, df, existing)
		return Result{
			Outcome:  DuplicateContent,
			File:     df,
			Existing: existing,
			Severity: sev,
			Err:      errors.NewCoded(errors.DuplicateContent, map[string]any{"existing_id": existing.ID}),
		}
	}

	switch err := s.Persist(ctx, df); {
	case err == nil:
		return Result{Outcome: Saved, File: df}
	case errors.Is(err, store.ErrDuplicateReference):
		return Result{Outcome: DuplicateInRun, File: df, Err: err}
	case errors.Is(err, store.ErrDuplicateContent):
		// Lost a race with a concurrent run; the row that won is the duplicate.
		existing, _ := s.FindDuplicate(ctx, df)
		res := Result{Outcome: DuplicateContent, File: df, Existing: existing, Err: err}
		if existing != nil {
			res.Severity = s.ReportDuplicate(ctx, run, job, df, existing)
		}
		return res
	default:
		return Result{Outcome: Failed, File: df, Err: err}
	}
}

func validate(a Artifact) error {
	if a.ReferenceCode == "" || !a.FileFormat.Valid() || a.LocalPath == "" {
		return errors.WithDetailf(errors.NewCoded(errors.PEInvalidDiscoveredFile, nil),
			"reference=%q format=%q path=%q", a.ReferenceCode, a.FileFormat, a.LocalPath)
	}
	return nil
}

var invoiceDateLayouts = []string{model.DateLayout, "01/02/2006", time.RFC3339, "2006-01-02T15:04:05"}

// InWindow reports whether the invoice date in props falls inside the
// start_date..end_date window of params, both ends inclusive. Documents
// without a parseable invoice date are kept.
func InWindow(params model.Params, props map[string]any) bool {
	raw, _ := props[model.DocInvoiceDate].(string)
	if raw == "" {
		return true
	}
	var (
		date time.Time
		ok   bool
	)
	for _, layout := range invoiceDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			date, ok = t, true
			break
		}
	}
	if !ok {
		return true
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	if start, ok := params.StartDate(); ok && day.Before(start) {
		return false
	}
	if end, ok := params.EndDate(); ok && day.After(end) {
		return false
	}
	return true
}
