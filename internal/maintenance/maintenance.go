// Package maintenance reconciles run and file state the workers left behind:
// stranded and duplicated scheduled runs, runs stuck in Started, files that
// never reached ingestion, stale temp files and chronic check-runs.
package maintenance

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/Integrator/internal/checkrun"
	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/ingest"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/runs"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// Age thresholds of the reconciliation steps.
const (
	StrandedMinAge     = time.Hour
	StrandedMaxAge     = 3 * 24 * time.Hour
	StuckStartedAge    = 4 * time.Hour
	ManualScheduledAge = 3 * 24 * time.Hour
	PostProcessAge     = 4 * time.Hour
)

const canceledBy = "system"

// Ingester pushes a discovered file through the ingestion bridge.
type Ingester interface {
	Ingest(ctx context.Context, df *model.DiscoveredFile) error
}

// Deps are the collaborators of a Loop. Ingester and CheckRuns are optional;
// their steps are skipped when nil.
type Deps struct {
	Runs      store.RunStore
	Files     store.FileStore
	Machine   *runs.Machine
	Queue     runs.Enqueuer
	Ingester  Ingester
	CheckRuns *checkrun.Controller

	TempDir                string
	TempFileTTL            time.Duration
	PostProcessConcurrency int

	Clock  clock.TimeProvider
	Logger *slog.Logger
}

// Report counts what one pass changed.
type Report struct {
	Rescheduled   int
	Requeued      int
	Deduplicated  int
	TimedOut      int
	Replaced      int
	Pruned        int
	PostProcessed int
	PostFailed    int
	TempRemoved   int
	CheckRuns     checkrun.Report
	FailedSteps   []string
}

// Loop runs maintenance passes.
type Loop struct {
	d Deps
}

// New builds a Loop.
func New(d Deps) *Loop {
	if d.PostProcessConcurrency <= 0 {
		d.PostProcessConcurrency = 1
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Loop{d: d}
}

type step struct {
	name string
	fn   func(ctx context.Context, now time.Time, r *Report) error
}

// Pass runs every step once, in order. A failing step is logged and the
// pass moves on; only a done ctx stops it early.
func (l *Loop) Pass(ctx context.Context) (Report, error) {
	steps := []step{
		{"reschedule_stranded", l.rescheduleStranded},
		{"dedupe_scheduled", l.dedupeScheduled},
		{"retry_stuck_started", l.retryStuckStarted},
		{"prune_manual_scheduled", l.pruneManualScheduled},
		{"post_process_files", l.postProcessFiles},
		{"collect_temp_files", l.collectTempFiles},
		{"disable_chronic_check_runs", l.evaluateCheckRuns},
	}
	var r Report
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		start := time.Now()
		if err := s.fn(ctx, l.d.Clock.Now(), &r); err != nil {
			r.FailedSteps = append(r.FailedSteps, s.name)
			l.d.Logger.ErrorContext(ctx, "maintenance step failed", "step", s.name, "error", err)
			continue
		}
		l.d.Logger.DebugContext(ctx, "maintenance step done", "step", s.name, "took", time.Since(start))
	}
	l.d.Logger.InfoContext(ctx, "maintenance pass finished",
		"rescheduled", r.Rescheduled, "requeued", r.Requeued, "deduplicated", r.Deduplicated,
		"timed_out", r.TimedOut, "replaced", r.Replaced, "pruned", r.Pruned,
		"post_processed", r.PostProcessed, "post_failed", r.PostFailed, "temp_removed", r.TempRemoved,
		"check_runs_disabled", r.CheckRuns.Disabled, "failed_steps", r.FailedSteps)
	return r, nil
}

// Run calls Pass every interval until ctx is done. The first pass runs
// immediately.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.Pass(ctx); err != nil && ctx.Err() == nil {
			l.d.Logger.ErrorContext(ctx, "maintenance pass aborted", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Loop) queueFor(r *model.Run) runs.Enqueuer {
	if r.IsManual {
		return nil
	}
	return l.d.Queue
}

// rescheduleStranded re-sends automated Scheduled runs aged between one hour
// and three days to the queue, then schedules Created runs of the same age.
// Older ones are left alone.
func (l *Loop) rescheduleStranded(ctx context.Context, now time.Time, r *Report) error {
	if l.d.Queue != nil {
		automated := false
		scheduled, err := l.d.Runs.ListRuns(ctx, store.RunFilter{
			Statuses:      []model.RunStatus{model.RunScheduled},
			IsManual:      &automated,
			CreatedAfter:  now.Add(-StrandedMaxAge),
			CreatedBefore: now.Add(-StrandedMinAge),
		})
		if err != nil {
			return errors.Wrap(err, "list stranded scheduled runs")
		}
		for _, run := range scheduled {
			if _, err := l.d.Machine.Enqueue(ctx, run.ID, l.d.Queue); err != nil {
				l.d.Logger.WarnContext(ctx, "re-enqueue failed", "run_id", run.ID, "error", err)
				continue
			}
			r.Requeued++
		}
	}

	created, err := l.d.Runs.ListRuns(ctx, store.RunFilter{
		Statuses:      []model.RunStatus{model.RunCreated},
		CreatedAfter:  now.Add(-StrandedMaxAge),
		CreatedBefore: now.Add(-StrandedMinAge),
	})
	if err != nil {
		return errors.Wrap(err, "list stranded created runs")
	}
	for _, run := range created {
		if _, err := l.d.Machine.Schedule(ctx, run.ID, l.queueFor(run)); err != nil {
			l.d.Logger.WarnContext(ctx, "reschedule failed", "run_id", run.ID, "error", err)
			continue
		}
		r.Rescheduled++
	}
	return nil
}

// dedupeScheduled keeps the newest Scheduled run of every job and cancels
// the others, except admin-created ones.
func (l *Loop) dedupeScheduled(ctx context.Context, _ time.Time, r *Report) error {
	scheduled, err := l.d.Runs.ListRuns(ctx, store.RunFilter{Statuses: []model.RunStatus{model.RunScheduled}})
	if err != nil {
		return errors.Wrap(err, "list scheduled runs")
	}
	seen := make(map[string]bool)
	for _, run := range scheduled {
		if !seen[run.JobID] {
			seen[run.JobID] = true
			continue
		}
		if run.CreatedVia == model.CreatedViaAdminRequest {
			continue
		}
		if _, err := l.d.Machine.Cancel(ctx, run.ID, model.CancelScheduledMultiple, canceledBy); err != nil {
			l.d.Logger.WarnContext(ctx, "cancel duplicate scheduled run failed", "run_id", run.ID, "error", err)
			continue
		}
		r.Deduplicated++
	}
	return nil
}

// retryStuckStarted cancels runs started more than four hours ago and
// schedules one replacement per job.
func (l *Loop) retryStuckStarted(ctx context.Context, now time.Time, r *Report) error {
	stuck, err := l.d.Runs.ListRuns(ctx, store.RunFilter{
		Statuses:      []model.RunStatus{model.RunStarted},
		StartedBefore: now.Add(-StuckStartedAge),
	})
	if err != nil {
		return errors.Wrap(err, "list stuck runs")
	}
	replaced := make(map[string]bool)
	for _, run := range stuck {
		if _, err := l.d.Machine.Cancel(ctx, run.ID, model.CancelStartedTimedOut, canceledBy); err != nil {
			l.d.Logger.WarnContext(ctx, "cancel stuck run failed", "run_id", run.ID, "error", err)
			continue
		}
		r.TimedOut++
		if replaced[run.JobID] {
			continue
		}
		replaced[run.JobID] = true
		dup, err := l.d.Machine.Duplicate(ctx, run.ID, model.CreatedViaSystemRetry)
		if err != nil {
			l.d.Logger.WarnContext(ctx, "replacement run not created", "run_id", run.ID, "error", err)
			continue
		}
		if _, err := l.d.Machine.Schedule(ctx, dup.ID, l.queueFor(dup)); err != nil {
			l.d.Logger.WarnContext(ctx, "replacement run not scheduled", "run_id", dup.ID, "error", err)
		}
		r.Replaced++
	}
	return nil
}

// pruneManualScheduled times out manual runs nobody picked up in three days.
func (l *Loop) pruneManualScheduled(ctx context.Context, now time.Time, r *Report) error {
	manual := true
	stale, err := l.d.Runs.ListRuns(ctx, store.RunFilter{
		Statuses:          []model.RunStatus{model.RunScheduled},
		IsManual:          &manual,
		ExcludeCreatedVia: []model.CreatedVia{model.CreatedViaAdminRequest},
		CreatedBefore:     now.Add(-ManualScheduledAge),
	})
	if err != nil {
		return errors.Wrap(err, "list manual scheduled runs")
	}
	for _, run := range stale {
		if _, err := l.d.Machine.Cancel(ctx, run.ID, model.CancelScheduledTimedOut, canceledBy); err != nil {
			l.d.Logger.WarnContext(ctx, "prune manual run failed", "run_id", run.ID, "error", err)
			continue
		}
		r.Pruned++
	}
	return nil
}

// postProcessFiles ingests downloaded files still without a container.
func (l *Loop) postProcessFiles(ctx context.Context, now time.Time, r *Report) error {
	if l.d.Ingester == nil {
		return nil
	}
	files, err := l.d.Files.ListFiles(ctx, store.FileFilter{
		NeedsIngestion:   true,
		DownloadedBefore: now.Add(-PostProcessAge),
	})
	if err != nil {
		return errors.Wrap(err, "list files awaiting ingestion")
	}

	suppressed := make(map[string]bool)
	var pending []*model.DiscoveredFile
	for _, df := range files {
		skip, ok := suppressed[df.RunID]
		if !ok {
			run, err := l.d.Runs.GetRun(ctx, df.RunID)
			if err != nil {
				l.d.Logger.WarnContext(ctx, "run of discovered file not found", "df_id", df.ID, "run_id", df.RunID, "error", err)
				continue
			}
			skip = run.RequestParameters.SuppressInvoices()
			suppressed[df.RunID] = skip
		}
		if !skip {
			pending = append(pending, df)
		}
	}

	var done, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.d.PostProcessConcurrency)
	for _, df := range pending {
		g.Go(func() error {
			err := l.d.Ingester.Ingest(gctx, df)
			switch {
			case err == nil:
				done.Add(1)
			case errors.Is(err, ingest.ErrSkipProcessing):
			default:
				failed.Add(1)
				l.d.Logger.WarnContext(gctx, "post-processing failed", "df_id", df.ID, "error", err)
			}
			return gctx.Err()
		})
	}
	err = g.Wait()
	r.PostProcessed += int(done.Load())
	r.PostFailed += int(failed.Load())
	return err
}

// collectTempFiles removes files under the temp root older than the TTL,
// then the directories left empty.
func (l *Loop) collectTempFiles(ctx context.Context, now time.Time, r *Report) error {
	if l.d.TempDir == "" || l.d.TempFileTTL <= 0 {
		return nil
	}
	cutoff := now.Add(-l.d.TempFileTTL)
	// Directory mtimes are taken before any removal touches them.
	dirs := make(map[string]time.Time)
	err := filepath.WalkDir(l.d.TempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != l.d.TempDir {
				dirs[path] = info.ModTime()
			}
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				l.d.Logger.WarnContext(ctx, "temp file not removed", "path", path, "error", err)
				return nil
			}
			r.TempRemoved++
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walk %s", l.d.TempDir)
	}
	paths := make([]string, 0, len(dirs))
	for dir, mod := range dirs {
		if mod.Before(cutoff) {
			paths = append(paths, dir)
		}
	}
	// Deepest first so parents empty out after their children.
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return nil
}

func (l *Loop) evaluateCheckRuns(ctx context.Context, _ time.Time, r *Report) error {
	if l.d.CheckRuns == nil {
		return nil
	}
	rep, err := l.d.CheckRuns.EvaluateDisablePolicy(ctx)
	r.CheckRuns = rep
	return err
}
