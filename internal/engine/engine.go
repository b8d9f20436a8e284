// Package engine executes scheduled runs: it resolves the adapter for the
// run's connector, hands it an isolated working directory, feeds everything it
// yields through the artifact pipeline and records the terminal state.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dharsanguruparan/Integrator/internal/artifact"
	"github.com/dharsanguruparan/Integrator/internal/checkrun"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/ingest"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/retry"
	"github.com/dharsanguruparan/Integrator/internal/runs"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// canceledBy is recorded on runs the engine cancels itself.
const canceledBy = "system"

// Ingester hands a saved discovered file to the downstream service.
type Ingester interface {
	Ingest(ctx context.Context, df *model.DiscoveredFile) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Runs      store.RunStore
	Jobs      store.JobStore
	Objects   store.ObjectStore
	Machine   *runs.Machine
	Registry  *Registry
	Artifacts *artifact.Store
	CheckRuns *checkrun.Controller
	// Ingester is optional; without it saved files wait for post-processing.
	Ingester Ingester
	Services *CoreServices
	TempDir  string
	// ConnectorConcurrency caps concurrent runs per adapter code unless the
	// connector sets max_concurrency. Zero means no cap.
	ConnectorConcurrency int
	LoginPolicy          retry.Policy
	Logger               *slog.Logger
}

// Engine runs one scheduled run at a time per call; callers provide the
// parallelism.
type Engine struct {
	d Deps

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// New builds an Engine.
func New(d Deps) *Engine {
	if d.LoginPolicy == (retry.Policy{}) {
		d.LoginPolicy = retry.HTTPPolicy()
	}
	if d.Services == nil {
		d.Services = &CoreServices{Logger: d.Logger}
	}
	return &Engine{d: d, sems: make(map[string]*semaphore.Weighted)}
}

// Execute drives run runID from Scheduled to a terminal state. It returns an
// error only when the outcome could not be recorded; adapter failures end up
// on the run.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.d.Machine.RecordExecutionStart(ctx, runID)
	if errors.Is(err, errors.ErrInvalidTransition) {
		e.d.Logger.InfoContext(ctx, "run is not waiting to execute", "run_id", runID, "error", err)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "start run %s", runID)
	}

	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", run.ID),
		slog.String("job_id", run.JobID),
		slog.String("action", string(run.Action)),
	)
	ctx = WithServices(ctx, e.d.Services)
	e.d.Logger.InfoContext(ctx, "run started")
	return e.finish(ctx, run, e.execute(ctx, run))
}

func (e *Engine) execute(ctx context.Context, run *model.Run) error {
	job, err := e.d.Jobs.GetJob(ctx, run.JobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", run.JobID)
	}
	if job.Connector == nil {
		return errors.Newf("job %s has no connector", job.ID)
	}
	code := job.Connector.AdapterCode
	if !advertises(job.Connector, run.Action) {
		return unsupported(run.Action, code)
	}

	release, err := e.acquireSlot(ctx, job.Connector)
	if err != nil {
		return err
	}
	defer release()

	adapter, err := e.d.Registry.New(code)
	if err != nil {
		return err
	}
	dir, cleanup, err := acquireWorkDir(e.d.TempDir, run.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	rc := &RunContext{
		Run:      run,
		Job:      job,
		Params:   run.RequestParameters.Clone(),
		WorkDir:  dir,
		Logger:   e.d.Logger.With("adapter", code),
		Services: e.d.Services,
	}
	if err := e.login(ctx, rc, adapter); err != nil {
		return err
	}
	if run.Action == model.ActionWebLogin || run.DryRun {
		return nil
	}
	return e.dispatch(ctx, rc, adapter, code)
}

func (e *Engine) dispatch(ctx context.Context, rc *RunContext, adapter Adapter, code string) error {
	action := rc.Run.Action
	switch {
	case action.Downloads():
		dl, ok := adapter.(Downloader)
		if !ok {
			return unsupported(action, code)
		}
		return e.download(ctx, rc, dl)
	case action == model.ActionPaymentExport:
		ex, ok := adapter.(PaymentExporter)
		if !ok {
			return unsupported(action, code)
		}
		return e.exportPayments(ctx, rc, ex)
	case action.Imports():
		im, ok := adapter.(EntityImporter)
		if !ok {
			return unsupported(action, code)
		}
		return e.importEntities(ctx, rc, im)
	default:
		rn, ok := adapter.(Runner)
		if !ok {
			return unsupported(action, code)
		}
		return rn.Run(ctx, rc)
	}
}

func advertises(c *model.Connector, a model.Action) bool {
	if c.Has(a) {
		return true
	}
	if a != model.ActionImportMultipleEntities {
		return false
	}
	return c.Has(model.ActionVendorImportList) || c.Has(model.ActionGLImportList) || c.Has(model.ActionBankImportList)
}

func (e *Engine) login(ctx context.Context, rc *RunContext, a Adapter) error {
	return retry.Do(ctx, e.d.LoginPolicy, func() error {
		err := a.Login(ctx, rc)
		if err != nil && !errors.Classify(err).Retryable() {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, next time.Duration) {
		e.d.Logger.WarnContext(ctx, "login failed, retrying", "error", err, "next", next)
	})
}

// acquireSlot waits for a concurrency slot of the connector's adapter code.
func (e *Engine) acquireSlot(ctx context.Context, c *model.Connector) (func(), error) {
	limit := e.d.ConnectorConcurrency
	if n, ok := c.CustomProperties.Int(model.PropMaxConcurrency); ok && n > 0 {
		limit = n
	}
	if limit <= 0 {
		return func() {}, nil
	}
	e.semMu.Lock()
	sem, ok := e.sems[c.AdapterCode]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		e.sems[c.AdapterCode] = sem
	}
	e.semMu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// progress accumulates what happened during one run.
type progress struct {
	outcomes     map[artifact.Outcome]int
	ingested     int
	ingestFailed int
	exported     int
	skipped      int
	failed       int
	partial      bool
}

func newProgress() *progress {
	return &progress{outcomes: make(map[artifact.Outcome]int)}
}

func (p *progress) attrs() []any {
	out := make([]any, 0, 2*len(p.outcomes)+8)
	for o, n := range p.outcomes {
		out = append(out, o.String(), n)
	}
	return append(out, "ingested", p.ingested, "ingest_failed", p.ingestFailed, "partial", p.partial)
}

func (e *Engine) markPartial(ctx context.Context, run *model.Run, p *progress) error {
	if p.partial {
		return nil
	}
	if _, err := e.d.Machine.RecordPartialSuccess(ctx, run.ID); err != nil {
		return err
	}
	p.partial = true
	return nil
}

func (e *Engine) download(ctx context.Context, rc *RunContext, dl Downloader) error {
	p := newProgress()
	suppress := rc.Params.SuppressInvoices()
	err := dl.DiscoverAndDownload(ctx, rc, func(a artifact.Artifact) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := e.d.Artifacts.Process(ctx, rc.Run, rc.Job, a)
		p.outcomes[res.Outcome]++
		e.logOutcome(ctx, a, res)
		if res.Outcome.Partial() {
			if err := e.markPartial(ctx, rc.Run, p); err != nil {
				return err
			}
		}
		if res.Outcome == artifact.Saved && !suppress && e.d.Ingester != nil {
			e.ingest(ctx, res.File, p)
		}
		return nil
	})
	e.d.Logger.InfoContext(ctx, "download finished", p.attrs()...)
	return err
}

func (e *Engine) logOutcome(ctx context.Context, a artifact.Artifact, res artifact.Result) {
	attrs := []any{"reference_code", a.ReferenceCode, "outcome", res.Outcome.String()}
	if res.File != nil {
		attrs = append(attrs, "df_id", res.File.ID)
	}
	switch res.Outcome {
	case artifact.Saved:
		e.d.Logger.InfoContext(ctx, "discovered file saved", attrs...)
	case artifact.DuplicateInRun, artifact.DuplicateContent, artifact.OutOfRange:
		e.d.Logger.DebugContext(ctx, "discovered file dropped", attrs...)
	default:
		e.d.Logger.WarnContext(ctx, "discovered file dropped", append(attrs, "error", res.Err)...)
	}
}

func (e *Engine) ingest(ctx context.Context, df *model.DiscoveredFile, p *progress) {
	err := e.d.Ingester.Ingest(ctx, df)
	switch {
	case err == nil:
		p.ingested++
	case errors.Is(err, ingest.ErrSkipProcessing):
		e.d.Logger.DebugContext(ctx, "discovered file already ingested", "df_id", df.ID)
	default:
		p.ingestFailed++
		e.d.Logger.WarnContext(ctx, "ingestion failed, left for post-processing", "df_id", df.ID, "error", err)
	}
}

// finish records the terminal state for runErr. Terminal writes outlive the
// run context so a timed out run can still be recorded.
func (e *Engine) finish(ctx context.Context, run *model.Run, runErr error) error {
	wctx := context.WithoutCancel(ctx)
	if runErr == nil {
		_, err := e.d.Machine.RecordSuccess(wctx, run.ID)
		return e.settled(wctx, run.ID, err)
	}

	c := errors.Classify(runErr)
	switch {
	case c.Recovery == errors.RecoveryCancel:
		return e.interrupted(ctx, wctx, run, runErr)
	case !c.FailsRun():
		e.d.Logger.WarnContext(ctx, "run finished with an absorbed error", "error", runErr, "code", c.Code)
		if c.Partial {
			if _, err := e.d.Machine.RecordPartialSuccess(wctx, run.ID); err != nil {
				return e.settled(wctx, run.ID, err)
			}
		}
		_, err := e.d.Machine.RecordSuccess(wctx, run.ID)
		return e.settled(wctx, run.ID, err)
	}

	issue := model.IssueFromError(runErr)
	e.d.Logger.WarnContext(ctx, "run failed", "code", issue.Code, "error", runErr)
	_, err := e.d.Machine.RecordFailure(wctx, run.ID, issue)
	return e.settled(wctx, run.ID, err)
}

func (e *Engine) interrupted(ctx, wctx context.Context, run *model.Run, runErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(runErr, context.DeadlineExceeded) {
		_, err := e.d.Machine.Cancel(wctx, run.ID, model.CancelStartedTimedOut, canceledBy)
		return e.settled(wctx, run.ID, err)
	}
	current, err := e.d.Runs.GetRun(wctx, run.ID)
	if err == nil && current.Status == model.RunCanceled {
		e.d.Logger.InfoContext(ctx, "run canceled while executing", "reason", current.CancellationReason)
		return nil
	}
	// Worker shutdown: the run stays Started until maintenance times it out.
	e.d.Logger.WarnContext(ctx, "run interrupted", "error", runErr)
	return nil
}

// settled ignores transitions refused because the run already left Started,
// which happens when it was canceled concurrently.
func (e *Engine) settled(ctx context.Context, runID string, err error) error {
	if errors.Is(err, errors.ErrInvalidTransition) {
		e.d.Logger.InfoContext(ctx, "run already settled", "run_id", runID, "error", err)
		return nil
	}
	return err
}
