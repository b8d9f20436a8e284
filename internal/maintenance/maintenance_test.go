package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dharsanguruparan/Integrator/internal/checkrun"
	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/runs"
	"github.com/dharsanguruparan/Integrator/internal/storage"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

var t0 = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(_ context.Context, r *model.Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, r.ID)
	return nil
}

type fakeIngester struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (f *fakeIngester) Ingest(_ context.Context, df *model.DiscoveredFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, df.ID)
	if f.fail[df.ID] {
		return errors.New("upload rejected")
	}
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	clock    *clock.Mock
	queue    *fakeQueue
	ingester *fakeIngester
	loop     *Loop
}

func newFixture(t *testing.T, d Deps) *fixture {
	t.Helper()
	s := storage.NewMemoryStore()
	clk := clock.NewMock(t0)
	q := &fakeQueue{}
	ing := &fakeIngester{fail: map[string]bool{}}
	logger := log.Discard()
	d.Runs = s
	d.Files = s
	d.Machine = runs.NewMachine(s, clk, logger)
	d.Queue = q
	d.Ingester = ing
	if d.CheckRuns == nil {
		d.CheckRuns = checkrun.NewController(s, s, clk, logger)
	}
	d.Clock = clk
	d.Logger = logger
	return &fixture{store: s, clock: clk, queue: q, ingester: ing, loop: New(d)}
}

func (fx *fixture) addRun(t *testing.T, r *model.Run) {
	t.Helper()
	if r.Action == "" {
		r.Action = model.ActionInvoiceDownload
	}
	if r.CreatedVia == "" {
		r.CreatedVia = model.CreatedViaScheduled
	}
	_, err := fx.store.CreateRun(context.Background(), r, false)
	require.NoError(t, err)
}

func (fx *fixture) get(t *testing.T, id string) *model.Run {
	t.Helper()
	r, err := fx.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

func ptr[T any](v T) *T { return &v }

func TestPassRetriesStuckStartedRuns(t *testing.T) {
	fx := newFixture(t, Deps{})
	ctx := context.Background()
	fx.addRun(t, &model.Run{ID: "stuck-inv", JobID: "job-1", Status: model.RunStarted,
		CreatedAt: t0, ExecutionStartTS: ptr(t0)})
	fx.addRun(t, &model.Run{ID: "stuck-stmt", JobID: "job-1", Action: model.ActionStatementDownload,
		Status: model.RunStarted, CreatedAt: t0, ExecutionStartTS: ptr(t0)})
	fx.addRun(t, &model.Run{ID: "busy", JobID: "job-2", Status: model.RunStarted,
		CreatedAt: t0, ExecutionStartTS: ptr(t0.Add(time.Hour))})

	fx.clock.Set(t0.Add(4*time.Hour + time.Minute))
	rep, err := fx.loop.Pass(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.TimedOut)
	assert.Equal(t, 1, rep.Replaced)
	for _, id := range []string{"stuck-inv", "stuck-stmt"} {
		r := fx.get(t, id)
		assert.Equal(t, model.RunCanceled, r.Status)
		assert.Equal(t, model.CancelStartedTimedOut, r.CancellationReason)
		assert.NoError(t, r.Validate())
	}
	assert.Equal(t, model.RunStarted, fx.get(t, "busy").Status)

	replacements, err := fx.store.ListRuns(ctx, store.RunFilter{
		JobID: "job-1", Statuses: []model.RunStatus{model.RunScheduled},
	})
	require.NoError(t, err)
	require.Len(t, replacements, 1)
	assert.Equal(t, model.CreatedViaSystemRetry, replacements[0].CreatedVia)
	assert.Equal(t, []string{replacements[0].ID}, fx.queue.ids)

	// Canceled runs are not touched again.
	rep, err = fx.loop.Pass(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.TimedOut)
	assert.Zero(t, rep.Replaced)
	assert.Equal(t, model.CancelStartedTimedOut, fx.get(t, "stuck-inv").CancellationReason)
}

func TestPassReschedulesStrandedRuns(t *testing.T) {
	fx := newFixture(t, Deps{})
	fx.addRun(t, &model.Run{ID: "created-2h", JobID: "job-1", Status: model.RunCreated, CreatedAt: t0.Add(-2 * time.Hour)})
	fx.addRun(t, &model.Run{ID: "created-30m", JobID: "job-2", Status: model.RunCreated, CreatedAt: t0.Add(-30 * time.Minute)})
	fx.addRun(t, &model.Run{ID: "created-4d", JobID: "job-3", Status: model.RunCreated, CreatedAt: t0.Add(-96 * time.Hour)})
	fx.addRun(t, &model.Run{ID: "manual-2h", JobID: "job-4", Status: model.RunCreated, IsManual: true, CreatedAt: t0.Add(-2 * time.Hour)})
	fx.addRun(t, &model.Run{ID: "scheduled-5h", JobID: "job-5", Status: model.RunScheduled, CreatedAt: t0.Add(-5 * time.Hour)})

	rep, err := fx.loop.Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Rescheduled)
	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, model.RunScheduled, fx.get(t, "created-2h").Status)
	assert.Equal(t, model.RunScheduled, fx.get(t, "manual-2h").Status)
	assert.Equal(t, model.RunCreated, fx.get(t, "created-30m").Status)
	assert.Equal(t, model.RunCreated, fx.get(t, "created-4d").Status)
	assert.ElementsMatch(t, []string{"scheduled-5h", "created-2h"}, fx.queue.ids)
}

func TestPassDeduplicatesScheduledRuns(t *testing.T) {
	fx := newFixture(t, Deps{})
	fx.addRun(t, &model.Run{ID: "newest", JobID: "job-1", Status: model.RunScheduled,
		CreatedAt: t0.Add(-10 * time.Minute)})
	fx.addRun(t, &model.Run{ID: "older", JobID: "job-1", Action: model.ActionStatementDownload,
		Status: model.RunScheduled, CreatedAt: t0.Add(-20 * time.Minute)})
	fx.addRun(t, &model.Run{ID: "admin", JobID: "job-1", Action: model.ActionPODownload,
		Status: model.RunScheduled, CreatedVia: model.CreatedViaAdminRequest, CreatedAt: t0.Add(-30 * time.Minute)})
	fx.addRun(t, &model.Run{ID: "other-job", JobID: "job-2", Status: model.RunScheduled,
		CreatedAt: t0.Add(-40 * time.Minute)})

	rep, err := fx.loop.Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Deduplicated)
	older := fx.get(t, "older")
	assert.Equal(t, model.RunCanceled, older.Status)
	assert.Equal(t, model.CancelScheduledMultiple, older.CancellationReason)
	assert.Equal(t, "system", older.CanceledBy)
	for _, id := range []string{"newest", "admin", "other-job"} {
		assert.Equal(t, model.RunScheduled, fx.get(t, id).Status, id)
	}
}

func TestPassPrunesManualScheduledRuns(t *testing.T) {
	fx := newFixture(t, Deps{})
	fx.addRun(t, &model.Run{ID: "manual-old", JobID: "job-1", Status: model.RunScheduled, IsManual: true,
		CreatedAt: t0.Add(-4 * 24 * time.Hour)})
	fx.addRun(t, &model.Run{ID: "manual-admin", JobID: "job-2", Status: model.RunScheduled, IsManual: true,
		CreatedVia: model.CreatedViaAdminRequest, CreatedAt: t0.Add(-4 * 24 * time.Hour)})
	fx.addRun(t, &model.Run{ID: "manual-young", JobID: "job-3", Status: model.RunScheduled, IsManual: true,
		CreatedAt: t0.Add(-24 * time.Hour)})

	rep, err := fx.loop.Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Pruned)
	pruned := fx.get(t, "manual-old")
	assert.Equal(t, model.RunCanceled, pruned.Status)
	assert.Equal(t, model.CancelScheduledTimedOut, pruned.CancellationReason)
	assert.Equal(t, model.RunScheduled, fx.get(t, "manual-admin").Status)
	assert.Equal(t, model.RunScheduled, fx.get(t, "manual-young").Status)
	assert.Empty(t, fx.queue.ids, "manual runs are never enqueued")
}

func TestPassPostProcessesFiles(t *testing.T) {
	fx := newFixture(t, Deps{PostProcessConcurrency: 2})
	ctx := context.Background()
	end := t0.Add(-time.Hour)
	fx.addRun(t, &model.Run{ID: "run-1", JobID: "job-1", Status: model.RunSucceeded,
		CreatedAt: t0.Add(-6 * time.Hour), ExecutionStartTS: ptr(t0.Add(-6 * time.Hour)), ExecutionEndTS: &end})
	fx.addRun(t, &model.Run{ID: "run-quiet", JobID: "job-2", Status: model.RunSucceeded,
		CreatedAt: t0.Add(-6 * time.Hour), ExecutionStartTS: ptr(t0.Add(-6 * time.Hour)), ExecutionEndTS: &end,
		RequestParameters: model.Params{model.ParamSuppressInvoices: true}})

	file := func(id, runID, jobID string, downloaded time.Time, container string) {
		require.NoError(t, fx.store.CreateFile(ctx, &model.DiscoveredFile{
			ID: id, RunID: runID, JobID: jobID, ReferenceCode: id, ContentHash: "hash-" + id,
			FileFormat: model.FormatPDF, DownloadedSuccessfully: true, DownloadedAt: ptr(downloaded),
			ContainerID: container, CreatedAt: downloaded,
		}))
	}
	file("df-old", "run-1", "job-1", t0.Add(-5*time.Hour), "")
	file("df-broken", "run-1", "job-1", t0.Add(-5*time.Hour), "")
	file("df-young", "run-1", "job-1", t0.Add(-time.Hour), "")
	file("df-done", "run-1", "job-1", t0.Add(-5*time.Hour), "c-1")
	file("df-quiet", "run-quiet", "job-2", t0.Add(-5*time.Hour), "")
	fx.ingester.fail["df-broken"] = true

	rep, err := fx.loop.Pass(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.PostProcessed)
	assert.Equal(t, 1, rep.PostFailed)
	assert.Empty(t, rep.FailedSteps)
	assert.ElementsMatch(t, []string{"df-old", "df-broken"}, fx.ingester.ids)
}

func TestPassCollectsTempFiles(t *testing.T) {
	root := t.TempDir()
	fx := newFixture(t, Deps{TempDir: root, TempFileTTL: 24 * time.Hour})
	now := time.Now().UTC()
	fx.clock.Set(now)
	old := now.Add(-48 * time.Hour)

	oldDir := filepath.Join(root, "runs", "old")
	newDir := filepath.Join(root, "runs", "new")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	require.NoError(t, os.MkdirAll(newDir, 0o755))
	oldFile := filepath.Join(oldDir, "a.csv")
	newFile := filepath.Join(newDir, "b.csv")
	require.NoError(t, os.WriteFile(oldFile, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newFile, []byte("b"), 0o644))
	require.NoError(t, os.Chtimes(oldFile, old, old))
	require.NoError(t, os.Chtimes(oldDir, old, old))

	rep, err := fx.loop.Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.TempRemoved)
	_, err = os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err), "emptied directory is removed")
	_, err = os.Stat(newFile)
	assert.NoError(t, err)
	_, err = os.Stat(root)
	assert.NoError(t, err, "the temp root itself stays")
}

func TestPassEvaluatesCheckRuns(t *testing.T) {
	fx := newFixture(t, Deps{})
	ctx := context.Background()
	paid := t0.Add(-10 * 24 * time.Hour)
	created := t0.Add(-2 * time.Hour)
	require.NoError(t, fx.store.CreateCheckRun(ctx, &model.CheckRun{
		ID: "attempt-1", RunID: "run-x", CheckRunID: "K", PaymentDate: &paid,
		CreatedAt: created, UpdatedAt: created,
	}))

	rep, err := fx.loop.Pass(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.CheckRuns.NotDisabled)
	cr, err := fx.store.GetCheckRun(ctx, "attempt-1")
	require.NoError(t, err)
	require.NotNil(t, cr.IsDisabled)
	assert.False(t, *cr.IsDisabled)
}

// brokenRuns fails every run listing.
type brokenRuns struct {
	store.RunStore
}

func (brokenRuns) ListRuns(context.Context, store.RunFilter) ([]*model.Run, error) {
	return nil, errors.New("database unavailable")
}

func TestPassContinuesAfterFailedStep(t *testing.T) {
	root := t.TempDir()
	fx := newFixture(t, Deps{TempDir: root, TempFileTTL: time.Hour})
	fx.loop.d.Runs = brokenRuns{fx.store}
	fx.clock.Set(time.Now().UTC())
	stale := filepath.Join(root, "stale.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	rep, err := fx.loop.Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"reschedule_stranded", "dedupe_scheduled", "retry_stuck_started", "prune_manual_scheduled"},
		rep.FailedSteps)
	assert.Equal(t, 1, rep.TempRemoved)
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.loop.Run(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
