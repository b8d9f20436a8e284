package artifact

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/Integrator/internal/alert"
	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/storage"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

var now = time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mem     *storage.MemoryStore
	objects *storage.MemoryObjects
	alerts  *alert.Recorder
	store   *Store
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	require.NoError(t, mem.UpsertConnector(ctx, &model.Connector{ID: "sysco", Enabled: true}))
	require.NoError(t, mem.UpsertConnector(ctx, &model.Connector{ID: "usfoods", Enabled: true}))
	for _, j := range []*model.Job{
		{ID: "job-a", ConnectorID: "sysco", AccountID: "acct-x", Enabled: true},
		{ID: "job-a2", ConnectorID: "sysco", AccountID: "acct-x", Enabled: true},
		{ID: "job-b", ConnectorID: "sysco", AccountID: "acct-y", Enabled: true},
		{ID: "job-c", ConnectorID: "usfoods", AccountID: "acct-x", Enabled: true},
	} {
		require.NoError(t, mem.UpsertJob(ctx, j))
	}
	objects := storage.NewMemoryObjects()
	rec := &alert.Recorder{}
	return &fixture{
		mem:     mem,
		objects: objects,
		alerts:  rec,
		store:   NewStore(mem, mem, objects, rec, clock.NewMock(now), log.Discard()),
		dir:     t.TempDir(),
	}
}

func (f *fixture) job(t *testing.T, id string) *model.Job {
	j, err := f.mem.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (f *fixture) write(t *testing.T, name, content string) string {
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runFor(id, jobID string) *model.Run {
	return &model.Run{
		ID:     id,
		JobID:  jobID,
		Action: model.ActionInvoiceDownload,
		Status: model.RunStarted,
		RequestParameters: model.Params{
			model.ParamStartDate: "2024-01-01",
			model.ParamEndDate:   "2024-01-07",
		},
	}
}

func pdfArtifact(ref, path string) Artifact {
	return Artifact{ReferenceCode: ref, FileFormat: model.FormatPDF, DocumentType: model.DocumentInvoice, LocalPath: path}
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "inv1.pdf", "bytes-B")

	res := f.store.Process(ctx, runFor("run-1", "job-a"), f.job(t, "job-a"), pdfArtifact("INV-1", path))
	require.Equal(t, Saved, res.Outcome, "%v", res.Err)

	sum := sha1.Sum([]byte("bytes-B"))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.File.ContentHash)
	assert.True(t, res.File.DownloadedSuccessfully)
	assert.Nil(t, res.File.ExtractedTextHash, "undecodable pdf leaves the text hash null")

	stored, err := f.mem.GetFile(ctx, res.File.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-1", stored.ReferenceCode)
	assert.Equal(t, 1, f.objects.Len())
}

func TestProcessDuplicateAcrossRunsIsQuiet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "job-a")
	first := f.store.Process(ctx, runFor("run-1", "job-a"), job, pdfArtifact("INV-1", f.write(t, "a.pdf", "same")))
	require.Equal(t, Saved, first.Outcome)

	second := f.store.Process(ctx, runFor("run-2", "job-a"), job, pdfArtifact("INV-1-again", f.write(t, "b.pdf", "same")))
	assert.Equal(t, DuplicateContent, second.Outcome)
	assert.Equal(t, SeverityExpected, second.Severity)
	assert.Equal(t, first.File.ID, second.Existing.ID)
	assert.False(t, second.Outcome.Partial())
	assert.Empty(t, f.alerts.Alerts())

	files, err := f.mem.ListFiles(ctx, store.FileFilter{JobID: "job-a"})
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestProcessSameRunTwiceWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := runFor("run-1", "job-a")
	job := f.job(t, "job-a")
	require.Equal(t, Saved, f.store.Process(ctx, run, job, pdfArtifact("A", f.write(t, "a.pdf", "x"))).Outcome)
	res := f.store.Process(ctx, run, job, pdfArtifact("B", f.write(t, "b.pdf", "x")))
	assert.Equal(t, DuplicateContent, res.Outcome)
	assert.Equal(t, SeverityWarn, res.Severity)
}

func TestProcessCrossAccountCollisionAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.store.Process(ctx, runFor("run-a", "job-a"), f.job(t, "job-a"), pdfArtifact("A", f.write(t, "a.pdf", "H")))
	require.Equal(t, Saved, first.Outcome)

	res := f.store.Process(ctx, runFor("run-b", "job-b"), f.job(t, "job-b"), pdfArtifact("B", f.write(t, "b.pdf", "H")))
	assert.Equal(t, DuplicateContent, res.Outcome)
	assert.Equal(t, SeverityCritical, res.Severity)

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, first.File.ID, alerts[0].Fields["existing_df_id"])
	assert.Equal(t, res.File.ID, alerts[0].Fields["new_df_id"])
	assert.Equal(t, "acct-x", alerts[0].Fields["existing_account_id"])
	assert.Equal(t, "acct-y", alerts[0].Fields["new_account_id"])
}

func TestClassifyDuplicate(t *testing.T) {
	run := runFor("run-2", "job-a")
	job := &model.Job{ID: "job-a", AccountID: "acct-x", ConnectorID: "sysco"}
	existing := &model.DiscoveredFile{RunID: "run-1", JobID: "job-a2"}
	tests := []struct {
		name        string
		existingJob *model.Job
		runID       string
		jobID       string
		want        Severity
	}{
		{"same run", nil, "run-2", "job-a", SeverityWarn},
		{"same job", nil, "run-1", "job-a", SeverityExpected},
		{"sibling job", &model.Job{AccountID: "acct-x", ConnectorID: "sysco"}, "run-1", "job-a2", SeverityLog},
		{"other account", &model.Job{AccountID: "acct-y", ConnectorID: "sysco"}, "run-1", "job-b", SeverityCritical},
		{"other connector", &model.Job{AccountID: "acct-x", ConnectorID: "usfoods"}, "run-1", "job-c", SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := *existing
			e.RunID, e.JobID = tt.runID, tt.jobID
			assert.Equal(t, tt.want, ClassifyDuplicate(run, job, &e, tt.existingJob))
		})
	}
}

func TestProcessReferenceAlreadyKnown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "job-a")
	require.Equal(t, Saved, f.store.Process(ctx, runFor("run-1", "job-a"), job, pdfArtifact("INV-1", f.write(t, "a.pdf", "one"))).Outcome)

	res := f.store.Process(ctx, runFor("run-2", "job-a"), job, pdfArtifact("INV-1", f.write(t, "b.pdf", "two")))
	assert.Equal(t, DuplicateInRun, res.Outcome)
	code, ok := errors.CodeOf(res.Err)
	require.True(t, ok)
	assert.Equal(t, errors.DuplicateInRun, code)
}

func TestProcessZeroFileSizeIsPartial(t *testing.T) {
	f := newFixture(t)
	res := f.store.Process(context.Background(), runFor("run-1", "job-a"), f.job(t, "job-a"), pdfArtifact("INV-2", f.write(t, "empty.pdf", "")))
	assert.Equal(t, ZeroFileSize, res.Outcome)
	assert.True(t, res.Outcome.Partial())
}

func TestProcessInvalidAndOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "job-a")
	path := f.write(t, "x.pdf", "x")

	res := f.store.Process(ctx, runFor("run-1", "job-a"), job, Artifact{FileFormat: model.FormatPDF, LocalPath: path})
	assert.Equal(t, Invalid, res.Outcome)
	code, _ := errors.CodeOf(res.Err)
	assert.Equal(t, errors.PEInvalidDiscoveredFile, code)

	a := pdfArtifact("INV-9", path)
	a.DocumentProperties = map[string]any{model.DocInvoiceDate: "2023-12-31"}
	res = f.store.Process(ctx, runFor("run-1", "job-a"), job, a)
	assert.Equal(t, OutOfRange, res.Outcome)
	assert.False(t, res.Outcome.Partial())
}

func TestInWindow(t *testing.T) {
	p := model.Params{model.ParamStartDate: "2024-01-01", model.ParamEndDate: "2024-01-07"}
	tests := map[string]bool{
		"":                     true,
		"garbage":              true,
		"2024-01-01":           true,
		"2024-01-07":           true,
		"01/07/2024":           true,
		"2024-01-07T23:59:00Z": true,
		"2024-01-08":           false,
		"12/31/2023":           false,
	}
	for date, want := range tests {
		assert.Equal(t, want, InWindow(p, map[string]any{model.DocInvoiceDate: date}), date)
	}
}

func TestContentHashStripsExecutionID(t *testing.T) {
	a := []byte(`{"meta":{"generator":{"execution_id":"e1"}},"invoice":{"n":1}}`)
	b := []byte(`{"meta":{"generator":{"execution_id":"e2"}},"invoice":{"n":1}}`)
	ha, err := ContentHash(a, "x.json", model.FormatJSON)
	require.NoError(t, err)
	hb, err := ContentHash(b, "y.json", model.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	plain := []byte(`{"meta":{"generator":{}},"invoice":{"n":1}}`)
	hp, err := ContentHash(plain, "z.json", model.FormatJSON)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hp, "meta without an execution id is kept")

	_, err = ContentHash([]byte("{not json"), "bad.json", model.FormatJSON)
	assert.Error(t, err)
}

func TestSoftDeleteFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "job-a")
	first := f.store.Process(ctx, runFor("run-1", "job-a"), job, pdfArtifact("INV-1", f.write(t, "a.pdf", "dup")))
	require.Equal(t, Saved, first.Outcome)

	once, err := f.store.SoftDelete(ctx, first.File.ID)
	require.NoError(t, err)
	twice, err := f.store.SoftDelete(ctx, first.File.ID)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	again := f.store.Process(ctx, runFor("run-2", "job-a"), job, pdfArtifact("INV-2", f.write(t, "b.pdf", "dup")))
	assert.Equal(t, Saved, again.Outcome)
}

func TestOpenRehydratesFromObjectStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "a.pdf", "payload")
	res := f.store.Process(ctx, runFor("run-1", "job-a"), f.job(t, "job-a"), pdfArtifact("INV-1", path))
	require.Equal(t, Saved, res.Outcome)
	require.NoError(t, os.Remove(path))

	file, release, err := f.store.Open(ctx, res.File)
	require.NoError(t, err)
	defer release()
	data, err := os.ReadFile(file.Name())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
