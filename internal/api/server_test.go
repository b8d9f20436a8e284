package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/Integrator/internal/alert"
	"github.com/dharsanguruparan/Integrator/internal/artifact"
	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/runs"
	"github.com/dharsanguruparan/Integrator/internal/signing"
	"github.com/dharsanguruparan/Integrator/internal/storage"
	"github.com/dharsanguruparan/Integrator/internal/trigger"
)

var t0 = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)

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

type fixture struct {
	store   *storage.MemoryStore
	objects *storage.MemoryObjects
	queue   *fakeQueue
	signer  *signing.Signer
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.UpsertConnector(ctx, &model.Connector{
		ID: "sysco", AdapterCode: "sysco", Kind: model.KindVendor, Channel: model.ChannelWeb, Enabled: true,
		Capabilities: []model.Action{model.ActionWebLogin, model.ActionInvoiceDownload}, FrequencyDays: 1,
	}))
	require.NoError(t, s.UpsertJob(ctx, &model.Job{ID: "job-1", ConnectorID: "sysco", Enabled: true}))

	clk := clock.NewMock(t0)
	q := &fakeQueue{}
	m := runs.NewMachine(s, clk, log.Discard())
	sched := trigger.NewScheduler(s, s, trigger.NewFactory(s, clk, time.UTC), m, q, log.Discard())
	signer := signing.NewSigner([]byte("secret"), time.Hour)
	objects := storage.NewMemoryObjects()
	artifacts := artifact.NewStore(s, s, objects, &alert.Recorder{}, clk, log.Discard())

	api := New(":0", Deps{
		Triggers: sched, Canceler: m, Runs: s, Files: s, Objects: objects, Deleter: artifacts,
		Signer: signer, Clock: clk, Logger: log.Discard(),
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: s, objects: objects, queue: q, signer: signer, srv: srv}
}

func (fx *fixture) do(t *testing.T, method, path string, body any, header http.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, fx.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminTrigger(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodPost, "/jobs/job-1/runs", TriggerRequest{Action: model.ActionInvoiceDownload}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	out := decodeBody[TriggerResponse](t, resp)
	require.NotNil(t, out.Run)
	assert.Equal(t, model.RunScheduled, out.Run.Status)
	assert.Equal(t, model.CreatedViaAdminRequest, out.Run.CreatedVia)
	assert.Equal(t, []string{out.Run.ID}, fx.queue.ids)

	// A second request supersedes the pending run.
	resp = fx.do(t, http.MethodPost, "/jobs/job-1/runs", TriggerRequest{Action: model.ActionInvoiceDownload}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeBody[TriggerResponse](t, resp)
	require.Len(t, second.Superseded, 1)
	assert.Equal(t, out.Run.ID, second.Superseded[0].ID)
}

func TestTriggerErrors(t *testing.T) {
	fx := newFixture(t)
	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown job", "/jobs/nope/runs", TriggerRequest{Action: model.ActionInvoiceDownload}, http.StatusNotFound},
		{"unsupported action", "/jobs/job-1/runs", TriggerRequest{Action: model.ActionPaymentExport}, http.StatusUnprocessableEntity},
		{"unknown action", "/jobs/job-1/runs", TriggerRequest{Action: "invoice.upload"}, http.StatusBadRequest},
		{"scheduled via http", "/jobs/job-1/runs", TriggerRequest{Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaScheduled}, http.StatusBadRequest},
		{"unknown field", "/jobs/job-1/runs", map[string]any{"action": "invoice.download", "bogus": 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := fx.do(t, http.MethodPost, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestCustomerTriggerRequiresSignature(t *testing.T) {
	fx := newFixture(t)
	body := TriggerRequest{Action: model.ActionInvoiceDownload, CreatedVia: model.CreatedViaCustomerRequest}

	resp := fx.do(t, http.MethodPost, "/jobs/job-1/runs", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	sig, exp := fx.signer.SignAt("job-1", model.ActionInvoiceDownload, t0)
	h := http.Header{}
	h.Set(HeaderExpires, strconv.FormatInt(exp, 10))
	h.Set(HeaderSignature, sig)

	resp = fx.do(t, http.MethodPost, "/jobs/job-2/runs", body, h)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "signature is bound to the job")

	resp = fx.do(t, http.MethodPost, "/jobs/job-1/runs", body, h)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody[TriggerResponse](t, resp)
	assert.Equal(t, model.CreatedViaCustomerRequest, out.Run.CreatedVia)
}

func TestCancelAndRead(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodPost, "/jobs/job-1/runs", TriggerRequest{Action: model.ActionInvoiceDownload}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody[TriggerResponse](t, resp).Run.ID

	resp = fx.do(t, http.MethodPost, "/runs/"+id+"/cancel", CancelRequest{Reason: model.CancelAdminRequested, By: "ops"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	canceled := decodeBody[model.Run](t, resp)
	assert.Equal(t, model.RunCanceled, canceled.Status)
	assert.Equal(t, "ops", canceled.CanceledBy)

	resp = fx.do(t, http.MethodPost, "/runs/"+id+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "terminal runs cannot be canceled")

	resp = fx.do(t, http.MethodPost, "/runs/"+id+"/cancel", CancelRequest{Reason: model.CancelScheduledMultiple}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/runs/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[model.Run](t, resp)
	assert.Equal(t, model.CancelAdminRequested, got.CancellationReason)

	resp = fx.do(t, http.MethodGet, "/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunFiles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	seedRun(t, fx)
	for i, ref := range []string{"INV-1", "INV-2"} {
		require.NoError(t, fx.store.CreateFile(ctx, &model.DiscoveredFile{
			ID: "df-" + ref, RunID: "run-1", JobID: "job-1", DocumentType: model.DocumentInvoice,
			FileFormat: model.FormatPDF, ReferenceCode: ref, ContentHash: "hash-" + ref,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute), UpdatedAt: t0,
		}))
	}

	resp := fx.do(t, http.MethodGet, "/runs/run-1/files", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decodeBody[[]model.DiscoveredFile](t, resp)
	require.Len(t, files, 2)
	assert.Equal(t, "INV-1", files[0].ReferenceCode)

	resp = fx.do(t, http.MethodGet, "/runs/run-1/files?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]model.DiscoveredFile](t, resp), 1)

	resp = fx.do(t, http.MethodGet, "/runs/run-1/files?limit=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/runs/nope/files", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func seedRun(t *testing.T, fx *fixture) {
	t.Helper()
	run := &model.Run{ID: "run-1", JobID: "job-1", Action: model.ActionInvoiceDownload, Status: model.RunSucceeded,
		CreatedVia: model.CreatedViaScheduled, CreatedAt: t0, UpdatedAt: t0}
	_, err := fx.store.CreateRun(context.Background(), run, false)
	require.NoError(t, err)
}

func TestFileContentAndDelete(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	seedRun(t, fx)
	require.NoError(t, fx.store.CreateFile(ctx, &model.DiscoveredFile{
		ID: "df-1", RunID: "run-1", JobID: "job-1", DocumentType: model.DocumentInvoice,
		FileFormat: model.FormatCSV, ReferenceCode: "INV-1", ContentHash: "hash-1",
		OriginalFilename: "INV-1.csv", DownloadedSuccessfully: true, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, fx.objects.Put(ctx, "hash-1", bytes.NewReader([]byte("a,b\n")), 4, "text/csv"))

	resp := fx.do(t, http.MethodGet, "/files/df-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "INV-1", decodeBody[model.DiscoveredFile](t, resp).ReferenceCode)

	resp = fx.do(t, http.MethodGet, "/files/df-1/content", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "INV-1.csv")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))

	resp = fx.do(t, http.MethodDelete, "/files/df-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[model.DiscoveredFile](t, resp).IsDeleted)

	resp = fx.do(t, http.MethodGet, "/files/df-1/content", nil, nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/files/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
