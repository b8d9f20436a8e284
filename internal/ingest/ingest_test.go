package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/retry"
	"github.com/dharsanguruparan/Integrator/internal/storage"
)

var fastPolicy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}

// docService fakes the downstream document service.
type docService struct {
	srv         *httptest.Server
	signCalls   atomic.Int32
	putCalls    atomic.Int32
	createCalls atomic.Int32
	failPuts    atomic.Int32

	mu       sync.Mutex
	uploaded []byte
	payload  InvoicePayload
	authHdr  string
}

func newDocService(t *testing.T) *docService {
	t.Helper()
	d := &docService{}
	mux := http.NewServeMux()
	mux.HandleFunc("/invoice/s3sign/", func(w http.ResponseWriter, r *http.Request) {
		d.signCalls.Add(1)
		d.mu.Lock()
		d.authHdr = r.Header.Get("Authorization")
		d.mu.Unlock()
		_ = json.NewEncoder(w).Encode(UploadTarget{
			PutURL:   d.srv.URL + "/put/" + r.URL.Query().Get("filename"),
			Headers:  map[string]string{"Content-Type": "application/pdf"},
			URL:      "https://files.example/" + r.URL.Query().Get("filename"),
			UploadID: "upl-1",
		})
	})
	mux.HandleFunc("/put/", func(w http.ResponseWriter, r *http.Request) {
		n := d.putCalls.Add(1)
		if n <= d.failPuts.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		d.uploaded = body
		d.mu.Unlock()
	})
	mux.HandleFunc("/invoice/", func(w http.ResponseWriter, r *http.Request) {
		d.createCalls.Add(1)
		var p InvoicePayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		d.mu.Lock()
		d.payload = p
		d.mu.Unlock()
		_, _ = w.Write([]byte(`{"container_id": 4242}`))
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

// fileOpener serves bytes from a temp file.
type fileOpener struct{ path string }

func (o fileOpener) Open(context.Context, *model.DiscoveredFile) (*os.File, func(), error) {
	f, err := os.Open(o.path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

type fixture struct {
	store  *storage.MemoryStore
	doc    *docService
	bridge *Bridge
	df     *model.DiscoveredFile
}

func setup(t *testing.T, jobProps model.CustomProperties, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.UpsertConnector(ctx, &model.Connector{
		ID: "conn-1", AdapterCode: "localdir", Enabled: true, ContainsSupportDocument: true,
		Capabilities: []model.Action{model.ActionInvoiceDownload},
	}))
	require.NoError(t, s.UpsertJob(ctx, &model.Job{
		ID: "job-1", ConnectorID: "conn-1", AccountID: "acct-9", LocationID: "loc-3",
		Name: "Sysco", Enabled: true, CustomProperties: jobProps, EDIParserCode: "x12-810",
	}))
	df := &model.DiscoveredFile{
		ID: "df-1", RunID: "run-1", JobID: "job-1", DocumentType: model.DocumentInvoice,
		FileFormat: model.FileFormat("pdf"), ReferenceCode: "INV-1", OriginalFilename: "Invoice 1.pdf",
		ContentHash: "abc", DownloadedSuccessfully: true,
	}
	require.NoError(t, s.CreateFile(ctx, df))

	path := filepath.Join(t.TempDir(), "inv.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 invoice"), 0o644))

	doc := newDocService(t)
	client := NewClient(doc.srv.URL, "secret", doc.srv.Client(), nil, fastPolicy, log.Discard())
	b := NewBridge(client, s, s, fileOpener{path: path}, opts, clock.NewMock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)), log.Discard())
	return &fixture{store: s, doc: doc, bridge: b, df: df}
}

var enabled = Options{UploadEnabled: true, CreateEnabled: true, UnknownLocationID: "loc-unknown"}

func TestIngestUploadsAndCreatesInvoice(t *testing.T) {
	fx := setup(t, nil, enabled)
	ctx := context.Background()

	require.NoError(t, fx.bridge.Ingest(ctx, fx.df))

	stored, err := fx.store.GetFile(ctx, "df-1")
	require.NoError(t, err)
	assert.Equal(t, "upl-1", stored.UploadID)
	assert.Equal(t, "4242", stored.ContainerID)

	fx.doc.mu.Lock()
	defer fx.doc.mu.Unlock()
	assert.Equal(t, "Token secret", fx.doc.authHdr)
	assert.Equal(t, "%PDF-1.4 invoice", string(fx.doc.uploaded))
	p := fx.doc.payload
	assert.Equal(t, "loc-3", p.Restaurant)
	assert.Equal(t, "acct-9", p.RestaurantAccount)
	assert.Nil(t, p.RestaurantGroup)
	assert.Equal(t, "upl-1", p.UploadID)
	assert.Equal(t, "webedi", p.UploadThrough)
	assert.False(t, p.IsEDI)
	assert.True(t, p.ContainsSupportDocument)
	assert.Equal(t, "job-1", p.Job.ID)
	assert.Empty(t, p.Job.Type)
}

func TestIngestSkipsFileWithContainer(t *testing.T) {
	fx := setup(t, nil, enabled)
	fx.df.ContainerID = "c-1"

	err := fx.bridge.Ingest(context.Background(), fx.df)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSkipProcessing))
	assert.Zero(t, fx.doc.signCalls.Load())
}

func TestIngestRetriesFailedUpload(t *testing.T) {
	fx := setup(t, nil, enabled)
	fx.doc.failPuts.Store(2)

	require.NoError(t, fx.bridge.Ingest(context.Background(), fx.df))
	assert.EqualValues(t, 3, fx.doc.putCalls.Load())
	fx.doc.mu.Lock()
	assert.Equal(t, "%PDF-1.4 invoice", string(fx.doc.uploaded))
	fx.doc.mu.Unlock()
}

func TestIngestEDI(t *testing.T) {
	fx := setup(t, model.CustomProperties{model.PropUploadAction: "edi"}, enabled)

	require.NoError(t, fx.bridge.Ingest(context.Background(), fx.df))
	fx.doc.mu.Lock()
	defer fx.doc.mu.Unlock()
	assert.Equal(t, "edi", fx.doc.payload.UploadThrough)
	assert.True(t, fx.doc.payload.IsEDI)
	assert.Equal(t, "x12-810", fx.doc.payload.Job.Type)
}

func TestIngestEDIWithoutParserIsInvalid(t *testing.T) {
	fx := setup(t, model.CustomProperties{model.PropUploadAction: "edi"}, enabled)
	ctx := context.Background()
	job, err := fx.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	job.EDIParserCode = ""
	require.NoError(t, fx.store.UpsertJob(ctx, job))

	err = fx.bridge.Ingest(ctx, fx.df)
	code, ok := errors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.PEInvalidDiscoveredFile, code)
	assert.Zero(t, fx.doc.signCalls.Load())
}

func TestIngestNoneActionDoesNothing(t *testing.T) {
	fx := setup(t, model.CustomProperties{model.PropUploadAction: "none"}, enabled)

	require.NoError(t, fx.bridge.Ingest(context.Background(), fx.df))
	assert.Zero(t, fx.doc.signCalls.Load())
}

func TestIngestFeatureSwitches(t *testing.T) {
	t.Run("upload disabled", func(t *testing.T) {
		fx := setup(t, nil, Options{CreateEnabled: true})
		require.NoError(t, fx.bridge.Ingest(context.Background(), fx.df))
		assert.Zero(t, fx.doc.signCalls.Load())
	})
	t.Run("create disabled", func(t *testing.T) {
		fx := setup(t, nil, Options{UploadEnabled: true})
		require.NoError(t, fx.bridge.Ingest(context.Background(), fx.df))
		assert.EqualValues(t, 1, fx.doc.putCalls.Load())
		assert.Zero(t, fx.doc.createCalls.Load())

		stored, err := fx.store.GetFile(context.Background(), "df-1")
		require.NoError(t, err)
		assert.Equal(t, "upl-1", stored.UploadID)
		assert.Empty(t, stored.ContainerID)
	})
}

func TestActionFor(t *testing.T) {
	job := &model.Job{}
	inv := &model.DiscoveredFile{DocumentType: model.DocumentInvoice}
	stmt := &model.DiscoveredFile{DocumentType: model.DocumentStatement}

	assert.Equal(t, ActionStandard, ActionFor(job, inv))
	assert.Equal(t, ActionNone, ActionFor(job, stmt))

	job.Connector = &model.Connector{CustomProperties: model.CustomProperties{model.PropUploadAction: "edi"}}
	assert.Equal(t, ActionEDI, ActionFor(job, stmt))

	job.CustomProperties = model.CustomProperties{model.PropUploadAction: "bogus"}
	assert.Equal(t, ActionNone, ActionFor(job, inv))
}

func TestUploadFilenameIsStable(t *testing.T) {
	df := &model.DiscoveredFile{ID: "df-1", ContentHash: "abc", OriginalFilename: "My Invoice. pdf"}
	name := UploadFilename(df)
	assert.Equal(t, name, UploadFilename(df))
	assert.Len(t, name, 40+len(".pdf"))
	assert.Equal(t, ".pdf", name[40:])

	df.ContentHash = "def"
	assert.NotEqual(t, name, UploadFilename(df))
}

func TestClientServerErrorIsUpstreamUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", srv.Client(), nil, fastPolicy, log.Discard())
	_, err := c.CreateInvoice(context.Background(), InvoicePayload{UploadID: "u"})
	code, ok := errors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.ExternalUpstreamUnavailable, code)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", srv.Client(), nil, fastPolicy, log.Discard())
	_, err := c.GetSignedUploadTarget(context.Background(), "f.pdf", "f.pdf")
	require.Error(t, err)
	_, coded := errors.CodeOf(err)
	assert.False(t, coded)
	assert.EqualValues(t, 1, calls.Load())
}
