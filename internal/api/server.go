// Package api exposes the HTTP surface: triggering and canceling runs and
// reading their state.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/signing"
	"github.com/dharsanguruparan/Integrator/internal/store"
	"github.com/dharsanguruparan/Integrator/internal/trigger"
)

// Signature headers of customer trigger requests.
const (
	HeaderExpires   = "X-Integrator-Expires"
	HeaderSignature = "X-Integrator-Signature"
)

const maxBodySize = 1 << 20

// Triggerer creates and schedules one run.
type Triggerer interface {
	Trigger(ctx context.Context, req trigger.Request) (trigger.Result, error)
}

// Canceler cancels runs.
type Canceler interface {
	Cancel(ctx context.Context, id string, reason model.CancellationReason, by string) (*model.Run, error)
}

// FileDeleter soft-deletes discovered files.
type FileDeleter interface {
	SoftDelete(ctx context.Context, id string) (*model.DiscoveredFile, error)
}

// Deps are the collaborators of a Server. Objects and Deleter are optional;
// their routes answer 501 without them.
type Deps struct {
	Triggers Triggerer
	Canceler Canceler
	Runs     store.RunStore
	Files    store.FileStore
	Objects  store.ObjectStore
	Deleter  FileDeleter
	Signer   *signing.Signer
	Clock    clock.TimeProvider
	Logger   *slog.Logger
}

// Server exposes HTTP endpoints for run control and visibility.
type Server struct {
	addr   string
	d      Deps
	server *http.Server
	once   sync.Once
}

// New constructs a Server listening on addr.
func New(addr string, d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Server{addr: addr, d: d}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /jobs/{id}/runs", s.handleTrigger)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /runs/{id}/files", s.handleRunFiles)
	mux.HandleFunc("GET /files/{id}", s.handleFile)
	mux.HandleFunc("GET /files/{id}/content", s.handleFileContent)
	mux.HandleFunc("DELETE /files/{id}", s.handleDeleteFile)
	return loggingMiddleware(s.d.Logger, mux)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.addr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.d.Logger.Info("api listening", "address", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.d.Logger, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerRequest is the body of POST /jobs/{id}/runs.
type TriggerRequest struct {
	Action     model.Action     `json:"action"`
	CreatedVia model.CreatedVia `json:"created_via"`
	Params     model.Params     `json:"params,omitempty"`
	DryRun     bool             `json:"dry_run,omitempty"`
	IsManual   *bool            `json:"is_manual,omitempty"`
}

// TriggerResponse reports the created run or why none was created.
type TriggerResponse struct {
	Run        *model.Run   `json:"run,omitempty"`
	Skipped    bool         `json:"skipped,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Superseded []*model.Run `json:"superseded,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	var body TriggerRequest
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if !body.Action.Valid() {
		s.fail(w, r, http.StatusBadRequest, errors.Newf("unknown action %q", body.Action))
		return
	}
	if body.CreatedVia == "" {
		body.CreatedVia = model.CreatedViaAdminRequest
	}
	switch body.CreatedVia {
	case model.CreatedViaAdminRequest:
	case model.CreatedViaCustomerRequest:
		err := s.d.Signer.Validate(jobID, body.Action, r.Header.Get(HeaderExpires), r.Header.Get(HeaderSignature), s.d.Clock.Now())
		if err != nil {
			s.fail(w, r, http.StatusUnauthorized, err)
			return
		}
	default:
		s.fail(w, r, http.StatusBadRequest, errors.Newf("created_via %q cannot be requested over http", body.CreatedVia))
		return
	}

	res, err := s.d.Triggers.Trigger(r.Context(), trigger.Request{
		JobID:      jobID,
		Action:     body.Action,
		CreatedVia: body.CreatedVia,
		Params:     body.Params,
		DryRun:     body.DryRun,
		IsManual:   body.IsManual,
	})
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	if res.Skipped {
		respondJSON(w, s.d.Logger, http.StatusOK, TriggerResponse{Skipped: true, Reason: res.Reason})
		return
	}
	respondJSON(w, s.d.Logger, http.StatusCreated, TriggerResponse{Run: res.Run, Superseded: res.Superseded})
}

// CancelRequest is the body of POST /runs/{id}/cancel.
type CancelRequest struct {
	Reason model.CancellationReason `json:"reason"`
	By     string                   `json:"by"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			s.fail(w, r, http.StatusBadRequest, err)
			return
		}
	}
	switch body.Reason {
	case "":
		body.Reason = model.CancelUserRequested
	case model.CancelUserRequested, model.CancelAdminRequested:
	default:
		s.fail(w, r, http.StatusBadRequest, errors.Newf("reason %q cannot be requested over http", body.Reason))
		return
	}
	if body.By == "" {
		body.By = "api"
	}
	run, err := s.d.Canceler.Cancel(r.Context(), r.PathValue("id"), body.Reason, body.By)
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	respondJSON(w, s.d.Logger, http.StatusOK, run)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.d.Runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	respondJSON(w, s.d.Logger, http.StatusOK, run)
}

func (s *Server) handleRunFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.d.Runs.GetRun(r.Context(), id); err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	f := store.FileFilter{RunID: id}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, http.StatusBadRequest, errors.Newf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	files, err := s.d.Files.ListFiles(r.Context(), f)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []*model.DiscoveredFile{}
	}
	respondJSON(w, s.d.Logger, http.StatusOK, files)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	df, err := s.d.Files.GetFile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	respondJSON(w, s.d.Logger, http.StatusOK, df)
}

// handleFileContent streams the stored bytes of a discovered file.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	if s.d.Objects == nil {
		s.fail(w, r, http.StatusNotImplemented, errors.New("object storage is not configured"))
		return
	}
	df, err := s.d.Files.GetFile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	if df.IsDeleted {
		s.fail(w, r, http.StatusGone, errors.Newf("discovered file %s is deleted", df.ID))
		return
	}
	if df.ContentHash == "" {
		s.fail(w, r, http.StatusNotFound, errors.Newf("discovered file %s has no content", df.ID))
		return
	}
	body, err := s.d.Objects.Get(r.Context(), df.ContentHash)
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, err)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(df.Ext())
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": df.DisplayName()}))
	if _, err := io.Copy(w, body); err != nil {
		s.d.Logger.WarnContext(r.Context(), "stream file content", "file_id", df.ID, "error", err)
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if s.d.Deleter == nil {
		s.fail(w, r, http.StatusNotImplemented, errors.New("file deletion is not configured"))
		return
	}
	df, err := s.d.Deleter.SoftDelete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	respondJSON(w, s.d.Logger, http.StatusOK, df)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrActiveRun), errors.Is(err, errors.ErrInvalidTransition), errors.Is(err, errors.ErrStale):
		return http.StatusConflict
	case errors.Is(err, trigger.ErrNotRunnable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode request body")
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.d.Logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, s.d.Logger, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.InfoContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}
