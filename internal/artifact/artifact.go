// Package artifact persists discovered files with content-addressed
// uniqueness and reports duplicates.
package artifact

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"os"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/Integrator/internal/alert"
	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// Artifact is what an adapter yields for each downloaded document.
type Artifact struct {
	ReferenceCode       string
	FileFormat          model.FileFormat
	DocumentType        model.DocumentType
	OriginalFilename    string
	OriginalDownloadURL string
	DocumentProperties  map[string]any
	LocalPath           string
}

// Store implements BuildUnique, SaveContent, FindDuplicate and SoftDelete on
// top of the file store and the object store.
type Store struct {
	files   store.FileStore
	jobs    store.JobStore
	objects store.ObjectStore
	alerts  alert.Sink
	clock   clock.TimeProvider
	logger  *slog.Logger
}

// NewStore wires a Store.
func NewStore(files store.FileStore, jobs store.JobStore, objects store.ObjectStore, alerts alert.Sink, clk clock.TimeProvider, logger *slog.Logger) *Store {
	return &Store{files: files, jobs: jobs, objects: objects, alerts: alerts, clock: clk, logger: logger}
}

// BuildUnique returns a new, unsaved DiscoveredFile for run. It fails with a
// DuplicateInRun coded error when the job already has the reference code.
func (s *Store) BuildUnique(ctx context.Context, run *model.Run, referenceCode string, a Artifact) (*model.DiscoveredFile, error) {
	_, err := s.files.FindFileByReference(ctx, run.JobID, referenceCode)
	switch {
	case err == nil:
		return nil, errors.NewCoded(errors.DuplicateInRun, map[string]any{"reference_code": referenceCode})
	case !errors.Is(err, store.ErrNotFound):
		return nil, errors.Wrap(err, "look up reference code")
	}
	now := s.clock.Now()
	return &model.DiscoveredFile{
		ID:                  uuid.NewString(),
		RunID:               run.ID,
		JobID:               run.JobID,
		DocumentType:        a.DocumentType,
		FileFormat:          a.FileFormat,
		ReferenceCode:       referenceCode,
		OriginalFilename:    a.OriginalFilename,
		OriginalDownloadURL: a.OriginalDownloadURL,
		DocumentProperties:  a.DocumentProperties,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// SaveContent computes the hashes of the downloaded file at localPath and
// records the download on df. A zero byte file fails with ZeroFileSize.
func (s *Store) SaveContent(ctx context.Context, df *model.DiscoveredFile, localPath string, computeTextHash bool) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "stat downloaded file")
	}
	if info.Size() == 0 {
		return errors.NewCoded(errors.ZeroFileSize, nil)
	}
	content, text, textErr, err := FileHashes(localPath, df.FileFormat, computeTextHash)
	if err != nil {
		return err
	}
	if textErr != nil {
		s.logger.WarnContext(ctx, "failed computing text hash", "df_id", df.ID, "path", localPath, "error", textErr)
	}
	now := s.clock.Now()
	df.ContentHash = content
	df.ExtractedTextHash = text
	df.LocalPath = localPath
	df.DownloadedSuccessfully = true
	df.DownloadedAt = &now
	df.UpdatedAt = now
	return nil
}

// FindDuplicate returns a live file sharing df's content hash or, when set,
// its extracted text hash. It returns nil when there is none.
func (s *Store) FindDuplicate(ctx context.Context, df *model.DiscoveredFile) (*model.DiscoveredFile, error) {
	if df.ContentHash == "" {
		return nil, nil
	}
	existing, err := s.files.FindFileByHash(ctx, df.ContentHash, df.TextHash())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find duplicate")
	}
	if existing.ID == df.ID {
		return nil, nil
	}
	return existing, nil
}

// Persist uploads the bytes under the content hash and inserts the row. The
// unique constraints of the file store decide races with concurrent runs.
func (s *Store) Persist(ctx context.Context, df *model.DiscoveredFile) error {
	f, err := os.Open(df.LocalPath)
	if err != nil {
		return errors.Wrap(err, "open downloaded file")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat downloaded file")
	}
	if err := s.objects.Put(ctx, df.ContentHash, f, info.Size(), contentType(df)); err != nil {
		return errors.Wrap(err, "store artifact bytes")
	}
	return s.files.CreateFile(ctx, df)
}

// Open returns a reader over the persisted bytes of df.
func (s *Store) Open(ctx context.Context, df *model.DiscoveredFile) (*os.File, func(), error) {
	if df.LocalPath != "" {
		if f, err := os.Open(df.LocalPath); err == nil {
			return f, func() { f.Close() }, nil
		}
	}
	rc, err := s.objects.Get(ctx, df.ContentHash)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "rehydrate discovered file %s", df.ID)
	}
	defer rc.Close()
	tmp, err := os.CreateTemp("", "df-*"+df.Ext())
	if err != nil {
		return nil, nil, errors.Wrap(err, "create rehydration file")
	}
	release := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.ReadFrom(rc); err != nil {
		release()
		return nil, nil, errors.Wrap(err, "copy artifact bytes")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		release()
		return nil, nil, errors.Wrap(err, "rewind rehydration file")
	}
	return tmp, release, nil
}

// SoftDelete marks df deleted and frees its hash slots. It is idempotent.
func (s *Store) SoftDelete(ctx context.Context, id string) (*model.DiscoveredFile, error) {
	df, err := s.files.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if df.IsDeleted {
		return df, nil
	}
	df.SoftDelete(s.clock.Now())
	if err := s.files.UpdateFile(ctx, df); err != nil {
		return nil, errors.Wrapf(err, "soft delete discovered file %s", id)
	}
	return df, nil
}

func contentType(df *model.DiscoveredFile) string {
	if t := mime.TypeByExtension(df.Ext()); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Severity grades a duplicate.
type Severity int

const (
	// SeverityExpected is a re-download by the same job.
	SeverityExpected Severity = iota
	// SeverityLog is the same content seen by a sibling job of the same
	// account and connector.
	SeverityLog
	// SeverityWarn is the adapter yielding the same file twice in one run.
	SeverityWarn
	// SeverityCritical is content crossing an account or connector boundary.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityExpected:
		return "expected"
	case SeverityLog:
		return "log"
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// ClassifyDuplicate grades a duplicate of existing found while saving a file
// for run. existingJob may be nil when it could not be loaded.
func ClassifyDuplicate(run *model.Run, job *model.Job, existing *model.DiscoveredFile, existingJob *model.Job) Severity {
	switch {
	case existing.RunID == run.ID:
		return SeverityWarn
	case existing.JobID == run.JobID:
		return SeverityExpected
	case existingJob == nil:
		return SeverityLog
	case existingJob.AccountID != job.AccountID, existingJob.ConnectorID != job.ConnectorID:
		return SeverityCritical
	}
	return SeverityLog
}

// ReportDuplicate logs or alerts on a duplicate according to its severity.
func (s *Store) ReportDuplicate(ctx context.Context, run *model.Run, job *model.Job, df, existing *model.DiscoveredFile) Severity {
	existingJob, err := s.jobs.GetJob(ctx, existing.JobID)
	if err != nil {
		s.logger.WarnContext(ctx, "could not load job of existing discovered file", "existing_df_id", existing.ID, "error", err)
		existingJob = nil
	}
	sev := ClassifyDuplicate(run, job, existing, existingJob)
	attrs := []any{"df_id", df.ID, "existing_df_id", existing.ID, "existing_run_id", existing.RunID, "content_hash", df.ContentHash, "severity", sev.String()}
	switch sev {
	case SeverityWarn:
		s.logger.WarnContext(ctx, "adapter yielded the same file twice in one run", attrs...)
	case SeverityExpected:
		s.logger.DebugContext(ctx, "discovered file already downloaded by this job", attrs...)
	case SeverityLog:
		s.logger.InfoContext(ctx, "discovered file already downloaded by another job", attrs...)
	case SeverityCritical:
		fields := map[string]string{
			"new_df_id":             df.ID,
			"existing_df_id":        existing.ID,
			"new_account_id":        job.AccountID,
			"existing_account_id":   existingJob.AccountID,
			"new_connector_id":      job.ConnectorID,
			"existing_connector_id": existingJob.ConnectorID,
			"content_hash":          df.ContentHash,
		}
		title := "discovered file content belongs to another account"
		if existingJob.AccountID == job.AccountID {
			title = "discovered file content belongs to another connector"
		}
		s.alerts.Emit(ctx, alert.Alert{Severity: alert.SeverityCritical, Title: title, Fields: fields, At: s.clock.Now()})
	}
	return sev
}
