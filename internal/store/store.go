// Package store declares the persistence contracts shared by the in-memory and
// Postgres implementations. Uniqueness rules live behind these interfaces:
// callers never take advisory locks.
package store

import (
	"context"
	"io"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

var (
	ErrNotFound = errors.ErrNotFound

	// ErrActiveRun is returned when a non-terminal run already exists for the
	// same job and action.
	ErrActiveRun = errors.New("active run exists for job and action")

	// ErrStaleRun is returned by UpdateRun when the stored status no longer
	// matches the expected one.
	ErrStaleRun = errors.Wrap(errors.ErrStale, "run status changed")

	// ErrDuplicateReference is returned when (job, reference_code) is taken.
	ErrDuplicateReference = errors.New("discovered file reference already exists for job")

	// ErrDuplicateContent is returned when a non-deleted file already holds the
	// content hash or the extracted text hash.
	ErrDuplicateContent = errors.New("discovered file content already exists")
)

// RunFilter selects runs. Zero fields do not filter. Results are ordered by
// created_at, newest first.
type RunFilter struct {
	JobID             string
	Action            model.Action
	Statuses          []model.RunStatus
	ExcludeCreatedVia []model.CreatedVia
	IsManual          *bool
	CreatedAfter      time.Time
	CreatedBefore     time.Time
	StartedBefore     time.Time
	Limit             int
}

// Match reports whether r satisfies the filter.
func (f RunFilter) Match(r *model.Run) bool {
	if f.JobID != "" && r.JobID != f.JobID {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	for _, via := range f.ExcludeCreatedVia {
		if r.CreatedVia == via {
			return false
		}
	}
	if f.IsManual != nil && r.IsManual != *f.IsManual {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.StartedBefore.IsZero() && (r.ExecutionStartTS == nil || !r.ExecutionStartTS.Before(f.StartedBefore)) {
		return false
	}
	return true
}

func containsStatus(xs []model.RunStatus, s model.RunStatus) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// RunStore persists runs.
type RunStore interface {
	// CreateRun inserts run. When another non-terminal run exists for the
	// same job and action it returns ErrActiveRun, unless supersede is set
	// and none of the existing runs has started; those are canceled with
	// SCHEDULED_MULTIPLE in the same transaction and returned.
	CreateRun(ctx context.Context, run *model.Run, supersede bool) ([]*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// UpdateRun writes run if the stored status still equals expected.
	UpdateRun(ctx context.Context, run *model.Run, expected model.RunStatus) error
	ListRuns(ctx context.Context, f RunFilter) ([]*model.Run, error)
}

// FileFilter selects discovered files, ordered by created_at ascending.
type FileFilter struct {
	RunID            string
	JobID            string
	NeedsIngestion   bool
	DownloadedBefore time.Time
	IncludeDeleted   bool
	Limit            int
}

// Match reports whether df satisfies the filter.
func (f FileFilter) Match(df *model.DiscoveredFile) bool {
	if f.RunID != "" && df.RunID != f.RunID {
		return false
	}
	if f.JobID != "" && df.JobID != f.JobID {
		return false
	}
	if !f.IncludeDeleted && df.IsDeleted {
		return false
	}
	if f.NeedsIngestion && !df.NeedsIngestion() {
		return false
	}
	if !f.DownloadedBefore.IsZero() && (df.DownloadedAt == nil || !df.DownloadedAt.Before(f.DownloadedBefore)) {
		return false
	}
	return true
}

// FileStore persists discovered files.
type FileStore interface {
	// CreateFile inserts df, enforcing reference and hash uniqueness.
	CreateFile(ctx context.Context, df *model.DiscoveredFile) error
	GetFile(ctx context.Context, id string) (*model.DiscoveredFile, error)
	UpdateFile(ctx context.Context, df *model.DiscoveredFile) error
	FindFileByReference(ctx context.Context, jobID, referenceCode string) (*model.DiscoveredFile, error)
	// FindFileByHash returns a non-deleted file whose content hash equals
	// contentHash or, when textHash is non-empty, whose extracted text hash
	// equals textHash.
	FindFileByHash(ctx context.Context, contentHash, textHash string) (*model.DiscoveredFile, error)
	ListFiles(ctx context.Context, f FileFilter) ([]*model.DiscoveredFile, error)
}

// CheckRunFilter selects check-runs, ordered by created_at ascending.
type CheckRunFilter struct {
	CheckRunID    string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Unevaluated   bool
	Unsuccessful  bool
}

// Match reports whether c satisfies the filter.
func (f CheckRunFilter) Match(c *model.CheckRun) bool {
	if f.CheckRunID != "" && c.CheckRunID != f.CheckRunID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !c.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !c.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.Unevaluated && c.Evaluated() {
		return false
	}
	if f.Unsuccessful && c.IsCheckRunSuccess {
		return false
	}
	return true
}

// CheckRunStore persists check-runs.
type CheckRunStore interface {
	CreateCheckRun(ctx context.Context, c *model.CheckRun) error
	GetCheckRun(ctx context.Context, id string) (*model.CheckRun, error)
	UpdateCheckRun(ctx context.Context, c *model.CheckRun) error
	ListCheckRuns(ctx context.Context, f CheckRunFilter) ([]*model.CheckRun, error)
}

// JobFilter selects jobs.
type JobFilter struct {
	ConnectorID string
	EnabledOnly bool
}

// JobStore persists connectors and jobs. Jobs are returned with their
// connector resolved.
type JobStore interface {
	UpsertConnector(ctx context.Context, c *model.Connector) error
	GetConnector(ctx context.Context, id string) (*model.Connector, error)
	ListConnectors(ctx context.Context) ([]*model.Connector, error)
	UpsertJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error)
}

// Store is the union used by the engine and the maintenance loop.
type Store interface {
	RunStore
	FileStore
	CheckRunStore
	JobStore
}

// ObjectStore keeps artifact bytes keyed by content hash.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
