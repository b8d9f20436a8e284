// Package storage contains the in-memory persistence layer used by local mode
// and tests. It enforces the same uniqueness rules as the Postgres schema.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

var _ store.Store = (*MemoryStore)(nil)

// MemoryStore keeps every table in maps guarded by one RWMutex. Values are
// cloned on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	connectors map[string]*model.Connector
	jobs       map[string]*model.Job
	runs       map[string]*model.Run
	files      map[string]*model.DiscoveredFile
	checkRuns  map[string]*model.CheckRun
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connectors: make(map[string]*model.Connector),
		jobs:       make(map[string]*model.Job),
		runs:       make(map[string]*model.Run),
		files:      make(map[string]*model.DiscoveredFile),
		checkRuns:  make(map[string]*model.CheckRun),
	}
}

// CreateRun inserts run, guarding the one-active-run-per-job-and-action rule.
func (m *MemoryStore) CreateRun(_ context.Context, run *model.Run, supersede bool) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return nil, errors.Wrapf(errors.ErrConflict, "run %s already exists", run.ID)
	}
	var active []*model.Run
	for _, r := range m.runs {
		if r.JobID == run.JobID && r.Action == run.Action && !r.Status.Terminal() {
			active = append(active, r)
		}
	}
	var superseded []*model.Run
	if len(active) > 0 {
		if !supersede {
			return nil, errors.Wrapf(store.ErrActiveRun, "job %s action %s", run.JobID, run.Action)
		}
		for _, r := range active {
			if r.Status == model.RunStarted {
				return nil, errors.Wrapf(store.ErrActiveRun, "job %s action %s is running as %s", run.JobID, run.Action, r.ID)
			}
		}
		for _, r := range active {
			if err := r.Cancel(model.CancelScheduledMultiple, string(run.CreatedVia), run.CreatedAt); err != nil {
				return nil, err
			}
			superseded = append(superseded, r.Clone())
		}
	}
	m.runs[run.ID] = run.Clone()
	return superseded, nil
}

// GetRun returns a run copy.
func (m *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "run %s", id)
	}
	return r.Clone(), nil
}

// UpdateRun replaces the stored run when its status still equals expected.
func (m *MemoryStore) UpdateRun(_ context.Context, run *model.Run, expected model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "run %s", run.ID)
	}
	if cur.Status != expected {
		return errors.Wrapf(store.ErrStaleRun, "run %s is %s, expected %s", run.ID, cur.Status, expected)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

// ListRuns returns matching runs, newest first.
func (m *MemoryStore) ListRuns(_ context.Context, f store.RunFilter) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Run
	for _, r := range m.runs {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// hashTaken reports whether another live file holds one of df's hashes.
func (m *MemoryStore) hashTaken(df *model.DiscoveredFile) bool {
	if df.IsDeleted {
		return false
	}
	for id, other := range m.files {
		if id == df.ID || other.IsDeleted {
			continue
		}
		if df.ContentHash != "" && other.ContentHash == df.ContentHash {
			return true
		}
		if th := df.TextHash(); th != "" && other.TextHash() == th {
			return true
		}
	}
	return false
}

// CreateFile inserts df.
func (m *MemoryStore) CreateFile(_ context.Context, df *model.DiscoveredFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[df.ID]; ok {
		return errors.Wrapf(errors.ErrConflict, "discovered file %s already exists", df.ID)
	}
	for _, other := range m.files {
		if other.JobID == df.JobID && other.ReferenceCode == df.ReferenceCode {
			return errors.Wrapf(store.ErrDuplicateReference, "job %s reference %q", df.JobID, df.ReferenceCode)
		}
	}
	if m.hashTaken(df) {
		return errors.Wrapf(store.ErrDuplicateContent, "discovered file %s", df.ID)
	}
	m.files[df.ID] = df.Clone()
	return nil
}

// GetFile returns a discovered file copy.
func (m *MemoryStore) GetFile(_ context.Context, id string) (*model.DiscoveredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	df, ok := m.files[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "discovered file %s", id)
	}
	return df.Clone(), nil
}

// UpdateFile replaces a stored discovered file.
func (m *MemoryStore) UpdateFile(_ context.Context, df *model.DiscoveredFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[df.ID]; !ok {
		return errors.Wrapf(store.ErrNotFound, "discovered file %s", df.ID)
	}
	if m.hashTaken(df) {
		return errors.Wrapf(store.ErrDuplicateContent, "discovered file %s", df.ID)
	}
	m.files[df.ID] = df.Clone()
	return nil
}

// FindFileByReference looks up (job, reference_code), deleted rows included.
func (m *MemoryStore) FindFileByReference(_ context.Context, jobID, referenceCode string) (*model.DiscoveredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, df := range m.files {
		if df.JobID == jobID && df.ReferenceCode == referenceCode {
			return df.Clone(), nil
		}
	}
	return nil, errors.Wrapf(store.ErrNotFound, "job %s reference %q", jobID, referenceCode)
}

// FindFileByHash returns the oldest live file matching either hash.
func (m *MemoryStore) FindFileByHash(_ context.Context, contentHash, textHash string) (*model.DiscoveredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.DiscoveredFile
	for _, df := range m.files {
		if df.IsDeleted {
			continue
		}
		match := (contentHash != "" && df.ContentHash == contentHash) ||
			(textHash != "" && df.TextHash() == textHash)
		if match && (found == nil || df.CreatedAt.Before(found.CreatedAt)) {
			found = df
		}
	}
	if found == nil {
		return nil, errors.Wrap(store.ErrNotFound, "discovered file by hash")
	}
	return found.Clone(), nil
}

// ListFiles returns matching files, oldest first.
func (m *MemoryStore) ListFiles(_ context.Context, f store.FileFilter) ([]*model.DiscoveredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.DiscoveredFile
	for _, df := range m.files {
		if f.Match(df) {
			out = append(out, df.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CreateCheckRun inserts c.
func (m *MemoryStore) CreateCheckRun(_ context.Context, c *model.CheckRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkRuns[c.ID]; ok {
		return errors.Wrapf(errors.ErrConflict, "check run %s already exists", c.ID)
	}
	m.checkRuns[c.ID] = c.Clone()
	return nil
}

// GetCheckRun returns a check-run copy.
func (m *MemoryStore) GetCheckRun(_ context.Context, id string) (*model.CheckRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkRuns[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "check run %s", id)
	}
	return c.Clone(), nil
}

// UpdateCheckRun replaces a stored check-run.
func (m *MemoryStore) UpdateCheckRun(_ context.Context, c *model.CheckRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkRuns[c.ID]; !ok {
		return errors.Wrapf(store.ErrNotFound, "check run %s", c.ID)
	}
	m.checkRuns[c.ID] = c.Clone()
	return nil
}

// ListCheckRuns returns matching check-runs, oldest first.
func (m *MemoryStore) ListCheckRuns(_ context.Context, f store.CheckRunFilter) ([]*model.CheckRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.CheckRun
	for _, c := range m.checkRuns {
		if f.Match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpsertConnector inserts or replaces a connector.
func (m *MemoryStore) UpsertConnector(_ context.Context, c *model.Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[c.ID] = c.Clone()
	return nil
}

// GetConnector returns a connector copy.
func (m *MemoryStore) GetConnector(_ context.Context, id string) (*model.Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "connector %s", id)
	}
	return c.Clone(), nil
}

// ListConnectors returns every connector ordered by id.
func (m *MemoryStore) ListConnectors(_ context.Context) ([]*model.Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertJob inserts or replaces a job. The connector must exist.
func (m *MemoryStore) UpsertJob(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connectors[j.ConnectorID]; !ok {
		return errors.Wrapf(store.ErrNotFound, "connector %s", j.ConnectorID)
	}
	stored := j.Clone()
	stored.Connector = nil
	m.jobs[j.ID] = stored
	return nil
}

func (m *MemoryStore) resolve(j *model.Job) *model.Job {
	out := j.Clone()
	if c, ok := m.connectors[j.ConnectorID]; ok {
		out.Connector = c.Clone()
	}
	return out
}

// GetJob returns a job with its connector resolved.
func (m *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "job %s", id)
	}
	return m.resolve(j), nil
}

// ListJobs returns matching jobs ordered by id.
func (m *MemoryStore) ListJobs(_ context.Context, f store.JobFilter) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if f.ConnectorID != "" && j.ConnectorID != f.ConnectorID {
			continue
		}
		if f.EnabledOnly && !j.Enabled {
			continue
		}
		out = append(out, m.resolve(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
