// Package runs applies run state transitions. Every status change goes
// through Machine, which serializes transitions per run and persists them
// with a compare-and-swap on the previous status.
package runs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/retry"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// staleAttempts bounds how often a transition is re-read and re-applied when
// another process changed the run underneath it.
const staleAttempts = 3

// Hook observes terminal transitions after they are committed.
type Hook interface {
	OnSuccess(ctx context.Context, run *model.Run)
	OnFailure(ctx context.Context, run *model.Run)
	OnCancel(ctx context.Context, run *model.Run)
}

// Enqueuer hands a scheduled run to the worker pool. Enqueue must be
// idempotent by run id.
type Enqueuer interface {
	Enqueue(ctx context.Context, run *model.Run) error
}

// Machine is the only writer of run status.
type Machine struct {
	runs   store.RunStore
	clock  clock.TimeProvider
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*runLock
	hooks []Hook
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewMachine builds a Machine.
func NewMachine(runs store.RunStore, clk clock.TimeProvider, logger *slog.Logger, hooks ...Hook) *Machine {
	return &Machine{runs: runs, clock: clk, logger: logger, locks: make(map[string]*runLock), hooks: hooks}
}

// AddHook registers h for every following terminal transition.
func (m *Machine) AddHook(h Hook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

func (m *Machine) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &runLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// apply loads the run, applies fn and writes the result if the stored status
// did not move in between.
func (m *Machine) apply(ctx context.Context, id string, fn func(r *model.Run) error) (*model.Run, error) {
	unlock := m.lock(id)
	defer unlock()

	var out *model.Run
	err := retry.OnStale(ctx, staleAttempts, func() error {
		r, err := m.runs.GetRun(ctx, id)
		if err != nil {
			return err
		}
		prev := r.Status
		if err := fn(r); err != nil {
			return err
		}
		if err := m.runs.UpdateRun(ctx, r, prev); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Schedule moves a Created run to Scheduled and enqueues it. If enqueueing
// fails the run stays Scheduled; the maintenance pass picks it up again.
func (m *Machine) Schedule(ctx context.Context, id string, q Enqueuer) (*model.Run, error) {
	r, err := m.apply(ctx, id, func(r *model.Run) error { return r.Schedule(m.clock.Now()) })
	if err != nil {
		return nil, err
	}
	if q != nil {
		if err := q.Enqueue(ctx, r); err != nil {
			return r, errors.Wrapf(err, "enqueue run %s", id)
		}
	}
	return r, nil
}

// Enqueue re-sends an already Scheduled run to the worker pool.
func (m *Machine) Enqueue(ctx context.Context, id string, q Enqueuer) (*model.Run, error) {
	r, err := m.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != model.RunScheduled {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "enqueue: run %s is %s", id, r.Status)
	}
	return r, q.Enqueue(ctx, r)
}

// RecordExecutionStart moves a Scheduled run to Started.
func (m *Machine) RecordExecutionStart(ctx context.Context, id string) (*model.Run, error) {
	return m.apply(ctx, id, func(r *model.Run) error { return r.Start(m.clock.Now()) })
}

// RecordPartialSuccess sets the partial marker on a Started run.
func (m *Machine) RecordPartialSuccess(ctx context.Context, id string) (*model.Run, error) {
	return m.apply(ctx, id, func(r *model.Run) error { return r.MarkPartial(m.clock.Now()) })
}

// RecordSuccess terminates a Started run as Succeeded or PartiallySucceeded.
func (m *Machine) RecordSuccess(ctx context.Context, id string) (*model.Run, error) {
	r, err := m.apply(ctx, id, func(r *model.Run) error { return r.Succeed(m.clock.Now()) })
	if err != nil {
		return nil, err
	}
	for _, h := range m.snapshotHooks() {
		h.OnSuccess(ctx, r)
	}
	return r, nil
}

// RecordFailure terminates a Started run as Failed with issue.
func (m *Machine) RecordFailure(ctx context.Context, id string, issue model.Issue) (*model.Run, error) {
	r, err := m.apply(ctx, id, func(r *model.Run) error { return r.Fail(issue, m.clock.Now()) })
	if err != nil {
		return nil, err
	}
	for _, h := range m.snapshotHooks() {
		h.OnFailure(ctx, r)
	}
	return r, nil
}

// Cancel terminates a non-terminal run.
func (m *Machine) Cancel(ctx context.Context, id string, reason model.CancellationReason, by string) (*model.Run, error) {
	r, err := m.apply(ctx, id, func(r *model.Run) error { return r.Cancel(reason, by, m.clock.Now()) })
	if err != nil {
		return nil, err
	}
	for _, h := range m.snapshotHooks() {
		h.OnCancel(ctx, r)
	}
	return r, nil
}

// Annotate replaces the cancellation reason of a terminal run.
func (m *Machine) Annotate(ctx context.Context, id string, reason model.CancellationReason) (*model.Run, error) {
	return m.apply(ctx, id, func(r *model.Run) error { return r.Annotate(reason, m.clock.Now()) })
}

// Duplicate creates a new Created run cloning a terminal run's parameters.
// The source run is not modified.
func (m *Machine) Duplicate(ctx context.Context, id string, via model.CreatedVia) (*model.Run, error) {
	src, err := m.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	dup, err := src.Duplicate(uuid.NewString(), via, m.clock.Now())
	if err != nil {
		return nil, err
	}
	if _, err := m.runs.CreateRun(ctx, dup, false); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "duplicated run", "source_run_id", id, "run_id", dup.ID, "created_via", via)
	return dup, nil
}

func (m *Machine) snapshotHooks() []Hook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Hook(nil), m.hooks...)
}
