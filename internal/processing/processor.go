// Package processing runs scheduled runs on an in-process worker pool. It is
// the queue used by the local mode of the CLI; production workers consume
// asynq instead.
package processing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// ErrQueueFull is returned by Enqueue when the buffer is at capacity.
var ErrQueueFull = errors.New("processing queue full")

// Executor runs one scheduled run to completion.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// Task is one unit of pool work.
type Task struct {
	RunID   string
	Timeout time.Duration
}

// Processor consumes Tasks on a fixed number of goroutines.
type Processor struct {
	exec           Executor
	jobs           store.JobStore
	defaultTimeout time.Duration
	logger         *slog.Logger
	queue          chan Task
	workers        int

	mu       sync.Mutex
	pending  map[string]bool
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Processor. capacity bounds the number of queued tasks; zero
// means four per worker.
func New(exec Executor, jobs store.JobStore, workers, capacity int, defaultTimeout time.Duration, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = workers * 4
	}
	return &Processor{
		exec:           exec,
		jobs:           jobs,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		queue:          make(chan Task, capacity),
		workers:        workers,
		pending:        make(map[string]bool),
		inflight:       make(map[string]context.CancelFunc),
	}
}

// Start launches the workers. They exit when ctx is done; Wait blocks until
// they have.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

// Wait blocks until every worker has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Enqueue implements runs.Enqueuer. Enqueueing a run already queued or
// running is a no-op.
func (p *Processor) Enqueue(ctx context.Context, run *model.Run) error {
	timeout := p.defaultTimeout
	if p.jobs != nil {
		if job, err := p.jobs.GetJob(ctx, run.JobID); err == nil {
			if limit, ok := job.TaskTimeLimit(); ok {
				timeout = limit.Hard
			}
		}
	}
	return p.Submit(Task{RunID: run.ID, Timeout: timeout})
}

// Submit queues a task without blocking.
func (p *Processor) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[t.RunID] || p.inflight[t.RunID] != nil {
		return nil
	}
	select {
	case p.queue <- t:
		p.pending[t.RunID] = true
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "run %s", t.RunID)
	}
}

// Cancel stops the run if it is executing. It reports whether a signal was
// delivered.
func (p *Processor) Cancel(runID string) bool {
	p.mu.Lock()
	cancel := p.inflight[runID]
	p.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// OnCancel lets the pool act as a cancel hook of the run state machine.
func (p *Processor) OnCancel(_ context.Context, run *model.Run) {
	p.Cancel(run.ID)
}

func (p *Processor) OnSuccess(context.Context, *model.Run) {}

func (p *Processor) OnFailure(context.Context, *model.Run) {}

func (p *Processor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.process(ctx, t)
		}
	}
}

func (p *Processor) process(parent context.Context, t Task) {
	var ctx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	p.mu.Lock()
	delete(p.pending, t.RunID)
	p.inflight[t.RunID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, t.RunID)
		p.mu.Unlock()
	}()

	if err := p.exec.Execute(ctx, t.RunID); err != nil {
		p.logger.WarnContext(parent, "run execution returned error", "run_id", t.RunID, "error", err)
	}
}
