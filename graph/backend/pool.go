package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
)

// Pool runs tasks on a bounded set of goroutines. Submit only queues; a
// dispatcher hands queued tasks to the worker pool in submission order.
// Command nodes start their own OS processes, so a Pool of n workers runs up
// to n external programs side by side. Func nodes run in this process.
type Pool struct {
	logger  *zap.Logger
	workers *pool.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[graph.Handle]*poolJob
	queue  []*poolJob
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

type poolJob struct {
	handle graph.Handle
	task   graph.Task
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Pool.mu.
	started bool
	status  graph.Status
}

var _ graph.Backend = (*Pool)(nil)

// NewPool starts a pool. Use WithWorkers to size it.
func NewPool(opts ...Option) *Pool {
	cfg := newConfig(opts)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  cfg.logger,
		workers: pool.New().WithMaxGoroutines(cfg.workers),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[graph.Handle]*poolJob),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit queues task. The task runs under a context owned by the pool, not
// ctx, so that it outlives the Submit call.
func (p *Pool) Submit(_ context.Context, task graph.Task) (graph.Handle, error) {
	jobCtx, cancel := context.WithCancel(p.ctx)
	job := &poolJob{
		handle: newHandle(),
		task:   task,
		ctx:    jobCtx,
		cancel: cancel,
		status: graph.Running(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	p.jobs[job.handle] = job
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	p.signal()
	return job.handle, nil
}

// Poll reports the task's status. A finished handle is forgotten once it has
// been reported.
func (p *Pool) Poll(_ context.Context, h graph.Handle) (graph.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[h]
	if !ok {
		return graph.Status{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if job.status.State != graph.JobRunning {
		delete(p.jobs, h)
	}
	return job.status, nil
}

// Cancel removes a queued task or cancels the context of a running one.
func (p *Pool) Cancel(_ context.Context, h graph.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	job.cancel()
	if !job.started && job.status.State == graph.JobRunning {
		job.status = cancelledStatus(job.task.Name)
	}
	return nil
}

// Close cancels every task and waits for the workers to return.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.signal()
	<-p.done
	return nil
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatch() {
	defer close(p.done)
	for {
		job, ok := p.next()
		if !ok {
			p.workers.Wait()
			return
		}
		// Go blocks while every worker is busy.
		p.workers.Go(func() { p.run(job) })
	}
}

// next waits for a queued job that has not been cancelled. It returns false
// once the pool is closed.
func (p *Pool) next() (*poolJob, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			for _, job := range p.queue {
				if job.status.State == graph.JobRunning {
					job.status = cancelledStatus(job.task.Name)
				}
			}
			p.queue = nil
			p.mu.Unlock()
			return nil, false
		}
		for len(p.queue) > 0 {
			job := p.queue[0]
			p.queue = p.queue[1:]
			if job.status.State == graph.JobRunning {
				p.mu.Unlock()
				return job, true
			}
		}
		p.mu.Unlock()
		<-p.wake
	}
}

func (p *Pool) run(job *poolJob) {
	defer job.cancel()

	p.mu.Lock()
	if job.status.State != graph.JobRunning {
		p.mu.Unlock()
		return
	}
	job.started = true
	p.mu.Unlock()

	start := time.Now()
	var status graph.Status
	if job.ctx.Err() != nil {
		status = cancelledStatus(job.task.Name)
	} else {
		status = graph.Execute(job.ctx, job.task)
	}
	p.logger.Debug("task finished",
		zap.String("node", job.task.Name),
		zap.Stringer("state", status.State),
		zap.Duration("duration", time.Since(start)))

	p.mu.Lock()
	job.status = status
	p.mu.Unlock()
}
