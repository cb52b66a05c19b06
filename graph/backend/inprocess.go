package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
)

// InProcess runs every task to completion inside Submit. The Executor
// therefore runs one node at a time no matter its concurrency limit. It is
// the simplest backend and the one to use in tests.
type InProcess struct {
	logger *zap.Logger

	mu      sync.Mutex
	results map[graph.Handle]graph.Status
}

var _ graph.Backend = (*InProcess)(nil)

// NewInProcess returns a sequential backend.
func NewInProcess(opts ...Option) *InProcess {
	cfg := newConfig(opts)
	return &InProcess{
		logger:  cfg.logger,
		results: make(map[graph.Handle]graph.Status),
	}
}

// Submit runs task and records its status.
func (b *InProcess) Submit(ctx context.Context, task graph.Task) (graph.Handle, error) {
	start := time.Now()
	status := graph.Execute(ctx, task)
	b.logger.Debug("task finished",
		zap.String("node", task.Name),
		zap.Stringer("state", status.State),
		zap.Duration("duration", time.Since(start)))

	h := newHandle()
	b.mu.Lock()
	b.results[h] = status
	b.mu.Unlock()
	return h, nil
}

// Poll returns the recorded status and forgets the handle.
func (b *InProcess) Poll(_ context.Context, h graph.Handle) (graph.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.results[h]
	if !ok {
		return graph.Status{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	delete(b.results, h)
	return status, nil
}

// Cancel is a no-op: tasks have finished by the time a handle exists.
func (b *InProcess) Cancel(context.Context, graph.Handle) error {
	return nil
}
