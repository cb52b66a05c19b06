// Package backend provides reference implementations of graph.Backend.
//
//   - InProcess runs each task inside Submit, one at a time.
//   - Pool runs tasks on a bounded set of goroutines.
//   - Batch hands command nodes to a cluster scheduler as shell scripts.
//   - Retry wraps any backend and resubmits retryable failures.
//
// All of them are safe for use by a single Executor; Pool and Batch own
// goroutines and must be closed.
package backend

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
)

// ErrUnknownHandle is returned by Poll and Cancel for handles the backend
// did not issue or has already reported as finished.
var ErrUnknownHandle = errors.New("unknown handle")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("backend is closed")

// Option configures a backend.
type Option func(*config)

type config struct {
	logger      *zap.Logger
	workers     int
	statusGrace time.Duration
}

func defaultConfig() config {
	return config{
		logger:      zap.NewNop(),
		workers:     4,
		statusGrace: 30 * time.Second,
	}
}

func newConfig(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWorkers sets how many tasks a Pool runs at once, and how many
// non-command tasks a Batch runs locally. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n >= 1 {
			c.workers = n
		}
	}
}

// WithStatusGrace sets how long Batch waits for a job's status file to
// appear after the scheduler stops reporting the job. Shared file systems
// may make the file visible late.
func WithStatusGrace(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.statusGrace = d
		}
	}
}

func newHandle() graph.Handle {
	return graph.Handle(uuid.NewString())
}

func cancelledStatus(name string) graph.Status {
	return graph.Failed(&graph.Failure{
		Reason:  graph.ReasonCancelled,
		Message: "node " + name + " was cancelled",
	})
}
